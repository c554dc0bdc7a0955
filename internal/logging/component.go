package logging

import "log/slog"

// ComponentLogger adapts *slog.Logger to the key/value logger interfaces of
// the dispatcher and the simulator client, tagging every record with the
// component that owns it.
type ComponentLogger struct {
	logger *slog.Logger
}

// ForComponent returns a ComponentLogger whose records carry component=name.
func ForComponent(logger *slog.Logger, name string) *ComponentLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &ComponentLogger{logger: logger.With("component", name)}
}

func (l *ComponentLogger) Debug(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *ComponentLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info(msg, keysAndValues...)
}

func (l *ComponentLogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Warn(msg, keysAndValues...)
}

func (l *ComponentLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Error(msg, keysAndValues...)
}

// Slog returns the tagged logger.
func (l *ComponentLogger) Slog() *slog.Logger {
	return l.logger
}
