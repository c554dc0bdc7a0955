package logging

import (
	"context"
	"errors"
	"log/slog"
)

// ContextProvider returns attributes describing the current episode. It is
// called once per record, so it must be cheap and safe for concurrent use.
type ContextProvider func() []slog.Attr

// episodeHandler stamps every record with the provider's attributes. Keys the
// caller already set on the record win over the provided ones.
type episodeHandler struct {
	inner    slog.Handler
	provider ContextProvider
}

func newEpisodeHandler(inner slog.Handler, provider ContextProvider) slog.Handler {
	if provider == nil {
		return inner
	}
	return &episodeHandler{inner: inner, provider: provider}
}

func (h *episodeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *episodeHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := h.provider()
	if len(attrs) == 0 {
		return h.inner.Handle(ctx, r)
	}
	present := make(map[string]struct{}, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		present[a.Key] = struct{}{}
		return true
	})
	for _, a := range attrs {
		if _, ok := present[a.Key]; !ok {
			r.AddAttrs(a)
		}
	}
	return h.inner.Handle(ctx, r)
}

func (h *episodeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &episodeHandler{inner: h.inner.WithAttrs(attrs), provider: h.provider}
}

func (h *episodeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &episodeHandler{inner: h.inner.WithGroup(name), provider: h.provider}
}

// fanout sends each record to every output enabled for its level. A failing
// output does not keep the record from the others; all failures are
// returned together.
type fanout []slog.Handler

func newFanout(handlers ...slog.Handler) fanout {
	out := make(fanout, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
