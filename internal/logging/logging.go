package logging

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const logTimeLayout = "20060102_150405"

// LogFilePath returns <logsDir>/<name>.<start>.log. One file per process run.
func LogFilePath(logsDir, name string, sessionStart time.Time) string {
	return filepath.Join(logsDir, fmt.Sprintf("%s.%s.log", name, sessionStart.Format(logTimeLayout)))
}

// PruneLogFiles removes all but the newest keep log files of name in logsDir
// and returns the removed paths. The timestamp in the file name decides
// which are newest. keep <= 0 disables pruning.
func PruneLogFiles(logsDir, name string, keep int) ([]string, error) {
	if keep <= 0 {
		return nil, nil
	}
	entries, err := os.ReadDir(logsDir)
	if err != nil {
		return nil, err
	}

	prefix := name + "."
	var files []string
	for _, e := range entries {
		n := e.Name()
		if e.IsDir() || !strings.HasPrefix(n, prefix) || !strings.HasSuffix(n, ".log") {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(n, prefix), ".log")
		if _, err := time.Parse(logTimeLayout, stamp); err != nil {
			continue
		}
		files = append(files, n)
	}
	if len(files) <= keep {
		return nil, nil
	}

	// the layout sorts lexically in time order
	sort.Strings(files)
	var removed []string
	var errs []error
	for _, n := range files[:len(files)-keep] {
		p := filepath.Join(logsDir, n)
		if err := os.Remove(p); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, p)
	}
	return removed, errors.Join(errs...)
}
