package log

import (
	"fmt"
	"io"
	"regexp"

	"github.com/sirupsen/logrus"
)

// FilterHook drops entries not matching a user provided expression and
// redacts raw payloads from debug output.
type FilterHook struct {
	include *regexp.Regexp
}

var (
	// byte slices, as printed by %v
	rawBytes = regexp.MustCompile(`\[[\d\s]+\]`)
	// the hex encoded identity of an authentication line
	authIdentity = regexp.MustCompile(`(AUTH \w+) [0-9a-fA-F]+`)

	discard = &logrus.Logger{Out: io.Discard, Formatter: &logrus.JSONFormatter{}}
)

// NewFilterHook creates a hook keeping only entries matching filter. An
// empty filter keeps every entry.
func NewFilterHook(filter string) (*FilterHook, error) {
	hook := &FilterHook{}
	if filter == "" {
		return hook, nil
	}
	include, err := regexp.Compile(filter)
	if err != nil {
		return nil, fmt.Errorf("custom log level filter does not compile: %w", err)
	}
	logrus.Debugf("Using log filter: %q", include)
	hook.include = include
	return hook, nil
}

// Levels returns every level.
func (f *FilterHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire filters and redacts entry.
func (f *FilterHook) Fire(entry *logrus.Entry) error {
	if f.include != nil && !f.include.MatchString(entry.Message) {
		// Hooks cannot drop entries, so point it at a discarding logger.
		*entry = logrus.Entry{Logger: discard}
		return nil
	}

	if entry.Level >= logrus.DebugLevel {
		entry.Message = rawBytes.ReplaceAllString(entry.Message, "[FILTERED]")
		entry.Message = authIdentity.ReplaceAllString(entry.Message, "$1 [FILTERED]")
	}
	return nil
}
