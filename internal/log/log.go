// Package log provides the context aware logging used by every connection.
// Entries made with a connection context carry the connection name and ID.
// With the hook of NewSpanHook installed they are also recorded as events on
// the active span.
package log

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otellogrus"
)

type (
	connectionID   struct{}
	connectionName struct{}
)

const (
	// FieldID is the log field holding the connection ID.
	FieldID = "conn"
	// FieldName is the log field holding the connection name.
	FieldName = "name"
)

func Tracef(ctx context.Context, format string, args ...interface{}) {
	logf(ctx, logrus.TraceLevel, format, args...)
}

func Debugf(ctx context.Context, format string, args ...interface{}) {
	logf(ctx, logrus.DebugLevel, format, args...)
}

func Infof(ctx context.Context, format string, args ...interface{}) {
	logf(ctx, logrus.InfoLevel, format, args...)
}

func Warnf(ctx context.Context, format string, args ...interface{}) {
	logf(ctx, logrus.WarnLevel, format, args...)
}

func Errorf(ctx context.Context, format string, args ...interface{}) {
	logf(ctx, logrus.ErrorLevel, format, args...)
}

// Fatalf logs and terminates the process.
func Fatalf(ctx context.Context, format string, args ...interface{}) {
	entry(ctx).Fatalf(format, args...)
}

func logf(ctx context.Context, level logrus.Level, format string, args ...interface{}) {
	e := entry(ctx)
	if !e.Logger.IsLevelEnabled(level) {
		return
	}
	e.Logf(level, format, args...)
}

// NewSpanHook returns a hook adding entries of every level as events to
// the span of their context.
func NewSpanHook() *otellogrus.Hook {
	return otellogrus.NewHook(otellogrus.WithLevels(logrus.AllLevels...))
}

func entry(ctx context.Context) *logrus.Entry {
	e := logrus.NewEntry(logrus.StandardLogger())
	if ctx == nil {
		return e
	}
	e = e.WithContext(ctx)
	fields := logrus.Fields{}
	if id, ok := ctx.Value(connectionID{}).(string); ok {
		fields[FieldID] = id
	}
	if name, ok := ctx.Value(connectionName{}).(string); ok {
		fields[FieldName] = name
	}
	if len(fields) == 0 {
		return e
	}
	return e.WithFields(fields)
}
