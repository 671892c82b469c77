// Package requestctx carries the request logger and trace identifiers. It has no dependencies on
// other platform packages so that any of them can read the values.
package requestctx

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type (
	loggerKey struct{}
	traceKey  struct{}
)

var nop = zap.NewNop()

// Trace identifies the Cloud Trace span serving the request.
type Trace struct {
	ID      string
	SpanID  string
	Sampled bool
	Project string
}

// Resource is the value Cloud Logging expects in logging.googleapis.com/trace.
func (t Trace) Resource() string {
	if t.ID == "" || t.Project == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/traces/%s", t.Project, t.ID)
}

func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	if logger == nil {
		logger = nop
	}
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Logger returns the request logger, or a no-op logger when none is set.
func Logger(ctx context.Context) *zap.Logger {
	logger, _ := LoggerOK(ctx)
	if logger == nil {
		return nop
	}
	return logger
}

// LoggerOK reports whether a logger was stored in ctx.
func LoggerOK(ctx context.Context) (*zap.Logger, bool) {
	if ctx == nil {
		return nil, false
	}
	logger, ok := ctx.Value(loggerKey{}).(*zap.Logger)
	return logger, ok && logger != nil && logger != nop
}

func WithTrace(ctx context.Context, t Trace) context.Context {
	return context.WithValue(ctx, traceKey{}, t)
}

// TraceFrom returns the trace stored in ctx or the zero Trace.
func TraceFrom(ctx context.Context) Trace {
	if ctx == nil {
		return Trace{}
	}
	t, _ := ctx.Value(traceKey{}).(Trace)
	return t
}
