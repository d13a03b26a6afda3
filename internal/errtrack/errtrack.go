// Package errtrack forwards unexpected failures to the operator's error channel.
package errtrack

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"
)

// Reporter receives unexpected failures with their stack.
type Reporter interface {
	Report(ctx context.Context, err error, attrs ...any)
}

// LogReporter writes reports as structured error logs including the captured stack.
type LogReporter struct {
	logger *slog.Logger
}

// NewLogReporter constructs a LogReporter.
func NewLogReporter(logger *slog.Logger) *LogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogReporter{logger: logger.With("component", "errtrack")}
}

// Report logs err with its stack trace.
func (r *LogReporter) Report(ctx context.Context, err error, attrs ...any) {
	if err == nil {
		return
	}
	args := append([]any{"error", err.Error(), "stack", fmt.Sprintf("%+v", Capture(err))}, attrs...)
	r.logger.ErrorContext(ctx, "unexpected failure", args...)
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Capture attaches a stack trace unless err already carries one.
func Capture(err error) error {
	if err == nil {
		return nil
	}
	var st stackTracer
	if errors.As(err, &st) {
		return err
	}
	return errors.WithStack(err)
}

// FromPanic converts a recovered value into an error with the current stack.
func FromPanic(v any) error {
	if err, ok := v.(error); ok {
		return errors.Wrap(err, "panic")
	}
	return errors.Errorf("panic: %v", v)
}

// Nop discards reports.
type Nop struct{}

func (Nop) Report(context.Context, error, ...any) {}

var (
	_ Reporter = (*LogReporter)(nil)
	_ Reporter = Nop{}
)
