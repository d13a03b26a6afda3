package remote

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/splax/localvercel/internal/domain"
)

var (
	// ErrTransport wraps failures reaching or talking to a server.
	ErrTransport = errors.New("remote: transport failure")
	// ErrNotFunctional is returned when work is attempted against an unusable server.
	ErrNotFunctional = errors.New("remote: server is not functional")
)

// ExitError reports a step that exited non-zero in must-succeed mode.
type ExitError struct {
	Step     string
	ExitCode int
	Output   string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("step %q exited with code %d", e.Step, e.ExitCode)
}

// Options tune a Run call.
type Options struct {
	// ThrowOnError stops at the first failing step and returns *ExitError.
	ThrowOnError bool
	// Output receives every echoed command and output line as it is produced.
	Output func(domain.LogLine)
}

// Result is the combined output of every executed step and the last exit code.
type Result struct {
	Output   string
	ExitCode int
}

// Executor runs steps on a server.
type Executor interface {
	Run(ctx context.Context, server domain.Server, steps []Step, opts Options) (Result, error)
}

// lineFunc runs one command line and streams its output through emit.
type lineFunc func(ctx context.Context, line string, emit func(stream, text string)) (int, error)

func runSteps(ctx context.Context, steps []Step, opts Options, now func() time.Time, run lineFunc) (Result, error) {
	var combined strings.Builder
	var result Result
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return finish(result, &combined), err
		}
		line := step.Line()
		if opts.Output != nil {
			opts.Output(domain.LogLine{
				Timestamp:     now(),
				Stream:        domain.StreamStdout,
				Text:          line,
				IsCommandEcho: true,
				Hidden:        step.Hidden,
			})
		}
		var stepOut strings.Builder
		code, err := run(ctx, line, func(stream, text string) {
			stepOut.WriteString(text)
			stepOut.WriteByte('\n')
			if opts.Output != nil {
				opts.Output(domain.LogLine{Timestamp: now(), Stream: stream, Text: text, Hidden: step.Hidden})
			}
		})
		combined.WriteString(stepOut.String())
		result.ExitCode = code
		if err != nil {
			return finish(result, &combined), err
		}
		if code == 0 || step.IgnoreFailure || step.tolerates(stepOut.String()) {
			continue
		}
		if opts.ThrowOnError {
			return finish(result, &combined), &ExitError{Step: step.Name, ExitCode: code, Output: stepOut.String()}
		}
	}
	return finish(result, &combined), nil
}

func finish(result Result, combined *strings.Builder) Result {
	result.Output = strings.TrimRight(combined.String(), "\n")
	return result
}

const maxLineBytes = 1024 * 1024

// pumpLines emits r line by line. A line over maxLineBytes stops the scan and
// the rest of r is discarded, so the remote side never blocks on a full pipe.
func pumpLines(r io.Reader, emit func(text string)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		emit(scanner.Text())
	}
	err := scanner.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, bufio.ErrTooLong) {
		emit("[output line too long, remaining output discarded]")
	}
	_, _ = io.Copy(io.Discard, r)
	return err
}
