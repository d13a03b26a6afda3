package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/splax/localvercel/internal/domain"
)

// LocalExecutor runs steps on the orchestrator host for servers flagged IsLocal.
type LocalExecutor struct {
	shell string
	now   func() time.Time
}

// NewLocalExecutor returns an executor invoking /bin/sh.
func NewLocalExecutor() *LocalExecutor {
	return &LocalExecutor{shell: "/bin/sh", now: time.Now}
}

// Run executes steps sequentially through the local shell.
func (e *LocalExecutor) Run(ctx context.Context, server domain.Server, steps []Step, opts Options) (Result, error) {
	if !server.IsFunctional() {
		return Result{}, ErrNotFunctional
	}
	return runSteps(ctx, steps, opts, e.now, e.runLine)
}

func (e *LocalExecutor) runLine(ctx context.Context, line string, emit func(stream, text string)) (int, error) {
	cmd := exec.CommandContext(ctx, e.shell, "-c", line)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	pump := func(stream string, r io.Reader) {
		defer wg.Done()
		_ = pumpLines(r, func(text string) {
			mu.Lock()
			emit(stream, text)
			mu.Unlock()
		})
	}
	wg.Add(2)
	go pump(domain.StreamStdout, stdout)
	go pump(domain.StreamStderr, stderr)
	wg.Wait()

	err = cmd.Wait()
	if err == nil {
		return 0, nil
	}
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("%w: %v", ErrTransport, err)
}

// Router sends local servers to one executor and everything else to another.
type Router struct {
	Remote Executor
	Local  Executor
}

// Run dispatches on server.IsLocal.
func (r Router) Run(ctx context.Context, server domain.Server, steps []Step, opts Options) (Result, error) {
	if server.IsLocal && r.Local != nil {
		return r.Local.Run(ctx, server, steps, opts)
	}
	return r.Remote.Run(ctx, server, steps, opts)
}

var (
	_ Executor = (*SSHExecutor)(nil)
	_ Executor = (*LocalExecutor)(nil)
	_ Executor = Router{}
)
