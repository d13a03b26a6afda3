package remote

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/splax/localvercel/internal/domain"
)

type scriptedLine struct {
	out  []string
	code int
	err  error
}

func scripted(lines map[string]scriptedLine, ran *[]string) lineFunc {
	return func(ctx context.Context, line string, emit func(stream, text string)) (int, error) {
		*ran = append(*ran, line)
		s := lines[line]
		for _, text := range s.out {
			emit(domain.StreamStdout, text)
		}
		return s.code, s.err
	}
}

func fixedNow() time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
}

func TestRunStepsThrowOnError(t *testing.T) {
	steps := []Step{
		{Name: "one", Argv: []string{"echo", "one"}},
		{Name: "two", Argv: []string{"false"}},
		{Name: "three", Argv: []string{"echo", "three"}},
	}
	var ran []string
	run := scripted(map[string]scriptedLine{
		"echo one": {out: []string{"one"}},
		"false":    {out: []string{"boom"}, code: 2},
	}, &ran)

	res, err := runSteps(context.Background(), steps, Options{ThrowOnError: true}, fixedNow, run)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("expected ExitError, got %v", err)
	}
	if exitErr.Step != "two" || exitErr.ExitCode != 2 || exitErr.Output != "boom\n" {
		t.Fatalf("unexpected exit error %+v", exitErr)
	}
	if len(ran) != 2 {
		t.Fatalf("expected execution to stop after failing step, ran %v", ran)
	}
	if res.Output != "one\nboom" || res.ExitCode != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunStepsWithoutThrowContinues(t *testing.T) {
	steps := []Step{
		{Name: "fail", Argv: []string{"false"}},
		{Name: "ok", Argv: []string{"true"}},
	}
	var ran []string
	run := scripted(map[string]scriptedLine{"false": {code: 1}}, &ran)
	res, err := runSteps(context.Background(), steps, Options{}, fixedNow, run)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ran) != 2 || res.ExitCode != 0 {
		t.Fatalf("expected both steps to run, ran %v result %+v", ran, res)
	}
}

func TestRunStepsToleratesKnownOutput(t *testing.T) {
	steps := []Step{
		{Name: "network", Argv: []string{"docker", "network", "create", "peep"}, Tolerate: []string{"already exists"}},
		{Name: "rm", Argv: []string{"docker", "rm", "-f", "gone"}, IgnoreFailure: true},
		{Name: "run", Argv: []string{"docker", "run", "app"}},
	}
	var ran []string
	run := scripted(map[string]scriptedLine{
		"docker network create peep": {out: []string{"Error response from daemon: network with name peep already exists"}, code: 1},
		"docker rm -f gone":          {out: []string{"No such container: gone"}, code: 1},
	}, &ran)
	if _, err := runSteps(context.Background(), steps, Options{ThrowOnError: true}, fixedNow, run); err != nil {
		t.Fatalf("expected tolerated failures, got %v", err)
	}
	if len(ran) != 3 {
		t.Fatalf("expected all steps to run, ran %v", ran)
	}
}

func TestRunStepsStreamsEchoAndOutput(t *testing.T) {
	steps := []Step{{Name: "secret", Argv: []string{"cat", "key"}, Hidden: true}}
	var ran []string
	run := scripted(map[string]scriptedLine{"cat key": {out: []string{"value"}}}, &ran)
	var lines []domain.LogLine
	_, err := runSteps(context.Background(), steps, Options{Output: func(l domain.LogLine) { lines = append(lines, l) }}, fixedNow, run)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("expected echo and output lines, got %d", len(lines))
	}
	if !lines[0].IsCommandEcho || lines[0].Text != "cat key" || !lines[0].Hidden {
		t.Fatalf("unexpected echo line %+v", lines[0])
	}
	if lines[1].IsCommandEcho || lines[1].Text != "value" || !lines[1].Hidden {
		t.Fatalf("unexpected output line %+v", lines[1])
	}
}

func TestRunStepsPropagatesTransportError(t *testing.T) {
	steps := []Step{{Name: "x", Argv: []string{"x"}}}
	var ran []string
	transport := errors.Join(ErrTransport, errors.New("connection reset"))
	run := scripted(map[string]scriptedLine{"x": {code: -1, err: transport}}, &ran)
	if _, err := runSteps(context.Background(), steps, Options{}, fixedNow, run); !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport error, got %v", err)
	}
}

func TestRunStepsStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var ran []string
	run := scripted(nil, &ran)
	if _, err := runSteps(ctx, []Step{{Name: "x", Argv: []string{"x"}}}, Options{}, fixedNow, run); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if len(ran) != 0 {
		t.Fatalf("expected no steps to run")
	}
}

func TestLocalExecutorRunsShell(t *testing.T) {
	exec := NewLocalExecutor()
	server := domain.Server{ID: "local", IsLocal: true, Reachable: true, Usable: true}
	steps := []Step{{Name: "echo", Argv: []string{"echo", "hello"}}}
	res, err := exec.Run(context.Background(), server, steps, Options{ThrowOnError: true})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if res.Output != "hello" || res.ExitCode != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestExecutorsRejectNonFunctionalServer(t *testing.T) {
	exec := NewLocalExecutor()
	_, err := exec.Run(context.Background(), domain.Server{ID: "down"}, nil, Options{})
	if !errors.Is(err, ErrNotFunctional) {
		t.Fatalf("expected ErrNotFunctional, got %v", err)
	}
}

func TestPumpLinesDrainsAfterOversizedLine(t *testing.T) {
	r, w := io.Pipe()
	written := make(chan error, 1)
	go func() {
		_, err := io.WriteString(w, "first\n"+strings.Repeat("x", 2*maxLineBytes)+"\nafter\n")
		w.Close()
		written <- err
	}()

	var got []string
	err := pumpLines(r, func(text string) { got = append(got, text) })
	if !errors.Is(err, bufio.ErrTooLong) {
		t.Fatalf("pumpLines() error = %v, want ErrTooLong", err)
	}
	select {
	case err := <-written:
		if err != nil {
			t.Fatalf("writer error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked, pipe was not drained")
	}
	if len(got) != 2 || got[0] != "first" || !strings.Contains(got[1], "too long") {
		t.Fatalf("unexpected lines %q", got)
	}
}
