package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/splax/localvercel/internal/domain"
	"github.com/splax/localvercel/pkg/crypto"
)

// SSHExecutor runs steps over SSH, one session per step.
type SSHExecutor struct {
	box            *crypto.Box
	connectTimeout time.Duration
	commandTimeout time.Duration
	hostKey        ssh.HostKeyCallback
	log            *slog.Logger
	now            func() time.Time
}

// SSHOption customises an SSHExecutor.
type SSHOption func(*SSHExecutor)

// WithHostKeyCallback overrides host key verification.
func WithHostKeyCallback(cb ssh.HostKeyCallback) SSHOption {
	return func(e *SSHExecutor) {
		e.hostKey = cb
	}
}

// NewSSHExecutor builds an executor that decrypts server keys with box.
func NewSSHExecutor(box *crypto.Box, connectTimeout, commandTimeout time.Duration, logger *slog.Logger, opts ...SSHOption) *SSHExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	e := &SSHExecutor{
		box:            box,
		connectTimeout: connectTimeout,
		commandTimeout: commandTimeout,
		// Servers are registered by the operator together with their key.
		hostKey: ssh.InsecureIgnoreHostKey(),
		log:     logger.With("component", "ssh_executor"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes steps sequentially on server.
func (e *SSHExecutor) Run(ctx context.Context, server domain.Server, steps []Step, opts Options) (Result, error) {
	if !server.IsFunctional() {
		return Result{}, ErrNotFunctional
	}
	client, err := e.dial(ctx, server)
	if err != nil {
		return Result{}, err
	}
	defer client.Close()

	return runSteps(ctx, steps, opts, e.now, func(ctx context.Context, line string, emit func(stream, text string)) (int, error) {
		return e.runLine(ctx, client, line, emit)
	})
}

// Reachable dials the server and checks that the Docker CLI answers.
func (e *SSHExecutor) Reachable(ctx context.Context, server domain.Server) error {
	client, err := e.dial(ctx, server)
	if err != nil {
		return err
	}
	defer client.Close()

	code, err := e.runLine(ctx, client, "docker version --format '{{.Server.Version}}'", func(string, string) {})
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("%w: docker unavailable on %s (exit %d)", ErrTransport, server.Name, code)
	}
	return nil
}

func (e *SSHExecutor) dial(ctx context.Context, server domain.Server) (*ssh.Client, error) {
	if e.box == nil {
		return nil, fmt.Errorf("%w: no key encryption secret configured", ErrTransport)
	}
	key, err := e.box.Open(server.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt key for server %s: %v", ErrTransport, server.ID, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: parse key for server %s: %v", ErrTransport, server.ID, err)
	}
	port := server.Port
	if port == 0 {
		port = 22
	}
	user := server.User
	if user == "" {
		user = "root"
	}
	addr := net.JoinHostPort(server.IP, strconv.Itoa(port))
	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: e.hostKey,
		Timeout:         e.connectTimeout,
	}

	dialer := net.Dialer{Timeout: e.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrTransport, addr, err)
	}
	_ = conn.SetDeadline(time.Now().Add(e.connectTimeout))
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: handshake %s: %v", ErrTransport, addr, err)
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

func (e *SSHExecutor) runLine(ctx context.Context, client *ssh.Client, line string, emit func(stream, text string)) (int, error) {
	if e.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.commandTimeout)
		defer cancel()
	}

	session, err := client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("%w: open session: %v", ErrTransport, err)
	}
	defer session.Close()

	stdout, err := session.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("%w: stdout pipe: %v", ErrTransport, err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("%w: stderr pipe: %v", ErrTransport, err)
	}
	if err := session.Start(line); err != nil {
		return -1, fmt.Errorf("%w: start command: %v", ErrTransport, err)
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

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		session.Close()
		return -1, ctx.Err()
	case err := <-done:
		return exitCode(err)
	}
}

func exitCode(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}
	return -1, fmt.Errorf("%w: %v", ErrTransport, err)
}
