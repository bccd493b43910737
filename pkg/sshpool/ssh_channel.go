package sshpool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// sshChannel is the real Channel implementation, backed by a single
// golang.org/x/crypto/ssh.Client. Host-key verification is disabled by
// design (spec.md §4.1: "controller-to-managed-node trust boundary").
type sshChannel struct {
	client *ssh.Client

	mu     sync.Mutex
	closed bool
}

func dial(ctx context.Context, address, user string, privateKey []byte, password string, readyTimeout time.Duration) (*sshChannel, error) {
	auths := make([]ssh.AuthMethod, 0, 2)
	if len(privateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(privateKey)
		if err != nil {
			return nil, fmt.Errorf("sshpool: parse private key: %w", err)
		}
		auths = append(auths, ssh.PublicKeys(signer))
	}
	if password != "" {
		auths = append(auths, ssh.Password(password))
	}
	if len(auths) == 0 {
		return nil, fmt.Errorf("sshpool: no auth method available for %s", address)
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auths,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec // controller-to-managed-node trust boundary
		Timeout:         readyTimeout,
	}

	type dialResult struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		c, err := ssh.Dial("tcp", address, cfg)
		resultCh <- dialResult{c, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("sshpool: dial %s: %w", address, r.err)
		}
		return &sshChannel{client: r.client}, nil
	}
}

func (c *sshChannel) Exec(ctx context.Context, command string) (Result, error) {
	var res Result
	var stdout, stderr bytes.Buffer

	err := c.run(ctx, command, func(chunk []byte) { stdout.Write(chunk) }, func(chunk []byte) { stderr.Write(chunk) }, &res.Code)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	return res, err
}

func (c *sshChannel) StreamExec(ctx context.Context, command string, onStdout, onStderr OutputFunc) (int, error) {
	var exitCode int
	err := c.run(ctx, command, onStdout, onStderr, &exitCode)
	return exitCode, err
}

func (c *sshChannel) run(ctx context.Context, command string, onStdout, onStderr OutputFunc, exitCode *int) error {
	if !c.Open() {
		return fmt.Errorf("sshpool: channel closed")
	}

	session, err := c.client.NewSession()
	if err != nil {
		return fmt.Errorf("sshpool: new session: %w", err)
	}
	defer session.Close()

	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return fmt.Errorf("sshpool: stdout pipe: %w", err)
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		return fmt.Errorf("sshpool: stderr pipe: %w", err)
	}

	if err := session.Start(command); err != nil {
		return fmt.Errorf("sshpool: start command: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go pump(&wg, stdoutPipe, onStdout)
	go pump(&wg, stderrPipe, onStderr)

	done := make(chan error, 1)
	go func() {
		wg.Wait()
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGHUP)
		_ = session.Close()
		<-done
		return ctx.Err()
	case err := <-done:
		if err == nil {
			*exitCode = 0
			return nil
		}
		var exitErr *ssh.ExitError
		if ok := asExitError(err, &exitErr); ok {
			*exitCode = exitErr.ExitStatus()
			return nil
		}
		return fmt.Errorf("sshpool: command failed: %w", err)
	}
}

func asExitError(err error, target **ssh.ExitError) bool {
	if ee, ok := err.(*ssh.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func pump(wg *sync.WaitGroup, r io.Reader, fn OutputFunc) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 && fn != nil {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			fn(chunk)
		}
		if err != nil {
			return
		}
	}
}

func (c *sshChannel) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *sshChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.client.Close()
}

// keepalive sends an SSH keepalive request on an interval and closes the
// channel if the remote stops responding, evicting it from the pool on
// the next Get call. Runs until ctx is cancelled or the channel closes.
func (c *sshChannel) keepalive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.Open() {
				return
			}
			ok, _, err := c.client.SendRequest("keepalive@spyre", true, nil)
			if err != nil || !ok {
				_ = c.Close()
				return
			}
		}
	}
}
