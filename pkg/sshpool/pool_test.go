package sshpool

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel is an in-memory Channel for tests, grounded on spec.md
// §4.6's "injected exec(command, timeoutMs) function" testability pattern.
type fakeChannel struct {
	mu     sync.Mutex
	open   bool
	exec   func(ctx context.Context, command string) (Result, error)
	closed int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{open: true, exec: func(context.Context, string) (Result, error) {
		return Result{Code: 0}, nil
	}}
}

func (f *fakeChannel) Exec(ctx context.Context, command string) (Result, error) {
	return f.exec(ctx, command)
}

func (f *fakeChannel) StreamExec(ctx context.Context, command string, onStdout, onStderr OutputFunc) (int, error) {
	res, err := f.exec(ctx, command)
	if onStdout != nil && res.Stdout != "" {
		onStdout([]byte(res.Stdout))
	}
	if onStderr != nil && res.Stderr != "" {
		onStderr([]byte(res.Stderr))
	}
	return res.Code, err
}

func (f *fakeChannel) Open() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeChannel) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = false
	f.closed++
	return nil
}

type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	channel func() Channel
}

func (d *fakeDialer) Dial(ctx context.Context, address, user string, privateKey []byte, password string) (Channel, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	return d.channel(), nil
}

func newTestPool(t *testing.T, dialer *fakeDialer) *Pool {
	t.Helper()
	return &Pool{
		entries:      make(map[string]*entry),
		dialer:       dialer,
		keepalive:    0,
		readyTimeout: ReadyTimeout,
	}
}

func TestGetReusesOpenChannel(t *testing.T) {
	ch := newFakeChannel()
	dialer := &fakeDialer{channel: func() Channel { return ch }}
	p := newTestPool(t, dialer)

	t1, err := p.Get(context.Background(), Target{EnvironmentID: "e1", Address: "10.0.0.1:22"})
	require.NoError(t, err)
	t2, err := p.Get(context.Background(), Target{EnvironmentID: "e1", Address: "10.0.0.1:22"})
	require.NoError(t, err)

	assert.Same(t, t1, t2)
	assert.Equal(t, 1, dialer.dials)
}

func TestGetRedialsOnAddressChange(t *testing.T) {
	dialer := &fakeDialer{channel: func() Channel { return newFakeChannel() }}
	p := newTestPool(t, dialer)

	_, err := p.Get(context.Background(), Target{EnvironmentID: "e1", Address: "10.0.0.1:22"})
	require.NoError(t, err)
	_, err = p.Get(context.Background(), Target{EnvironmentID: "e1", Address: "10.0.0.2:22"})
	require.NoError(t, err)

	assert.Equal(t, 2, dialer.dials)
}

func TestGetRedialsOnClosedChannel(t *testing.T) {
	first := newFakeChannel()
	calls := 0
	dialer := &fakeDialer{channel: func() Channel {
		calls++
		if calls == 1 {
			return first
		}
		return newFakeChannel()
	}}
	p := newTestPool(t, dialer)

	_, err := p.Get(context.Background(), Target{EnvironmentID: "e1", Address: "a"})
	require.NoError(t, err)
	first.Close()

	_, err = p.Get(context.Background(), Target{EnvironmentID: "e1", Address: "a"})
	require.NoError(t, err)
	assert.Equal(t, 2, dialer.dials)
}

func TestCloseEvictsEntry(t *testing.T) {
	ch := newFakeChannel()
	dialer := &fakeDialer{channel: func() Channel { return ch }}
	p := newTestPool(t, dialer)

	_, err := p.Get(context.Background(), Target{EnvironmentID: "e1", Address: "a"})
	require.NoError(t, err)
	require.NoError(t, p.Close("e1"))

	assert.False(t, ch.Open())
	assert.Equal(t, 0, p.Size())
}

func TestCloseAllClosesEveryChannel(t *testing.T) {
	var chans []*fakeChannel
	dialer := &fakeDialer{channel: func() Channel {
		c := newFakeChannel()
		chans = append(chans, c)
		return c
	}}
	p := newTestPool(t, dialer)

	_, _ = p.Get(context.Background(), Target{EnvironmentID: "e1", Address: "a"})
	_, _ = p.Get(context.Background(), Target{EnvironmentID: "e2", Address: "b"})

	p.CloseAll()

	for _, c := range chans {
		assert.False(t, c.Open())
	}
	assert.Equal(t, 0, p.Size())
}
