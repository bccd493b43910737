package sshpool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"spyre/pkg/metrics"
)

// ReadyTimeout bounds how long a Dial may take before it is abandoned
// (spec.md §4.1).
const ReadyTimeout = 10 * time.Second

// KeepaliveInterval is the period between keepalive probes on an
// established channel (spec.md §4.1).
const KeepaliveInterval = 30 * time.Second

// Dialer opens a new Channel to address. Exists so tests can substitute a
// fake transport without touching real SSH.
type Dialer interface {
	Dial(ctx context.Context, address, user string, privateKey []byte, password string) (Channel, error)
}

type sshDialer struct{ readyTimeout time.Duration }

func (d sshDialer) Dial(ctx context.Context, address, user string, privateKey []byte, password string) (Channel, error) {
	return dial(ctx, address, user, privateKey, password, d.readyTimeout)
}

// Target describes the connection parameters for one environment.
type Target struct {
	EnvironmentID string
	Address       string
	User          string
	Password      string // optional, alongside the private key
}

type entry struct {
	channel Channel
	address string
	cancel  context.CancelFunc
}

// Pool maintains at most one live Channel per environment id.
type Pool struct {
	mu      sync.Mutex
	entries map[string]*entry

	dialer         Dialer
	privateKey     []byte
	keepalive      time.Duration
	readyTimeout   time.Duration
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithDialer overrides the Dialer used to open new channels (tests).
func WithDialer(d Dialer) Option { return func(p *Pool) { p.dialer = d } }

// WithKeepaliveInterval overrides the default keepalive period (tests).
func WithKeepaliveInterval(d time.Duration) Option {
	return func(p *Pool) { p.keepalive = d }
}

// WithReadyTimeout overrides the default dial-ready timeout, wiring
// config.SSHConfig.ReadyTimeout into the default sshDialer.
func WithReadyTimeout(d time.Duration) Option {
	return func(p *Pool) { p.readyTimeout = d }
}

// NewPool constructs a Pool that authenticates with the private key found
// at privateKeyPath, read once at construction (spec.md §4.1: "a private
// key read once from disk").
func NewPool(privateKeyPath string, opts ...Option) (*Pool, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("sshpool: read private key: %w", err)
	}
	p := &Pool{
		entries:      make(map[string]*entry),
		privateKey:   key,
		keepalive:    KeepaliveInterval,
		readyTimeout: ReadyTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	// dialer depends on the final readyTimeout, so it is built after
	// options run; WithDialer (tests) already set p.dialer and wins here.
	if p.dialer == nil {
		p.dialer = sshDialer{readyTimeout: p.readyTimeout}
	}
	return p, nil
}

// Get returns the cached channel for target.EnvironmentID if it is still
// open and target.Address matches the address it was opened against;
// otherwise it tears down any stale channel and dials a new one.
func (p *Pool) Get(ctx context.Context, target Target) (Channel, error) {
	p.mu.Lock()
	if e, ok := p.entries[target.EnvironmentID]; ok {
		if e.address == target.Address && e.channel.Open() {
			p.mu.Unlock()
			return e.channel, nil
		}
		// stale: address changed, or the channel died.
		e.cancel()
		_ = e.channel.Close()
		delete(p.entries, target.EnvironmentID)
	}
	p.mu.Unlock()

	ch, err := p.dialer.Dial(ctx, target.Address, target.User, p.privateKey, target.Password)
	if err != nil {
		metrics.RecordSSHDialError(target.EnvironmentID)
		return nil, err
	}

	kaCtx, cancel := context.WithCancel(context.Background())
	if real, ok := ch.(*sshChannel); ok {
		go real.keepalive(kaCtx, p.keepalive)
	}

	p.mu.Lock()
	p.entries[target.EnvironmentID] = &entry{channel: ch, address: target.Address, cancel: cancel}
	n := len(p.entries)
	p.mu.Unlock()
	metrics.SetSSHPoolConnectionsActive(n)

	slog.Info("sshpool: opened channel", "environment_id", target.EnvironmentID, "address", target.Address)
	return ch, nil
}

// Close evicts and closes the channel for environmentID, if any.
func (p *Pool) Close(environmentID string) error {
	p.mu.Lock()
	e, ok := p.entries[environmentID]
	if ok {
		delete(p.entries, environmentID)
	}
	n := len(p.entries)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	metrics.SetSSHPoolConnectionsActive(n)
	e.cancel()
	return e.channel.Close()
}

// CloseAll evicts and closes every pooled channel.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*entry)
	p.mu.Unlock()
	metrics.SetSSHPoolConnectionsActive(0)

	for id, e := range entries {
		e.cancel()
		if err := e.channel.Close(); err != nil {
			slog.Warn("sshpool: error closing channel", "environment_id", id, "error", err)
		}
	}
}

// Size reports the number of live pooled channels, for health reporting.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
