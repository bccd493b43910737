// Package sshpool implements the Connection Pool (C1, spec.md §4.1): at
// most one live transport channel per environment id, lazily connected,
// keepalive-probed, and evicted on host change or close.
package sshpool

import "context"

// Result is the uniform shape every remote command returns, per spec.md
// §6 "Remote command contract".
type Result struct {
	Code   int
	Stdout string
	Stderr string
}

// OutputFunc receives a chunk of stdout or stderr as it arrives, for the
// dispatcher's live tailing (spec.md §4.5).
type OutputFunc func(chunk []byte)

// Channel is a single live transport channel to one environment. It is
// the seam the dispatcher, provisioner and credential propagation all
// exec over, and the seam tests substitute a fake for (spec.md §4.6:
// "testable without real transport").
type Channel interface {
	// Exec runs command to completion and returns its result. Used for
	// short, bounded commands (auth probes, provisioner steps, credential
	// file writes).
	Exec(ctx context.Context, command string) (Result, error)

	// StreamExec runs command, invoking onStdout/onStderr as chunks
	// arrive, and returns once the remote process exits. Used by the
	// dispatcher for long-running CLI invocations.
	StreamExec(ctx context.Context, command string, onStdout, onStderr OutputFunc) (exitCode int, err error)

	// Open reports whether the underlying connection is still usable.
	Open() bool

	// Close tears down the underlying connection. Idempotent.
	Close() error
}
