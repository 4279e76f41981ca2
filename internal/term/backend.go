// Package term owns the terminal-session runtime: the backend variants that
// hold a shell (local PTY or SSH channel), the bounded scrollback kept for
// reattach, and the manager that routes backend output to the broadcast bus.
package term

import (
	"context"
	"errors"
	"time"

	"github.com/ptyfleet/ptyfleet/internal/database"
)

// EventKind discriminates backend emissions.
type EventKind int

const (
	// EventData carries a chunk of terminal output (stdout and stderr
	// coalesced into one stream, in source order).
	EventData EventKind = iota
	// EventExit is the final event; Code carries the exit status. Emitted
	// exactly once, after which the backend is dead.
	EventExit
)

// Event is one backend emission.
type Event struct {
	Kind EventKind
	Data []byte
	Code int
}

// ErrNotAlive is returned by writes against a backend that has exited or
// been killed.
var ErrNotAlive = errors.New("backend is not alive")

// Backend is the capability contract shared by the local and SSH variants.
// Lifecycle: NewBackend → Spawn → (Write/Resize/Cwd/Pid)* → Kill or exit.
// Exactly one EventExit is delivered on the Events channel, after which no
// further events follow.
type Backend interface {
	Spawn(ctx context.Context) error
	Write(p []byte) error
	Resize(cols, rows uint16) error
	Kill() error
	Cwd() string
	Pid() int
	Events() <-chan Event
}

// Config enumerates everything a backend needs to come up. A nil Machine
// selects the local PTY variant; otherwise the SSH variant dials the machine.
type Config struct {
	InstanceID string
	WorkingDir string
	Cols       uint16
	Rows       uint16
	// Env entries are added on top of the inherited environment (local
	// variant only; remote shells get what the login shell gives them).
	Env map[string]string
	// Machine selects the SSH variant when set.
	Machine *database.RemoteMachine
	// Credential is exported into the remote shell when the machine has
	// forward_credentials set. Ignored by the local variant.
	Credential string
	// CredentialVar is the environment variable name the credential is
	// exported as.
	CredentialVar string
	// ConnectTimeout bounds the SSH dial. Zero means the dialer default.
	ConnectTimeout time.Duration
}

const (
	defaultCols = 120
	defaultRows = 32

	// outputChunkSize is the read-buffer size of the backend output pumps.
	outputChunkSize = 32 * 1024

	// eventBuffer absorbs pump output while the manager republishes.
	eventBuffer = 64
)

// NewBackend constructs the variant the config calls for. The backend is
// inert until Spawn.
func NewBackend(cfg Config) Backend {
	if cfg.Cols == 0 {
		cfg.Cols = defaultCols
	}
	if cfg.Rows == 0 {
		cfg.Rows = defaultRows
	}
	if cfg.Machine != nil {
		return newSSHBackend(cfg)
	}
	return newLocalBackend(cfg)
}
