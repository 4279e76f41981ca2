package term

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/ptyfleet/ptyfleet/internal/bus"
	"github.com/ptyfleet/ptyfleet/internal/database"
)

// ErrAlreadyRunning is returned by Spawn when the instance already has a live
// terminal session.
var ErrAlreadyRunning = errors.New("terminal session already running")

type managed struct {
	backend Backend
	scroll  *Scrollback
	cfg     Config
}

// Manager owns the live terminal sessions. Each spawned backend gets a pump
// goroutine that feeds its output into the per-instance scrollback and onto
// the broadcast bus; on exit the session is unregistered and the exit event
// republished.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*managed

	bus           *bus.Bus
	scrollbackMax int
}

func NewManager(b *bus.Bus, scrollbackMax int) *Manager {
	return &Manager{
		sessions:      make(map[string]*managed),
		bus:           b,
		scrollbackMax: scrollbackMax,
	}
}

// Spawn brings up a backend for the instance and starts pumping its output.
// At most one session per instance id exists at a time.
func (m *Manager) Spawn(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	if _, ok := m.sessions[cfg.InstanceID]; ok {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}
	m.mu.Unlock()

	backend := NewBackend(cfg)
	if err := backend.Spawn(ctx); err != nil {
		return fmt.Errorf("spawn instance %s: %w", cfg.InstanceID, err)
	}

	mg := &managed{
		backend: backend,
		scroll:  NewScrollback(m.scrollbackMax),
		cfg:     cfg,
	}

	m.mu.Lock()
	if _, ok := m.sessions[cfg.InstanceID]; ok {
		m.mu.Unlock()
		backend.Kill()
		return ErrAlreadyRunning
	}
	m.sessions[cfg.InstanceID] = mg
	m.mu.Unlock()

	if pid := backend.Pid(); pid > 0 {
		if err := database.SetInstancePid(cfg.InstanceID, &pid); err != nil {
			log.Printf("[term] instance %s: persist pid: %v", cfg.InstanceID, err)
		}
	}

	go m.pump(cfg.InstanceID, mg)
	log.Printf("[term] instance %s: terminal started", cfg.InstanceID)
	return nil
}

// pump is the single consumer of a backend's event stream. Data chunks are
// appended to the scrollback and published with the chunk's absolute offset;
// the exit event unregisters the session and is always the last publication
// for the instance.
func (m *Manager) pump(id string, mg *managed) {
	for ev := range mg.backend.Events() {
		switch ev.Kind {
		case EventData:
			offset := mg.scroll.Append(ev.Data)
			m.bus.Publish(bus.TerminalData(id, ev.Data, offset))
		case EventExit:
			m.mu.Lock()
			delete(m.sessions, id)
			m.mu.Unlock()

			if err := database.SetInstancePid(id, nil); err != nil {
				log.Printf("[term] instance %s: clear pid: %v", id, err)
			}
			m.bus.Publish(bus.TerminalExit(id, ev.Code))
			log.Printf("[term] instance %s: terminal exited with code %d", id, ev.Code)
			return
		}
	}
}

// Write feeds input to the instance's shell.
func (m *Manager) Write(id string, p []byte) error {
	mg, ok := m.get(id)
	if !ok {
		return ErrNotAlive
	}
	return mg.backend.Write(p)
}

// Resize applies a new geometry to the instance's terminal.
func (m *Manager) Resize(id string, cols, rows uint16) error {
	mg, ok := m.get(id)
	if !ok {
		return ErrNotAlive
	}
	return mg.backend.Resize(cols, rows)
}

// Kill tears down the instance's session. The pump unregisters it once the
// backend delivers its exit event. Returns false when no session exists.
func (m *Manager) Kill(id string) bool {
	mg, ok := m.get(id)
	if !ok {
		return false
	}
	if err := mg.backend.Kill(); err != nil {
		log.Printf("[term] instance %s: kill: %v", id, err)
	}
	return true
}

// KillAll tears down every live session. Used at shutdown.
func (m *Manager) KillAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.Kill(id)
	}
}

// Attach returns the scrollback snapshot plus the absolute offset of the
// first byte after it. Live events below that offset are already contained
// in the snapshot. ok is false when the instance has no live session.
func (m *Manager) Attach(id string) (history []byte, offset int64, ok bool) {
	mg, found := m.get(id)
	if !found {
		return nil, 0, false
	}
	history, offset = mg.scroll.SnapshotWithOffset()
	return history, offset, true
}

// History returns the instance's scrollback snapshot without the offset
// bookkeeping Attach does. ok is false when the instance has no live session.
func (m *Manager) History(id string) ([]byte, bool) {
	mg, ok := m.get(id)
	if !ok {
		return nil, false
	}
	return mg.scroll.Snapshot(), true
}

// ClearHistory empties the instance's scrollback. The absolute offset keeps
// counting so attached clients never see stale offsets rewind.
func (m *Manager) ClearHistory(id string) bool {
	mg, ok := m.get(id)
	if !ok {
		return false
	}
	mg.scroll.Clear()
	return true
}

// Cwd reports the session's current working directory.
func (m *Manager) Cwd(id string) (string, bool) {
	mg, ok := m.get(id)
	if !ok {
		return "", false
	}
	return mg.backend.Cwd(), true
}

// Pid reports the shell pid, 0 when unknown.
func (m *Manager) Pid(id string) (int, bool) {
	mg, ok := m.get(id)
	if !ok {
		return 0, false
	}
	return mg.backend.Pid(), true
}

// Has reports whether the instance has a live session.
func (m *Manager) Has(id string) bool {
	_, ok := m.get(id)
	return ok
}

// IDs lists the instance ids with a live session.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) get(id string) (*managed, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mg, ok := m.sessions[id]
	return mg, ok
}
