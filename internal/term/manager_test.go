package term

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/creack/pty"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ptyfleet/ptyfleet/internal/bus"
	"github.com/ptyfleet/ptyfleet/internal/database"
)

func setupTermDB(t *testing.T) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	// A second pool connection would see its own empty :memory: database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap test database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	prev := database.DB
	database.DB = db
	t.Cleanup(func() { database.DB = prev })
}

func requirePTY(t *testing.T) {
	t.Helper()
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	ptmx.Close()
	tty.Close()
}

// drainManager kills every live session and waits for the exit events. The
// pump clears the pid column right before publishing exit, so waiting here
// guarantees no pump is still writing when setupTermDB restores the database.
func drainManager(t *testing.T, m *Manager, b *bus.Bus) {
	t.Helper()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID)

	pending := make(map[string]bool)
	for _, id := range m.IDs() {
		pending[id] = true
	}
	m.KillAll()

	timeout := time.After(10 * time.Second)
	for len(pending) > 0 {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if ev.Type == bus.EventTerminalExit {
				delete(pending, ev.InstanceID)
			}
		case <-timeout:
			t.Logf("drain timed out with %d session(s) live", len(pending))
			return
		}
	}
}

type dataFrame struct {
	Type string `json:"type"`
	ID   string `json:"id"`
	Data []byte `json:"data"`
	Code int    `json:"code"`
}

func decodeFrame(t *testing.T, raw json.RawMessage) dataFrame {
	t.Helper()
	var f dataFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return f
}

func TestManagerSpawnWriteExit(t *testing.T) {
	requirePTY(t)
	setupTermDB(t)
	t.Setenv("SHELL", "/bin/sh")

	b := bus.New(256)
	defer b.Close()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID)

	m := NewManager(b, 64*1024)

	cfg := Config{InstanceID: "inst-1", WorkingDir: t.TempDir()}
	if err := m.Spawn(context.Background(), cfg); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if !m.Has("inst-1") {
		t.Fatal("Has should report true after Spawn")
	}
	if m.Count() != 1 {
		t.Fatalf("Count = %d, want 1", m.Count())
	}
	if pid, ok := m.Pid("inst-1"); !ok || pid <= 0 {
		t.Errorf("Pid = %d, %v; want positive pid", pid, ok)
	}

	if err := m.Write("inst-1", []byte("exit 7\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Collect published events: data offsets must be contiguous from zero and
	// the exit event must be last, carrying the shell's status.
	var stream bytes.Buffer
	var next int64
	deadline := time.After(15 * time.Second)
	for {
		var ev bus.Event
		select {
		case ev = <-sub.C():
		case <-deadline:
			t.Fatalf("timed out; collected %q", stream.String())
		}

		if ev.Type == bus.EventTerminalData {
			if ev.Offset != next {
				t.Fatalf("event offset = %d, want %d (contiguous stream)", ev.Offset, next)
			}
			frame := decodeFrame(t, ev.Raw)
			stream.Write(frame.Data)
			next += int64(len(frame.Data))
			continue
		}
		if ev.Type == bus.EventTerminalExit {
			frame := decodeFrame(t, ev.Raw)
			if frame.Code != 7 {
				t.Errorf("exit code = %d, want 7", frame.Code)
			}
			break
		}
	}

	waitFor(t, 5*time.Second, func() bool { return !m.Has("inst-1") })
	if m.Count() != 0 {
		t.Errorf("Count after exit = %d, want 0", m.Count())
	}
	if err := m.Write("inst-1", []byte("x")); err != ErrNotAlive {
		t.Errorf("Write after exit = %v, want ErrNotAlive", err)
	}
}

func TestManagerAttachSnapshotConsistent(t *testing.T) {
	requirePTY(t)
	setupTermDB(t)
	t.Setenv("SHELL", "/bin/sh")

	b := bus.New(1024)
	defer b.Close()
	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID)

	m := NewManager(b, 64*1024)
	defer drainManager(t, m, b)

	if err := m.Spawn(context.Background(), Config{InstanceID: "inst-2", WorkingDir: t.TempDir()}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := m.Write("inst-2", []byte("echo snapshot-marker\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// Wait for the marker to travel through the pump before attaching.
	var stream bytes.Buffer
	deadline := time.After(15 * time.Second)
	for !bytes.Contains(stream.Bytes(), []byte("snapshot-marker")) {
		select {
		case ev := <-sub.C():
			if ev.Type == bus.EventTerminalData {
				stream.Write(decodeFrame(t, ev.Raw).Data)
			}
		case <-deadline:
			t.Fatalf("marker never published; got %q", stream.String())
		}
	}

	history, offset, ok := m.Attach("inst-2")
	if !ok {
		t.Fatal("Attach should succeed for a live session")
	}

	// Drain anything published between the marker and the attach so the
	// collected stream covers the snapshot offset.
	for int64(stream.Len()) < offset {
		select {
		case ev := <-sub.C():
			if ev.Type == bus.EventTerminalData {
				stream.Write(decodeFrame(t, ev.Raw).Data)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("stream stalled at %d bytes, attach offset %d", stream.Len(), offset)
		}
	}

	// The snapshot is exactly the published stream up to the attach offset,
	// capped to the scrollback size.
	want := stream.Bytes()[offset-int64(len(history)) : offset]
	if !bytes.Equal(history, want) {
		t.Errorf("history mismatch:\n got %q\nwant %q", history, want)
	}
}

func TestManagerSpawnDuplicate(t *testing.T) {
	requirePTY(t)
	setupTermDB(t)
	t.Setenv("SHELL", "/bin/sh")

	b := bus.New(256)
	defer b.Close()
	m := NewManager(b, 1024)
	defer drainManager(t, m, b)

	cfg := Config{InstanceID: "inst-3", WorkingDir: t.TempDir()}
	if err := m.Spawn(context.Background(), cfg); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := m.Spawn(context.Background(), cfg); err != ErrAlreadyRunning {
		t.Errorf("second Spawn = %v, want ErrAlreadyRunning", err)
	}
}

func TestManagerSpawnBadWorkingDir(t *testing.T) {
	setupTermDB(t)

	b := bus.New(256)
	defer b.Close()
	m := NewManager(b, 1024)

	err := m.Spawn(context.Background(), Config{InstanceID: "inst-4", WorkingDir: "/does/not/exist"})
	if err == nil {
		t.Fatal("expected error for missing working directory")
	}
	if m.Has("inst-4") {
		t.Error("failed spawn must not register a session")
	}
}

func TestManagerUnknownInstance(t *testing.T) {
	b := bus.New(256)
	defer b.Close()
	m := NewManager(b, 1024)

	if err := m.Write("nope", []byte("x")); err != ErrNotAlive {
		t.Errorf("Write = %v, want ErrNotAlive", err)
	}
	if err := m.Resize("nope", 80, 24); err != ErrNotAlive {
		t.Errorf("Resize = %v, want ErrNotAlive", err)
	}
	if m.Kill("nope") {
		t.Error("Kill on unknown id should report false")
	}
	if _, _, ok := m.Attach("nope"); ok {
		t.Error("Attach on unknown id should report false")
	}
	if _, ok := m.Cwd("nope"); ok {
		t.Error("Cwd on unknown id should report false")
	}
	if _, ok := m.History("nope"); ok {
		t.Error("History on unknown id should report false")
	}
	if m.ClearHistory("nope") {
		t.Error("ClearHistory on unknown id should report false")
	}
	if ids := m.IDs(); len(ids) != 0 {
		t.Errorf("IDs = %v, want empty", ids)
	}
}

func TestManagerHistoryAndIDs(t *testing.T) {
	requirePTY(t)
	setupTermDB(t)
	t.Setenv("SHELL", "/bin/sh")

	b := bus.New(1024)
	defer b.Close()
	m := NewManager(b, 64*1024)
	defer drainManager(t, m, b)

	if err := m.Spawn(context.Background(), Config{InstanceID: "inst-5", WorkingDir: t.TempDir()}); err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if ids := m.IDs(); len(ids) != 1 || ids[0] != "inst-5" {
		t.Errorf("IDs = %v, want [inst-5]", ids)
	}

	if err := m.Write("inst-5", []byte("echo history-marker\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	waitFor(t, 15*time.Second, func() bool {
		h, ok := m.History("inst-5")
		return ok && bytes.Contains(h, []byte("history-marker"))
	})

	if !m.ClearHistory("inst-5") {
		t.Fatal("ClearHistory should succeed for a live session")
	}
	h, ok := m.History("inst-5")
	if !ok {
		t.Fatal("History should succeed for a live session")
	}
	if len(h) != 0 {
		t.Errorf("history after clear = %q, want empty", h)
	}

	// The absolute offset keeps counting across a clear: an attach now sees
	// an empty snapshot positioned after everything already published.
	snap, offset, ok := m.Attach("inst-5")
	if !ok {
		t.Fatal("Attach should succeed for a live session")
	}
	if len(snap) != 0 || offset == 0 {
		t.Errorf("Attach after clear = %d bytes at offset %d; want empty at nonzero", len(snap), offset)
	}
}
