package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/go-chi/chi/v5"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ptyfleet/ptyfleet/internal/bus"
	"github.com/ptyfleet/ptyfleet/internal/config"
	"github.com/ptyfleet/ptyfleet/internal/database"
	"github.com/ptyfleet/ptyfleet/internal/portfwd"
	"github.com/ptyfleet/ptyfleet/internal/sshconn"
	"github.com/ptyfleet/ptyfleet/internal/status"
	"github.com/ptyfleet/ptyfleet/internal/term"
)

// setupHandlerTest wires the package singletons against an in-memory
// database, mirroring what main does at boot. Cleanup tears the runtime
// state down in reverse order, draining terminal sessions before the
// database goes away.
func setupHandlerTest(t *testing.T) {
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

	config.Load()

	Bus = bus.New(1024)
	Terminals = term.NewManager(Bus, 64*1024)
	Reconciler = status.NewReconciler(Bus)
	HookWindow = status.NewWindow()
	Conns = sshconn.NewManager(5 * time.Second)
	Forwards = portfwd.NewSupervisor(Conns, Bus)

	t.Cleanup(func() {
		drainSessions(t)
		Forwards.CloseAll()
		Conns.CloseAll()
		Bus.Close()
		database.DB = prev
	})
}

// drainSessions kills every live session and waits for the exit events. The
// pump clears the pid column right before publishing exit, so waiting here
// guarantees no pump is still writing when the test database is swapped back.
func drainSessions(t *testing.T) {
	t.Helper()
	sub := Bus.Subscribe()
	defer Bus.Unsubscribe(sub.ID)

	pending := make(map[string]bool)
	for _, id := range Terminals.IDs() {
		pending[id] = true
	}
	Terminals.KillAll()

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

func requirePTY(t *testing.T) {
	t.Helper()
	ptmx, tty, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	ptmx.Close()
	tty.Close()
}

// newRequest builds a request with chi url params injected, marshaling body
// to JSON when it is non-nil.
func newRequest(t *testing.T, method, target string, body interface{}, params map[string]string) *http.Request {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	r := httptest.NewRequest(method, target, rd)
	return withChiParams(r, params)
}

// newRawRequest sends the body verbatim, for malformed-payload cases.
func newRawRequest(t *testing.T, method, target, body string, params map[string]string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(method, target, bytes.NewReader([]byte(body)))
	return withChiParams(r, params)
}

func withChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for k, v := range params {
		rctx.URLParams.Add(k, v)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func parseResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("parse response %q: %v", w.Body.String(), err)
	}
	return resp
}

// dataMap asserts the envelope succeeded and returns its data object.
func dataMap(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	resp := parseResponse(t, w)
	if resp["success"] != true {
		t.Fatalf("response not successful: %v", resp)
	}
	data, ok := resp["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("response data is %T, want object: %v", resp["data"], resp)
	}
	return data
}

// dataList asserts the envelope succeeded and returns its data array.
func dataList(t *testing.T, w *httptest.ResponseRecorder) []interface{} {
	t.Helper()
	resp := parseResponse(t, w)
	if resp["success"] != true {
		t.Fatalf("response not successful: %v", resp)
	}
	data, ok := resp["data"].([]interface{})
	if !ok {
		t.Fatalf("response data is %T, want array: %v", resp["data"], resp)
	}
	return data
}

// wantStatus fails the test with the response body when the code mismatches,
// which makes handler failures readable.
func wantStatus(t *testing.T, w *httptest.ResponseRecorder, code int) {
	t.Helper()
	if w.Code != code {
		t.Fatalf("status = %d, want %d; body %s", w.Code, code, w.Body.String())
	}
}

// seedInstance persists an open instance row without a live backend.
func seedInstance(t *testing.T, id, name string) *database.Instance {
	t.Helper()
	inst := &database.Instance{
		ID:         id,
		Name:       name,
		WorkingDir: "/tmp/" + id,
		Status:     database.StatusIdle,
	}
	if err := database.CreateInstance(inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst
}

// collectEvents drains the subscriber until it goes quiet for 50ms.
func collectEvents(sub *bus.Subscriber) []bus.Event {
	var events []bus.Event
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-time.After(50 * time.Millisecond):
			return events
		}
	}
}

func hasEvent(events []bus.Event, eventType string) bool {
	for _, ev := range events {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}
