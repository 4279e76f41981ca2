package handlers

import (
	"net/http/httptest"
	"testing"

	"github.com/ptyfleet/ptyfleet/internal/bus"
	"github.com/ptyfleet/ptyfleet/internal/database"
	"github.com/ptyfleet/ptyfleet/internal/status"
)

func TestCreateInstanceAndList(t *testing.T) {
	requirePTY(t)
	setupHandlerTest(t)
	t.Setenv("SHELL", "/bin/sh")

	w := httptest.NewRecorder()
	CreateInstance(w, newRequest(t, "POST", "/api/instances", map[string]string{
		"name":       "worker-1",
		"workingDir": t.TempDir(),
	}, nil))
	wantStatus(t, w, 201)

	data := dataMap(t, w)
	if data["status"] != "idle" {
		t.Errorf("status = %v, want idle", data["status"])
	}
	if data["pinned"] != false {
		t.Errorf("pinned = %v, want false", data["pinned"])
	}
	if data["hasSession"] != true {
		t.Errorf("hasSession = %v, want true", data["hasSession"])
	}
	id, _ := data["id"].(string)
	if id == "" {
		t.Fatal("created instance has no id")
	}
	if !Terminals.Has(id) {
		t.Error("terminal manager has no session for the new instance")
	}

	w = httptest.NewRecorder()
	ListInstances(w, newRequest(t, "GET", "/api/instances", nil, nil))
	wantStatus(t, w, 200)

	list := dataList(t, w)
	if len(list) != 1 {
		t.Fatalf("list returned %d instances, want 1", len(list))
	}
	first := list[0].(map[string]interface{})
	if first["id"] != id || first["pinned"] != false {
		t.Errorf("listed instance = %v, want id %s unpinned", first, id)
	}
}

func TestCreateInstanceValidation(t *testing.T) {
	setupHandlerTest(t)

	cases := []struct {
		name string
		body interface{}
	}{
		{"missing name", map[string]string{"workingDir": "/tmp"}},
		{"blank name", map[string]string{"name": "   ", "workingDir": "/tmp"}},
		{"missing workingDir", map[string]string{"name": "x"}},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		CreateInstance(w, newRequest(t, "POST", "/api/instances", tc.body, nil))
		if w.Code != 400 {
			t.Errorf("%s: status = %d, want 400", tc.name, w.Code)
		}
	}

	w := httptest.NewRecorder()
	CreateInstance(w, newRawRequest(t, "POST", "/api/instances", "{not json", nil))
	wantStatus(t, w, 400)

	// Binding to a machine that does not exist is rejected before any row
	// is written.
	w = httptest.NewRecorder()
	CreateInstance(w, newRequest(t, "POST", "/api/instances", map[string]interface{}{
		"name":           "x",
		"workingDir":     "/tmp",
		"machineBinding": map[string]interface{}{"type": "remote", "machineId": 999},
	}, nil))
	wantStatus(t, w, 400)

	instances, err := database.ListInstances(true)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(instances) != 0 {
		t.Errorf("%d rows written by rejected requests, want 0", len(instances))
	}
}

func TestCreateInstanceSpawnFailureRollsBack(t *testing.T) {
	setupHandlerTest(t)
	t.Setenv("SHELL", "/bin/sh")

	w := httptest.NewRecorder()
	CreateInstance(w, newRequest(t, "POST", "/api/instances", map[string]string{
		"name":       "doomed",
		"workingDir": "/does/not/exist",
	}, nil))
	wantStatus(t, w, 500)

	// No orphan row survives the failed spawn.
	instances, err := database.ListInstances(true)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(instances) != 0 {
		t.Errorf("%d rows after rollback, want 0", len(instances))
	}
}

func TestGetInstance(t *testing.T) {
	setupHandlerTest(t)
	seedInstance(t, "inst-get", "get-me")

	w := httptest.NewRecorder()
	GetInstance(w, newRequest(t, "GET", "/api/instances/inst-get", nil, map[string]string{"id": "inst-get"}))
	wantStatus(t, w, 200)

	data := dataMap(t, w)
	if data["name"] != "get-me" {
		t.Errorf("name = %v, want get-me", data["name"])
	}
	if data["hasSession"] != false {
		t.Errorf("hasSession = %v, want false for a backend-less row", data["hasSession"])
	}

	w = httptest.NewRecorder()
	GetInstance(w, newRequest(t, "GET", "/api/instances/ghost", nil, map[string]string{"id": "ghost"}))
	wantStatus(t, w, 404)
}

func TestGetInstanceRefreshesCwd(t *testing.T) {
	requirePTY(t)
	setupHandlerTest(t)
	t.Setenv("SHELL", "/bin/sh")

	w := httptest.NewRecorder()
	CreateInstance(w, newRequest(t, "POST", "/api/instances", map[string]string{
		"name":       "cwd-probe",
		"workingDir": t.TempDir(),
	}, nil))
	wantStatus(t, w, 201)
	id := dataMap(t, w)["id"].(string)

	w = httptest.NewRecorder()
	GetInstance(w, newRequest(t, "GET", "/api/instances/"+id, nil, map[string]string{"id": id}))
	wantStatus(t, w, 200)

	if cwd, _ := dataMap(t, w)["lastCwd"].(string); cwd == "" {
		t.Error("lastCwd not refreshed from the live session")
	}
	inst, err := database.GetInstance(id)
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.LastCwd == nil || *inst.LastCwd == "" {
		t.Error("refreshed cwd not persisted")
	}
}

func TestUpdateInstance(t *testing.T) {
	setupHandlerTest(t)
	seedInstance(t, "inst-upd", "before")
	sub := Bus.Subscribe()
	defer Bus.Unsubscribe(sub.ID)

	w := httptest.NewRecorder()
	UpdateInstance(w, newRequest(t, "PATCH", "/api/instances/inst-upd", map[string]interface{}{
		"name":   "after",
		"pinned": true,
	}, map[string]string{"id": "inst-upd"}))
	wantStatus(t, w, 200)

	data := dataMap(t, w)
	if data["name"] != "after" || data["pinned"] != true {
		t.Errorf("updated view = %v, want renamed and pinned", data)
	}

	w = httptest.NewRecorder()
	UpdateInstance(w, newRequest(t, "PATCH", "/api/instances/inst-upd", map[string]string{
		"status": "working",
	}, map[string]string{"id": "inst-upd"}))
	wantStatus(t, w, 200)
	if dataMap(t, w)["status"] != "working" {
		t.Error("status update not reflected in response")
	}

	// Manual overrides go through the reconciler: broadcast plus audit row
	// attributed to the API.
	if !hasEvent(collectEvents(sub), bus.EventStatusChanged) {
		t.Error("no status:changed broadcast for manual override")
	}
	events, err := database.ListStatusEvents("inst-upd", 10)
	if err != nil {
		t.Fatalf("ListStatusEvents: %v", err)
	}
	if len(events) == 0 || events[0].Source != status.SourceAPI {
		t.Errorf("audit events = %+v, want newest from source api", events)
	}
}

func TestUpdateInstanceValidation(t *testing.T) {
	setupHandlerTest(t)
	seedInstance(t, "inst-val", "fixed")

	params := map[string]string{"id": "inst-val"}

	w := httptest.NewRecorder()
	UpdateInstance(w, newRequest(t, "PATCH", "/api/instances/inst-val", map[string]string{"status": "bogus"}, params))
	wantStatus(t, w, 400)

	w = httptest.NewRecorder()
	UpdateInstance(w, newRequest(t, "PATCH", "/api/instances/inst-val", map[string]string{"name": "  "}, params))
	wantStatus(t, w, 400)

	w = httptest.NewRecorder()
	UpdateInstance(w, newRawRequest(t, "PATCH", "/api/instances/inst-val", "{", params))
	wantStatus(t, w, 400)

	inst, err := database.GetInstance("inst-val")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Name != "fixed" || inst.Status != database.StatusIdle {
		t.Errorf("row mutated by rejected updates: %+v", inst)
	}
}

func TestDeleteInstance(t *testing.T) {
	setupHandlerTest(t)
	seedInstance(t, "inst-del", "bye")
	HookWindow.Record("inst-del", "stop")

	w := httptest.NewRecorder()
	DeleteInstance(w, newRequest(t, "DELETE", "/api/instances/inst-del", nil, map[string]string{"id": "inst-del"}))
	wantStatus(t, w, 200)

	inst, err := database.GetInstance("inst-del")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.ClosedAt == nil {
		t.Error("ClosedAt not stamped")
	}
	if HookWindow.ShouldDefer("inst-del") {
		t.Error("hook window entry survived the delete")
	}

	// Closed rows leave the default listing but stay reachable.
	w = httptest.NewRecorder()
	ListInstances(w, newRequest(t, "GET", "/api/instances", nil, nil))
	if len(dataList(t, w)) != 0 {
		t.Error("closed instance still in open listing")
	}
	w = httptest.NewRecorder()
	ListInstances(w, newRequest(t, "GET", "/api/instances?includeClosed=true", nil, nil))
	if len(dataList(t, w)) != 1 {
		t.Error("closed instance missing from includeClosed listing")
	}
}

func TestResetInstanceStatus(t *testing.T) {
	setupHandlerTest(t)
	seedInstance(t, "inst-reset", "stuck")
	if err := Reconciler.Apply("inst-reset", database.StatusError, status.SourceSystem); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	w := httptest.NewRecorder()
	ResetInstanceStatus(w, newRequest(t, "POST", "/api/instances/inst-reset/reset-status", nil, map[string]string{"id": "inst-reset"}))
	wantStatus(t, w, 200)
	if dataMap(t, w)["status"] != "idle" {
		t.Error("reset did not return the instance to idle")
	}

	events, err := database.ListStatusEvents("inst-reset", 10)
	if err != nil {
		t.Fatalf("ListStatusEvents: %v", err)
	}
	if len(events) == 0 || events[0].Status != database.StatusIdle || events[0].Source != status.SourceAPI {
		t.Errorf("audit events = %+v, want idle from source api first", events)
	}
}

func TestReorderInstancesEndpoint(t *testing.T) {
	setupHandlerTest(t)
	seedInstance(t, "ord-a", "a")
	seedInstance(t, "ord-b", "b")
	seedInstance(t, "ord-c", "c")

	w := httptest.NewRecorder()
	ReorderInstances(w, newRequest(t, "POST", "/api/instances/reorder", map[string][]string{
		"ids": {"ord-c", "ord-a", "ord-b"},
	}, nil))
	wantStatus(t, w, 200)

	list := dataList(t, w)
	var got []string
	for _, item := range list {
		got = append(got, item.(map[string]interface{})["id"].(string))
	}
	want := []string{"ord-c", "ord-a", "ord-b"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}

	// An unknown id rejects the whole batch and leaves the order alone.
	w = httptest.NewRecorder()
	ReorderInstances(w, newRequest(t, "POST", "/api/instances/reorder", map[string][]string{
		"ids": {"ord-a", "ghost", "ord-b"},
	}, nil))
	wantStatus(t, w, 400)

	w = httptest.NewRecorder()
	ReorderInstances(w, newRequest(t, "POST", "/api/instances/reorder", map[string][]string{"ids": {}}, nil))
	wantStatus(t, w, 400)

	instances, err := database.ListInstances(false)
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if instances[0].ID != "ord-c" {
		t.Errorf("rejected reorder mutated the ordering: first is %s", instances[0].ID)
	}
}

func TestListInstanceStatusEvents(t *testing.T) {
	setupHandlerTest(t)
	seedInstance(t, "inst-ev", "audited")
	for _, s := range []string{database.StatusWorking, database.StatusIdle} {
		if err := Reconciler.Apply("inst-ev", s, status.SourceHook); err != nil {
			t.Fatalf("Apply(%s): %v", s, err)
		}
	}

	w := httptest.NewRecorder()
	ListInstanceStatusEvents(w, newRequest(t, "GET", "/api/instances/inst-ev/status-events", nil, map[string]string{"id": "inst-ev"}))
	wantStatus(t, w, 200)

	list := dataList(t, w)
	if len(list) != 2 {
		t.Fatalf("got %d events, want 2", len(list))
	}
	newest := list[0].(map[string]interface{})
	if newest["status"] != "idle" || newest["source"] != "hook" {
		t.Errorf("newest event = %v, want idle from hook", newest)
	}
}
