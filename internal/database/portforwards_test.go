package database

import (
	"errors"
	"testing"

	"gorm.io/gorm"
)

func mkForward(t *testing.T, instanceID string, remote, local int) *PortForward {
	t.Helper()
	pf := &PortForward{
		InstanceID: instanceID,
		RemotePort: remote,
		LocalPort:  local,
		Status:     ForwardActive,
	}
	if err := CreatePortForward(pf); err != nil {
		t.Fatalf("create forward: %v", err)
	}
	return pf
}

func TestSetPortForwardState(t *testing.T) {
	setupTestDB(t)

	mkInstance(t, "inst-a", "a")
	pf := mkForward(t, "inst-a", 8080, 18080)

	if err := SetPortForwardState(pf.ID, ForwardReconnecting, 3, "dial refused"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	got, err := GetPortForward(pf.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != ForwardReconnecting || got.ReconnectAttempts != 3 || got.LastError != "dial refused" {
		t.Errorf("state lost: %+v", got)
	}

	if err := SetPortForwardState(9999, ForwardClosed, 0, ""); !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("unknown id err = %v; want record-not-found", err)
	}
}

func TestListOpenPortForwards(t *testing.T) {
	setupTestDB(t)

	mkInstance(t, "inst-a", "a")
	active := mkForward(t, "inst-a", 8080, 18080)
	recon := mkForward(t, "inst-a", 9090, 19090)
	closed := mkForward(t, "inst-a", 3000, 13000)
	mkForward(t, "inst-other", 8080, 28080)

	if err := SetPortForwardState(recon.ID, ForwardReconnecting, 1, "x"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if err := SetPortForwardState(closed.ID, ForwardClosed, 0, ""); err != nil {
		t.Fatalf("set state: %v", err)
	}

	open, err := ListOpenPortForwards("inst-a")
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("open = %d rows; want active+reconnecting", len(open))
	}
	for _, pf := range open {
		if pf.ID != active.ID && pf.ID != recon.ID {
			t.Errorf("unexpected row %d (%s)", pf.ID, pf.Status)
		}
	}

	all, err := ListPortForwards("inst-a")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("all = %d rows; want 3", len(all))
	}
}

func TestSweepStalePortForwards(t *testing.T) {
	setupTestDB(t)

	mkInstance(t, "inst-a", "a")
	a := mkForward(t, "inst-a", 8080, 18080)
	b := mkForward(t, "inst-a", 9090, 19090)
	c := mkForward(t, "inst-a", 3000, 13000)
	if err := SetPortForwardState(b.ID, ForwardReconnecting, 2, "lost"); err != nil {
		t.Fatalf("set state: %v", err)
	}
	if err := SetPortForwardState(c.ID, ForwardClosed, 0, ""); err != nil {
		t.Fatalf("set state: %v", err)
	}

	n, err := SweepStalePortForwards()
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 2 {
		t.Errorf("swept %d rows; want 2", n)
	}

	for _, id := range []uint{a.ID, b.ID, c.ID} {
		got, err := GetPortForward(id)
		if err != nil {
			t.Fatalf("get %d: %v", id, err)
		}
		if got.Status != ForwardClosed {
			t.Errorf("forward %d = %s; want closed", id, got.Status)
		}
	}

	// Second sweep finds nothing.
	n, err = SweepStalePortForwards()
	if err != nil || n != 0 {
		t.Errorf("resweep = %d, %v; want 0, nil", n, err)
	}
}
