package status

import (
	"fmt"
	"hash/fnv"
	"log"
	"sync"

	"github.com/ptyfleet/ptyfleet/internal/bus"
	"github.com/ptyfleet/ptyfleet/internal/database"
)

// Candidate sources, recorded on every persisted transition.
const (
	SourceHook       = "hook"
	SourceLocalPoll  = "local_poll"
	SourceRemotePoll = "remote_poll"
	SourceAPI        = "api"
	SourceSystem     = "system"
)

const stripeCount = 16

// Reconciler is the single writer of instance status. Candidates from the
// hook endpoint, the pollers, and the API all funnel through Apply, which
// serializes per instance, drops no-op updates, persists the transition, and
// broadcasts it.
type Reconciler struct {
	bus     *bus.Bus
	stripes [stripeCount]sync.Mutex
}

func NewReconciler(b *bus.Bus) *Reconciler {
	return &Reconciler{bus: b}
}

func (r *Reconciler) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &r.stripes[h.Sum32()%stripeCount]
}

// Apply persists candidate as the instance's status unless it already holds.
// Concurrent candidates for the same instance are serialized so the
// read-compare-write is atomic per id.
func (r *Reconciler) Apply(id, candidate, source string) error {
	if !database.ValidStatus(candidate) {
		return fmt.Errorf("invalid status %q", candidate)
	}

	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	inst, err := database.GetInstance(id)
	if err != nil {
		return err
	}
	if inst.Status == candidate {
		return nil
	}

	if err := database.SetInstanceStatus(id, candidate); err != nil {
		return err
	}
	if err := database.AddStatusEvent(id, candidate, source); err != nil {
		log.Printf("[status] instance %s: record transition: %v", id, err)
	}

	r.bus.Publish(bus.StatusChanged(id, candidate))
	r.noteActivity(id, inst.Status, candidate)
	log.Printf("[status] instance %s: %s -> %s (%s)", id, inst.Status, candidate, source)
	return nil
}

// noteActivity emits the feed entries for the two semantic transitions.
func (r *Reconciler) noteActivity(id, from, to string) {
	var kind string
	switch {
	case from == database.StatusIdle && to == database.StatusWorking:
		kind = "started"
	case from == database.StatusWorking && to == database.StatusIdle:
		kind = "completed"
	default:
		return
	}

	entry, err := database.AddActivity(id, kind, "")
	if err != nil {
		log.Printf("[status] instance %s: record activity: %v", id, err)
		return
	}
	r.bus.Publish(bus.Resource(bus.EventActivityNew, entry))
}
