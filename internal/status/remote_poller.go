package status

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/ptyfleet/ptyfleet/internal/bus"
	"github.com/ptyfleet/ptyfleet/internal/database"
	"github.com/ptyfleet/ptyfleet/internal/sshconn"
)

// probeTimeout bounds one remote command. Package var so tests can shrink it.
var probeTimeout = 10 * time.Second

// RemotePoller drives machine availability and classifies open remote
// instances by running the session-log probe over pooled SSH connections.
// The scheduler guarantees ticks never overlap.
type RemotePoller struct {
	reconciler *Reconciler
	window     *Window
	conns      *sshconn.Manager
	bus        *bus.Bus
	logRoot    string
	threshold  time.Duration
}

func NewRemotePoller(r *Reconciler, w *Window, conns *sshconn.Manager, b *bus.Bus, logRoot string, threshold time.Duration) *RemotePoller {
	if threshold <= 0 {
		threshold = 60 * time.Second
	}
	return &RemotePoller{
		reconciler: r,
		window:     w,
		conns:      conns,
		bus:        b,
		logRoot:    logRoot,
		threshold:  threshold,
	}
}

// Tick probes every machine and its open instances. A tick that cannot list
// its rows is skipped entirely; per-machine and per-instance errors are
// logged and leave status untouched.
func (p *RemotePoller) Tick() {
	machines, err := database.ListMachines()
	if err != nil {
		log.Printf("[poller] list machines: %v", err)
		return
	}
	byMachine, err := database.ListOpenRemote()
	if err != nil {
		log.Printf("[poller] list remote instances: %v", err)
		return
	}

	for i := range machines {
		p.pollMachine(&machines[i], byMachine[machines[i].ID])
	}
}

func (p *RemotePoller) pollMachine(machine *database.RemoteMachine, instances []database.Instance) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	_, err := p.conns.Get(ctx, machine)
	cancel()
	if err != nil {
		log.Printf("[poller] machine %s: %v", machine.Name, err)
		p.setMachineStatus(machine, database.MachineOffline)
		return
	}
	p.setMachineStatus(machine, database.MachineOnline)

	for _, inst := range instances {
		if p.window.ShouldDefer(inst.ID) {
			continue
		}
		candidate, err := p.probe(machine, inst.WorkingDir)
		if err != nil {
			log.Printf("[poller] instance %s: %v", inst.ID, err)
			continue
		}
		if err := p.reconciler.Apply(inst.ID, candidate, SourceRemotePoll); err != nil {
			log.Printf("[poller] instance %s: apply %s: %v", inst.ID, candidate, err)
		}
	}
}

// setMachineStatus persists and broadcasts availability, only on change so
// steady-state ticks stay quiet.
func (p *RemotePoller) setMachineStatus(machine *database.RemoteMachine, status string) {
	if machine.Status == status {
		return
	}
	if err := database.SetMachineStatus(machine.ID, status, status == database.MachineOnline); err != nil {
		log.Printf("[poller] machine %s: persist status: %v", machine.Name, err)
		return
	}
	machine.Status = status
	p.bus.Publish(bus.MachineStatus(machine.ID, status))
	log.Printf("[poller] machine %s is %s", machine.Name, status)
}

// probe runs the session-log age command on the machine and classifies the
// result. MISSING means no log has been written for the project; otherwise
// the last output line is the age of the newest log file in seconds.
func (p *RemotePoller) probe(machine *database.RemoteMachine, workingDir string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	out, err := p.conns.Run(ctx, machine, probeCommand(workingDir, p.logRoot))
	if err != nil {
		return "", err
	}

	line := lastLine(out)
	if line == "MISSING" {
		return database.StatusIdle, nil
	}
	age, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return "", fmt.Errorf("parse probe output %q: %w", line, err)
	}
	if age >= int64(p.threshold/time.Second) {
		return database.StatusIdle, nil
	}
	return database.StatusWorking, nil
}

// probeCommand builds the sh one-liner that prints either MISSING or the age
// in seconds of the newest session-log file for the working directory. The
// cd resolves home-shorthand and relative segments on the remote side, and
// stat is tried in GNU then BSD dialect.
func probeCommand(workingDir, logRoot string) string {
	return fmt.Sprintf(
		`cd %s 2>/dev/null || { echo MISSING; exit 0; }; `+
			`d=%s/$(pwd | tr '/' '-'); `+
			`f=$(ls -t "$d" 2>/dev/null | head -n 1); `+
			`[ -n "$f" ] || { echo MISSING; exit 0; }; `+
			`m=$(stat -c %%Y "$d/$f" 2>/dev/null || stat -f %%m "$d/$f"); `+
			`echo $(($(date +%%s) - m))`,
		sshconn.RemoteDirArg(workingDir), remoteRootExpr(logRoot))
}

// remoteRootExpr renders the log root so the remote shell expands a leading
// home-shorthand.
func remoteRootExpr(root string) string {
	if root == "~" {
		return `"$HOME"`
	}
	if strings.HasPrefix(root, "~/") {
		return `"$HOME"` + sshconn.ShellQuote(root[1:])
	}
	return sshconn.ShellQuote(root)
}

func lastLine(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
