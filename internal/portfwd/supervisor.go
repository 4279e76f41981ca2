// Package portfwd supervises reverse tunnels that expose a remote instance's
// ports on localhost. Each tunnel is a local listener whose accepted
// connections are carried to the remote port over the machine's pooled SSH
// connection.
package portfwd

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ptyfleet/ptyfleet/internal/bus"
	"github.com/ptyfleet/ptyfleet/internal/database"
	"github.com/ptyfleet/ptyfleet/internal/sshconn"
)

// Reconnect policy, same shape as the SSH terminal backend. Package vars so
// tests can compress the delays.
var (
	reconnectMaxAttempts = 5
	reconnectBaseDelay   = time.Second
)

type tunnel struct {
	row      *database.PortForward
	machine  *database.RemoteMachine
	listener net.Listener
	cancel   context.CancelFunc

	mu           sync.Mutex
	reconnecting bool
}

// Supervisor owns every live tunnel, keyed by port-forward row id.
type Supervisor struct {
	conns *sshconn.Manager
	bus   *bus.Bus

	mu      sync.Mutex
	tunnels map[uint]*tunnel

	ctx    context.Context
	cancel context.CancelFunc
}

func NewSupervisor(conns *sshconn.Manager, b *bus.Bus) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		conns:   conns,
		bus:     b,
		tunnels: make(map[uint]*tunnel),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// SweepStale closes every row a previous process left open. No in-memory
// tunnel survives a restart, so anything not closed is stale by definition.
// Run once at startup, before any Open.
func (s *Supervisor) SweepStale() {
	n, err := database.SweepStalePortForwards()
	if err != nil {
		log.Printf("[portfwd] sweep stale forwards: %v", err)
		return
	}
	if n > 0 {
		log.Printf("[portfwd] closed %d stale forwards from previous run", n)
	}
}

// Open establishes a tunnel from a local port to remotePort on the instance's
// machine. localPort 0 binds a free port. The pooled connection is dialed
// eagerly so an unreachable machine fails the call instead of the first
// forwarded connection.
func (s *Supervisor) Open(ctx context.Context, inst *database.Instance, remotePort, localPort int) (*database.PortForward, error) {
	if inst.Machine == nil {
		return nil, fmt.Errorf("instance %s is not bound to a machine", inst.ID)
	}

	if _, err := s.conns.Get(ctx, inst.Machine); err != nil {
		return nil, fmt.Errorf("connect machine %s: %w", inst.Machine.Name, err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", localPort))
	if err != nil {
		return nil, fmt.Errorf("listen on local port %d: %w", localPort, err)
	}
	bound := listener.Addr().(*net.TCPAddr).Port

	row := &database.PortForward{
		InstanceID: inst.ID,
		RemotePort: remotePort,
		LocalPort:  bound,
		Status:     database.ForwardActive,
	}
	if err := database.CreatePortForward(row); err != nil {
		listener.Close()
		return nil, err
	}

	tctx, tcancel := context.WithCancel(s.ctx)
	t := &tunnel{row: row, machine: inst.Machine, listener: listener, cancel: tcancel}

	s.mu.Lock()
	s.tunnels[row.ID] = t
	s.mu.Unlock()

	go s.acceptLoop(tctx, t)

	s.bus.Publish(bus.Resource(bus.EventPortForwarded, row))
	log.Printf("[portfwd] instance %s: localhost:%d -> %s:%d",
		inst.ID, bound, inst.Machine.Name, remotePort)
	return row, nil
}

// acceptLoop accepts local connections until the tunnel is cancelled. The
// accept deadline keeps the loop responsive to cancellation.
func (s *Supervisor) acceptLoop(ctx context.Context, t *tunnel) {
	defer t.listener.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if tcp, ok := t.listener.(*net.TCPListener); ok {
			tcp.SetDeadline(time.Now().Add(time.Second))
		}

		conn, err := t.listener.Accept()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Printf("[portfwd] forward %d: accept: %v", t.row.ID, err)
			return
		}

		go s.forward(ctx, t, conn)
	}
}

// forward carries one local connection to the remote port. A dial failure
// with the pooled connection gone means the transport died and kicks off the
// reconnect cycle; a failure on a live transport just means nothing is
// listening on the remote port.
func (s *Supervisor) forward(ctx context.Context, t *tunnel, local net.Conn) {
	defer local.Close()

	client, err := s.conns.Get(ctx, t.machine)
	if err != nil {
		s.transportLost(ctx, t, err)
		return
	}

	remote, err := client.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", t.row.RemotePort))
	if err != nil {
		if !s.conns.IsConnected(t.machine.ID) {
			s.transportLost(ctx, t, err)
		} else {
			log.Printf("[portfwd] forward %d: remote dial: %v", t.row.ID, err)
		}
		return
	}
	defer remote.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(remote, local)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(local, remote)
		done <- struct{}{}
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// transportLost starts the reconnect cycle, at most once per outage.
func (s *Supervisor) transportLost(ctx context.Context, t *tunnel, cause error) {
	t.mu.Lock()
	if t.reconnecting {
		t.mu.Unlock()
		return
	}
	t.reconnecting = true
	t.mu.Unlock()

	go s.reconnect(ctx, t, cause)
}

// reconnect re-dials the machine with exponential backoff, persisting each
// attempt. Success restores the forward to active; exhaustion marks it failed
// and tears the tunnel down.
func (s *Supervisor) reconnect(ctx context.Context, t *tunnel, cause error) {
	defer func() {
		t.mu.Lock()
		t.reconnecting = false
		t.mu.Unlock()
	}()

	log.Printf("[portfwd] forward %d: transport lost: %v", t.row.ID, cause)
	s.conns.Invalidate(t.machine.ID)

	delay := reconnectBaseDelay
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		s.setState(t, database.ForwardReconnecting, attempt, cause.Error())

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if _, err := s.conns.Get(ctx, t.machine); err != nil {
			log.Printf("[portfwd] forward %d: reconnect attempt %d: %v", t.row.ID, attempt, err)
			cause = err
			delay *= 2
			continue
		}

		s.setState(t, database.ForwardActive, 0, "")
		s.bus.Publish(bus.Resource(bus.EventPortForwarded, t.row))
		log.Printf("[portfwd] forward %d: reconnected", t.row.ID)
		return
	}

	log.Printf("[portfwd] forward %d: reconnect attempts exhausted", t.row.ID)
	s.remove(t.row.ID)
	t.cancel()
	s.setState(t, database.ForwardFailed, reconnectMaxAttempts, cause.Error())
	s.bus.Publish(bus.Resource(bus.EventPortClosed, t.row))
}

func (s *Supervisor) setState(t *tunnel, status string, attempts int, lastError string) {
	t.mu.Lock()
	t.row.Status = status
	t.row.ReconnectAttempts = attempts
	t.row.LastError = lastError
	t.mu.Unlock()

	if err := database.SetPortForwardState(t.row.ID, status, attempts, lastError); err != nil {
		log.Printf("[portfwd] forward %d: persist %s: %v", t.row.ID, status, err)
	}
}

// Close tears down one forward and marks the row closed.
func (s *Supervisor) Close(id uint) error {
	if t := s.remove(id); t != nil {
		t.cancel()
		t.listener.Close()
	}

	row, err := database.GetPortForward(id)
	if err != nil {
		return err
	}
	if row.Status != database.ForwardClosed {
		if err := database.SetPortForwardState(id, database.ForwardClosed, row.ReconnectAttempts, row.LastError); err != nil {
			return err
		}
		row.Status = database.ForwardClosed
	}

	s.bus.Publish(bus.Resource(bus.EventPortClosed, row))
	return nil
}

// CloseInstanceForwards tears down every open forward of one instance. Used
// when the instance is deleted.
func (s *Supervisor) CloseInstanceForwards(instanceID string) {
	ids := make(map[uint]bool)

	s.mu.Lock()
	for id, t := range s.tunnels {
		if t.row.InstanceID == instanceID {
			ids[id] = true
		}
	}
	s.mu.Unlock()

	if rows, err := database.ListOpenPortForwards(instanceID); err == nil {
		for _, row := range rows {
			ids[row.ID] = true
		}
	}

	for id := range ids {
		if err := s.Close(id); err != nil {
			log.Printf("[portfwd] instance %s: close forward %d: %v", instanceID, id, err)
		}
	}
}

// CloseAll tears down every tunnel and marks the rows closed. Used at
// shutdown.
func (s *Supervisor) CloseAll() {
	s.cancel()

	s.mu.Lock()
	tunnels := s.tunnels
	s.tunnels = make(map[uint]*tunnel)
	s.mu.Unlock()

	for id, t := range tunnels {
		t.listener.Close()
		if err := database.SetPortForwardState(id, database.ForwardClosed, t.row.ReconnectAttempts, t.row.LastError); err != nil {
			log.Printf("[portfwd] forward %d: close: %v", id, err)
		}
	}
	if len(tunnels) > 0 {
		log.Printf("[portfwd] closed %d forwards", len(tunnels))
	}
}

// Count returns the number of live tunnels.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tunnels)
}

func (s *Supervisor) remove(id uint) *tunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tunnels[id]
	if !ok {
		return nil
	}
	delete(s.tunnels, id)
	return t
}
