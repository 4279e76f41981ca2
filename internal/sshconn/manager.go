// Package sshconn owns SSH connectivity to remote machines. It provides a
// standalone Dial for callers that need a dedicated connection (interactive
// terminal backends, whose reconnect loop must own the transport) and a
// Manager that pools one multiplexed connection per machine for everything
// else: status probes, tunnels, liveness tests.
package sshconn

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/singleflight"

	"github.com/ptyfleet/ptyfleet/internal/database"
)

// keepaliveInterval is how often pooled connections are probed.
const keepaliveInterval = 30 * time.Second

// ClientConfig assembles the ssh client config for a machine, selecting the
// key per the machine's key path or the canonical list.
func ClientConfig(machine *database.RemoteMachine, timeout time.Duration) (*ssh.ClientConfig, error) {
	signer, err := FindSigner(machine.KeyPath)
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            machine.Username,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}, nil
}

// Dial opens a dedicated SSH client to the machine. The context bounds the
// TCP dial and the handshake together.
func Dial(ctx context.Context, machine *database.RemoteMachine, timeout time.Duration) (*ssh.Client, error) {
	cfg, err := ClientConfig(machine, timeout)
	if err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(machine.Host, strconv.Itoa(machine.Port))

	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if timeout > 0 {
		_ = netConn.SetDeadline(time.Now().Add(timeout))
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// managedConn pairs a pooled client with the cancel that stops its keepalive.
type managedConn struct {
	client *ssh.Client
	cancel context.CancelFunc
}

// Manager pools one connection per machine ID. Machine IDs are stable across
// renames, which keeps long-lived map entries valid.
type Manager struct {
	timeout time.Duration

	mu    sync.Mutex
	conns map[uint]*managedConn

	group singleflight.Group
}

func NewManager(timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		timeout: timeout,
		conns:   make(map[uint]*managedConn),
	}
}

// Get returns the pooled connection for the machine, dialing on first use.
// Concurrent callers for the same machine share a single dial.
func (m *Manager) Get(ctx context.Context, machine *database.RemoteMachine) (*ssh.Client, error) {
	m.mu.Lock()
	if mc, ok := m.conns[machine.ID]; ok {
		client := mc.client
		m.mu.Unlock()
		return client, nil
	}
	m.mu.Unlock()

	key := strconv.FormatUint(uint64(machine.ID), 10)
	v, err, _ := m.group.Do(key, func() (interface{}, error) {
		// A racing caller may have stored one while we queued on the flight.
		m.mu.Lock()
		if mc, ok := m.conns[machine.ID]; ok {
			client := mc.client
			m.mu.Unlock()
			return client, nil
		}
		m.mu.Unlock()

		client, err := Dial(ctx, machine, m.timeout)
		if err != nil {
			return nil, err
		}

		keepCtx, cancel := context.WithCancel(context.Background())
		m.mu.Lock()
		m.conns[machine.ID] = &managedConn{client: client, cancel: cancel}
		m.mu.Unlock()
		go m.keepalive(keepCtx, machine.ID, client)

		log.Printf("[sshconn] connected to machine %d (%s)", machine.ID, machine.Host)
		return client, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ssh.Client), nil
}

func (m *Manager) keepalive(ctx context.Context, machineID uint, client *ssh.Client) {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// SendRequest with wantReply=true doubles as a liveness check.
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				log.Printf("[sshconn] keepalive failed for machine %d: %v, dropping connection", machineID, err)
				m.mu.Lock()
				if mc, ok := m.conns[machineID]; ok && mc.client == client {
					delete(m.conns, machineID)
				}
				m.mu.Unlock()
				client.Close()
				return
			}
		}
	}
}

// Invalidate drops the pooled connection so the next Get redials.
func (m *Manager) Invalidate(machineID uint) {
	m.mu.Lock()
	mc, ok := m.conns[machineID]
	if ok {
		delete(m.conns, machineID)
	}
	m.mu.Unlock()
	if ok {
		mc.cancel()
		mc.client.Close()
	}
}

// IsConnected reports whether a pooled connection currently exists.
func (m *Manager) IsConnected(machineID uint) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.conns[machineID]
	return ok
}

// Run executes one command over the pooled connection and returns its
// stdout. The context bounds the whole execution. Failures to open a session
// invalidate the pooled connection; a nonzero remote exit does not.
func (m *Manager) Run(ctx context.Context, machine *database.RemoteMachine, command string) (string, error) {
	client, err := m.Get(ctx, machine)
	if err != nil {
		return "", err
	}

	session, err := client.NewSession()
	if err != nil {
		m.Invalidate(machine.ID)
		return "", fmt.Errorf("open session: %w", err)
	}
	defer session.Close()

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := session.Output(command)
		done <- result{out, err}
	}()

	select {
	case <-ctx.Done():
		session.Close()
		return "", ctx.Err()
	case r := <-done:
		if r.err != nil {
			var exitErr *ssh.ExitError
			if errors.As(r.err, &exitErr) {
				return "", fmt.Errorf("remote command exited %d", exitErr.ExitStatus())
			}
			m.Invalidate(machine.ID)
			return "", fmt.Errorf("run remote command: %w", r.err)
		}
		return string(r.out), nil
	}
}

// CloseAll tears down every pooled connection. Used during shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	conns := m.conns
	m.conns = make(map[uint]*managedConn)
	m.mu.Unlock()

	for id, mc := range conns {
		mc.cancel()
		if err := mc.client.Close(); err != nil {
			log.Printf("[sshconn] close machine %d: %v", id, err)
		}
	}
	if len(conns) > 0 {
		log.Printf("[sshconn] all connections closed (%d total)", len(conns))
	}
}
