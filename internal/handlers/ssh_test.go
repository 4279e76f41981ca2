package handlers

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/ptyfleet/ptyfleet/internal/database"
)

// sshTestServer is an exec-only SSH server; it mirrors the sshconn test
// helpers so this package's tests stay self-contained. The handler receives
// each exec command and returns output plus exit status.
type sshTestServer struct {
	addr     string
	keyPath  string
	listener net.Listener
}

func startSSHTestServer(t *testing.T, handler func(cmd string) (string, uint32)) *sshTestServer {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := ssh.NewSignerFromKey(hostPriv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate client key: %v", err)
	}
	clientSSHPub, err := ssh.NewPublicKey(clientPub)
	if err != nil {
		t.Fatalf("client public key: %v", err)
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if bytes.Equal(key.Marshal(), clientSSHPub.Marshal()) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	cfg.AddHostKey(hostSigner)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(clientPriv, "")
	if err != nil {
		t.Fatalf("marshal client key: %v", err)
	}
	keyPath := filepath.Join(t.TempDir(), "id_test")
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		t.Fatalf("write client key: %v", err)
	}

	s := &sshTestServer{
		addr:     listener.Addr().String(),
		keyPath:  keyPath,
		listener: listener,
	}

	go func() {
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			go handleTestConn(netConn, cfg, handler)
		}
	}()

	t.Cleanup(func() { s.listener.Close() })
	return s
}

func handleTestConn(netConn net.Conn, cfg *ssh.ServerConfig, handler func(cmd string) (string, uint32)) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, cfg)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type == "exec" {
					var payload struct{ Command string }
					ssh.Unmarshal(req.Payload, &payload)
					out, status := "ok\n", uint32(0)
					if handler != nil {
						out, status = handler(payload.Command)
					}
					if req.WantReply {
						req.Reply(true, nil)
					}
					ch.Write([]byte(out))
					ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{status}))
					return
				}
				if req.WantReply {
					req.Reply(true, nil)
				}
			}
		}()
	}
}

// seedMachineRow persists a machine pointing at the test server.
func seedMachineRow(t *testing.T, s *sshTestServer, name string) *database.RemoteMachine {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.addr)
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	keyPath := s.keyPath
	m := &database.RemoteMachine{
		Name:     name,
		Host:     host,
		Port:     port,
		Username: "tester",
		KeyPath:  &keyPath,
		Status:   database.MachineUnknown,
	}
	if err := database.CreateMachine(m); err != nil {
		t.Fatalf("create machine: %v", err)
	}
	return m
}

// seedRemoteInstance persists an open instance bound to the machine.
func seedRemoteInstance(t *testing.T, id string, m *database.RemoteMachine) *database.Instance {
	t.Helper()
	inst := &database.Instance{
		ID:         id,
		Name:       id,
		WorkingDir: "~/work/" + id,
		MachineID:  &m.ID,
		Status:     database.StatusIdle,
	}
	if err := database.CreateInstance(inst); err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst
}
