package term

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/ptyfleet/ptyfleet/internal/sshconn"
)

// Reconnect policy for SSH backends. Package vars so tests can compress the
// delays.
var (
	reconnectMaxAttempts = 5
	reconnectBaseDelay   = time.Second
	spawnSettleDelay     = 300 * time.Millisecond
)

// sshBackend runs the remote user's login shell over a dedicated SSH
// connection. Passive disconnects are healed by a bounded reconnect loop;
// Kill cancels the loop and wins any race with it.
type sshBackend struct {
	cfg Config

	mu      sync.Mutex
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	alive   bool
	// finished guards the event stream: once set, no event may follow the
	// final exit.
	finished bool
	cols     uint16
	rows     uint16
	loopCtx  context.Context
	cancel   context.CancelFunc

	events chan Event
}

func newSSHBackend(cfg Config) *sshBackend {
	return &sshBackend{
		cfg:    cfg,
		cols:   cfg.Cols,
		rows:   cfg.Rows,
		events: make(chan Event, eventBuffer),
	}
}

func (b *sshBackend) Spawn(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.loopCtx = loopCtx
	b.cancel = cancel
	b.mu.Unlock()

	if err := b.connect(ctx); err != nil {
		cancel()
		return err
	}
	if err := b.startShell(); err != nil {
		cancel()
		b.closeTransport()
		return err
	}

	b.mu.Lock()
	b.alive = true
	b.mu.Unlock()

	// Let the login shell print its banner and apply the cd before the
	// caller snapshots or attaches.
	time.Sleep(spawnSettleDelay)
	return nil
}

func (b *sshBackend) connect(ctx context.Context) error {
	client, err := sshconn.Dial(ctx, b.cfg.Machine, b.cfg.ConnectTimeout)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()
	return nil
}

// startShell opens the exec channel, allocates the remote PTY with the
// current geometry, and primes the shell (credential export, cd).
func (b *sshBackend) startShell() error {
	b.mu.Lock()
	client := b.client
	cols, rows := b.cols, b.rows
	b.mu.Unlock()
	if client == nil {
		return fmt.Errorf("no ssh connection")
	}

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open session: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		session.Close()
		return fmt.Errorf("request pty: %w", err)
	}
	if err := session.Shell(); err != nil {
		session.Close()
		return fmt.Errorf("start shell: %w", err)
	}

	b.mu.Lock()
	b.session = session
	b.stdin = stdin
	b.mu.Unlock()

	// stdout and stderr coalesce into the same data stream.
	var pumps sync.WaitGroup
	pumps.Add(2)
	go b.pumpOutput(&pumps, stdout)
	go b.pumpOutput(&pumps, stderr)
	go b.watchSession(session, &pumps)

	b.primeShell(stdin)
	return nil
}

// primeShell injects the forwarded credential and changes into the working
// directory. A leading home-shorthand is left unquoted so the remote shell
// expands it; everything else is single-quoted.
func (b *sshBackend) primeShell(stdin io.Writer) {
	if b.cfg.Machine.ForwardCredentials && b.cfg.Credential != "" && b.cfg.CredentialVar != "" {
		fmt.Fprintf(stdin, "export %s=%s\n", b.cfg.CredentialVar, sshconn.ShellQuote(b.cfg.Credential))
	}
	if dir := b.cfg.WorkingDir; dir != "" {
		fmt.Fprintf(stdin, "cd %s\n", sshconn.RemoteDirArg(dir))
	}
}

func (b *sshBackend) pumpOutput(pumps *sync.WaitGroup, r io.Reader) {
	defer pumps.Done()
	buf := make([]byte, outputChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			b.emitData(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// watchSession waits for the current shell to die. Both pumps are drained
// first so the exit event, when it comes, is guaranteed to be last. A death
// while the backend is still marked alive is passive and starts the
// reconnect loop; a death caused by Kill just finishes the stream.
func (b *sshBackend) watchSession(session *ssh.Session, pumps *sync.WaitGroup) {
	err := session.Wait()
	pumps.Wait()

	b.mu.Lock()
	passive := b.alive && b.session == session
	ctx := b.loopCtx
	b.mu.Unlock()

	if !passive {
		b.finish(0)
		return
	}

	log.Printf("[term] instance %s: ssh session closed unexpectedly: %v", b.cfg.InstanceID, err)
	b.reconnectLoop(ctx)
}

// reconnectLoop re-runs connect+startShell with exponential backoff. Banners
// flow through the ordinary data stream so attached clients see them inline.
func (b *sshBackend) reconnectLoop(ctx context.Context) {
	b.closeTransport()

	delay := reconnectBaseDelay
	for attempt := 1; attempt <= reconnectMaxAttempts; attempt++ {
		// A kill that lands mid-attempt must not surface another banner.
		if ctx.Err() != nil {
			b.finish(0)
			return
		}
		b.emitData([]byte(fmt.Sprintf(
			"\r\n\x1b[33mConnection lost. Reconnecting in %s (attempt %d/%d)...\x1b[0m\r\n",
			delay, attempt, reconnectMaxAttempts)))

		select {
		case <-ctx.Done():
			b.finish(0)
			return
		case <-time.After(delay):
		}

		if err := b.connect(ctx); err != nil {
			log.Printf("[term] instance %s: reconnect attempt %d: %v", b.cfg.InstanceID, attempt, err)
			delay *= 2
			continue
		}
		if err := b.startShell(); err != nil {
			log.Printf("[term] instance %s: reconnect attempt %d: %v", b.cfg.InstanceID, attempt, err)
			b.closeTransport()
			delay *= 2
			continue
		}

		b.emitData([]byte("\r\n\x1b[32mReconnected successfully.\x1b[0m\r\n"))
		return
	}

	log.Printf("[term] instance %s: reconnect attempts exhausted", b.cfg.InstanceID)
	b.mu.Lock()
	b.alive = false
	b.mu.Unlock()
	b.finish(1)
}

func (b *sshBackend) closeTransport() {
	b.mu.Lock()
	session, client := b.session, b.client
	b.session, b.client, b.stdin = nil, nil, nil
	b.mu.Unlock()

	if session != nil {
		session.Close()
	}
	if client != nil {
		client.Close()
	}
}

func (b *sshBackend) emitData(p []byte) {
	b.mu.Lock()
	done := b.finished
	b.mu.Unlock()
	if done {
		return
	}
	buf := make([]byte, len(p))
	copy(buf, p)
	b.events <- Event{Kind: EventData, Data: buf}
}

func (b *sshBackend) finish(code int) {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	b.finished = true
	b.mu.Unlock()
	b.events <- Event{Kind: EventExit, Code: code}
}

func (b *sshBackend) Write(p []byte) error {
	b.mu.Lock()
	stdin, alive := b.stdin, b.alive
	b.mu.Unlock()
	if !alive || stdin == nil {
		return ErrNotAlive
	}
	_, err := stdin.Write(p)
	return err
}

// Resize records the geometry (so a reconnected shell comes up at the latest
// size) and applies it to the live session.
func (b *sshBackend) Resize(cols, rows uint16) error {
	b.mu.Lock()
	b.cols, b.rows = cols, rows
	session := b.session
	b.mu.Unlock()
	if session == nil {
		return ErrNotAlive
	}
	return session.WindowChange(int(rows), int(cols))
}

// Kill tears the backend down. It wins any race with the reconnect loop: the
// loop's context is cancelled before the transport is closed, so no further
// attempt can be scheduled.
func (b *sshBackend) Kill() error {
	b.mu.Lock()
	b.alive = false
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.closeTransport()
	return nil
}

// Cwd reports the spawn-time working directory. A remote cd cannot be
// observed without shell integration, so this is a documented approximation.
func (b *sshBackend) Cwd() string {
	return b.cfg.WorkingDir
}

// Pid is unknown for remote shells.
func (b *sshBackend) Pid() int {
	return 0
}

func (b *sshBackend) Events() <-chan Event {
	return b.events
}
