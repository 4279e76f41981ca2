package term

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"

	"github.com/ptyfleet/ptyfleet/internal/paths"
)

// localBackend runs the user's login shell under a pseudo-terminal on the
// orchestrator host.
type localBackend struct {
	cfg Config

	mu       sync.Mutex
	cmd      *exec.Cmd
	ptmx     *os.File
	alive    bool
	finished bool
	workDir  string

	events chan Event
}

func newLocalBackend(cfg Config) *localBackend {
	return &localBackend{
		cfg:    cfg,
		events: make(chan Event, eventBuffer),
	}
}

func loginShell() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/bash"
}

func (b *localBackend) Spawn(ctx context.Context) error {
	dir := paths.ExpandHome(b.cfg.WorkingDir)
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("working directory %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("working directory %s is not a directory", dir)
	}

	cmd := exec.Command(loginShell(), "-l")
	cmd.Dir = dir
	env := append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"INSTANCE_ID="+b.cfg.InstanceID,
	)
	for k, v := range b.cfg.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: b.cfg.Cols,
		Rows: b.cfg.Rows,
	})
	if err != nil {
		return fmt.Errorf("start shell: %w", err)
	}

	b.mu.Lock()
	b.cmd = cmd
	b.ptmx = ptmx
	b.alive = true
	b.workDir = dir
	b.mu.Unlock()

	go b.pump(cmd, ptmx)
	return nil
}

// pump relays PTY output until the shell dies, then emits the exit event.
// It is the only caller of cmd.Wait.
func (b *localBackend) pump(cmd *exec.Cmd, ptmx *os.File) {
	buf := make([]byte, outputChunkSize)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			b.emitData(buf[:n])
		}
		if err != nil {
			break
		}
	}

	err := cmd.Wait()
	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	} else if err != nil {
		code = 1
	}
	if code < 0 {
		// Signal-terminated; the shell never reported a status.
		code = 1
	}

	b.mu.Lock()
	b.alive = false
	b.mu.Unlock()
	b.finish(code)
}

func (b *localBackend) emitData(p []byte) {
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

func (b *localBackend) finish(code int) {
	b.mu.Lock()
	if b.finished {
		b.mu.Unlock()
		return
	}
	b.finished = true
	b.mu.Unlock()
	b.events <- Event{Kind: EventExit, Code: code}
}

func (b *localBackend) Write(p []byte) error {
	b.mu.Lock()
	ptmx, alive := b.ptmx, b.alive
	b.mu.Unlock()
	if !alive || ptmx == nil {
		return ErrNotAlive
	}
	_, err := ptmx.Write(p)
	return err
}

func (b *localBackend) Resize(cols, rows uint16) error {
	b.mu.Lock()
	ptmx, alive := b.ptmx, b.alive
	b.mu.Unlock()
	if !alive || ptmx == nil {
		return ErrNotAlive
	}
	return pty.Setsize(ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill terminates the shell's whole process group and closes the PTY. The
// pump observes the close and emits the final exit event.
func (b *localBackend) Kill() error {
	b.mu.Lock()
	cmd, ptmx := b.cmd, b.ptmx
	b.alive = false
	b.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		pid := cmd.Process.Pid
		if pgid, err := syscall.Getpgid(pid); err == nil {
			_ = syscall.Kill(-pgid, syscall.SIGTERM)
		} else {
			_ = cmd.Process.Signal(syscall.SIGTERM)
		}
	}
	if ptmx != nil {
		return ptmx.Close()
	}
	return nil
}

// Cwd probes the live cwd of the shell process; on any failure it reports
// the directory the shell started in.
func (b *localBackend) Cwd() string {
	b.mu.Lock()
	cmd, alive, initial := b.cmd, b.alive, b.workDir
	b.mu.Unlock()

	if alive && cmd != nil && cmd.Process != nil {
		if cwd, err := processCwd(cmd.Process.Pid); err == nil && cwd != "" {
			return cwd
		}
	}
	return initial
}

func (b *localBackend) Pid() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cmd != nil && b.cmd.Process != nil {
		return b.cmd.Process.Pid
	}
	return 0
}

func (b *localBackend) Events() <-chan Event {
	return b.events
}
