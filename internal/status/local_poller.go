package status

import (
	"log"
	"os"
	"time"

	"github.com/ptyfleet/ptyfleet/internal/database"
	"github.com/ptyfleet/ptyfleet/internal/paths"
)

// LocalPoller classifies open local instances by the age of their newest
// session-log file. It is a heuristic producer: hook entries within the
// priority window outrank it, and any per-instance error leaves the status
// untouched.
type LocalPoller struct {
	reconciler *Reconciler
	window     *Window
	logRoot    string
	threshold  time.Duration
}

func NewLocalPoller(r *Reconciler, w *Window, logRoot string, threshold time.Duration) *LocalPoller {
	if threshold <= 0 {
		threshold = 60 * time.Second
	}
	return &LocalPoller{reconciler: r, window: w, logRoot: logRoot, threshold: threshold}
}

// Tick runs one scan. A database error skips the whole tick; per-instance
// errors are logged and skipped without mutating status.
func (p *LocalPoller) Tick() {
	instances, err := database.ListOpenLocal()
	if err != nil {
		log.Printf("[poller] list local instances: %v", err)
		return
	}

	for _, inst := range instances {
		if p.window.ShouldDefer(inst.ID) {
			continue
		}
		candidate, err := p.classify(inst.WorkingDir)
		if err != nil {
			log.Printf("[poller] instance %s: %v", inst.ID, err)
			continue
		}
		if err := p.reconciler.Apply(inst.ID, candidate, SourceLocalPoll); err != nil {
			log.Printf("[poller] instance %s: apply %s: %v", inst.ID, candidate, err)
		}
	}
}

// classify maps the newest session-log mtime to a status. A missing or empty
// log directory means no session has written yet, which reads as idle. The
// threshold comparison is inclusive: a file exactly threshold old is idle.
func (p *LocalPoller) classify(workingDir string) (string, error) {
	dir := paths.SessionLogDir(p.logRoot, workingDir)

	newest, ok, err := newestFileMtime(dir)
	if err != nil {
		return "", err
	}
	if !ok || time.Since(newest) >= p.threshold {
		return database.StatusIdle, nil
	}
	return database.StatusWorking, nil
}

// newestFileMtime returns the most recent mtime among the directory's
// regular-file children. ok is false when the directory does not exist or
// holds no files.
func newestFileMtime(dir string) (time.Time, bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, err
	}

	var newest time.Time
	var found bool
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if !found || info.ModTime().After(newest) {
			newest = info.ModTime()
			found = true
		}
	}
	return newest, found, nil
}
