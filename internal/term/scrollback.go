package term

import "sync"

// Scrollback is the bounded byte history for one instance. The owning
// backend pump is the single writer; attaching clients take snapshots.
// Total counts every byte ever appended, so a snapshot can be ordered
// against live events that carry their starting offset.
type Scrollback struct {
	mu    sync.Mutex
	data  []byte
	max   int
	total int64
}

func NewScrollback(max int) *Scrollback {
	if max <= 0 {
		max = 100 * 1024
	}
	return &Scrollback{max: max}
}

// Append adds p, trimming from the head when the cap is exceeded. The buffer
// always holds exactly the last max bytes of everything written. The returned
// value is the absolute offset of the first byte of p.
func (s *Scrollback) Append(p []byte) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := s.total
	if len(p) == 0 {
		return start
	}
	s.total += int64(len(p))
	s.data = append(s.data, p...)
	if len(s.data) > s.max {
		s.data = s.data[len(s.data)-s.max:]
	}
	return start
}

// Snapshot returns a copy of the current contents.
func (s *Scrollback) Snapshot() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out
}

// SnapshotWithOffset returns the contents plus the absolute offset of the
// first byte NOT included, i.e. Total at snapshot time. Live events whose
// offset is below the returned value are already inside the snapshot.
func (s *Scrollback) SnapshotWithOffset() ([]byte, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out, s.total
}

// Total returns the absolute number of bytes ever appended.
func (s *Scrollback) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *Scrollback) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Clear drops the buffered history. The absolute offset keeps counting so
// ordering against in-flight events stays coherent.
func (s *Scrollback) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
}
