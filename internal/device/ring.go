package device

import "sync"

// lineRing is a bounded ring of serial output lines addressed by a
// monotonic index. Readers keep their own cursors and pull batches;
// lines older than capacity are dropped, and a reader that fell behind
// resumes at the oldest retained line (at-least-once delivery, callers
// deduplicate by index).
type lineRing struct {
	mu    sync.Mutex
	lines []string
	cap   int
	// next is the index the next appended line will get.
	next uint64
}

func newLineRing(capacity int) *lineRing {
	if capacity < 1 {
		capacity = 1
	}
	return &lineRing{cap: capacity}
}

// append adds a line and returns its index.
func (r *lineRing) append(line string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.next
	r.next++
	r.lines = append(r.lines, line)
	if len(r.lines) > r.cap {
		r.lines = r.lines[len(r.lines)-r.cap:]
	}
	return idx
}

// since returns up to limit lines starting at cursor, plus the index of
// the first returned line and the next cursor to request.
func (r *lineRing) since(cursor uint64, limit int) (lines []string, first uint64, next uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	oldest := r.next - uint64(len(r.lines))
	if cursor < oldest {
		cursor = oldest
	}
	if cursor >= r.next {
		return nil, cursor, cursor
	}
	start := int(cursor - oldest)
	end := len(r.lines)
	if limit > 0 && end-start > limit {
		end = start + limit
	}
	out := make([]string, end-start)
	copy(out, r.lines[start:end])
	return out, cursor, cursor + uint64(len(out))
}

// latest returns the next index to be written (i.e. one past the newest
// line).
func (r *lineRing) latest() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}
