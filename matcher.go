package rstream

// fifo is a slice-backed FIFO confined to one engine goroutine.
type fifo[T any] struct {
	items []T
	head  int
}

func (f *fifo[T]) push(v T) {
	f.items = append(f.items, v)
}

func (f *fifo[T]) pop() (T, bool) {
	var zero T
	if f.head == len(f.items) {
		f.items = f.items[:0]
		f.head = 0
		return zero, false
	}
	v := f.items[f.head]
	f.items[f.head] = zero
	f.head++
	return v, true
}

func (f *fifo[T]) empty() bool { return f.head == len(f.items) }

func (f *fifo[T]) len() int { return len(f.items) - f.head }

// streamMatcher correlates local submissions with the peer's advertised
// recv tickets, per stream and in FIFO order. It is thread-confined to
// the engine that owns it; cross-thread traffic arrives through the
// concurrent queues that feed it.
type streamMatcher[L, R any] struct {
	local  map[uint32]*fifo[L]
	remote map[uint32]*fifo[R]

	// Streams whose two FIFOs may both be non-empty.
	ready []uint32
}

func newStreamMatcher[L, R any]() *streamMatcher[L, R] {
	return &streamMatcher[L, R]{
		local:  make(map[uint32]*fifo[L]),
		remote: make(map[uint32]*fifo[R]),
	}
}

func (m *streamMatcher[L, R]) pushLocal(streamID uint32, v L) {
	f := m.local[streamID]
	if f == nil {
		f = &fifo[L]{}
		m.local[streamID] = f
	}
	f.push(v)
	m.markReady(streamID)
}

func (m *streamMatcher[L, R]) pushRemote(streamID uint32, v R) {
	f := m.remote[streamID]
	if f == nil {
		f = &fifo[R]{}
		m.remote[streamID] = f
	}
	f.push(v)
	m.markReady(streamID)
}

func (m *streamMatcher[L, R]) markReady(streamID uint32) {
	lf, rf := m.local[streamID], m.remote[streamID]
	if lf != nil && rf != nil && !lf.empty() && !rf.empty() {
		m.ready = append(m.ready, streamID)
	}
}

// popMatched pops the heads of one stream whose two FIFOs are both
// non-empty. Heads pair 1:1 and in submission order.
func (m *streamMatcher[L, R]) popMatched() (streamID uint32, local L, remote R, ok bool) {
	for len(m.ready) > 0 {
		streamID = m.ready[0]
		m.ready = m.ready[1:]
		lf, rf := m.local[streamID], m.remote[streamID]
		if lf == nil || rf == nil || lf.empty() || rf.empty() {
			continue
		}
		local, _ = lf.pop()
		remote, _ = rf.pop()
		// The stream may still have another matched pair queued.
		m.markReady(streamID)
		return streamID, local, remote, true
	}
	ok = false
	return
}

// drainLocal empties every local FIFO, invoking fn on each entry. Used
// at engine shutdown to resolve abandoned submissions.
func (m *streamMatcher[L, R]) drainLocal(fn func(L)) {
	for _, f := range m.local {
		for {
			v, ok := f.pop()
			if !ok {
				break
			}
			fn(v)
		}
	}
	m.ready = m.ready[:0]
}
