package rstream

import (
	"runtime"
	"sync/atomic"
	"time"
)

// handleState values. Zero means pending; resolving is a transient
// state owned by the one goroutine that won the right to fail the
// handle; done and failed are terminal.
const (
	handlePending int32 = iota
	handleResolving
	handleDone
	handleFailed
)

// Handle is the completion handle returned by Send and Recv. Wait
// blocks until the operation has been acknowledged (sends) or fully
// delivered (recvs); Err reports the terminal status afterwards.
type Handle struct {
	state atomic.Int32
	err   error // written only by the resolver, before the failed store
}

// newFailedHandle returns a handle already resolved with err.
func newFailedHandle(err error) *Handle {
	h := &Handle{}
	h.fail(err)
	return h
}

// complete resolves the handle successfully. The atomic store has
// release semantics so the NIC-acknowledged transfer happens-before any
// Wait observing it.
func (h *Handle) complete() {
	h.state.CompareAndSwap(handlePending, handleDone)
}

// fail resolves the handle with a terminal error. The CAS elects a
// single resolver: only the winner may touch err, and the failed store
// publishes it with release ordering, so a loser can never clobber an
// already-published error.
func (h *Handle) fail(err error) {
	if !h.state.CompareAndSwap(handlePending, handleResolving) {
		return
	}
	h.err = err
	h.state.Store(handleFailed)
}

// Done reports whether the handle has resolved, without blocking.
func (h *Handle) Done() bool {
	state := h.state.Load()
	return state == handleDone || state == handleFailed
}

// Wait blocks until the handle resolves, spinning with yields. There is
// no per-operation timeout; context destruction cancels pending
// handles.
func (h *Handle) Wait() error {
	for spins := 0; !h.Done(); spins++ {
		if spins < 1024 {
			runtime.Gosched()
		} else {
			time.Sleep(10 * time.Microsecond)
		}
	}
	return h.Err()
}

// Err returns nil for a successful operation, or the terminal error.
// Only meaningful once Done reports true.
func (h *Handle) Err() error {
	if h.state.Load() == handleFailed {
		return h.err
	}
	return nil
}
