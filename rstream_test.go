package rstream

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yuuki/rstream/verbs"
)

// testPeer is one side of a loopback context pair.
type testPeer struct {
	ctx    *Context
	dataMR *verbs.MemoryRegion
}

// newLoopbackPair builds two connected messaging contexts on the first
// local device, each with a registered data region of dataLen bytes.
// Tests are skipped when the host has no RDMA device.
func newLoopbackPair(t *testing.T, dataLen uint64, opts ...Option) (*testPeer, *testPeer) {
	t.Helper()

	devCtx, err := verbs.OpenDevice("")
	if err != nil {
		t.Skipf("No RDMA device available: %v", err)
	}
	t.Cleanup(devCtx.Close)

	pd, err := verbs.AllocPD(devCtx)
	require.NoError(t, err)
	t.Cleanup(pd.Close)

	peers := make([]*testPeer, 2)
	qps := make([]*verbs.RcQueuePair, 2)
	for i := range peers {
		qps[i], err = verbs.NewRcQueuePair(pd, 0, 0)
		require.NoError(t, err)

		buf, err := verbs.AllocBuffer(dataLen)
		require.NoError(t, err)
		mr, err := verbs.RegisterMemoryRegionOwned(pd, buf)
		require.NoError(t, err)
		t.Cleanup(mr.Close)

		peers[i] = &testPeer{dataMR: mr}
	}

	require.NoError(t, qps[0].BringUp(qps[1].Handshake()))
	require.NoError(t, qps[1].BringUp(qps[0].Handshake()))

	for i := range peers {
		peers[i].ctx, err = NewContext(qps[i], opts...)
		require.NoError(t, err)
	}
	t.Cleanup(func() {
		peers[0].ctx.Close()
		peers[1].ctx.Close()
	})
	return peers[0], peers[1]
}

func TestLoopbackTinyMessage(t *testing.T) {
	a, b := newLoopbackPair(t, 4096)

	payload := make([]byte, 255)
	for i := range payload {
		payload[i] = byte(i + 1)
	}
	copy(a.dataMR.Bytes(), payload)

	sendHandle := a.ctx.Send(7, a.dataMR.Addr(), 255, a.dataMR.LKey())
	recvHandle := b.ctx.Recv(7, b.dataMR.Addr(), 255, b.dataMR.RKey())

	require.NoError(t, sendHandle.Wait())
	require.NoError(t, recvHandle.Wait())
	assert.Equal(t, payload, b.dataMR.Bytes()[:255])
}

func TestPerStreamFIFOOrder(t *testing.T) {
	const messages = 16
	const size = 512
	a, b := newLoopbackPair(t, messages*size)

	for i := 0; i < messages; i++ {
		for j := 0; j < size; j++ {
			a.dataMR.Bytes()[i*size+j] = byte(i)
		}
	}

	sendHandles := make([]*Handle, messages)
	recvHandles := make([]*Handle, messages)
	for i := 0; i < messages; i++ {
		sendHandles[i] = a.ctx.Send(3, a.dataMR.Addr()+uint64(i*size), size, a.dataMR.LKey())
	}
	for i := 0; i < messages; i++ {
		recvHandles[i] = b.ctx.Recv(3, b.dataMR.Addr()+uint64(i*size), size, b.dataMR.RKey())
	}

	for i := 0; i < messages; i++ {
		require.NoError(t, sendHandles[i].Wait())
		require.NoError(t, recvHandles[i].Wait())
	}

	// The k-th recv observes the k-th send's bytes.
	for i := 0; i < messages; i++ {
		for j := 0; j < size; j++ {
			require.Equal(t, byte(i), b.dataMR.Bytes()[i*size+j],
				"message %d corrupted at offset %d", i, j)
		}
	}
}

func TestStreamIndependence(t *testing.T) {
	const messages = 10
	const size = 4096
	a, b := newLoopbackPair(t, 2*messages*size)

	offset := func(stream, i int) uint64 { return uint64((stream*messages + i) * size) }

	var handles []*Handle

	// Stream 0: all sends submitted before any recv exists.
	for i := 0; i < messages; i++ {
		handles = append(handles, a.ctx.Send(0, a.dataMR.Addr()+offset(0, i), size, a.dataMR.LKey()))
	}
	// Stream 1: recvs first, then sends.
	for i := 0; i < messages; i++ {
		handles = append(handles, b.ctx.Recv(1, b.dataMR.Addr()+offset(1, i), size, b.dataMR.RKey()))
	}
	for i := 0; i < messages; i++ {
		handles = append(handles, a.ctx.Send(1, a.dataMR.Addr()+offset(1, i), size, a.dataMR.LKey()))
	}
	// Stream 0 recvs arrive last; stream 1 must have been free to
	// complete regardless.
	for i := 0; i < messages; i++ {
		handles = append(handles, b.ctx.Recv(0, b.dataMR.Addr()+offset(0, i), size, b.dataMR.RKey()))
	}

	for _, h := range handles {
		require.NoError(t, h.Wait())
	}
}

func TestConcurrentSubmitters(t *testing.T) {
	const workers = 4
	const perWorker = 8
	const size = 1024
	a, b := newLoopbackPair(t, workers*perWorker*size)

	var wg sync.WaitGroup
	errs := make(chan error, 2*workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(2)
		stream := uint32(w)
		base := uint64(w * perWorker * size)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				errs <- a.ctx.Send(stream, a.dataMR.Addr()+base+uint64(i*size), size, a.dataMR.LKey()).Wait()
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				errs <- b.ctx.Recv(stream, b.dataMR.Addr()+base+uint64(i*size), size, b.dataMR.RKey()).Wait()
			}
		}()
	}
	wg.Wait()
	close(errs)

	completed := 0
	for err := range errs {
		require.NoError(t, err)
		completed++
	}
	assert.Equal(t, 2*workers*perWorker, completed)
}

func TestLengthMismatchIsFatal(t *testing.T) {
	a, b := newLoopbackPair(t, 4096)

	sendHandle := a.ctx.Send(0, a.dataMR.Addr(), 1024, a.dataMR.LKey())
	recvHandle := b.ctx.Recv(0, b.dataMR.Addr(), 512, b.dataMR.RKey())

	// The recv ticket reaches a's send engine, which detects the
	// mismatch while pairing and fails the context.
	assert.ErrorIs(t, sendHandle.Wait(), ErrTransportFailed)

	// Subsequent submissions on the failed context resolve to the same
	// terminal error.
	later := a.ctx.Send(1, a.dataMR.Addr(), 64, a.dataMR.LKey())
	assert.ErrorIs(t, later.Wait(), ErrTransportFailed)

	// The recv side never learns about the pairing failure; its handle
	// resolves when its context is destroyed.
	require.NoError(t, b.ctx.Close())
	assert.Error(t, recvHandle.Wait())
}

func TestCloseCancelsPending(t *testing.T) {
	a, _ := newLoopbackPair(t, 4096)

	// A send with no matching recv stays pending until destruction.
	h := a.ctx.Send(0, a.dataMR.Addr(), 256, a.dataMR.LKey())
	require.NoError(t, a.ctx.Close())
	assert.ErrorIs(t, h.Wait(), ErrCancelled)

	// Submissions after destruction fail immediately.
	late := a.ctx.Send(0, a.dataMR.Addr(), 256, a.dataMR.LKey())
	assert.ErrorIs(t, late.Wait(), ErrCancelled)
}

func TestZeroLengthSubmissionRejected(t *testing.T) {
	a, b := newLoopbackPair(t, 4096)

	h := a.ctx.Send(0, a.dataMR.Addr(), 0, a.dataMR.LKey())
	assert.ErrorIs(t, h.Wait(), ErrInvalidArgument)

	h = b.ctx.Recv(0, b.dataMR.Addr(), 0, b.dataMR.RKey())
	assert.ErrorIs(t, h.Wait(), ErrInvalidArgument)
}

func TestOutOfBoundsSubmissionRejected(t *testing.T) {
	devCtx, err := verbs.OpenDevice("")
	if err != nil {
		t.Skipf("No RDMA device available: %v", err)
	}
	t.Cleanup(devCtx.Close)

	pd, err := verbs.AllocPD(devCtx)
	require.NoError(t, err)
	t.Cleanup(pd.Close)

	qp1, err := verbs.NewRcQueuePair(pd, 0, 0)
	require.NoError(t, err)
	qp2, err := verbs.NewRcQueuePair(pd, 0, 0)
	require.NoError(t, err)
	t.Cleanup(qp2.Close)

	require.NoError(t, qp1.BringUp(qp2.Handshake()))
	require.NoError(t, qp2.BringUp(qp1.Handshake()))

	buf, err := verbs.AllocBuffer(4096)
	require.NoError(t, err)
	mr, err := verbs.RegisterMemoryRegionOwned(pd, buf)
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	ctx, err := NewContext(qp1, WithRegisteredRegions(mr))
	require.NoError(t, err)
	t.Cleanup(func() { ctx.Close() })

	// Length runs past the end of the registered region.
	h := ctx.Send(0, mr.Addr(), 8192, mr.LKey())
	assert.ErrorIs(t, h.Wait(), ErrInvalidArgument)

	// Address entirely outside the region.
	h = ctx.Send(0, mr.Addr()+mr.Length(), 64, mr.LKey())
	assert.ErrorIs(t, h.Wait(), ErrInvalidArgument)
}

func TestNewContextRequiresRTS(t *testing.T) {
	devCtx, err := verbs.OpenDevice("")
	if err != nil {
		t.Skipf("No RDMA device available: %v", err)
	}
	t.Cleanup(devCtx.Close)

	pd, err := verbs.AllocPD(devCtx)
	require.NoError(t, err)
	t.Cleanup(pd.Close)

	qp, err := verbs.NewRcQueuePair(pd, 0, 0)
	require.NoError(t, err)
	t.Cleanup(qp.Close)

	_, err = NewContext(qp)
	assert.ErrorIs(t, err, ErrQPNotReady)
}
