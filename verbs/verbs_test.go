package verbs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openTestDevice opens the first RDMA device, skipping the test when
// the host has none.
func openTestDevice(t *testing.T) *Context {
	t.Helper()
	ctx, err := OpenDevice("")
	if err != nil {
		t.Skipf("No RDMA device available: %v", err)
	}
	t.Cleanup(ctx.Close)
	return ctx
}

func TestOpenDeviceNotFound(t *testing.T) {
	_, err := OpenDevice("no-such-device-0")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestQPStateString(t *testing.T) {
	assert.Equal(t, "RESET", QPStateReset.String())
	assert.Equal(t, "INIT", QPStateInit.String())
	assert.Equal(t, "RTR", QPStateRTR.String())
	assert.Equal(t, "RTS", QPStateRTS.String())
	assert.Equal(t, "UNKNOWN", QPStateUnknown.String())
	assert.Equal(t, "UNKNOWN", QPState(42).String())
}

func TestMemoryRegionLifecycle(t *testing.T) {
	ctx := openTestDevice(t)

	pd, err := AllocPD(ctx)
	require.NoError(t, err)
	defer pd.Close()

	buf, err := AllocBuffer(4096)
	require.NoError(t, err)

	mr, err := RegisterMemoryRegionOwned(pd, buf)
	require.NoError(t, err)

	assert.Equal(t, buf.Addr(), mr.Addr())
	assert.Equal(t, uint64(4096), mr.Length())
	assert.NotZero(t, mr.LKey())
	assert.NotZero(t, mr.RKey())

	// Keys and geometry are stable for the region's lifetime.
	lkey, rkey := mr.LKey(), mr.RKey()
	assert.Equal(t, lkey, mr.LKey())
	assert.Equal(t, rkey, mr.RKey())

	mr.Close()
	mr.Close() // idempotent
}

func TestRegisterMemoryRegionRejectsZeroLength(t *testing.T) {
	ctx := openTestDevice(t)

	pd, err := AllocPD(ctx)
	require.NoError(t, err)
	defer pd.Close()

	_, err = RegisterMemoryRegion(pd, 0x1000, 0)
	assert.ErrorIs(t, err, ErrMRRegFailed)
}

func TestRcQueuePairBringUp(t *testing.T) {
	ctx := openTestDevice(t)

	pd, err := AllocPD(ctx)
	require.NoError(t, err)
	defer pd.Close()

	qp1, err := NewRcQueuePair(pd, 0, 0)
	require.NoError(t, err)
	defer qp1.Close()
	qp2, err := NewRcQueuePair(pd, 0, 0)
	require.NoError(t, err)
	defer qp2.Close()

	assert.Equal(t, QPStateReset, qp1.State())
	assert.Equal(t, DefaultSendQueueDepth, qp1.SendQueueDepth())
	assert.Equal(t, DefaultRecvQueueDepth, qp1.RecvQueueDepth())

	require.NoError(t, qp1.BringUp(qp2.Handshake()))
	require.NoError(t, qp2.BringUp(qp1.Handshake()))
	assert.Equal(t, QPStateRTS, qp1.State())
	assert.Equal(t, QPStateRTS, qp2.State())
}

func TestBringUpIdempotentInRTS(t *testing.T) {
	ctx := openTestDevice(t)

	pd, err := AllocPD(ctx)
	require.NoError(t, err)
	defer pd.Close()

	qp1, err := NewRcQueuePair(pd, 0, 0)
	require.NoError(t, err)
	defer qp1.Close()
	qp2, err := NewRcQueuePair(pd, 0, 0)
	require.NoError(t, err)
	defer qp2.Close()

	peer := qp2.Handshake()
	require.NoError(t, qp1.BringUp(peer))
	require.NoError(t, qp2.BringUp(qp1.Handshake()))

	// A second bring-up with the same handshake succeeds without a
	// state change.
	require.NoError(t, qp1.BringUp(peer))
	assert.Equal(t, QPStateRTS, qp1.State())
}

func TestLoopbackSendRecv(t *testing.T) {
	ctx := openTestDevice(t)

	pd, err := AllocPD(ctx)
	require.NoError(t, err)
	defer pd.Close()

	qp1, err := NewRcQueuePair(pd, 0, 0)
	require.NoError(t, err)
	defer qp1.Close()
	qp2, err := NewRcQueuePair(pd, 0, 0)
	require.NoError(t, err)
	defer qp2.Close()

	require.NoError(t, qp1.BringUp(qp2.Handshake()))
	require.NoError(t, qp2.BringUp(qp1.Handshake()))

	sendBuf, err := AllocBuffer(4096)
	require.NoError(t, err)
	recvBuf, err := AllocBuffer(4096)
	require.NoError(t, err)

	sendMR, err := RegisterMemoryRegionOwned(pd, sendBuf)
	require.NoError(t, err)
	defer sendMR.Close()
	recvMR, err := RegisterMemoryRegionOwned(pd, recvBuf)
	require.NoError(t, err)
	defer recvMR.Close()

	payload := []byte("reliable connected loopback")
	copy(sendMR.Bytes(), payload)

	require.NoError(t, qp2.PostRecv(7, recvMR.Addr(), 4096, recvMR.LKey()))
	require.NoError(t, qp1.PostSendSend(11, sendMR.Addr(), uint32(len(payload)), sendMR.LKey(), true))

	sendWCs, err := qp1.WaitUntilSendCompletion(1)
	require.NoError(t, err)
	require.Len(t, sendWCs, 1)
	assert.True(t, sendWCs[0].Success(), sendWCs[0].String())
	assert.Equal(t, uint64(11), sendWCs[0].WRID)

	recvWCs, err := qp2.WaitUntilRecvCompletion(1)
	require.NoError(t, err)
	require.Len(t, recvWCs, 1)
	assert.True(t, recvWCs[0].Success(), recvWCs[0].String())
	assert.Equal(t, uint64(7), recvWCs[0].WRID)
	assert.Equal(t, uint32(len(payload)), recvWCs[0].ByteLen)
	assert.Equal(t, payload, recvMR.Bytes()[:len(payload)])
}

func TestLoopbackWriteWithImm(t *testing.T) {
	ctx := openTestDevice(t)

	pd, err := AllocPD(ctx)
	require.NoError(t, err)
	defer pd.Close()

	qp1, err := NewRcQueuePair(pd, 0, 0)
	require.NoError(t, err)
	defer qp1.Close()
	qp2, err := NewRcQueuePair(pd, 0, 0)
	require.NoError(t, err)
	defer qp2.Close()

	require.NoError(t, qp1.BringUp(qp2.Handshake()))
	require.NoError(t, qp2.BringUp(qp1.Handshake()))

	localBuf, err := AllocBuffer(4096)
	require.NoError(t, err)
	remoteBuf, err := AllocBuffer(4096)
	require.NoError(t, err)

	localMR, err := RegisterMemoryRegionOwned(pd, localBuf)
	require.NoError(t, err)
	defer localMR.Close()
	remoteMR, err := RegisterMemoryRegionOwned(pd, remoteBuf)
	require.NoError(t, err)
	defer remoteMR.Close()

	payload := []byte{0xca, 0xfe, 0xba, 0xbe}
	copy(localMR.Bytes(), payload)

	// A WRITE-with-immediate consumes one posted recv on the target;
	// the immediate travels in the completion.
	require.NoError(t, qp2.PostRecv(1, remoteMR.Addr(), 0, remoteMR.LKey()))
	require.NoError(t, qp1.PostSendWriteWithImm(
		2, localMR.Addr(), remoteMR.Addr(), uint32(len(payload)),
		0x5eed, localMR.LKey(), remoteMR.RKey(), true))

	sendWCs, err := qp1.WaitUntilSendCompletion(1)
	require.NoError(t, err)
	require.Len(t, sendWCs, 1)
	assert.True(t, sendWCs[0].Success(), sendWCs[0].String())

	recvWCs, err := qp2.WaitUntilRecvCompletion(1)
	require.NoError(t, err)
	require.Len(t, recvWCs, 1)
	assert.True(t, recvWCs[0].Success(), recvWCs[0].String())
	assert.Equal(t, OpcodeRecvRDMAImm, recvWCs[0].Opcode)
	assert.Equal(t, uint32(0x5eed), recvWCs[0].ImmData)
	assert.Equal(t, uint32(len(payload)), recvWCs[0].ByteLen)
	assert.Equal(t, payload, remoteMR.Bytes()[:len(payload)])
}
