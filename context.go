// Package rstream layers a reliable, multi-stream, backpressured
// send/recv abstraction over one reliable-connected RDMA queue pair.
// Each logical send lands exactly once into a matching receiver-posted
// buffer; streams are independent FIFOs multiplexed by a 32-bit id.
package rstream

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rstream/internal/queue"
	"github.com/yuuki/rstream/internal/telemetry"
	"github.com/yuuki/rstream/verbs"
)

// command pairs a ticket with the handle its completion resolves.
type command struct {
	ticket Ticket
	handle *Handle
}

// Context is the messaging context. It owns two I/O goroutines (send
// engine and recv engine), the control-channel buffers, and the queue
// pair handed to NewContext.
type Context struct {
	qp  *verbs.RcQueuePair
	cfg config

	// User submissions.
	sendQ    *queue.Unbounded[command] // consumed by the send engine
	recvCmdQ *queue.Unbounded[command] // consumed by the recv engine

	// Inter-engine ticket traffic.
	localRecvQ  *queue.Unbounded[Ticket] // recv engine -> send engine: tickets to forward
	remoteRecvQ *queue.Unbounded[Ticket] // recv engine -> send engine: peer's advertised recvs

	// Control channel: fixed-size slots for ticket forwarding.
	ctrlSendBuf *verbs.MemoryRegion
	ctrlRecvBuf *verbs.MemoryRegion

	finalized atomic.Bool
	failOnce  sync.Once
	termErr   error // written inside failOnce before finalized is set

	wg     sync.WaitGroup
	closed atomic.Bool

	metrics *telemetry.Metrics
}

// ctrlSlotSize is the fixed control-channel slot size. The ticket
// payload occupies the first ticketWireSize bytes.
const ctrlSlotSize = 32

// NewContext consumes a brought-up queue pair and returns a running
// messaging context. The queue pair must be in RTS; the context
// releases it on Close.
func NewContext(qp *verbs.RcQueuePair, opts ...Option) (*Context, error) {
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	// Clamp the working depths to what the queue pair actually has.
	if cfg.sendCQDepth > qp.SendQueueDepth() {
		cfg.sendCQDepth = qp.SendQueueDepth()
	}
	if cfg.controlSlots > qp.RecvQueueDepth() {
		cfg.controlSlots = qp.RecvQueueDepth()
	}
	if state := qp.State(); state != verbs.QPStateRTS {
		return nil, ErrQPNotReady
	}

	c := &Context{
		qp:          qp,
		cfg:         cfg,
		sendQ:       queue.New[command](),
		recvCmdQ:    queue.New[command](),
		localRecvQ:  queue.New[Ticket](),
		remoteRecvQ: queue.New[Ticket](),
		metrics:     cfg.metrics,
	}

	// V2 has no control channel; pre-posted control slots would
	// intercept its data SENDs.
	if cfg.apiVersion == V1 {
		if err := c.setupControlBuffers(); err != nil {
			return nil, err
		}
	}

	c.wg.Add(2)
	switch cfg.apiVersion {
	case V1:
		go c.runSendEngineV1()
		go c.runRecvEngineV1()
	case V2:
		go c.runSendEngineV2()
		go c.runRecvEngineV2()
	}

	log.Info().
		Uint32("qpn", qp.QPNum()).
		Int("api_version", int(cfg.apiVersion)).
		Int("control_slots", cfg.controlSlots).
		Msg("Created messaging context")
	return c, nil
}

// setupControlBuffers registers the two control regions and pre-posts
// every recv slot so incoming immediates never starve.
func (c *Context) setupControlBuffers() error {
	pd := c.qp.PD()
	size := uint64(c.cfg.controlSlots) * ctrlSlotSize

	sendBuf, err := verbs.AllocBuffer(size)
	if err != nil {
		return err
	}
	c.ctrlSendBuf, err = verbs.RegisterMemoryRegionOwned(pd, sendBuf)
	if err != nil {
		sendBuf.Free()
		return err
	}

	recvBuf, err := verbs.AllocBuffer(size)
	if err != nil {
		c.ctrlSendBuf.Close()
		return err
	}
	c.ctrlRecvBuf, err = verbs.RegisterMemoryRegionOwned(pd, recvBuf)
	if err != nil {
		recvBuf.Free()
		c.ctrlSendBuf.Close()
		return err
	}

	for slot := 0; slot < c.cfg.controlSlots; slot++ {
		if err := c.postControlRecv(slot); err != nil {
			c.ctrlRecvBuf.Close()
			c.ctrlSendBuf.Close()
			return err
		}
	}
	return nil
}

// postControlRecv posts the control recv slot back onto the queue pair.
// The wr_id is the slot index.
func (c *Context) postControlRecv(slot int) error {
	addr := c.ctrlRecvBuf.Addr() + uint64(slot)*ctrlSlotSize
	return c.qp.PostRecv(uint64(slot), addr, ctrlSlotSize, c.ctrlRecvBuf.LKey())
}

// Send enqueues a send of length bytes at addr (registered with lkey)
// on the given stream. It never blocks; the returned handle resolves
// once the transfer has been acknowledged by the peer NIC.
func (c *Context) Send(streamID uint32, addr uint64, length uint32, lkey uint32) *Handle {
	return c.submit(c.sendQ, Ticket{StreamID: streamID, Length: length, Addr: addr, Key: lkey})
}

// Recv enqueues a recv of length bytes into addr (registered with
// rkey) on the given stream. The returned handle resolves once the
// full length has been DMA'd into the buffer.
func (c *Context) Recv(streamID uint32, addr uint64, length uint32, rkey uint32) *Handle {
	return c.submit(c.recvCmdQ, Ticket{StreamID: streamID, Length: length, Addr: addr, Key: rkey})
}

func (c *Context) submit(q *queue.Unbounded[command], t Ticket) *Handle {
	if err := c.validate(t); err != nil {
		return newFailedHandle(err)
	}
	if c.finalized.Load() {
		return newFailedHandle(c.terminalError())
	}
	h := &Handle{}
	q.Push(command{ticket: t, handle: h})
	// The engine may have drained its queue and exited between the
	// finalized check and the push; first resolution wins either way.
	if c.finalized.Load() {
		h.fail(c.terminalError())
	}
	return h
}

func (c *Context) validate(t Ticket) error {
	if t.Length == 0 {
		return ErrInvalidArgument
	}
	if len(c.cfg.regions) > 0 && !c.withinRegisteredRegion(t) {
		return ErrInvalidArgument
	}
	return nil
}

func (c *Context) withinRegisteredRegion(t Ticket) bool {
	end := t.Addr + uint64(t.Length)
	for _, mr := range c.cfg.regions {
		if t.Addr >= mr.Addr() && end <= mr.Addr()+mr.Length() {
			return true
		}
	}
	return false
}

// fail latches the first asynchronous failure, finalizes the context
// and lets both engines wind down. Every pending and future handle
// resolves to the recorded error.
func (c *Context) fail(err error) {
	c.failOnce.Do(func() {
		c.termErr = err
		c.finalized.Store(true)
		if err != nil {
			log.Error().Err(err).Uint32("qpn", c.qp.QPNum()).Msg("Messaging context entered failed state")
		}
	})
}

// terminalError reports what pending handles should resolve to once
// the context is finalized.
func (c *Context) terminalError() error {
	if c.termErr != nil {
		return c.termErr
	}
	return ErrCancelled
}

// Close finalizes the context: both I/O goroutines are joined, pending
// submissions resolve to Cancelled (or the earlier transport error),
// and the control buffers and queue pair are released. Close is
// idempotent.
func (c *Context) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.fail(nil)
	c.wg.Wait()

	if c.ctrlRecvBuf != nil {
		c.ctrlRecvBuf.Close()
	}
	if c.ctrlSendBuf != nil {
		c.ctrlSendBuf.Close()
	}
	c.qp.Close()

	log.Info().Msg("Destroyed messaging context")
	return nil
}

// failPending resolves every submission still sitting in a user queue.
func failPending(q *queue.Unbounded[command], err error) {
	for {
		cmd, ok := q.TryPop()
		if !ok {
			return
		}
		cmd.handle.fail(err)
	}
}
