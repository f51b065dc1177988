package rstream

import (
	"fmt"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// ctrlWRFlag marks a control-channel (ticket forwarding) work
	// request in the wr_id; the low bits carry the slot index.
	ctrlWRFlag = uint64(1) << 63

	// sendHeadroom keeps a few send-queue slots free so the provider
	// never rejects a post with a full queue.
	sendHeadroom = 8

	// pollBatch bounds how many completions one poll reaps.
	pollBatch = 32

	// drainTimeout bounds how long a finalized engine keeps polling
	// for outstanding completions before giving up.
	drainTimeout = 2 * time.Second
)

// inflightSend tracks one posted data operation until its completion
// is reaped.
type inflightSend struct {
	handle *Handle
	length uint32
}

// runSendEngineV1 is the send-side I/O goroutine. It consumes local
// send submissions and the peer's advertised recv tickets, pairs them
// per stream, posts WRITE-with-immediate for each pair, forwards local
// recv tickets to the peer over the control channel, and reaps send
// completions.
func (c *Context) runSendEngineV1() {
	defer c.wg.Done()

	matcher := newStreamMatcher[command, Ticket]()
	inflight := make(map[uint64]inflightSend)
	var pendingFwd fifo[Ticket]

	freeSlots := make([]int, 0, c.cfg.controlSlots)
	for slot := 0; slot < c.cfg.controlSlots; slot++ {
		freeSlots = append(freeSlots, slot)
	}

	capacity := c.cfg.sendCQDepth - sendHeadroom
	if capacity < 1 {
		capacity = 1
	}

	var nextWRID uint64
	outstanding := 0
	var drainDeadline time.Time

	for {
		progressed := false

		// Ingest without blocking.
		for {
			cmd, ok := c.sendQ.TryPop()
			if !ok {
				break
			}
			matcher.pushLocal(cmd.ticket.StreamID, cmd)
			progressed = true
		}
		for {
			t, ok := c.remoteRecvQ.TryPop()
			if !ok {
				break
			}
			matcher.pushRemote(t.StreamID, t)
			progressed = true
		}
		for {
			t, ok := c.localRecvQ.TryPop()
			if !ok {
				break
			}
			pendingFwd.push(t)
			progressed = true
		}

		// Forward local recv tickets to the peer. Each occupies one
		// control slot until its send completion returns it.
		for !pendingFwd.empty() && len(freeSlots) > 0 && outstanding < capacity {
			t, _ := pendingFwd.pop()
			slot := freeSlots[len(freeSlots)-1]
			freeSlots = freeSlots[:len(freeSlots)-1]

			marshalTicket(c.ctrlSendBuf.Bytes()[slot*ctrlSlotSize:], t)
			addr := c.ctrlSendBuf.Addr() + uint64(slot)*ctrlSlotSize
			if err := c.qp.PostSendSend(ctrlWRFlag|uint64(slot), addr, ticketWireSize, c.ctrlSendBuf.LKey(), true); err != nil {
				c.fail(fmt.Errorf("%w: ticket forward: %v", ErrTransportFailed, err))
				break
			}
			outstanding++
			progressed = true
			c.metrics.AddTicketForwarded()
		}

		// Pair per-stream heads and post the data operations, bounded
		// by the send-queue capacity minus headroom.
		for outstanding < capacity && !c.finalized.Load() {
			streamID, cmd, remote, ok := matcher.popMatched()
			if !ok {
				break
			}
			if cmd.ticket.Length != remote.Length {
				err := fmt.Errorf("%w: length mismatch on stream %d: send %d, recv %d",
					ErrTransportFailed, streamID, cmd.ticket.Length, remote.Length)
				cmd.handle.fail(err)
				c.fail(err)
				break
			}

			wrID := nextWRID
			nextWRID++
			inflight[wrID] = inflightSend{handle: cmd.handle, length: cmd.ticket.Length}
			if err := c.qp.PostSendWriteWithImm(
				wrID,
				cmd.ticket.Addr,
				remote.Addr,
				cmd.ticket.Length,
				streamID,
				cmd.ticket.Key,
				remote.Key,
				true,
			); err != nil {
				c.fail(fmt.Errorf("%w: data post on stream %d: %v", ErrTransportFailed, streamID, err))
				break
			}
			outstanding++
			progressed = true
			c.metrics.AddMatched()
		}

		// Reap completions.
		wcs, err := c.qp.PollSendCQOnce(pollBatch)
		if err != nil {
			c.fail(fmt.Errorf("%w: send CQ poll: %v", ErrTransportFailed, err))
		}
		for _, wc := range wcs {
			outstanding--
			if !wc.Success() {
				c.fail(fmt.Errorf("%w: send completion: %s", ErrTransportFailed, wc.StatusString()))
				continue
			}
			if wc.WRID&ctrlWRFlag != 0 {
				freeSlots = append(freeSlots, int(wc.WRID&^ctrlWRFlag))
				continue
			}
			entry, ok := inflight[wc.WRID]
			if !ok {
				c.fail(fmt.Errorf("%w: send completion with unknown wr_id %d", ErrTransportFailed, wc.WRID))
				continue
			}
			delete(inflight, wc.WRID)
			entry.handle.complete()
			c.metrics.AddBytesSent(int64(entry.length))
		}
		if len(wcs) > 0 {
			progressed = true
			c.metrics.RecordCQBatch(len(wcs))
		}

		if c.finalized.Load() {
			// Drain outstanding completions unless the context died of
			// a transport error; bounded so a lost completion cannot
			// hang destruction.
			if c.termErr == nil && outstanding > 0 {
				if drainDeadline.IsZero() {
					drainDeadline = time.Now().Add(drainTimeout)
				}
				if time.Now().Before(drainDeadline) {
					runtime.Gosched()
					continue
				}
				log.Warn().Int("outstanding", outstanding).Msg("Send engine gave up draining completions")
			}
			break
		}
		if !progressed {
			runtime.Gosched()
		}
	}

	// Resolve everything that never completed.
	err := c.terminalError()
	for _, entry := range inflight {
		entry.handle.fail(err)
	}
	matcher.drainLocal(func(cmd command) { cmd.handle.fail(err) })
	failPending(c.sendQ, err)
	log.Debug().Msg("Send engine exited")
}
