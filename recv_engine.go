package rstream

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rstream/verbs"
)

// runRecvEngineV1 is the recv-side I/O goroutine. It records user recv
// submissions in the per-stream in-flight table, hands their tickets to
// the send engine for forwarding, keeps the control recv slots posted,
// and reaps recv completions: incoming immediates resolve in-flight
// recvs, incoming ticket SENDs feed the send engine's matcher.
func (c *Context) runRecvEngineV1() {
	defer c.wg.Done()

	inflight := make(map[uint32]*fifo[command])

	for {
		progressed := false

		// A submission is recorded in the in-flight table before its
		// ticket is forwarded, so a completion can never observe an
		// empty FIFO for a legitimate stream.
		for {
			cmd, ok := c.recvCmdQ.TryPop()
			if !ok {
				break
			}
			f := inflight[cmd.ticket.StreamID]
			if f == nil {
				f = &fifo[command]{}
				inflight[cmd.ticket.StreamID] = f
			}
			f.push(cmd)
			c.localRecvQ.Push(cmd.ticket)
			progressed = true
		}

		wcs, err := c.qp.PollRecvCQOnce(pollBatch)
		if err != nil {
			c.fail(fmt.Errorf("%w: recv CQ poll: %v", ErrTransportFailed, err))
		}
		for _, wc := range wcs {
			if !wc.Success() {
				c.fail(fmt.Errorf("%w: recv completion: %s", ErrTransportFailed, wc.StatusString()))
				continue
			}
			slot := int(wc.WRID)
			switch wc.Opcode {
			case verbs.OpcodeRecvRDMAImm:
				// Data landed in the user buffer; the immediate names
				// the stream.
				streamID := wc.ImmData
				f := inflight[streamID]
				var cmd command
				ok := false
				if f != nil {
					cmd, ok = f.pop()
				}
				if !ok {
					c.fail(fmt.Errorf("%w: immediate for stream %d with no pending recv", ErrTransportFailed, streamID))
					break
				}
				if wc.ByteLen != cmd.ticket.Length {
					err := fmt.Errorf("%w: stream %d delivered %d bytes into a %d byte recv",
						ErrTransportFailed, streamID, wc.ByteLen, cmd.ticket.Length)
					cmd.handle.fail(err)
					c.fail(err)
					break
				}
				cmd.handle.complete()
				c.metrics.AddBytesReceived(int64(wc.ByteLen))
			case verbs.OpcodeRecv:
				// An incoming ticket from the peer's recv engine.
				base := slot * ctrlSlotSize
				t := unmarshalTicket(c.ctrlRecvBuf.Bytes()[base : base+ticketWireSize])
				c.remoteRecvQ.Push(t)
			default:
				c.fail(fmt.Errorf("%w: unexpected recv opcode %d", ErrTransportFailed, wc.Opcode))
			}
			// Keep the pre-posted pool full so incoming operations
			// never starve for recv work requests.
			if err := c.postControlRecv(slot); err != nil {
				c.fail(fmt.Errorf("%w: control recv repost: %v", ErrTransportFailed, err))
			}
			progressed = true
		}
		if len(wcs) > 0 {
			c.metrics.RecordCQBatch(len(wcs))
		}

		if c.finalized.Load() {
			break
		}
		if !progressed {
			runtime.Gosched()
		}
	}

	err := c.terminalError()
	for _, f := range inflight {
		for {
			cmd, ok := f.pop()
			if !ok {
				break
			}
			cmd.handle.fail(err)
		}
	}
	failPending(c.recvCmdQ, err)
	log.Debug().Msg("Recv engine exited")
}
