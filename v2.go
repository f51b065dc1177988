package rstream

import (
	"fmt"
	"runtime"

	"github.com/rs/zerolog/log"

	"github.com/yuuki/rstream/verbs"
)

// V2 carries data as SEND into the peer's staging region and copies it
// to the user's address with the injected copy function. There is no
// ticket forwarding: the immediate names the stream and the receiver's
// own in-flight table supplies the destination. One data message is in
// flight per direction at a time; V2 exists for compatibility, not
// throughput.

// runSendEngineV2 consumes local send submissions, stages each one into
// the send staging region and posts a SEND-with-immediate, waiting out
// its completion before taking the next.
func (c *Context) runSendEngineV2() {
	defer c.wg.Done()

	staging := c.cfg.stagingSend
	var nextWRID uint64

	for {
		if c.finalized.Load() {
			break
		}
		cmd, ok := c.sendQ.TryPop()
		if !ok {
			runtime.Gosched()
			continue
		}

		if uint64(cmd.ticket.Length) > staging.Length() {
			cmd.handle.fail(ErrInvalidArgument)
			continue
		}
		if err := c.cfg.memCopy(staging.Addr(), cmd.ticket.Addr, uint64(cmd.ticket.Length)); err != nil {
			err = fmt.Errorf("%w: staging copy: %v", ErrTransportFailed, err)
			cmd.handle.fail(err)
			c.fail(err)
			break
		}

		wrID := nextWRID
		nextWRID++
		if err := c.qp.PostSendSendWithImm(wrID, staging.Addr(), cmd.ticket.Length, staging.LKey(), cmd.ticket.StreamID, true); err != nil {
			err = fmt.Errorf("%w: data post on stream %d: %v", ErrTransportFailed, cmd.ticket.StreamID, err)
			cmd.handle.fail(err)
			c.fail(err)
			break
		}

		// The staging region is reused for the next message, so the
		// completion must be observed before another copy starts.
		if !c.awaitSendCompletionV2(cmd) {
			break
		}
		c.metrics.AddMatched()
		c.metrics.AddBytesSent(int64(cmd.ticket.Length))
	}

	failPending(c.sendQ, c.terminalError())
	log.Debug().Msg("Send engine exited")
}

// awaitSendCompletionV2 polls until the single outstanding send
// resolves. Returns false when the engine should exit.
func (c *Context) awaitSendCompletionV2(cmd command) bool {
	for {
		wcs, err := c.qp.PollSendCQOnce(1)
		if err != nil {
			err = fmt.Errorf("%w: send CQ poll: %v", ErrTransportFailed, err)
			cmd.handle.fail(err)
			c.fail(err)
			return false
		}
		if len(wcs) > 0 {
			wc := wcs[0]
			if !wc.Success() {
				err := fmt.Errorf("%w: send completion: %s", ErrTransportFailed, wc.StatusString())
				cmd.handle.fail(err)
				c.fail(err)
				return false
			}
			cmd.handle.complete()
			return true
		}
		if c.finalized.Load() {
			cmd.handle.fail(c.terminalError())
			return false
		}
		runtime.Gosched()
	}
}

// runRecvEngineV2 records recv submissions in the in-flight table,
// keeps one staging recv posted while work is pending, and copies each
// arrival out to the user's address.
func (c *Context) runRecvEngineV2() {
	defer c.wg.Done()

	staging := c.cfg.stagingRecv
	inflight := make(map[uint32]*fifo[command])
	pending := 0
	posted := false

	stagingLen := staging.Length()
	if stagingLen > uint64(^uint32(0)) {
		stagingLen = uint64(^uint32(0))
	}

	for {
		progressed := false

		for {
			cmd, ok := c.recvCmdQ.TryPop()
			if !ok {
				break
			}
			if uint64(cmd.ticket.Length) > staging.Length() {
				cmd.handle.fail(ErrInvalidArgument)
				continue
			}
			f := inflight[cmd.ticket.StreamID]
			if f == nil {
				f = &fifo[command]{}
				inflight[cmd.ticket.StreamID] = f
			}
			f.push(cmd)
			pending++
			progressed = true
		}

		// Post the staging recv only while a submission is pending;
		// the RC QP holds unmatched sends off with RNR retries.
		if pending > 0 && !posted {
			if err := c.qp.PostRecv(0, staging.Addr(), uint32(stagingLen), staging.LKey()); err != nil {
				c.fail(fmt.Errorf("%w: staging recv post: %v", ErrTransportFailed, err))
			} else {
				posted = true
			}
		}

		wcs, err := c.qp.PollRecvCQOnce(1)
		if err != nil {
			c.fail(fmt.Errorf("%w: recv CQ poll: %v", ErrTransportFailed, err))
		}
		if len(wcs) > 0 {
			wc := wcs[0]
			posted = false
			if !wc.Success() {
				c.fail(fmt.Errorf("%w: recv completion: %s", ErrTransportFailed, wc.StatusString()))
			} else if wc.Opcode != verbs.OpcodeRecv {
				c.fail(fmt.Errorf("%w: unexpected recv opcode %d", ErrTransportFailed, wc.Opcode))
			} else {
				streamID := wc.ImmData
				f := inflight[streamID]
				var cmd command
				ok := false
				if f != nil {
					cmd, ok = f.pop()
				}
				switch {
				case !ok:
					c.fail(fmt.Errorf("%w: immediate for stream %d with no pending recv", ErrTransportFailed, streamID))
				case wc.ByteLen != cmd.ticket.Length:
					err := fmt.Errorf("%w: stream %d delivered %d bytes into a %d byte recv",
						ErrTransportFailed, streamID, wc.ByteLen, cmd.ticket.Length)
					cmd.handle.fail(err)
					c.fail(err)
				default:
					if err := c.cfg.memCopy(cmd.ticket.Addr, staging.Addr(), uint64(wc.ByteLen)); err != nil {
						err = fmt.Errorf("%w: delivery copy: %v", ErrTransportFailed, err)
						cmd.handle.fail(err)
						c.fail(err)
					} else {
						cmd.handle.complete()
						pending--
						c.metrics.AddBytesReceived(int64(wc.ByteLen))
					}
				}
			}
			progressed = true
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
