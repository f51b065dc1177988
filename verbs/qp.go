package verbs

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <string.h>
// #include <errno.h>
// #include <arpa/inet.h>
// #include <infiniband/verbs.h>
//
// // Redeclared per file: cgo preambles do not share static helpers.
// static int rstream_query_port_qp(struct ibv_context *context, uint8_t port_num, struct ibv_port_attr *port_attr) {
//     return ibv_query_port(context, port_num, port_attr);
// }
//
// // State transitions are done in C so the qp_attr unions never cross
// // the cgo boundary.
// static int rstream_modify_to_init(struct ibv_qp *qp, uint8_t port_num) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_INIT;
//     attr.pkey_index = 0;
//     attr.port_num = port_num;
//     attr.qp_access_flags = IBV_ACCESS_LOCAL_WRITE | IBV_ACCESS_REMOTE_WRITE | IBV_ACCESS_REMOTE_READ;
//     return ibv_modify_qp(qp, &attr,
//         IBV_QP_STATE | IBV_QP_PKEY_INDEX | IBV_QP_PORT | IBV_QP_ACCESS_FLAGS);
// }
//
// static int rstream_modify_to_rtr(struct ibv_qp *qp, int mtu, uint32_t dest_qp_num,
//                                  uint16_t dlid, const void *dgid, uint8_t sgid_index,
//                                  uint8_t port_num, int link_layer_ethernet) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RTR;
//     attr.path_mtu = mtu;
//     attr.dest_qp_num = dest_qp_num;
//     attr.rq_psn = 0;
//     attr.max_dest_rd_atomic = 16;
//     attr.min_rnr_timer = 12;
//     attr.ah_attr.port_num = port_num;
//     attr.ah_attr.sl = 0;
//     attr.ah_attr.src_path_bits = 0;
//     if (link_layer_ethernet) {
//         attr.ah_attr.is_global = 1;
//         attr.ah_attr.grh.sgid_index = sgid_index;
//         attr.ah_attr.grh.hop_limit = 255;
//         attr.ah_attr.grh.flow_label = 0;
//         attr.ah_attr.grh.traffic_class = 0;
//         memcpy(attr.ah_attr.grh.dgid.raw, dgid, 16);
//     } else {
//         attr.ah_attr.is_global = 0;
//         attr.ah_attr.dlid = dlid;
//     }
//     return ibv_modify_qp(qp, &attr,
//         IBV_QP_STATE | IBV_QP_AV | IBV_QP_PATH_MTU | IBV_QP_DEST_QPN |
//         IBV_QP_RQ_PSN | IBV_QP_MAX_DEST_RD_ATOMIC | IBV_QP_MIN_RNR_TIMER);
// }
//
// static int rstream_modify_to_rts(struct ibv_qp *qp) {
//     struct ibv_qp_attr attr;
//     memset(&attr, 0, sizeof(attr));
//     attr.qp_state = IBV_QPS_RTS;
//     attr.timeout = 14;
//     attr.retry_cnt = 7;
//     attr.rnr_retry = 7;
//     attr.sq_psn = 0;
//     attr.max_rd_atomic = 16;
//     return ibv_modify_qp(qp, &attr,
//         IBV_QP_STATE | IBV_QP_TIMEOUT | IBV_QP_RETRY_CNT | IBV_QP_RNR_RETRY |
//         IBV_QP_SQ_PSN | IBV_QP_MAX_QP_RD_ATOMIC);
// }
//
// static int rstream_query_state(struct ibv_qp *qp, int *state) {
//     struct ibv_qp_attr attr;
//     struct ibv_qp_init_attr init_attr;
//     int ret = ibv_query_qp(qp, &attr, IBV_QP_STATE, &init_attr);
//     if (ret == 0) {
//         *state = attr.qp_state;
//     }
//     return ret;
// }
//
// // One helper covers every send-side verb; the work request lives on
// // the C stack so no Go pointer is ever posted.
// static int rstream_post_send(struct ibv_qp *qp, uint64_t wr_id, uint64_t laddr,
//                              uint32_t length, uint32_t lkey, int opcode, uint32_t imm,
//                              uint64_t raddr, uint32_t rkey, int signaled) {
//     struct ibv_sge sge;
//     struct ibv_send_wr wr;
//     struct ibv_send_wr *bad_wr = NULL;
//
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = laddr;
//     sge.length = length;
//     sge.lkey = lkey;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//     wr.opcode = opcode;
//     wr.send_flags = signaled ? IBV_SEND_SIGNALED : 0;
//     if (opcode == IBV_WR_SEND_WITH_IMM || opcode == IBV_WR_RDMA_WRITE_WITH_IMM) {
//         wr.imm_data = htonl(imm);
//     }
//     if (opcode == IBV_WR_RDMA_WRITE || opcode == IBV_WR_RDMA_WRITE_WITH_IMM ||
//         opcode == IBV_WR_RDMA_READ) {
//         wr.wr.rdma.remote_addr = raddr;
//         wr.wr.rdma.rkey = rkey;
//     }
//     return ibv_post_send(qp, &wr, &bad_wr);
// }
//
// static int rstream_post_recv(struct ibv_qp *qp, uint64_t wr_id, uint64_t addr,
//                              uint32_t length, uint32_t lkey) {
//     struct ibv_sge sge;
//     struct ibv_recv_wr wr;
//     struct ibv_recv_wr *bad_wr = NULL;
//
//     memset(&sge, 0, sizeof(sge));
//     sge.addr = addr;
//     sge.length = length;
//     sge.lkey = lkey;
//
//     memset(&wr, 0, sizeof(wr));
//     wr.wr_id = wr_id;
//     wr.sg_list = &sge;
//     wr.num_sge = 1;
//     return ibv_post_recv(qp, &wr, &bad_wr);
// }
//
// // ibv_wc keeps imm_data inside an anonymous union cgo cannot address,
// // so completions are flattened into this struct on the C side.
// struct rstream_wc {
//     uint64_t wr_id;
//     uint32_t status;
//     uint32_t opcode;
//     uint32_t byte_len;
//     uint32_t imm_data;
// };
//
// static int rstream_poll_cq(struct ibv_cq *cq, int max, struct rstream_wc *out) {
//     struct ibv_wc wcs[64];
//     if (max > 64) {
//         max = 64;
//     }
//     int ne = ibv_poll_cq(cq, max, wcs);
//     for (int i = 0; i < ne; i++) {
//         out[i].wr_id = wcs[i].wr_id;
//         out[i].status = wcs[i].status;
//         out[i].opcode = wcs[i].opcode;
//         out[i].byte_len = wcs[i].byte_len;
//         out[i].imm_data = ntohl(wcs[i].imm_data);
//     }
//     return ne;
// }
import "C"

import (
	"fmt"
	"runtime"
	"unsafe"

	"github.com/rs/zerolog/log"
)

// QPState mirrors the verbs queue pair state machine.
type QPState int

const (
	QPStateReset QPState = iota
	QPStateInit
	QPStateRTR
	QPStateRTS
	QPStateUnknown
)

func (s QPState) String() string {
	switch s {
	case QPStateReset:
		return "RESET"
	case QPStateInit:
		return "INIT"
	case QPStateRTR:
		return "RTR"
	case QPStateRTS:
		return "RTS"
	default:
		return "UNKNOWN"
	}
}

const (
	// DefaultSendQueueDepth is the minimum send queue capacity.
	DefaultSendQueueDepth = 128
	// DefaultRecvQueueDepth is the minimum recv queue capacity.
	DefaultRecvQueueDepth = 1024
	// MaxInlineData is the inline threshold requested at QP creation.
	MaxInlineData = 64
)

// Opcodes reported by WorkCompletion.Opcode.
const (
	OpcodeSend        = uint32(C.IBV_WC_SEND)
	OpcodeRDMAWrite   = uint32(C.IBV_WC_RDMA_WRITE)
	OpcodeRDMARead    = uint32(C.IBV_WC_RDMA_READ)
	OpcodeRecv        = uint32(C.IBV_WC_RECV)
	OpcodeRecvRDMAImm = uint32(C.IBV_WC_RECV_RDMA_WITH_IMM)
)

// StatusSuccess is the work completion status for a successful request.
const StatusSuccess = uint32(C.IBV_WC_SUCCESS)

// WorkCompletion is one entry reaped from a completion queue.
type WorkCompletion struct {
	WRID    uint64
	Status  uint32
	Opcode  uint32
	ByteLen uint32
	ImmData uint32
}

// Success reports whether the completion finished without error.
func (wc WorkCompletion) Success() bool { return wc.Status == StatusSuccess }

// StatusString decodes the verbs status code.
func (wc WorkCompletion) StatusString() string {
	return C.GoString(C.ibv_wc_status_str(C.enum_ibv_wc_status(wc.Status)))
}

func (wc WorkCompletion) String() string {
	return fmt.Sprintf("wr_id: %d, status: %s, opcode: %d, byte_len: %d, imm_data: %d",
		wc.WRID, wc.StatusString(), wc.Opcode, wc.ByteLen, wc.ImmData)
}

// HandshakeData is the out-of-band record each peer needs before
// bring-up: the GID, LID and QP number of the other side.
type HandshakeData struct {
	GID   [16]byte
	LID   uint16
	QPNum uint32
}

// RcQueuePair is a reliable-connected queue pair with dedicated send
// and recv completion queues. It is created in RESET and driven to RTS
// by BringUp.
type RcQueuePair struct {
	inner  *C.struct_ibv_qp
	sendCQ *C.struct_ibv_cq
	recvCQ *C.struct_ibv_cq
	pd     *ProtectionDomain

	sendDepth int
	recvDepth int
	ethernet  bool
}

// NewRcQueuePair creates an RC queue pair on the protection domain.
// Depths below the minimums (128 send, 1024 recv), including 0, are
// raised to them.
func NewRcQueuePair(pd *ProtectionDomain, sendDepth, recvDepth int) (*RcQueuePair, error) {
	if pd.inner == nil {
		return nil, fmt.Errorf("%w: protection domain", ErrClosed)
	}
	if sendDepth < DefaultSendQueueDepth {
		sendDepth = DefaultSendQueueDepth
	}
	if recvDepth < DefaultRecvQueueDepth {
		recvDepth = DefaultRecvQueueDepth
	}

	ctx := pd.ctx
	sendCQ := C.ibv_create_cq(ctx.inner, C.int(sendDepth), nil, nil, 0)
	if sendCQ == nil {
		return nil, fmt.Errorf("%w: send CQ depth %d on %s", ErrQPCreateFailed, sendDepth, ctx.deviceName)
	}
	recvCQ := C.ibv_create_cq(ctx.inner, C.int(recvDepth), nil, nil, 0)
	if recvCQ == nil {
		C.ibv_destroy_cq(sendCQ)
		return nil, fmt.Errorf("%w: recv CQ depth %d on %s", ErrQPCreateFailed, recvDepth, ctx.deviceName)
	}

	var initAttr C.struct_ibv_qp_init_attr
	initAttr.qp_type = C.IBV_QPT_RC
	initAttr.sq_sig_all = 0
	initAttr.send_cq = sendCQ
	initAttr.recv_cq = recvCQ
	initAttr.cap.max_send_wr = C.uint32_t(sendDepth)
	initAttr.cap.max_recv_wr = C.uint32_t(recvDepth)
	initAttr.cap.max_send_sge = 1
	initAttr.cap.max_recv_sge = 1
	initAttr.cap.max_inline_data = MaxInlineData

	qp := C.ibv_create_qp(pd.inner, &initAttr)
	if qp == nil {
		C.ibv_destroy_cq(recvCQ)
		C.ibv_destroy_cq(sendCQ)
		return nil, fmt.Errorf("%w: device %s", ErrQPCreateFailed, ctx.deviceName)
	}

	var portAttr C.struct_ibv_port_attr
	ethernet := false
	if C.rstream_query_port_qp(ctx.inner, C.uint8_t(ctx.activePort), &portAttr) == 0 {
		ethernet = portAttr.link_layer == C.IBV_LINK_LAYER_ETHERNET
	}

	log.Debug().
		Str("device", ctx.deviceName).
		Uint32("qpn", uint32(qp.qp_num)).
		Int("send_depth", sendDepth).
		Int("recv_depth", recvDepth).
		Msg("Created RC queue pair")

	return &RcQueuePair{
		inner:     qp,
		sendCQ:    sendCQ,
		recvCQ:    recvCQ,
		pd:        pd,
		sendDepth: sendDepth,
		recvDepth: recvDepth,
		ethernet:  ethernet,
	}, nil
}

// PD returns the protection domain the queue pair was created on.
func (q *RcQueuePair) PD() *ProtectionDomain { return q.pd }

// QPNum returns the queue pair number.
func (q *RcQueuePair) QPNum() uint32 { return uint32(q.inner.qp_num) }

// SendQueueDepth returns the configured send queue capacity.
func (q *RcQueuePair) SendQueueDepth() int { return q.sendDepth }

// RecvQueueDepth returns the configured recv queue capacity.
func (q *RcQueuePair) RecvQueueDepth() int { return q.recvDepth }

// State queries the current queue pair state.
func (q *RcQueuePair) State() QPState {
	if q.inner == nil {
		return QPStateUnknown
	}
	var state C.int
	if C.rstream_query_state(q.inner, &state) != 0 {
		return QPStateUnknown
	}
	switch state {
	case C.IBV_QPS_RESET:
		return QPStateReset
	case C.IBV_QPS_INIT:
		return QPStateInit
	case C.IBV_QPS_RTR:
		return QPStateRTR
	case C.IBV_QPS_RTS:
		return QPStateRTS
	default:
		return QPStateUnknown
	}
}

// Handshake returns the local connection data to ship to the peer
// before BringUp.
func (q *RcQueuePair) Handshake() HandshakeData {
	ctx := q.pd.ctx
	return HandshakeData{
		GID:   ctx.gid,
		LID:   ctx.lid,
		QPNum: uint32(q.inner.qp_num),
	}
}

// BringUp drives the queue pair RESET -> INIT -> RTR -> RTS against the
// peer's handshake data. Calling it again once in RTS is a no-op
// success; any other non-RESET state is an error.
func (q *RcQueuePair) BringUp(peer HandshakeData) error {
	switch state := q.State(); state {
	case QPStateRTS:
		log.Debug().Uint32("qpn", q.QPNum()).Msg("Queue pair already in RTS, bring-up is a no-op")
		return nil
	case QPStateReset:
	default:
		return fmt.Errorf("%w: bring-up from state %s", ErrQPTransitionFailed, state)
	}

	ctx := q.pd.ctx
	if ret := C.rstream_modify_to_init(q.inner, C.uint8_t(ctx.activePort)); ret != 0 {
		return fmt.Errorf("%w: RESET->INIT: %d", ErrQPTransitionFailed, int(ret))
	}
	log.Debug().Str("device", ctx.deviceName).Uint32("qpn", q.QPNum()).Msg("QP state changed to INIT")

	mtu, err := ctx.portMTU()
	if err != nil {
		return err
	}

	var ethFlag C.int
	if q.ethernet {
		ethFlag = 1
	}
	gid := peer.GID
	if ret := C.rstream_modify_to_rtr(
		q.inner,
		C.int(mtu),
		C.uint32_t(peer.QPNum),
		C.uint16_t(peer.LID),
		unsafe.Pointer(&gid[0]),
		C.uint8_t(ctx.gidIndex),
		C.uint8_t(ctx.activePort),
		ethFlag,
	); ret != 0 {
		return fmt.Errorf("%w: INIT->RTR: %d", ErrQPTransitionFailed, int(ret))
	}
	runtime.KeepAlive(&gid)
	log.Debug().Str("device", ctx.deviceName).Uint32("qpn", q.QPNum()).Msg("QP state changed to RTR")

	if ret := C.rstream_modify_to_rts(q.inner); ret != 0 {
		return fmt.Errorf("%w: RTR->RTS: %d", ErrQPTransitionFailed, int(ret))
	}
	log.Info().
		Str("device", ctx.deviceName).
		Uint32("qpn", q.QPNum()).
		Uint32("peer_qpn", peer.QPNum).
		Msg("Queue pair brought up to RTS")
	return nil
}

// PostSendSend posts a SEND work request. Never blocks; returns an
// errno-style code wrapped in an error when the provider rejects it.
func (q *RcQueuePair) PostSendSend(wrID, laddr uint64, length, lkey uint32, signaled bool) error {
	return q.postSend(wrID, laddr, length, lkey, C.IBV_WR_SEND, 0, 0, 0, signaled)
}

// PostSendSendWithImm posts a SEND carrying immediate data.
func (q *RcQueuePair) PostSendSendWithImm(wrID, laddr uint64, length, lkey, imm uint32, signaled bool) error {
	return q.postSend(wrID, laddr, length, lkey, C.IBV_WR_SEND_WITH_IMM, imm, 0, 0, signaled)
}

// PostSendWrite posts an RDMA WRITE to the remote address.
func (q *RcQueuePair) PostSendWrite(wrID, laddr, raddr uint64, length, lkey, rkey uint32, signaled bool) error {
	return q.postSend(wrID, laddr, length, lkey, C.IBV_WR_RDMA_WRITE, 0, raddr, rkey, signaled)
}

// PostSendWriteWithImm posts an RDMA WRITE carrying immediate data; the
// peer observes it as a recv completion consuming one recv WR.
func (q *RcQueuePair) PostSendWriteWithImm(wrID, laddr, raddr uint64, length, imm, lkey, rkey uint32, signaled bool) error {
	return q.postSend(wrID, laddr, length, lkey, C.IBV_WR_RDMA_WRITE_WITH_IMM, imm, raddr, rkey, signaled)
}

// PostSendRead posts an RDMA READ from the remote address.
func (q *RcQueuePair) PostSendRead(wrID, laddr, raddr uint64, length, lkey, rkey uint32, signaled bool) error {
	return q.postSend(wrID, laddr, length, lkey, C.IBV_WR_RDMA_READ, 0, raddr, rkey, signaled)
}

func (q *RcQueuePair) postSend(wrID, laddr uint64, length, lkey uint32, opcode C.int, imm uint32, raddr uint64, rkey uint32, signaled bool) error {
	var sig C.int
	if signaled {
		sig = 1
	}
	ret := C.rstream_post_send(q.inner, C.uint64_t(wrID), C.uint64_t(laddr), C.uint32_t(length),
		C.uint32_t(lkey), opcode, C.uint32_t(imm), C.uint64_t(raddr), C.uint32_t(rkey), sig)
	if ret != 0 {
		return fmt.Errorf("ibv_post_send failed: %d", int(ret))
	}
	return nil
}

// PostRecv posts a recv work request for the byte range.
func (q *RcQueuePair) PostRecv(wrID, addr uint64, length, lkey uint32) error {
	ret := C.rstream_post_recv(q.inner, C.uint64_t(wrID), C.uint64_t(addr), C.uint32_t(length), C.uint32_t(lkey))
	if ret != 0 {
		return fmt.Errorf("ibv_post_recv failed: %d", int(ret))
	}
	return nil
}

// PollSendCQOnce polls the send CQ once, returning 0..max completions
// without blocking.
func (q *RcQueuePair) PollSendCQOnce(max int) ([]WorkCompletion, error) {
	return pollCQOnce(q.sendCQ, max)
}

// PollRecvCQOnce polls the recv CQ once, returning 0..max completions
// without blocking.
func (q *RcQueuePair) PollRecvCQOnce(max int) ([]WorkCompletion, error) {
	return pollCQOnce(q.recvCQ, max)
}

// WaitUntilSendCompletion spins on the send CQ until at least n
// completions have been collected or polling fails.
func (q *RcQueuePair) WaitUntilSendCompletion(n int) ([]WorkCompletion, error) {
	return waitUntilCompletion(q.sendCQ, n)
}

// WaitUntilRecvCompletion spins on the recv CQ until at least n
// completions have been collected or polling fails.
func (q *RcQueuePair) WaitUntilRecvCompletion(n int) ([]WorkCompletion, error) {
	return waitUntilCompletion(q.recvCQ, n)
}

// maxPollBatch matches the C-side scratch buffer in rstream_poll_cq.
const maxPollBatch = 64

func pollCQOnce(cq *C.struct_ibv_cq, max int) ([]WorkCompletion, error) {
	if max <= 0 {
		return nil, nil
	}
	if max > maxPollBatch {
		max = maxPollBatch
	}
	wcs := make([]C.struct_rstream_wc, max)
	ne := C.rstream_poll_cq(cq, C.int(max), &wcs[0])
	if ne < 0 {
		return nil, fmt.Errorf("ibv_poll_cq failed: %d", int(ne))
	}
	if ne == 0 {
		return nil, nil
	}
	out := make([]WorkCompletion, int(ne))
	for i := range out {
		out[i] = WorkCompletion{
			WRID:    uint64(wcs[i].wr_id),
			Status:  uint32(wcs[i].status),
			Opcode:  uint32(wcs[i].opcode),
			ByteLen: uint32(wcs[i].byte_len),
			ImmData: uint32(wcs[i].imm_data),
		}
	}
	return out, nil
}

func waitUntilCompletion(cq *C.struct_ibv_cq, n int) ([]WorkCompletion, error) {
	collected := make([]WorkCompletion, 0, n)
	for len(collected) < n {
		wcs, err := pollCQOnce(cq, n-len(collected))
		if err != nil {
			return collected, err
		}
		collected = append(collected, wcs...)
		if len(wcs) == 0 {
			runtime.Gosched()
		}
	}
	return collected, nil
}

// Close destroys the queue pair and both completion queues. Idempotent.
func (q *RcQueuePair) Close() {
	if q.inner == nil {
		return
	}
	qpn := q.QPNum()
	C.ibv_destroy_qp(q.inner)
	q.inner = nil
	if q.sendCQ != nil {
		C.ibv_destroy_cq(q.sendCQ)
		q.sendCQ = nil
	}
	if q.recvCQ != nil {
		C.ibv_destroy_cq(q.recvCQ)
		q.recvCQ = nil
	}
	log.Debug().Str("device", q.pd.ctx.deviceName).Uint32("qpn", qpn).Msg("Destroyed RC queue pair")
}
