package rstream

import (
	"fmt"

	"github.com/yuuki/rstream/internal/telemetry"
	"github.com/yuuki/rstream/verbs"
)

// APIVersion selects the data-plane verb.
type APIVersion int

const (
	// V1 carries data with RDMA WRITE-with-immediate into the buffer
	// the receiver advertised. The default.
	V1 APIVersion = iota + 1
	// V2 carries data with SEND into a pre-registered staging buffer
	// and copies it out with the injected copy function.
	//
	// Deprecated: V2 is unrecommended; use V1.
	V2
)

// MemCopyFunc moves n bytes from src to dst. V2 contexts use it to copy
// between the staging buffers and the user's addresses, so it can be
// backed by anything that understands those address spaces (plain
// memmove, a GPU copy engine, ...).
type MemCopyFunc func(dst, src uint64, n uint64) error

type config struct {
	apiVersion   APIVersion
	sendCQDepth  int
	recvCQDepth  int
	controlSlots int
	metrics      *telemetry.Metrics

	// Optional registered regions for submission bounds checking.
	regions []*verbs.MemoryRegion

	// V2 only.
	stagingSend *verbs.MemoryRegion
	stagingRecv *verbs.MemoryRegion
	memCopy     MemCopyFunc
}

// Option configures a Context at construction.
type Option func(*config)

// WithAPIVersion selects V1 or V2. Default V1.
func WithAPIVersion(v APIVersion) Option {
	return func(c *config) { c.apiVersion = v }
}

// WithSendCQDepth overrides the send completion budget. Default 128.
func WithSendCQDepth(depth int) Option {
	return func(c *config) { c.sendCQDepth = depth }
}

// WithRecvCQDepth overrides the recv completion budget. Default 1024.
func WithRecvCQDepth(depth int) Option {
	return func(c *config) { c.recvCQDepth = depth }
}

// WithControlSlots overrides the number of pre-posted control-channel
// slots. Default equals the recv CQ depth.
func WithControlSlots(slots int) Option {
	return func(c *config) { c.controlSlots = slots }
}

// WithMetrics attaches transfer metrics to the context.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// WithRegisteredRegions enables bounds checking of submissions against
// the given regions: a ticket whose [addr, addr+length) falls outside
// every region is rejected with an invalid-argument handle.
func WithRegisteredRegions(regions ...*verbs.MemoryRegion) Option {
	return func(c *config) { c.regions = append(c.regions, regions...) }
}

// WithStagingBuffers supplies the V2 device staging regions.
func WithStagingBuffers(send, recv *verbs.MemoryRegion) Option {
	return func(c *config) {
		c.stagingSend = send
		c.stagingRecv = recv
	}
}

// WithMemCopy supplies the V2 byte-copy capability.
func WithMemCopy(fn MemCopyFunc) Option {
	return func(c *config) { c.memCopy = fn }
}

func buildConfig(opts []Option) (config, error) {
	cfg := config{
		apiVersion:  V1,
		sendCQDepth: verbs.DefaultSendQueueDepth,
		recvCQDepth: verbs.DefaultRecvQueueDepth,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.sendCQDepth <= 0 || cfg.recvCQDepth <= 0 {
		return cfg, fmt.Errorf("%w: completion queue depths must be positive", ErrInvalidArgument)
	}
	if cfg.controlSlots <= 0 {
		cfg.controlSlots = cfg.recvCQDepth
	}
	switch cfg.apiVersion {
	case V1:
	case V2:
		if cfg.stagingSend == nil || cfg.stagingRecv == nil {
			return cfg, fmt.Errorf("%w: V2 requires staging buffers", ErrInvalidArgument)
		}
		if cfg.memCopy == nil {
			return cfg, fmt.Errorf("%w: V2 requires a mem-copy function", ErrInvalidArgument)
		}
	default:
		return cfg, fmt.Errorf("%w: unknown API version %d", ErrInvalidArgument, cfg.apiVersion)
	}
	return cfg, nil
}
