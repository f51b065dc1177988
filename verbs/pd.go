package verbs

// #cgo LDFLAGS: -libverbs
// #include <infiniband/verbs.h>
import "C"

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// ProtectionDomain scopes memory regions and queue pairs that are
// allowed to reference one another. It holds its parent Context so the
// context cannot be collected while the PD is alive; callers still
// close resources explicitly in reverse order of creation.
type ProtectionDomain struct {
	inner *C.struct_ibv_pd
	ctx   *Context
}

// AllocPD allocates a protection domain on the given device context.
func AllocPD(ctx *Context) (*ProtectionDomain, error) {
	if ctx.inner == nil {
		return nil, fmt.Errorf("%w: device context", ErrClosed)
	}
	pd := C.ibv_alloc_pd(ctx.inner)
	if pd == nil {
		return nil, fmt.Errorf("%w: device %s", ErrPDAllocFailed, ctx.deviceName)
	}
	log.Debug().Str("device", ctx.deviceName).Msg("Allocated protection domain")
	return &ProtectionDomain{inner: pd, ctx: ctx}, nil
}

// Context returns the device context this PD was allocated on.
func (p *ProtectionDomain) Context() *Context { return p.ctx }

// Close deallocates the protection domain. All MRs and QPs derived from
// it must be released first; Close is idempotent.
func (p *ProtectionDomain) Close() {
	if p.inner == nil {
		return
	}
	C.ibv_dealloc_pd(p.inner)
	p.inner = nil
	log.Debug().Str("device", p.ctx.deviceName).Msg("Deallocated protection domain")
}
