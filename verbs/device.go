// Package verbs wraps the small slice of libibverbs that the rstream
// messaging context needs: device contexts, protection domains, memory
// regions and reliable-connected queue pairs with their completion
// queues. Every resource is scoped: acquired by a constructor, released
// by Close, with release order MR -> QP -> PD -> Context.
package verbs

// #cgo LDFLAGS: -libverbs
// #include <stdlib.h>
// #include <string.h>
// #include <infiniband/verbs.h>
//
// // ibv_query_port is a macro on some verbs versions; wrap it so cgo
// // always has a real symbol to call.
// static int rstream_query_port(struct ibv_context *context, uint8_t port_num, struct ibv_port_attr *port_attr) {
//     return ibv_query_port(context, port_num, port_attr);
// }
//
// static int rstream_phys_port_cnt(struct ibv_context *context, uint8_t *phys_port_cnt) {
//     struct ibv_device_attr device_attr;
//     if (ibv_query_device(context, &device_attr)) {
//         return -1;
//     }
//     *phys_port_cnt = device_attr.phys_port_cnt;
//     return 0;
// }
import "C"

import (
	"fmt"
	"net"
	"unsafe"

	"github.com/rs/zerolog/log"
)

const (
	// RoCEGIDIndex is the GID table index that carries the IPv4-mapped
	// IPv6 GID on RoCE v2 ports.
	RoCEGIDIndex = 3
)

// Context is an open handle to one RDMA device. It owns the underlying
// ibv_context exclusively and must be closed after every resource
// derived from it.
type Context struct {
	inner      *C.struct_ibv_context
	deviceName string

	// Resolved at open time and reused by every QP on this context.
	activePort uint8
	gidIndex   uint8
	gid        [16]byte
	lid        uint16
}

// OpenDevice opens the RDMA device with the given name. An empty name
// selects the first device reported by the provider.
func OpenDevice(name string) (*Context, error) {
	var numDevices C.int
	deviceList := C.ibv_get_device_list(&numDevices)
	if deviceList == nil {
		return nil, fmt.Errorf("%w: failed to get device list", ErrDeviceNotFound)
	}
	defer C.ibv_free_device_list(deviceList)

	if numDevices == 0 {
		return nil, fmt.Errorf("%w: no devices present", ErrDeviceNotFound)
	}

	var device *C.struct_ibv_device
	for i := 0; i < int(numDevices); i++ {
		candidate := *(**C.struct_ibv_device)(unsafe.Pointer(uintptr(unsafe.Pointer(deviceList)) + uintptr(i)*unsafe.Sizeof(uintptr(0))))
		if candidate == nil {
			continue
		}
		candidateName := C.GoString(C.ibv_get_device_name(candidate))
		log.Debug().Str("device", candidateName).Msg("Found RDMA device")
		if name == "" || candidateName == name {
			device = candidate
			break
		}
	}
	if device == nil {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
	}

	deviceName := C.GoString(C.ibv_get_device_name(device))
	inner := C.ibv_open_device(device)
	if inner == nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceOpenFailed, deviceName)
	}

	ctx := &Context{inner: inner, deviceName: deviceName}
	if err := ctx.resolvePort(); err != nil {
		C.ibv_close_device(inner)
		return nil, err
	}

	log.Info().
		Str("device", ctx.deviceName).
		Uint8("port", ctx.activePort).
		Uint8("gid_index", ctx.gidIndex).
		Str("gid", net.IP(ctx.gid[:]).String()).
		Msg("Opened RDMA device")
	return ctx, nil
}

// resolvePort scans the physical ports for the first active one and
// records its LID and GID. Ethernet ports prefer the RoCE v2 GID index;
// anything else falls back to index 0.
func (c *Context) resolvePort() error {
	var physPortCnt C.uint8_t
	if C.rstream_phys_port_cnt(c.inner, &physPortCnt) != 0 {
		return fmt.Errorf("%w: failed to query device attributes for %s", ErrDeviceOpenFailed, c.deviceName)
	}
	if physPortCnt == 0 {
		return fmt.Errorf("%w: device %s has 0 physical ports", ErrDeviceOpenFailed, c.deviceName)
	}

	for portNum := C.uint8_t(1); portNum <= physPortCnt; portNum++ {
		var portAttr C.struct_ibv_port_attr
		if ret := C.rstream_query_port(c.inner, portNum, &portAttr); ret != 0 {
			log.Warn().Str("device", c.deviceName).Uint8("port", uint8(portNum)).Msg("Failed to query port, skipping")
			continue
		}
		if portAttr.state != C.IBV_PORT_ACTIVE {
			log.Debug().Str("device", c.deviceName).Uint8("port", uint8(portNum)).Msg("Port is not active, skipping")
			continue
		}

		gidIndex := C.int(0)
		if portAttr.link_layer == C.IBV_LINK_LAYER_ETHERNET {
			gidIndex = RoCEGIDIndex
		}

		var gid C.union_ibv_gid
		if ret := C.ibv_query_gid(c.inner, portNum, gidIndex, &gid); ret != 0 {
			log.Warn().
				Str("device", c.deviceName).
				Uint8("port", uint8(portNum)).
				Int("gid_index", int(gidIndex)).
				Msg("Failed to query GID on active port, skipping")
			continue
		}

		c.activePort = uint8(portNum)
		c.gidIndex = uint8(gidIndex)
		c.lid = uint16(portAttr.lid)
		copy(c.gid[:], C.GoBytes(unsafe.Pointer(&gid), 16))
		return nil
	}
	return fmt.Errorf("%w: no active port with a usable GID found for device %s", ErrDeviceOpenFailed, c.deviceName)
}

// DeviceName returns the name the device was opened with.
func (c *Context) DeviceName() string { return c.deviceName }

// portMTU queries the active MTU of the resolved port and returns it
// as the ibv_mtu enum value used in QP transitions.
func (c *Context) portMTU() (C.enum_ibv_mtu, error) {
	var portAttr C.struct_ibv_port_attr
	if ret := C.rstream_query_port(c.inner, C.uint8_t(c.activePort), &portAttr); ret != 0 {
		return 0, fmt.Errorf("%w: failed to query port %d on %s", ErrQPTransitionFailed, c.activePort, c.deviceName)
	}
	return portAttr.active_mtu, nil
}

// Close releases the device context. It must be the last resource
// released; Close is idempotent.
func (c *Context) Close() {
	if c.inner == nil {
		return
	}
	C.ibv_close_device(c.inner)
	c.inner = nil
	log.Debug().Str("device", c.deviceName).Msg("Closed RDMA device")
}
