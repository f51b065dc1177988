package rstream

import (
	"encoding/binary"
	"fmt"
)

// ticketWireSize is the fixed control-channel payload size:
// stream_id:u32 | length:u32 | addr:u64 | key:u32, little-endian.
const ticketWireSize = 20

// Ticket describes one pending submission: either a local send/recv or
// a peer's advertised recv slot. Immutable once enqueued.
type Ticket struct {
	StreamID uint32
	Length   uint32
	Addr     uint64
	Key      uint32
}

func (t Ticket) String() string {
	return fmt.Sprintf("stream_id: %d, length: %d, addr: %d, key: %d", t.StreamID, t.Length, t.Addr, t.Key)
}

// marshalTicket encodes t into buf, which must hold ticketWireSize
// bytes.
func marshalTicket(buf []byte, t Ticket) {
	binary.LittleEndian.PutUint32(buf[0:4], t.StreamID)
	binary.LittleEndian.PutUint32(buf[4:8], t.Length)
	binary.LittleEndian.PutUint64(buf[8:16], t.Addr)
	binary.LittleEndian.PutUint32(buf[16:20], t.Key)
}

// unmarshalTicket decodes a ticket from the first ticketWireSize bytes
// of buf.
func unmarshalTicket(buf []byte) Ticket {
	return Ticket{
		StreamID: binary.LittleEndian.Uint32(buf[0:4]),
		Length:   binary.LittleEndian.Uint32(buf[4:8]),
		Addr:     binary.LittleEndian.Uint64(buf[8:16]),
		Key:      binary.LittleEndian.Uint32(buf[16:20]),
	}
}
