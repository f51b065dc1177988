package verbs

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
)

// HandshakeWireSize is the fixed size of the encoded handshake record:
// 16-byte GID, 2-byte LID, 4-byte QP number, 4-byte reserved.
const HandshakeWireSize = 26

// MarshalBinary encodes the handshake record. Integers are
// little-endian.
func (h HandshakeData) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HandshakeWireSize)
	copy(buf[0:16], h.GID[:])
	binary.LittleEndian.PutUint16(buf[16:18], h.LID)
	binary.LittleEndian.PutUint32(buf[18:22], h.QPNum)
	return buf, nil
}

// UnmarshalBinary decodes a handshake record produced by
// MarshalBinary.
func (h *HandshakeData) UnmarshalBinary(data []byte) error {
	if len(data) != HandshakeWireSize {
		return fmt.Errorf("handshake record must be %d bytes, got %d", HandshakeWireSize, len(data))
	}
	copy(h.GID[:], data[0:16])
	h.LID = binary.LittleEndian.Uint16(data[16:18])
	h.QPNum = binary.LittleEndian.Uint32(data[18:22])
	return nil
}

// GIDString renders the GID as an IPv6 address string.
func (h HandshakeData) GIDString() string {
	return net.IP(h.GID[:]).String()
}

// ExchangeHandshake writes the local handshake record to conn and reads
// the peer's. Both sides call it concurrently over any reliable
// byte-stream transport.
func ExchangeHandshake(conn io.ReadWriter, local HandshakeData) (HandshakeData, error) {
	var peer HandshakeData
	encoded, err := local.MarshalBinary()
	if err != nil {
		return peer, err
	}
	// Write and read concurrently so two peers that both write first
	// cannot block each other on an unbuffered transport.
	writeErr := make(chan error, 1)
	go func() {
		_, err := conn.Write(encoded)
		writeErr <- err
	}()
	buf := make([]byte, HandshakeWireSize)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return peer, fmt.Errorf("failed to read peer handshake record: %w", err)
	}
	if err := <-writeErr; err != nil {
		return peer, fmt.Errorf("failed to send handshake record: %w", err)
	}
	if err := peer.UnmarshalBinary(buf); err != nil {
		return peer, err
	}
	return peer, nil
}
