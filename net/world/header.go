// Package world implements the world server protocol socket: packet framing,
// the opcode table and the connection handshake up to an authenticated
// session.
package world

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// ClientHeaderSize is the size of the header of every client packet.
	ClientHeaderSize = 6

	// MinClientPacketSize and MaxClientPacketSize bound the size field of a
	// client header. The size counts the opcode.
	MinClientPacketSize = 4
	MaxClientPacketSize = 10240

	smallServerHeaderSize = 4
	largeServerHeaderSize = 5
	// maxSmallPacketSize is the largest size field of a 4 byte header.
	maxSmallPacketSize = 0x7FFF
	largePacketFlag    = 0x80
	maxServerPacket    = 0x7FFFFF
)

// ErrInvalidHeader reports a header that cannot belong to a well formed packet.
var ErrInvalidHeader = errors.New("invalid packet header")

// ClientPktHeader is the header of a client to server packet: a little
// endian uint16 size followed by a little endian uint32 opcode.
type ClientPktHeader struct {
	Size uint16
	Cmd  uint32
}

// ReadClientPktHeader decodes the first ClientHeaderSize bytes of b.
func ReadClientPktHeader(b []byte) (ClientPktHeader, error) {
	if len(b) < ClientHeaderSize {
		return ClientPktHeader{}, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(b))
	}
	return ClientPktHeader{
		Size: binary.LittleEndian.Uint16(b[0:2]),
		Cmd:  binary.LittleEndian.Uint32(b[2:6]),
	}, nil
}

// AppendTo encodes the header after dst.
func (h ClientPktHeader) AppendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, h.Size)
	return binary.LittleEndian.AppendUint32(dst, h.Cmd)
}

func (h ClientPktHeader) IsValidSize() bool {
	return h.Size >= MinClientPacketSize && h.Size < MaxClientPacketSize
}

func (h ClientPktHeader) IsValidOpcode() bool {
	return h.Cmd < uint32(NumMsgTypes)
}

// PayloadSize returns the number of bytes following the header.
func (h ClientPktHeader) PayloadSize() int {
	return int(h.Size) - MinClientPacketSize
}

// ServerPktHeader is the header of a server to client packet. Size counts
// the two opcode bytes. Sizes up to 0x7FFF use 2 size bytes, larger ones 3
// with the top bit of the first byte set. Size bytes are most significant
// first, the opcode is little endian.
type ServerPktHeader struct {
	Size uint32
	Cmd  uint16
}

// NewServerPktHeader builds the header of a payloadSize byte packet.
func NewServerPktHeader(payloadSize int, cmd uint16) ServerPktHeader {
	return ServerPktHeader{Size: uint32(payloadSize) + 2, Cmd: cmd}
}

func (h ServerPktHeader) IsLarge() bool {
	return h.Size > maxSmallPacketSize
}

// GetHeaderLength returns the encoded size, 4 or 5 bytes.
func (h ServerPktHeader) GetHeaderLength() int {
	if h.IsLarge() {
		return largeServerHeaderSize
	}
	return smallServerHeaderSize
}

// AppendTo encodes the header after dst.
func (h ServerPktHeader) AppendTo(dst []byte) []byte {
	if h.IsLarge() {
		dst = append(dst, largePacketFlag|byte(h.Size>>16), byte(h.Size>>8), byte(h.Size))
	} else {
		dst = append(dst, byte(h.Size>>8), byte(h.Size))
	}
	return binary.LittleEndian.AppendUint16(dst, h.Cmd)
}

// PayloadSize returns the number of bytes following the header.
func (h ServerPktHeader) PayloadSize() int {
	return int(h.Size) - 2
}

// ReadServerPktHeader decodes a server header at the start of b and returns
// it with its encoded length.
func ReadServerPktHeader(b []byte) (ServerPktHeader, int, error) {
	if len(b) < smallServerHeaderSize {
		return ServerPktHeader{}, 0, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, len(b))
	}
	if b[0]&largePacketFlag == 0 {
		return ServerPktHeader{
			Size: uint32(b[0])<<8 | uint32(b[1]),
			Cmd:  binary.LittleEndian.Uint16(b[2:4]),
		}, smallServerHeaderSize, nil
	}
	if len(b) < largeServerHeaderSize {
		return ServerPktHeader{}, 0, fmt.Errorf("%w: %d bytes for a large header", ErrInvalidHeader, len(b))
	}
	return ServerPktHeader{
		Size: uint32(b[0]&^largePacketFlag)<<16 | uint32(b[1])<<8 | uint32(b[2]),
		Cmd:  binary.LittleEndian.Uint16(b[3:5]),
	}, largeServerHeaderSize, nil
}

// EncodeServerPacket frames payload with its header.
func EncodeServerPacket(op Opcode, payload []byte) ([]byte, int, error) {
	if len(payload)+2 > maxServerPacket {
		return nil, 0, fmt.Errorf("packet %s too large: %d bytes", op, len(payload))
	}
	hdr := NewServerPktHeader(len(payload), uint16(op))
	frame := make([]byte, 0, hdr.GetHeaderLength()+len(payload))
	frame = hdr.AppendTo(frame)
	return append(frame, payload...), hdr.GetHeaderLength(), nil
}
