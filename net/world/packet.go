package world

import (
	"time"

	"github.com/lcx/worldcore/buffer"
)

// WorldPacket is one received client packet: its opcode and a read buffer
// over the payload.
type WorldPacket struct {
	opcode   Opcode
	data     *buffer.ByteBuffer
	received time.Time
}

// NewWorldPacket wraps payload. The packet owns the slice.
func NewWorldPacket(op Opcode, payload []byte) *WorldPacket {
	return &WorldPacket{
		opcode:   op,
		data:     buffer.NewReadBuffer(payload),
		received: time.Now(),
	}
}

func (p *WorldPacket) Opcode() Opcode {
	return p.opcode
}

// Buffer returns the payload reader.
func (p *WorldPacket) Buffer() *buffer.ByteBuffer {
	return p.data
}

func (p *WorldPacket) Size() int {
	return p.data.GetSize()
}

// ReceivedTime is when the last byte of the packet was read.
func (p *WorldPacket) ReceivedTime() time.Time {
	return p.received
}

// PacketHandleFunc handles a packet at the end of a filter chain.
type PacketHandleFunc func(pkt *WorldPacket) error

// PacketFilter intercepts received packets. It calls next to continue or
// returns without it to drop the packet.
type PacketFilter func(pkt *WorldPacket, next PacketHandleFunc) error

// PacketFilterChain runs filters in order before the final handler.
type PacketFilterChain []PacketFilter

func (fc PacketFilterChain) Handle(pkt *WorldPacket, f PacketHandleFunc) error {
	if len(fc) == 0 {
		return f(pkt)
	}
	return fc[0](pkt, func(pkt *WorldPacket) error {
		return fc[1:].Handle(pkt, f)
	})
}
