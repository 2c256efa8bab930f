// Package buffer implements the packet payload codec (ByteBuffer) and the
// per-socket receive buffer (MessageBuffer).
package buffer

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	// ErrTruncated is returned by reads that need more bytes than remain.
	ErrTruncated = errors.New("buffer: read past end of data")
	// ErrWrongMode is returned when writing a read buffer or reading a write buffer.
	ErrWrongMode = errors.New("buffer: operation not allowed in this mode")
)

const _noBits = 8

// ByteBuffer is a little-endian payload codec with MSB-first bit packing.
// A buffer is either writable (built with NewWriteBuffer) or readable
// (built with NewReadBuffer), never both.
//
// Bits are accumulated into a pending byte. Any typed write first flushes
// a partially filled byte, and any typed read first discards the remaining
// bits of the current byte, so bit groups always start on a byte boundary
// after a typed field.
type ByteBuffer struct {
	data     []byte
	rpos     int
	readOnly bool

	bitPos   uint8
	bitValue byte
}

// NewWriteBuffer creates an empty writable buffer.
func NewWriteBuffer(capHint int) *ByteBuffer {
	if capHint < 0 {
		capHint = 0
	}
	return &ByteBuffer{
		data:   make([]byte, 0, capHint),
		bitPos: _noBits,
	}
}

// NewReadBuffer creates a readable buffer over data. The buffer does not
// copy data, the caller must not modify it while reading.
func NewReadBuffer(data []byte) *ByteBuffer {
	return &ByteBuffer{
		data:     data,
		readOnly: true,
		bitPos:   _noBits,
	}
}

// IsReadable reports whether the buffer was created for reading.
func (b *ByteBuffer) IsReadable() bool {
	return b.readOnly
}

// GetData returns a copy of the written bytes. A partially filled bit byte
// is included in the copy but stays pending, so later bit writes continue
// it. For a read buffer it returns a copy of the whole input.
func (b *ByteBuffer) GetData() []byte {
	if !b.readOnly && b.bitPos != _noBits {
		out := make([]byte, len(b.data), len(b.data)+1)
		copy(out, b.data)
		return append(out, b.bitValue)
	}
	return bytes.Clone(b.data)
}

// GetSize returns the number of bytes written (including pending bits) or
// the total input size of a read buffer.
func (b *ByteBuffer) GetSize() int {
	if !b.readOnly && b.bitPos != _noBits {
		return len(b.data) + 1
	}
	return len(b.data)
}

// Position returns the read offset.
func (b *ByteBuffer) Position() int {
	return b.rpos
}

// Remaining returns the number of unread bytes.
func (b *ByteBuffer) Remaining() int {
	if !b.readOnly {
		return 0
	}
	return len(b.data) - b.rpos
}

// Reset empties a write buffer, keeping its capacity.
func (b *ByteBuffer) Reset() {
	if b.readOnly {
		b.rpos = 0
	} else {
		b.data = b.data[:0]
	}
	b.bitPos = _noBits
	b.bitValue = 0
}

// ---- bit writing ----

// WriteBit appends one bit. Returns ErrWrongMode on a read buffer.
func (b *ByteBuffer) WriteBit(bit bool) error {
	if b.readOnly {
		return ErrWrongMode
	}
	b.bitPos--
	if bit {
		b.bitValue |= 1 << b.bitPos
	}
	if b.bitPos == 0 {
		b.data = append(b.data, b.bitValue)
		b.bitPos = _noBits
		b.bitValue = 0
	}
	return nil
}

// WriteBits appends the low count bits of value, most significant first.
func (b *ByteBuffer) WriteBits(value uint64, count int) error {
	if count < 0 || count > 64 {
		return fmt.Errorf("buffer: invalid bit count %d", count)
	}
	for i := count - 1; i >= 0; i-- {
		if err := b.WriteBit((value>>uint(i))&1 == 1); err != nil {
			return err
		}
	}
	return nil
}

// FlushBits appends a partially filled bit byte, zero padded. It is a no-op
// when no bits are pending.
func (b *ByteBuffer) FlushBits() {
	if b.readOnly || b.bitPos == _noBits {
		return
	}
	b.data = append(b.data, b.bitValue)
	b.bitPos = _noBits
	b.bitValue = 0
}

// HasFlushedBits reports whether no bits are pending.
func (b *ByteBuffer) HasFlushedBits() bool {
	return b.bitPos == _noBits
}

// ---- bit reading ----

// ReadBit consumes one bit, loading a new byte when the current one is used up.
func (b *ByteBuffer) ReadBit() (bool, error) {
	if !b.readOnly {
		return false, ErrWrongMode
	}
	if b.bitPos == _noBits {
		if b.rpos >= len(b.data) {
			return false, fmt.Errorf("read bit at %d: %w", b.rpos, ErrTruncated)
		}
		b.bitValue = b.data[b.rpos]
		b.rpos++
		b.bitPos = 0
	}
	bit := b.bitValue&0x80 != 0
	b.bitValue <<= 1
	b.bitPos++
	return bit, nil
}

// HasBit is ReadBit under the name used by packet handlers for flags.
func (b *ByteBuffer) HasBit() (bool, error) {
	return b.ReadBit()
}

// ReadBits consumes count bits, most significant first.
func (b *ByteBuffer) ReadBits(count int) (uint64, error) {
	if count < 0 || count > 64 {
		return 0, fmt.Errorf("buffer: invalid bit count %d", count)
	}
	var value uint64
	for i := count - 1; i >= 0; i-- {
		bit, err := b.ReadBit()
		if err != nil {
			return 0, err
		}
		if bit {
			value |= 1 << uint(i)
		}
	}
	return value, nil
}

// ResetBitPos discards the unread bits of the current byte.
func (b *ByteBuffer) ResetBitPos() {
	if b.bitPos > 7 {
		return
	}
	b.bitPos = _noBits
	b.bitValue = 0
}

// ---- typed writes ----

func (b *ByteBuffer) beginWrite() error {
	if b.readOnly {
		return ErrWrongMode
	}
	b.FlushBits()
	return nil
}

func (b *ByteBuffer) WriteUInt8(v uint8) error {
	if err := b.beginWrite(); err != nil {
		return err
	}
	b.data = append(b.data, v)
	return nil
}

func (b *ByteBuffer) WriteUInt16(v uint16) error {
	if err := b.beginWrite(); err != nil {
		return err
	}
	b.data = binary.LittleEndian.AppendUint16(b.data, v)
	return nil
}

func (b *ByteBuffer) WriteUInt32(v uint32) error {
	if err := b.beginWrite(); err != nil {
		return err
	}
	b.data = binary.LittleEndian.AppendUint32(b.data, v)
	return nil
}

func (b *ByteBuffer) WriteUInt64(v uint64) error {
	if err := b.beginWrite(); err != nil {
		return err
	}
	b.data = binary.LittleEndian.AppendUint64(b.data, v)
	return nil
}

func (b *ByteBuffer) WriteInt8(v int8) error {
	return b.WriteUInt8(uint8(v))
}

func (b *ByteBuffer) WriteInt16(v int16) error {
	return b.WriteUInt16(uint16(v))
}

func (b *ByteBuffer) WriteInt32(v int32) error {
	return b.WriteUInt32(uint32(v))
}

func (b *ByteBuffer) WriteInt64(v int64) error {
	return b.WriteUInt64(uint64(v))
}

// WriteFloat writes the IEEE-754 bits of v.
func (b *ByteBuffer) WriteFloat(v float32) error {
	return b.WriteUInt32(math.Float32bits(v))
}

// WriteDouble writes the IEEE-754 bits of v.
func (b *ByteBuffer) WriteDouble(v float64) error {
	return b.WriteUInt64(math.Float64bits(v))
}

// WriteBool writes a whole byte, 1 or 0.
func (b *ByteBuffer) WriteBool(v bool) error {
	if v {
		return b.WriteUInt8(1)
	}
	return b.WriteUInt8(0)
}

// WriteBytes appends raw bytes.
func (b *ByteBuffer) WriteBytes(p []byte) error {
	if err := b.beginWrite(); err != nil {
		return err
	}
	b.data = append(b.data, p...)
	return nil
}

// WriteString appends the raw bytes of s without terminator or length.
func (b *ByteBuffer) WriteString(s string) error {
	if err := b.beginWrite(); err != nil {
		return err
	}
	b.data = append(b.data, s...)
	return nil
}

// WriteCString appends s followed by a NUL byte.
func (b *ByteBuffer) WriteCString(s string) error {
	if err := b.beginWrite(); err != nil {
		return err
	}
	b.data = append(b.data, s...)
	b.data = append(b.data, 0)
	return nil
}

// WritePString appends a uint16 length followed by the bytes of s.
func (b *ByteBuffer) WritePString(s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("buffer: string of %d bytes does not fit a uint16 length", len(s))
	}
	if err := b.WriteUInt16(uint16(len(s))); err != nil {
		return err
	}
	b.data = append(b.data, s...)
	return nil
}

// ---- typed reads ----

// take returns the next n bytes or ErrTruncated without consuming anything.
func (b *ByteBuffer) take(n int, what string) ([]byte, error) {
	if !b.readOnly {
		return nil, ErrWrongMode
	}
	b.ResetBitPos()
	if n < 0 || len(b.data)-b.rpos < n {
		return nil, fmt.Errorf("read %s (%d bytes) at %d of %d: %w", what, n, b.rpos, len(b.data), ErrTruncated)
	}
	p := b.data[b.rpos : b.rpos+n]
	b.rpos += n
	return p, nil
}

func (b *ByteBuffer) ReadUInt8() (uint8, error) {
	p, err := b.take(1, "uint8")
	if err != nil {
		return 0, err
	}
	return p[0], nil
}

func (b *ByteBuffer) ReadUInt16() (uint16, error) {
	p, err := b.take(2, "uint16")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(p), nil
}

func (b *ByteBuffer) ReadUInt32() (uint32, error) {
	p, err := b.take(4, "uint32")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

func (b *ByteBuffer) ReadUInt64() (uint64, error) {
	p, err := b.take(8, "uint64")
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

func (b *ByteBuffer) ReadInt8() (int8, error) {
	v, err := b.ReadUInt8()
	return int8(v), err
}

func (b *ByteBuffer) ReadInt16() (int16, error) {
	v, err := b.ReadUInt16()
	return int16(v), err
}

func (b *ByteBuffer) ReadInt32() (int32, error) {
	v, err := b.ReadUInt32()
	return int32(v), err
}

func (b *ByteBuffer) ReadInt64() (int64, error) {
	v, err := b.ReadUInt64()
	return int64(v), err
}

func (b *ByteBuffer) ReadFloat() (float32, error) {
	v, err := b.ReadUInt32()
	return math.Float32frombits(v), err
}

func (b *ByteBuffer) ReadDouble() (float64, error) {
	v, err := b.ReadUInt64()
	return math.Float64frombits(v), err
}

// ReadBool reads a whole byte, any non-zero value is true.
func (b *ByteBuffer) ReadBool() (bool, error) {
	v, err := b.ReadUInt8()
	return v != 0, err
}

// ReadBytes returns a copy of the next n bytes.
func (b *ByteBuffer) ReadBytes(n int) ([]byte, error) {
	p, err := b.take(n, "bytes")
	if err != nil {
		return nil, err
	}
	return bytes.Clone(p), nil
}

// Skip advances the read position by n bytes.
func (b *ByteBuffer) Skip(n int) error {
	_, err := b.take(n, "skip")
	return err
}

// ReadString reads n raw bytes as a string.
func (b *ByteBuffer) ReadString(n int) (string, error) {
	p, err := b.take(n, "string")
	if err != nil {
		return "", err
	}
	return string(p), nil
}

// ReadCString reads up to and including the next NUL byte. Input without a
// terminator is truncated and consumes nothing.
func (b *ByteBuffer) ReadCString() (string, error) {
	if !b.readOnly {
		return "", ErrWrongMode
	}
	b.ResetBitPos()
	end := bytes.IndexByte(b.data[b.rpos:], 0)
	if end < 0 {
		return "", fmt.Errorf("read cstring at %d: %w", b.rpos, ErrTruncated)
	}
	s := string(b.data[b.rpos : b.rpos+end])
	b.rpos += end + 1
	return s, nil
}

// ReadPString reads a uint16 length prefixed string.
func (b *ByteBuffer) ReadPString() (string, error) {
	start := b.rpos
	n, err := b.ReadUInt16()
	if err != nil {
		return "", err
	}
	s, err := b.ReadString(int(n))
	if err != nil {
		b.rpos = start
		return "", err
	}
	return s, nil
}

// ---- composite values ----

type Vector2 struct {
	X, Y float32
}

type Vector3 struct {
	X, Y, Z float32
}

// Vector4 is a position with orientation.
type Vector4 struct {
	X, Y, Z, O float32
}

func (b *ByteBuffer) WriteVector2(v Vector2) error {
	if err := b.WriteFloat(v.X); err != nil {
		return err
	}
	return b.WriteFloat(v.Y)
}

func (b *ByteBuffer) WriteVector3(v Vector3) error {
	if err := b.WriteVector2(Vector2{v.X, v.Y}); err != nil {
		return err
	}
	return b.WriteFloat(v.Z)
}

func (b *ByteBuffer) WriteVector4(v Vector4) error {
	if err := b.WriteVector3(Vector3{v.X, v.Y, v.Z}); err != nil {
		return err
	}
	return b.WriteFloat(v.O)
}

func (b *ByteBuffer) readFloats(out ...*float32) error {
	p, err := b.take(4*len(out), "vector")
	if err != nil {
		return err
	}
	for i, f := range out {
		*f = math.Float32frombits(binary.LittleEndian.Uint32(p[4*i:]))
	}
	return nil
}

func (b *ByteBuffer) ReadVector2() (Vector2, error) {
	var v Vector2
	err := b.readFloats(&v.X, &v.Y)
	return v, err
}

func (b *ByteBuffer) ReadVector3() (Vector3, error) {
	var v Vector3
	err := b.readFloats(&v.X, &v.Y, &v.Z)
	return v, err
}

func (b *ByteBuffer) ReadVector4() (Vector4, error) {
	var v Vector4
	err := b.readFloats(&v.X, &v.Y, &v.Z, &v.O)
	return v, err
}

const _packUnit = 0.25

// WritePackXYZ packs a relative position into 32 bits: 11 bits x, 11 bits y
// and 10 bits z, each in quarter units.
func (b *ByteBuffer) WritePackXYZ(x, y, z float32) error {
	packed := uint32(int32(x/_packUnit)) & 0x7FF
	packed |= (uint32(int32(y/_packUnit)) & 0x7FF) << 11
	packed |= (uint32(int32(z/_packUnit)) & 0x3FF) << 22
	return b.WriteUInt32(packed)
}

// ReadPackXYZ reverses WritePackXYZ, sign extending each component.
func (b *ByteBuffer) ReadPackXYZ() (Vector3, error) {
	packed, err := b.ReadUInt32()
	if err != nil {
		return Vector3{}, err
	}
	x := int32(packed<<21) >> 21
	y := int32((packed>>11)<<21) >> 21
	z := int32(packed) >> 22
	return Vector3{
		X: float32(x) * _packUnit,
		Y: float32(y) * _packUnit,
		Z: float32(z) * _packUnit,
	}, nil
}

// WritePackedTime writes a minute precision calendar time:
// year-2000 (8 bits) month-1 (4) day-1 (6) weekday (3) hour (5) minute (6).
func (b *ByteBuffer) WritePackedTime(t time.Time) error {
	packed := uint32(t.Year()-2000)<<24 |
		uint32(t.Month()-1)<<20 |
		uint32(t.Day()-1)<<14 |
		uint32(t.Weekday())<<11 |
		uint32(t.Hour())<<6 |
		uint32(t.Minute())
	return b.WriteUInt32(packed)
}

// ReadPackedTime reverses WritePackedTime in loc.
func (b *ByteBuffer) ReadPackedTime(loc *time.Location) (time.Time, error) {
	packed, err := b.ReadUInt32()
	if err != nil {
		return time.Time{}, err
	}
	if loc == nil {
		loc = time.UTC
	}
	return time.Date(
		int(packed>>24&0xFF)+2000,
		time.Month(packed>>20&0xF+1),
		int(packed>>14&0x3F)+1,
		int(packed>>6&0x1F),
		int(packed&0x3F),
		0, 0, loc,
	), nil
}
