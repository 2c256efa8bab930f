package buffer

import "github.com/lcx/worldcore/internal/invariant"

// DefaultMessageBufferSize is the initial receive buffer size of a socket.
const DefaultMessageBufferSize = 4096

// MessageBuffer is a growable byte region with a read and a write cursor,
// used by sockets to accumulate received bytes until whole packets can be
// parsed. It keeps 0 <= rpos <= wpos <= len(storage).
type MessageBuffer struct {
	storage []byte
	wpos    int
	rpos    int
}

// NewMessageBuffer allocates a buffer of initialSize bytes.
func NewMessageBuffer(initialSize int) *MessageBuffer {
	if initialSize <= 0 {
		initialSize = DefaultMessageBufferSize
	}
	return &MessageBuffer{storage: make([]byte, initialSize)}
}

// Reset drops all content without shrinking.
func (m *MessageBuffer) Reset() {
	m.wpos = 0
	m.rpos = 0
}

// Resize grows or shrinks the storage. Cursors beyond the new size are clamped.
func (m *MessageBuffer) Resize(size int) {
	if size < 0 {
		size = 0
	}
	if size <= cap(m.storage) {
		m.storage = m.storage[:size]
	} else {
		grown := make([]byte, size)
		copy(grown, m.storage)
		m.storage = grown
	}
	if m.wpos > size {
		m.wpos = size
	}
	if m.rpos > m.wpos {
		m.rpos = m.wpos
	}
}

// GetBufferSize returns the storage size.
func (m *MessageBuffer) GetBufferSize() int {
	return len(m.storage)
}

// GetActiveSize returns the number of written but unread bytes.
func (m *MessageBuffer) GetActiveSize() int {
	return m.wpos - m.rpos
}

// GetRemainingSpace returns the free bytes after the write cursor.
func (m *MessageBuffer) GetRemainingSpace() int {
	return len(m.storage) - m.wpos
}

// GetReadPointer returns the unread bytes. The slice aliases the storage
// and is valid until the next mutating call.
func (m *MessageBuffer) GetReadPointer() []byte {
	return m.storage[m.rpos:m.wpos]
}

// GetWritePointer returns the free region after the write cursor.
func (m *MessageBuffer) GetWritePointer() []byte {
	return m.storage[m.wpos:]
}

// ReadCompleted consumes n bytes. Consuming more than is active is clamped.
func (m *MessageBuffer) ReadCompleted(n int) {
	if !invariant.Check(n >= 0 && n <= m.GetActiveSize(), "ReadCompleted(%d) with %d active bytes", n, m.GetActiveSize()) {
		n = min(max(n, 0), m.GetActiveSize())
	}
	m.rpos += n
}

// WriteCompleted commits n bytes written into GetWritePointer. Committing
// more than the free space is clamped.
func (m *MessageBuffer) WriteCompleted(n int) {
	if !invariant.Check(n >= 0 && n <= m.GetRemainingSpace(), "WriteCompleted(%d) with %d free bytes", n, m.GetRemainingSpace()) {
		n = min(max(n, 0), m.GetRemainingSpace())
	}
	m.wpos += n
}

// Normalize moves the unread bytes to the start of the storage.
func (m *MessageBuffer) Normalize() {
	if m.rpos == 0 {
		return
	}
	if m.rpos != m.wpos {
		copy(m.storage, m.storage[m.rpos:m.wpos])
	}
	m.wpos -= m.rpos
	m.rpos = 0
}

// EnsureFreeSpace grows the storage by half when no free space is left.
func (m *MessageBuffer) EnsureFreeSpace() {
	if m.GetRemainingSpace() == 0 {
		m.Resize(max(len(m.storage)*3/2, len(m.storage)+1))
	}
}

// Write appends data, growing the storage as needed.
func (m *MessageBuffer) Write(data []byte) {
	if len(data) == 0 {
		return
	}
	if m.GetRemainingSpace() < len(data) {
		m.Normalize()
		if m.GetRemainingSpace() < len(data) {
			m.Resize(m.wpos + len(data))
		}
	}
	copy(m.storage[m.wpos:], data)
	m.wpos += len(data)
}

// Move returns the unread bytes and leaves the buffer empty. The returned
// slice is a copy.
func (m *MessageBuffer) Move() []byte {
	out := make([]byte, m.GetActiveSize())
	copy(out, m.GetReadPointer())
	m.Reset()
	return out
}
