package world

import (
	"fmt"
	"sync"
)

// Opcode identifies a packet type.
type Opcode uint32

const (
	CMSG_PING           Opcode = 0x1DC
	SMSG_PONG           Opcode = 0x1DD
	SMSG_AUTH_CHALLENGE Opcode = 0x1EC
	CMSG_AUTH_SESSION   Opcode = 0x1ED
	SMSG_AUTH_RESPONSE  Opcode = 0x1EE
	CMSG_KEEP_ALIVE     Opcode = 0x407

	// NumMsgTypes bounds every valid opcode.
	NumMsgTypes Opcode = 0x51F
)

var opcodeNames = map[Opcode]string{
	CMSG_PING:           "CMSG_PING",
	SMSG_PONG:           "SMSG_PONG",
	SMSG_AUTH_CHALLENGE: "SMSG_AUTH_CHALLENGE",
	CMSG_AUTH_SESSION:   "CMSG_AUTH_SESSION",
	SMSG_AUTH_RESPONSE:  "SMSG_AUTH_RESPONSE",
	CMSG_KEEP_ALIVE:     "CMSG_KEEP_ALIVE",
}

func (op Opcode) String() string {
	if name, ok := opcodeNames[op]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_OPCODE_0x%03X", uint32(op))
}

// SessionStatus is the session state an opcode requires.
type SessionStatus uint8

const (
	// StatusNever opcodes are handled by the socket itself or never accepted.
	StatusNever SessionStatus = iota
	StatusUnhandled
	StatusAuthed
	StatusLoggedIn
)

// PacketProcessing selects where a session packet is handled.
type PacketProcessing uint8

const (
	// ProcessInplace runs the handler on the network thread as the packet
	// is read.
	ProcessInplace PacketProcessing = iota
	// ProcessThreadUnsafe queues the packet for the world tick.
	ProcessThreadUnsafe
	// ProcessThreadSafe queues the packet for the session's own update.
	ProcessThreadSafe
)

// HandlerFunc processes one packet of an authenticated session.
type HandlerFunc func(s *Session, pkt *WorldPacket) error

// OpcodeHandler describes how a client opcode is dispatched.
type OpcodeHandler struct {
	Name       string
	Status     SessionStatus
	Processing PacketProcessing
	Handle     HandlerFunc
}

// OpcodeTable maps client opcodes to their handlers. It is filled once at
// startup by explicit Register calls and read concurrently afterwards.
type OpcodeTable struct {
	mu       sync.RWMutex
	handlers map[Opcode]*OpcodeHandler
}

// NewOpcodeTable returns a table holding the opcodes the socket answers
// itself.
func NewOpcodeTable() *OpcodeTable {
	t := &OpcodeTable{handlers: make(map[Opcode]*OpcodeHandler)}
	for _, op := range []Opcode{CMSG_PING, CMSG_AUTH_SESSION, CMSG_KEEP_ALIVE} {
		t.handlers[op] = &OpcodeHandler{Name: op.String(), Status: StatusNever}
	}
	return t
}

// Register adds the handler of op. An opcode registers once.
func (t *OpcodeTable) Register(op Opcode, h OpcodeHandler) error {
	if op >= NumMsgTypes {
		return fmt.Errorf("opcode 0x%X out of range", uint32(op))
	}
	if h.Status != StatusNever && h.Status != StatusUnhandled && h.Handle == nil {
		return fmt.Errorf("opcode %s registered without handler", op)
	}
	if h.Name == "" {
		h.Name = op.String()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.handlers[op]; ok {
		return fmt.Errorf("opcode %s already registered", op)
	}
	t.handlers[op] = &h
	return nil
}

// Get returns the handler of op.
func (t *OpcodeTable) Get(op Opcode) (*OpcodeHandler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.handlers[op]
	return h, ok
}

// Name returns the registered name of op, falling back to Opcode.String.
func (t *OpcodeTable) Name(op Opcode) string {
	if h, ok := t.Get(op); ok {
		return h.Name
	}
	return op.String()
}

func (t *OpcodeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}
