package world

// HeaderCrypt transforms packet headers in place once a session key is
// known. Headers pass through unchanged before Init.
type HeaderCrypt interface {
	Init(sessionKey []byte)
	IsInitialized() bool
	DecryptRecv(header []byte)
	EncryptSend(header []byte)
}

// NopHeaderCrypt leaves headers untouched.
type NopHeaderCrypt struct {
	initialized bool
}

func (c *NopHeaderCrypt) Init([]byte)         { c.initialized = true }
func (c *NopHeaderCrypt) IsInitialized() bool { return c.initialized }
func (c *NopHeaderCrypt) DecryptRecv([]byte)  {}
func (c *NopHeaderCrypt) EncryptSend([]byte)  {}
