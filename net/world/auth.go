package world

import (
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/lcx/worldcore/buffer"
)

// AuthResult is the status code of SMSG_AUTH_RESPONSE.
type AuthResult uint8

const (
	AuthOK               AuthResult = 0x0C
	AuthFailed           AuthResult = 0x0D
	AuthReject           AuthResult = 0x0E
	AuthSystemError      AuthResult = 0x11
	AuthVersionMismatch  AuthResult = 0x14
	AuthUnknownAccount   AuthResult = 0x15
	AuthBanned           AuthResult = 0x1C
	AuthAlreadyOnline    AuthResult = 0x1D
	AuthServerShutdown   AuthResult = 0x18
	AuthAlreadyLoggingIn AuthResult = 0x19
)

const (
	authSeedSize   = 32
	authDigestSize = sha1.Size
)

// AuthSession is the payload of CMSG_AUTH_SESSION.
type AuthSession struct {
	Build           uint32
	LoginServerID   uint32
	Account         string
	LoginServerType uint32
	LocalChallenge  uint32
	RegionID        uint32
	BattlegroupID   uint32
	RealmID         uint32
	DosResponse     uint64
	Digest          [authDigestSize]byte
	AddonInfo       []byte
}

// ReadAuthSession decodes CMSG_AUTH_SESSION. Trailing bytes are kept as
// addon data.
func ReadAuthSession(b *buffer.ByteBuffer) (*AuthSession, error) {
	var (
		a   AuthSession
		err error
	)
	read32 := func(dst *uint32) {
		if err == nil {
			*dst, err = b.ReadUInt32()
		}
	}

	read32(&a.Build)
	read32(&a.LoginServerID)
	if err == nil {
		a.Account, err = b.ReadCString()
	}
	read32(&a.LoginServerType)
	read32(&a.LocalChallenge)
	read32(&a.RegionID)
	read32(&a.BattlegroupID)
	read32(&a.RealmID)
	if err == nil {
		a.DosResponse, err = b.ReadUInt64()
	}
	var digest []byte
	if err == nil {
		digest, err = b.ReadBytes(authDigestSize)
	}
	if err != nil {
		return nil, fmt.Errorf("read auth session: %w", err)
	}
	copy(a.Digest[:], digest)
	if n := b.Remaining(); n > 0 {
		a.AddonInfo, _ = b.ReadBytes(n)
	}
	if a.Account == "" {
		return nil, fmt.Errorf("read auth session: empty account name")
	}
	return &a, nil
}

// Encode writes the record the way a client sends it.
func (a *AuthSession) Encode() []byte {
	b := buffer.NewWriteBuffer(64 + len(a.Account) + len(a.AddonInfo))
	_ = b.WriteUInt32(a.Build)
	_ = b.WriteUInt32(a.LoginServerID)
	_ = b.WriteCString(a.Account)
	_ = b.WriteUInt32(a.LoginServerType)
	_ = b.WriteUInt32(a.LocalChallenge)
	_ = b.WriteUInt32(a.RegionID)
	_ = b.WriteUInt32(a.BattlegroupID)
	_ = b.WriteUInt32(a.RealmID)
	_ = b.WriteUInt64(a.DosResponse)
	_ = b.WriteBytes(a.Digest[:])
	_ = b.WriteBytes(a.AddonInfo)
	return b.GetData()
}

// ComputeAuthDigest returns the proof a client derives from its session key
// and both challenges.
func ComputeAuthDigest(account string, localChallenge, serverSeed uint32, sessionKey []byte) [authDigestSize]byte {
	h := sha1.New()
	h.Write([]byte(account))
	var word [4]byte
	h.Write(word[:])
	binary.LittleEndian.PutUint32(word[:], localChallenge)
	h.Write(word[:])
	binary.LittleEndian.PutUint32(word[:], serverSeed)
	h.Write(word[:])
	h.Write(sessionKey)

	var out [authDigestSize]byte
	copy(out[:], h.Sum(nil))
	return out
}

// VerifyDigest checks the client proof against the stored session key.
func (a *AuthSession) VerifyDigest(sessionKey []byte, serverSeed uint32) bool {
	want := ComputeAuthDigest(a.Account, a.LocalChallenge, serverSeed, sessionKey)
	return subtle.ConstantTimeCompare(want[:], a.Digest[:]) == 1
}

// newAuthChallenge returns the server seed and the SMSG_AUTH_CHALLENGE payload.
func newAuthChallenge() (uint32, []byte, error) {
	raw := make([]byte, 4+authSeedSize)
	if _, err := rand.Read(raw); err != nil {
		return 0, nil, fmt.Errorf("auth seed: %w", err)
	}
	seed := binary.LittleEndian.Uint32(raw[:4])

	b := buffer.NewWriteBuffer(8 + authSeedSize)
	_ = b.WriteUInt32(1)
	_ = b.WriteUInt32(seed)
	_ = b.WriteBytes(raw[4:])
	return seed, b.GetData(), nil
}

// authResponse builds the SMSG_AUTH_RESPONSE payload.
func authResponse(code AuthResult, expansion uint8) []byte {
	b := buffer.NewWriteBuffer(11)
	_ = b.WriteUInt8(uint8(code))
	if code == AuthOK {
		_ = b.WriteUInt32(0) // billing time remaining
		_ = b.WriteUInt8(0)  // billing plan flags
		_ = b.WriteUInt32(0) // billing time rested
		_ = b.WriteUInt8(expansion)
	}
	return b.GetData()
}
