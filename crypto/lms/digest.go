// digest.go provides the hash capability used by every LMS and LM-OTS
// parameter set. A parameter set carries a HashFunc; the engine never looks
// a digest up by name.
package lms

import (
	"encoding/binary"
	"hash"

	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/sha3"
)

// HashFunc constructs a fresh hash instance. The instance's Size() must equal
// the n (LM-OTS) or m (LMS) value of the parameter set it is bound to.
type HashFunc func() hash.Hash

// Domain separation constants from RFC 8554.
const (
	dPBLC = 0x8080 // OTS public key compression
	dMESG = 0x8181 // message randomization
	dLEAF = 0x8282 // Merkle leaf
	dINTR = 0x8383 // Merkle interior node
)

// Seed derivation indices for values that are not chain seeds.
const (
	jRandomizer = 0xfffd // LM-OTS randomizer C
	jChildSeed  = 0xfffe // next-level master secret
	jChildID    = 0xffff // next-level tree identifier
)

// IDLen is the length of the LMS tree identifier I.
const IDLen = 16

// SHA256 is SHA-256 with a 32 byte output.
func SHA256() hash.Hash { return sha256.New() }

// SHA256N24 is SHA-256 truncated to 24 bytes (SP 800-208 SHA-256/192).
func SHA256N24() hash.Hash { return &truncatedHash{Hash: sha256.New(), size: 24} }

// SHAKE256N32 is SHAKE256 with a 32 byte output.
func SHAKE256N32() hash.Hash { return &shakeHash{ShakeHash: sha3.NewShake256(), size: 32} }

// SHAKE256N24 is SHAKE256 with a 24 byte output.
func SHAKE256N24() hash.Hash { return &shakeHash{ShakeHash: sha3.NewShake256(), size: 24} }

type truncatedHash struct {
	hash.Hash
	size int
}

func (t *truncatedHash) Size() int { return t.size }

func (t *truncatedHash) Sum(b []byte) []byte {
	full := t.Hash.Sum(nil)
	return append(b, full[:t.size]...)
}

type shakeHash struct {
	sha3.ShakeHash
	size int
}

func (s *shakeHash) Size() int { return s.size }

func (s *shakeHash) Sum(b []byte) []byte {
	out := make([]byte, s.size)
	_, _ = s.ShakeHash.Clone().Read(out)
	return append(b, out...)
}

// hashParts resets h, writes every part and returns the digest.
func hashParts(h hash.Hash, parts ...[]byte) []byte {
	h.Reset()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

func u32str(v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return b[:]
}

func u16str(v uint16) []byte {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	return b[:]
}
