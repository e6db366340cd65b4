// ots.go implements LM-OTS, the Winternitz one-time signature of RFC 8554
// section 4.
//
// Private chain seeds are never stored: x[i] = H(I || u32(q) || u16(i) ||
// 0xff || SEED) is re-derived from the tree's master secret whenever it is
// needed, so a key's state is just its leaf index.
package lms

import (
	"errors"
	"fmt"
	"hash"
)

// LM-OTS errors.
var (
	ErrParameterMismatch  = errors.New("lms: parameter set mismatch")
	ErrMalformedSignature = errors.New("lms: malformed signature")
)

// seedDeriver derives pseudo-random values from a tree's master secret
// (RFC 8554 Appendix A): H(I || u32(q) || u16(j) || 0xff || SEED).
type seedDeriver struct {
	h    hash.Hash
	id   []byte
	seed []byte
	q    uint32
}

func newSeedDeriver(fn HashFunc, id, seed []byte, q uint32) *seedDeriver {
	return &seedDeriver{h: fn(), id: id, seed: seed, q: q}
}

func (d *seedDeriver) derive(j uint16) []byte {
	return hashParts(d.h, d.id, u32str(d.q), u16str(j), []byte{0xff}, d.seed)
}

// chainer walks Winternitz hash chains for one (I, q) pair. The hash input
// buffer is laid out as I || u32(q) || u16(i) || u8(j) || tmp and reused
// across every step.
type chainer struct {
	h   hash.Hash
	n   int
	buf []byte
}

func newChainer(p *OTSParams, id []byte, q uint32) *chainer {
	buf := make([]byte, IDLen+4+2+1+p.N)
	copy(buf, id)
	copy(buf[IDLen:], u32str(q))
	return &chainer{h: p.Hash(), n: p.N, buf: buf}
}

// walk hashes tmp from chain position from up to position to and returns
// the result in a new slice.
func (c *chainer) walk(i, from, to int, tmp []byte) []byte {
	c.buf[IDLen+4] = byte(i >> 8)
	c.buf[IDLen+5] = byte(i)
	val := c.buf[IDLen+7:]
	copy(val, tmp)
	out := make([]byte, c.n)
	copy(out, tmp)
	for j := from; j < to; j++ {
		c.buf[IDLen+6] = byte(j)
		c.h.Reset()
		c.h.Write(c.buf)
		out = c.h.Sum(out[:0])
		copy(val, out)
	}
	return out
}

// coef returns the i-th w-bit digit of s.
func coef(s []byte, i, w int) int {
	mask := 1<<uint(w) - 1
	idx := i * w / 8
	shift := 8 - (w*(i%(8/w)) + w)
	return int(s[idx]>>uint(shift)) & mask
}

// checksum returns Cksm(Q) shifted into position.
func (p *OTSParams) checksum(q []byte) uint16 {
	top := 1<<uint(p.W) - 1
	sum := 0
	for i := 0; i < p.N*8/p.W; i++ {
		sum += top - coef(q, i, p.W)
	}
	return uint16(sum << uint(p.LS))
}

// digits returns the p chain lengths encoded by Q || Cksm(Q).
func (p *OTSParams) digits(q []byte) []int {
	qc := make([]byte, 0, len(q)+2)
	qc = append(qc, q...)
	qc = append(qc, u16str(p.checksum(q))...)
	out := make([]int, p.P)
	for i := range out {
		out[i] = coef(qc, i, p.W)
	}
	return out
}

// messageHasher returns a hash primed with I || u32(q) || u16(D_MESG) || C.
// Writing the message to it and summing gives Q.
func (p *OTSParams) messageHasher(id []byte, q uint32, c []byte) hash.Hash {
	h := p.Hash()
	h.Write(id)
	h.Write(u32str(q))
	h.Write(u16str(dMESG))
	h.Write(c)
	return h
}

// messageHash computes Q = H(I || u32(q) || u16(D_MESG) || C || message).
func (p *OTSParams) messageHash(id []byte, q uint32, c, msg []byte) []byte {
	h := p.messageHasher(id, q, c)
	h.Write(msg)
	return h.Sum(nil)
}

// OTSPrivateKey is the one-time key of a single leaf. It holds only the
// derivation inputs; chain seeds are derived on use.
//
// Signing consumes the key. Callers must make sure a given (I, q) pair never
// signs twice; the key itself does not track use.
type OTSPrivateKey struct {
	params *OTSParams
	id     []byte
	q      uint32
	seed   []byte
}

// OTSSignature is an LM-OTS signature: the randomizer C and p chain values.
type OTSSignature struct {
	Params *OTSParams
	C      []byte
	Y      [][]byte
}

// DeriveOTSKeyPair derives the one-time key for leaf q of the tree (id, seed)
// and returns it together with its public key hash K.
func DeriveOTSKeyPair(p *OTSParams, id []byte, q uint32, seed []byte) (*OTSPrivateKey, []byte) {
	k := newOTSPrivateKey(p, id, q, seed)
	return k, k.publicKey()
}

func newOTSPrivateKey(p *OTSParams, id []byte, q uint32, seed []byte) *OTSPrivateKey {
	return &OTSPrivateKey{params: p, id: id, q: q, seed: seed}
}

func (k *OTSPrivateKey) publicKey() []byte {
	p := k.params
	d := newSeedDeriver(p.Hash, k.id, k.seed, k.q)
	c := newChainer(p, k.id, k.q)
	top := 1<<uint(p.W) - 1

	h := p.Hash()
	h.Write(k.id)
	h.Write(u32str(k.q))
	h.Write(u16str(dPBLC))
	for i := 0; i < p.P; i++ {
		h.Write(c.walk(i, 0, top, d.derive(uint16(i))))
	}
	return h.Sum(nil)
}

// Sign produces the one-time signature of msg.
func (k *OTSPrivateKey) Sign(msg []byte) *OTSSignature {
	c := k.randomizer()
	return k.signDigest(c, k.params.messageHash(k.id, k.q, c, msg))
}

// randomizer derives the per-leaf randomizer C from the master secret.
func (k *OTSPrivateKey) randomizer() []byte {
	return newSeedDeriver(k.params.Hash, k.id, k.seed, k.q).derive(jRandomizer)
}

// signDigest signs the message digest Q computed with randomizer c.
func (k *OTSPrivateKey) signDigest(c, q []byte) *OTSSignature {
	p := k.params
	d := newSeedDeriver(p.Hash, k.id, k.seed, k.q)
	digits := p.digits(q)

	ch := newChainer(p, k.id, k.q)
	y := make([][]byte, p.P)
	for i := range y {
		y[i] = ch.walk(i, 0, digits[i], d.derive(uint16(i)))
	}
	return &OTSSignature{Params: p, C: c, Y: y}
}

// validate checks the structure of the signature against the expected
// parameter set. It does no hashing.
func (s *OTSSignature) validate(p *OTSParams) error {
	if s == nil || s.Params == nil {
		return fmt.Errorf("%w: missing LM-OTS signature", ErrMalformedSignature)
	}
	if s.Params.ID != p.ID {
		return fmt.Errorf("%w: LM-OTS type %#x, key expects %#x", ErrParameterMismatch, s.Params.ID, p.ID)
	}
	if len(s.C) != p.N || len(s.Y) != p.P {
		return fmt.Errorf("%w: LM-OTS signature shape", ErrMalformedSignature)
	}
	for _, y := range s.Y {
		if len(y) != p.N {
			return fmt.Errorf("%w: LM-OTS chain value length %d", ErrMalformedSignature, len(y))
		}
	}
	return nil
}

// RecoverOTSPublicKey computes the public key hash Kc implied by sig over
// msg for leaf q of tree id. It never reports a mismatch: the caller
// compares Kc against the expected value. Errors are returned only when the
// signature's parameter set differs from p or its shape is wrong, and in
// that case nothing is hashed.
func RecoverOTSPublicKey(p *OTSParams, id []byte, q uint32, sig *OTSSignature, msg []byte) ([]byte, error) {
	if err := sig.validate(p); err != nil {
		return nil, err
	}
	return p.recoverDigest(id, q, sig, p.messageHash(id, q, sig.C, msg)), nil
}

// recoverDigest computes Kc from a validated signature and the message
// digest Q.
func (p *OTSParams) recoverDigest(id []byte, q uint32, sig *OTSSignature, digest []byte) []byte {
	digits := p.digits(digest)
	c := newChainer(p, id, q)
	top := 1<<uint(p.W) - 1

	h := p.Hash()
	h.Write(id)
	h.Write(u32str(q))
	h.Write(u16str(dPBLC))
	for i, y := range sig.Y {
		h.Write(c.walk(i, digits[i], top, y))
	}
	return h.Sum(nil)
}

func (s *OTSSignature) clone() *OTSSignature {
	y := make([][]byte, len(s.Y))
	for i := range s.Y {
		y[i] = cloneBytes(s.Y[i])
	}
	return &OTSSignature{Params: s.Params, C: cloneBytes(s.C), Y: y}
}

// cloneBytes returns a copy of a byte slice.
func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
