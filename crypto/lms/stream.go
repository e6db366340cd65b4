// stream.go lets a message be fed to the signer or verifier in pieces.
//
// The LM-OTS message digest is Q = H(I || u32(q) || u16(D_MESG) || C ||
// message). Everything before the message is known once a leaf and its
// randomizer are fixed, so a context reserves the leaf up front, primes the
// hash, and then accepts the message through io.Writer. Reserving the leaf
// consumes it: a context that is dropped before Sign burns its index.
package lms

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"
)

// ErrContextFinished is returned when a context is used after Sign or
// Verify.
var ErrContextFinished = errors.New("lms: context already finished")

// LMSSignContext streams a message into the signature of one reserved LMS
// leaf.
type LMSSignContext struct {
	key  *PrivateKey
	ots  *OTSPrivateKey
	c    []byte
	h    hash.Hash
	done bool
}

// NewSignContext reserves the next unused leaf and returns a context that
// signs whatever is written to it. The key's index advances immediately.
func (k *PrivateKey) NewSignContext() (*LMSSignContext, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.q >= k.maxQ {
		return nil, ErrKeyExhausted
	}
	q := k.q
	k.q++
	return k.signContext(q), nil
}

// signContext primes a context for leaf q without touching the key state.
func (k *PrivateKey) signContext(q uint32) *LMSSignContext {
	ots := newOTSPrivateKey(k.params.OTS, k.id, q, k.seed)
	c := ots.randomizer()
	return &LMSSignContext{
		key: k,
		ots: ots,
		c:   c,
		h:   k.params.OTS.messageHasher(k.id, q, c),
	}
}

// Write adds message bytes.
func (c *LMSSignContext) Write(p []byte) (int, error) {
	if c.done {
		return 0, ErrContextFinished
	}
	return c.h.Write(p)
}

// Index returns the reserved leaf.
func (c *LMSSignContext) Index() uint32 { return c.ots.q }

// Sign finishes the signature over everything written so far.
func (c *LMSSignContext) Sign() (*Signature, error) {
	if c.done {
		return nil, ErrContextFinished
	}
	c.done = true
	return c.finish(), nil
}

func (c *LMSSignContext) finish() *Signature {
	q := c.ots.q
	return &Signature{
		Q:      q,
		OTS:    c.ots.signDigest(c.c, c.h.Sum(nil)),
		Params: c.key.params.LMS,
		Path:   c.key.tree.AuthPath(q),
	}
}

// HSSSignContext streams a message into an HSS signature. The composite
// index and the chain of signed subtree keys are fixed when the context is
// created.
type HSSSignContext struct {
	leaf    *LMSSignContext
	signed  []SignedPublicKey
	index   uint64
	rotated int
}

// NewSignContext reserves the next composite index, rotating consumed
// subtrees as Sign does. On error the index is not advanced.
func (k *HSSPrivateKey) NewSignContext() (*HSSSignContext, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	leaf, rotated, err := k.prepareLocked()
	if err != nil {
		return nil, err
	}
	lc, err := leaf.NewSignContext()
	if err != nil {
		return nil, err
	}
	signed := make([]SignedPublicKey, len(k.sigs))
	for i, s := range k.sigs {
		signed[i] = SignedPublicKey{Sig: s.clone(), Pub: keyOf(k.levels[i+1]).PublicKey()}
	}
	c := &HSSSignContext{leaf: lc, signed: signed, index: k.index, rotated: rotated}
	k.index++
	return c, nil
}

// Write adds message bytes.
func (c *HSSSignContext) Write(p []byte) (int, error) { return c.leaf.Write(p) }

// Index returns the reserved composite index.
func (c *HSSSignContext) Index() uint64 { return c.index }

// Rotated returns how many subtrees were replaced to reach this index.
func (c *HSSSignContext) Rotated() int { return c.rotated }

// Sign finishes the HSS signature over everything written so far.
func (c *HSSSignContext) Sign() (*HSSSignature, error) {
	leaf, err := c.leaf.Sign()
	if err != nil {
		return nil, err
	}
	return &HSSSignature{Signed: c.signed, Leaf: leaf}, nil
}

// LMSVerifyContext streams a message into the verification of one LMS
// signature.
type LMSVerifyContext struct {
	pk   *PublicKey
	sig  *Signature
	h    hash.Hash
	done bool
}

// NewVerifyContext checks the shape and parameter sets of sig and returns a
// context that verifies it against whatever is written. Errors are the same
// as Verify's and are reported before any hashing.
func (pk *PublicKey) NewVerifyContext(sig *Signature) (*LMSVerifyContext, error) {
	if pk == nil {
		return nil, fmt.Errorf("%w: empty public key", ErrMalformedKey)
	}
	if err := sig.validate(pk.params); err != nil {
		return nil, err
	}
	return &LMSVerifyContext{
		pk:  pk,
		sig: sig,
		h:   pk.params.OTS.messageHasher(pk.id, sig.Q, sig.OTS.C),
	}, nil
}

// Write adds message bytes.
func (c *LMSVerifyContext) Write(p []byte) (int, error) {
	if c.done {
		return 0, ErrContextFinished
	}
	return c.h.Write(p)
}

// Verify reports whether the signature covers everything written so far.
func (c *LMSVerifyContext) Verify() (bool, error) {
	if c.done {
		return false, ErrContextFinished
	}
	c.done = true
	lp := c.pk.params
	kc := lp.OTS.recoverDigest(c.pk.id, c.sig.Q, c.sig.OTS, c.h.Sum(nil))
	candidate := RecomputeRoot(lp.LMS, c.pk.id, kc, c.sig.Q, c.sig.Path)
	return subtle.ConstantTimeCompare(candidate, c.pk.root) == 1, nil
}

// HSSVerifyContext streams a message into the verification of an HSS
// signature. The signed subtree links do not depend on the message and are
// checked when the context is created.
type HSSVerifyContext struct {
	leaf   *LMSVerifyContext
	broken bool // a subtree link failed; the result is false
	done   bool
}

// NewVerifyContext checks sig's chain and returns a context for its leaf
// signature. Malformed or mismatched signatures fail here, as they do in
// Verify; a link that simply does not verify makes the final result false.
func (pk *HSSPublicKey) NewVerifyContext(sig *HSSSignature) (*HSSVerifyContext, error) {
	if err := pk.check(); err != nil {
		return nil, err
	}
	if err := sig.checkChain(pk.L); err != nil {
		return nil, err
	}
	trusted := pk.Root
	broken := false
	for i, link := range sig.Signed {
		ok, err := trusted.Verify(link.Pub.enc, link.Sig)
		if err != nil {
			return nil, wrapLevel(i, err)
		}
		if !ok {
			broken = true
			break
		}
		trusted = link.Pub
	}
	if broken {
		return &HSSVerifyContext{broken: true}, nil
	}
	leaf, err := trusted.NewVerifyContext(sig.Leaf)
	if err != nil {
		return nil, wrapLevel(pk.L-1, err)
	}
	return &HSSVerifyContext{leaf: leaf}, nil
}

// Write adds message bytes.
func (c *HSSVerifyContext) Write(p []byte) (int, error) {
	if c.done {
		return 0, ErrContextFinished
	}
	if c.broken {
		return len(p), nil
	}
	return c.leaf.Write(p)
}

// Verify reports whether the signature covers everything written so far.
func (c *HSSVerifyContext) Verify() (bool, error) {
	if c.done {
		return false, ErrContextFinished
	}
	c.done = true
	if c.broken {
		return false, nil
	}
	return c.leaf.Verify()
}
