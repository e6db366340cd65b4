// hss.go implements the Hierarchical Signature System of RFC 8554 section 6.
//
// An HSS key is a chain of L LMS trees. The root tree is built at generation
// time; every lower tree starts out uninitialized and is materialized the
// first time a signature needs it. A leaf of level i signs the public key of
// the level i+1 tree below it, and the deepest tree signs messages.
//
// The composite index counts every message signature the key has produced.
// Its bits, read from the top, select the leaf of every level in turn, so
// the index alone determines which subtree chain must be live. Lower trees
// are derived from their parent's secret and leaf index, which makes that
// chain reproducible for any index.
package lms

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
)

// MaxHSSLevels is the deepest hierarchy RFC 8554 allows.
const MaxHSSLevels = 8

// HSS errors.
var (
	ErrInvalidLevels  = errors.New("lms: HSS needs between 1 and 8 levels")
	ErrIndexRegressed = errors.New("lms: HSS index would move backwards")
)

// level is the per-tree state of an HSS key: either a live LMS key or an
// uninitialized placeholder that carries only its parameter sets.
type level interface {
	levelParams() LevelParams
}

type materialized struct{ key *PrivateKey }

type uninitialized struct{ params LevelParams }

func (m materialized) levelParams() LevelParams  { return m.key.params }
func (u uninitialized) levelParams() LevelParams { return u.params }

// keyOf returns the LMS key of a materialized level. Placeholders are
// replaced before any use, so reaching one here is a bug.
func keyOf(l level) *PrivateKey {
	m, ok := l.(materialized)
	if !ok {
		panic(fmt.Sprintf("lms: uninitialized %s level used as a signing key", l.levelParams()))
	}
	return m.key
}

func needsReplacement(l level) bool {
	m, ok := l.(materialized)
	return !ok || m.key.exhausted()
}

// HSSPrivateKey is a stateful HSS private key. Sign, IncrementIndex,
// RangeTest and ExtractShard are each atomic with respect to one another.
type HSSPrivateKey struct {
	mu         sync.Mutex
	levels     []level
	sigs       []*Signature // sigs[i] is level i's signature over level i+1
	index      uint64
	indexLimit uint64
	shard      bool
}

// HSSPublicKey is an HSS public key: the hierarchy depth and the root tree's
// public key.
type HSSPublicKey struct {
	L    int
	Root *PublicKey
}

// SignedPublicKey is one link of an HSS signature: a parent's signature over
// the child public key Pub.
type SignedPublicKey struct {
	Sig *Signature
	Pub *PublicKey
}

// HSSSignature is an HSS signature: L-1 signed public keys followed by the
// leaf level's signature over the message.
type HSSSignature struct {
	Signed []SignedPublicKey
	Leaf   *Signature
}

// GenerateHSSKeyPair creates an HSS key with one level per entry of levels,
// root first. Only the root tree's identifier and secret are drawn from
// rand.
func GenerateHSSKeyPair(rand io.Reader, levels ...LevelParams) (*HSSPrivateKey, *HSSPublicKey, error) {
	if len(levels) < 1 || len(levels) > MaxHSSLevels {
		return nil, nil, fmt.Errorf("%w: got %d", ErrInvalidLevels, len(levels))
	}
	for _, lp := range levels {
		if err := lp.validate(); err != nil {
			return nil, nil, err
		}
	}
	root, err := GenerateKey(rand, levels[0])
	if err != nil {
		return nil, nil, err
	}
	k := &HSSPrivateKey{
		levels: make([]level, len(levels)),
		sigs:   make([]*Signature, len(levels)-1),
	}
	k.levels[0] = materialized{root}
	for i := 1; i < len(levels); i++ {
		k.levels[i] = uninitialized{levels[i]}
	}
	k.indexLimit = saturate(capacity(k.levels))
	return k, k.PublicKey(), nil
}

// Capacity returns the exact number of signatures the full hierarchy can
// produce: the product of 2^H over every level.
func (k *HSSPrivateKey) Capacity() *uint256.Int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return capacity(k.levels)
}

func capacity(levels []level) *uint256.Int {
	bits := uint(0)
	for _, l := range levels {
		bits += uint(l.levelParams().LMS.H)
	}
	return new(uint256.Int).Lsh(uint256.NewInt(1), bits)
}

func saturate(v *uint256.Int) uint64 {
	if !v.IsUint64() {
		return math.MaxUint64
	}
	return v.Uint64()
}

// Levels returns the parameter sets of every level, root first.
func (k *HSSPrivateKey) Levels() []LevelParams {
	k.mu.Lock()
	defer k.mu.Unlock()
	out := make([]LevelParams, len(k.levels))
	for i, l := range k.levels {
		out[i] = l.levelParams()
	}
	return out
}

// PublicKey returns the HSS public key.
func (k *HSSPrivateKey) PublicKey() *HSSPublicKey {
	k.mu.Lock()
	defer k.mu.Unlock()
	return &HSSPublicKey{L: len(k.levels), Root: keyOf(k.levels[0]).PublicKey()}
}

// Index returns the composite index of the next signature.
func (k *HSSPrivateKey) Index() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.index
}

// IndexLimit returns the first composite index this key may not use.
func (k *HSSPrivateKey) IndexLimit() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.indexLimit
}

// UsagesRemaining returns how many more signatures the key can produce.
func (k *HSSPrivateKey) UsagesRemaining() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.indexLimit - k.index
}

// IsShard reports whether the key was carved out of a larger key.
func (k *HSSPrivateKey) IsShard() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.shard
}

// RangeTest returns ErrKeyExhausted if the key cannot sign again.
func (k *HSSPrivateKey) RangeTest() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.rangeTestLocked()
}

func (k *HSSPrivateKey) rangeTestLocked() error {
	if k.index >= k.indexLimit {
		return fmt.Errorf("%w: HSS index %d, limit %d", ErrKeyExhausted, k.index, k.indexLimit)
	}
	return nil
}

// Sign signs msg with the next composite index. Rotation of consumed
// subtrees happens transparently. On error the composite index is not
// advanced.
func (k *HSSPrivateKey) Sign(msg []byte) (*HSSSignature, error) {
	c, err := k.NewSignContext()
	if err != nil {
		return nil, err
	}
	c.leaf.h.Write(msg)
	return c.Sign()
}

// IncrementIndex consumes the next composite index without signing.
func (k *HSSPrivateKey) IncrementIndex() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	leaf, _, err := k.prepareLocked()
	if err != nil {
		return err
	}
	if err := leaf.IncrementIndex(); err != nil {
		return err
	}
	k.index++
	return nil
}

// prepareLocked runs the range test and replaces every consumed or
// uninitialized level, returning the leaf level key ready to sign and the
// number of levels replaced.
func (k *HSSPrivateKey) prepareLocked() (*PrivateKey, int, error) {
	if err := k.rangeTestLocked(); err != nil {
		return nil, 0, err
	}
	d := len(k.levels) - 1
	for d >= 0 && needsReplacement(k.levels[d]) {
		d--
	}
	if d < 0 {
		log.Warn("HSS key exhausted", "index", k.index, "limit", k.indexLimit)
		return nil, 0, fmt.Errorf("%w: root tree consumed at index %d", ErrKeyExhausted, k.index)
	}
	rotated := 0
	for i := d + 1; i < len(k.levels); i++ {
		parent := keyOf(k.levels[i-1])
		child, sig, err := parent.signChild(k.levels[i].levelParams())
		if err != nil {
			return nil, rotated, fmt.Errorf("lms: replacing HSS level %d: %w", i, err)
		}
		k.levels[i] = materialized{child}
		k.sigs[i-1] = sig
		rotated++
		log.Debug("Rotated HSS subtree", "level", i, "parentLeaf", sig.Q, "index", k.index)
	}
	return keyOf(k.levels[len(k.levels)-1]), rotated, nil
}

// signChild derives the tree below the next unused leaf, signs its public
// key with that leaf and consumes it.
func (k *PrivateKey) signChild(lp LevelParams) (*PrivateKey, *Signature, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.q >= k.maxQ {
		return nil, nil, ErrKeyExhausted
	}
	q := k.q
	id, seed := k.childSeed(q)
	child, err := newPrivateKey(lp, id, seed, 0, lp.LMS.Leaves())
	if err != nil {
		return nil, nil, err
	}
	sig := k.signAt(q, child.pub.enc)
	k.q++
	return child, sig, nil
}

// Index returns the composite index that produced the signature, or
// math.MaxUint64 if it does not fit. Hierarchies taller than 64 bits in
// total need IndexBig.
func (s *HSSSignature) Index() uint64 {
	return saturate(s.IndexBig())
}

// IndexBig returns the exact composite index that produced the signature.
func (s *HSSSignature) IndexBig() *uint256.Int {
	idx := new(uint256.Int)
	for _, link := range s.Signed {
		idx.Lsh(idx, uint(link.Sig.Params.H))
		idx.Or(idx, uint256.NewInt(uint64(link.Sig.Q)))
	}
	idx.Lsh(idx, uint(s.Leaf.Params.H))
	return idx.Or(idx, uint256.NewInt(uint64(s.Leaf.Q)))
}

// Verify reports whether sig is a valid HSS signature of msg.
//
// A chain whose length does not match the key's depth is rejected with
// ErrMalformedSignature before any hashing. Otherwise every link is checked
// from the root down and the first failing link ends the walk with false.
func (pk *HSSPublicKey) Verify(msg []byte, sig *HSSSignature) (bool, error) {
	c, err := pk.NewVerifyContext(sig)
	if err != nil {
		return false, err
	}
	if c.broken {
		return false, nil
	}
	c.leaf.h.Write(msg)
	return c.Verify()
}

func (pk *HSSPublicKey) check() error {
	if pk == nil || pk.Root == nil {
		return fmt.Errorf("%w: empty HSS public key", ErrMalformedKey)
	}
	return nil
}

// checkChain validates the shape of the chain without hashing.
func (s *HSSSignature) checkChain(levels int) error {
	if s == nil || s.Leaf == nil {
		return fmt.Errorf("%w: empty HSS signature", ErrMalformedSignature)
	}
	if len(s.Signed)+1 != levels {
		return fmt.Errorf("%w: %d signed keys for %d levels", ErrMalformedSignature, len(s.Signed), levels)
	}
	for i, link := range s.Signed {
		if link.Pub == nil {
			return fmt.Errorf("%w: missing public key at level %d", ErrMalformedSignature, i+1)
		}
	}
	return nil
}

func wrapLevel(i int, err error) error {
	return fmt.Errorf("lms: HSS level %d: %w", i, err)
}

// Equal reports whether two HSS public keys are identical.
func (pk *HSSPublicKey) Equal(other *HSSPublicKey) bool {
	if pk == nil || other == nil {
		return pk == other
	}
	return pk.L == other.L && pk.Root.Equal(other.Root)
}
