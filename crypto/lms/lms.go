// lms.go implements the single-tree Leighton-Micali signature scheme
// (RFC 8554 section 5).
//
// A PrivateKey owns one Merkle tree worth of state: its parameter sets, the
// tree identifier I, the master secret and the next unused leaf index q.
// Every OTS key is re-derived from (I, q, secret), so the only mutable state
// is q. Once q reaches 2^H the key is exhausted and never signs again.
package lms

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"
)

// LMS errors.
var (
	ErrKeyExhausted = errors.New("lms: private key exhausted")
	ErrInvalidUsage = errors.New("lms: invalid usage count")
	ErrInvalidSeed  = errors.New("lms: invalid seed material")
)

// PrivateKey is a stateful LMS private key. All methods are safe for
// concurrent use.
type PrivateKey struct {
	mu     sync.Mutex
	params LevelParams
	id     []byte
	seed   []byte
	q      uint32 // next unused leaf
	maxQ   uint32 // first leaf this key may not use

	tree *MerkleTree
	pub  *PublicKey
}

// PublicKey is an LMS public key. It is immutable.
type PublicKey struct {
	params LevelParams
	id     []byte
	root   []byte
	enc    []byte
}

// Signature is an LMS signature: the leaf index used, the one-time
// signature of that leaf and its authentication path.
type Signature struct {
	Q      uint32
	OTS    *OTSSignature
	Params *Params
	Path   [][]byte
}

// GenerateKeyPair builds the LMS key pair for tree identifier id and master
// secret seed. The result is fully determined by its inputs.
func GenerateKeyPair(lp LevelParams, id, seed []byte) (*PrivateKey, *PublicKey, error) {
	k, err := newPrivateKey(lp, id, seed, 0, lp.LMS.Leaves())
	if err != nil {
		return nil, nil, err
	}
	return k, k.PublicKey(), nil
}

// GenerateKey draws a fresh tree identifier and master secret from rand and
// builds the key.
func GenerateKey(rand io.Reader, lp LevelParams) (*PrivateKey, error) {
	if err := lp.validate(); err != nil {
		return nil, err
	}
	id := make([]byte, IDLen)
	if _, err := io.ReadFull(rand, id); err != nil {
		return nil, fmt.Errorf("lms: reading tree identifier: %w", err)
	}
	seed := make([]byte, lp.LMS.M)
	if _, err := io.ReadFull(rand, seed); err != nil {
		return nil, fmt.Errorf("lms: reading master secret: %w", err)
	}
	k, _, err := GenerateKeyPair(lp, id, seed)
	return k, err
}

func newPrivateKey(lp LevelParams, id, seed []byte, q, maxQ uint32) (*PrivateKey, error) {
	if err := lp.validate(); err != nil {
		return nil, err
	}
	if len(id) != IDLen {
		return nil, fmt.Errorf("%w: identifier length %d", ErrInvalidSeed, len(id))
	}
	if len(seed) < IDLen {
		return nil, fmt.Errorf("%w: secret length %d", ErrInvalidSeed, len(seed))
	}
	if maxQ > lp.LMS.Leaves() || q > maxQ {
		return nil, fmt.Errorf("%w: index %d, limit %d, tree size %d", ErrInvalidUsage, q, maxQ, lp.LMS.Leaves())
	}
	k := &PrivateKey{
		params: lp,
		id:     cloneBytes(id),
		seed:   cloneBytes(seed),
		q:      q,
		maxQ:   maxQ,
	}
	if err := k.buildTree(); err != nil {
		return nil, err
	}
	return k, nil
}

func (k *PrivateKey) buildTree() error {
	leaves, err := leafPublicKeys(k.params, k.id, k.seed)
	if err != nil {
		return fmt.Errorf("lms: deriving leaf keys: %w", err)
	}
	k.tree = BuildMerkleTree(k.params.LMS, k.id, leaves)
	k.pub = newPublicKey(k.params, k.id, k.tree.nodes[1])
	return nil
}

// Params returns the key's parameter sets.
func (k *PrivateKey) Params() LevelParams { return k.params }

// PublicKey returns the public key of the tree.
func (k *PrivateKey) PublicKey() *PublicKey { return k.pub }

// Index returns the next unused leaf index.
func (k *PrivateKey) Index() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.q
}

// UsagesRemaining returns how many signatures the key can still produce.
func (k *PrivateKey) UsagesRemaining() uint32 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.maxQ - k.q
}

func (k *PrivateKey) exhausted() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.q >= k.maxQ
}

// Sign signs msg with the next unused leaf and advances the index. The
// returned signature carries the index that was consumed.
func (k *PrivateKey) Sign(msg []byte) (*Signature, error) {
	c, err := k.NewSignContext()
	if err != nil {
		return nil, err
	}
	c.h.Write(msg)
	return c.Sign()
}

// IncrementIndex burns the next leaf without signing.
func (k *PrivateKey) IncrementIndex() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.q >= k.maxQ {
		return ErrKeyExhausted
	}
	k.q++
	return nil
}

// RangeTest returns ErrKeyExhausted if the key cannot sign again.
func (k *PrivateKey) RangeTest() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.q >= k.maxQ {
		return fmt.Errorf("%w: leaf %d, limit %d", ErrKeyExhausted, k.q, k.maxQ)
	}
	return nil
}

// signAt produces the signature of leaf q without touching the key state.
// Callers must hold whatever guarantees q is not signed with twice.
func (k *PrivateKey) signAt(q uint32, msg []byte) *Signature {
	c := k.signContext(q)
	c.h.Write(msg)
	return c.finish()
}

// ExtractShard splits the next usage leaves off into a separate key. The
// receiver skips past those leaves, so the two keys never share an index.
func (k *PrivateKey) ExtractShard(usage uint32) (*PrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if usage == 0 || usage > k.maxQ-k.q {
		return nil, fmt.Errorf("%w: %d requested, %d remaining", ErrInvalidUsage, usage, k.maxQ-k.q)
	}
	shard := k.cloneLocked()
	shard.maxQ = k.q + usage
	k.q += usage
	return shard, nil
}

// withIndex returns a copy of the key positioned at leaf q. The tree is
// shared.
func (k *PrivateKey) withIndex(q uint32) *PrivateKey {
	k.mu.Lock()
	defer k.mu.Unlock()
	c := k.cloneLocked()
	c.q = q
	return c
}

func (k *PrivateKey) clone() *PrivateKey {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.cloneLocked()
}

func (k *PrivateKey) cloneLocked() *PrivateKey {
	return &PrivateKey{
		params: k.params,
		id:     k.id,
		seed:   k.seed,
		q:      k.q,
		maxQ:   k.maxQ,
		tree:   k.tree,
		pub:    k.pub,
	}
}

// childSeed derives the tree identifier and master secret of the subtree
// signed by leaf q of this key.
func (k *PrivateKey) childSeed(q uint32) (id, seed []byte) {
	d := newSeedDeriver(k.params.OTS.Hash, k.id, k.seed, q)
	seed = d.derive(jChildSeed)
	id = d.derive(jChildID)[:IDLen]
	return id, seed
}

func (k *PrivateKey) sameSeed(id, seed []byte) bool {
	return bytes.Equal(k.id, id) && bytes.Equal(k.seed, seed)
}

func newPublicKey(lp LevelParams, id, root []byte) *PublicKey {
	pk := &PublicKey{params: lp, id: cloneBytes(id), root: cloneBytes(root)}
	pk.enc = pk.encode()
	return pk
}

// Params returns the key's parameter sets.
func (pk *PublicKey) Params() LevelParams { return pk.params }

// ID returns a copy of the tree identifier I.
func (pk *PublicKey) ID() []byte { return cloneBytes(pk.id) }

// Root returns a copy of the Merkle root T[1].
func (pk *PublicKey) Root() []byte { return cloneBytes(pk.root) }

// Equal reports whether two public keys are identical.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	if pk == nil || other == nil {
		return pk == other
	}
	return bytes.Equal(pk.enc, other.enc)
}

// Verify reports whether sig is a valid signature of msg under pk.
//
// A signature that simply does not match yields (false, nil). An error is
// returned, before any hashing, when the signature's LMS or LM-OTS type
// differs from the key's (ErrParameterMismatch) or when its shape is wrong
// (ErrMalformedSignature).
func (pk *PublicKey) Verify(msg []byte, sig *Signature) (bool, error) {
	c, err := pk.NewVerifyContext(sig)
	if err != nil {
		return false, err
	}
	c.h.Write(msg)
	return c.Verify()
}

func (s *Signature) validate(lp LevelParams) error {
	if s == nil || s.Params == nil || s.OTS == nil || s.OTS.Params == nil {
		return fmt.Errorf("%w: missing fields", ErrMalformedSignature)
	}
	if s.Params.ID != lp.LMS.ID {
		return fmt.Errorf("%w: LMS type %#x, key expects %#x", ErrParameterMismatch, s.Params.ID, lp.LMS.ID)
	}
	if s.OTS.Params.ID != lp.OTS.ID {
		return fmt.Errorf("%w: LM-OTS type %#x, key expects %#x", ErrParameterMismatch, s.OTS.Params.ID, lp.OTS.ID)
	}
	if s.Q >= lp.LMS.Leaves() {
		return fmt.Errorf("%w: leaf %d outside tree of %d", ErrMalformedSignature, s.Q, lp.LMS.Leaves())
	}
	if len(s.Path) != lp.LMS.H {
		return fmt.Errorf("%w: path length %d, want %d", ErrMalformedSignature, len(s.Path), lp.LMS.H)
	}
	for _, node := range s.Path {
		if len(node) != lp.LMS.M {
			return fmt.Errorf("%w: path node length %d", ErrMalformedSignature, len(node))
		}
	}
	return s.OTS.validate(lp.OTS)
}

func (s *Signature) clone() *Signature {
	path := make([][]byte, len(s.Path))
	for i := range s.Path {
		path[i] = cloneBytes(s.Path[i])
	}
	return &Signature{Q: s.Q, OTS: s.OTS.clone(), Params: s.Params, Path: path}
}
