// merkle.go implements the LMS Merkle tree (RFC 8554 section 5.3).
//
// Nodes are stored in heap order: index 1 is the root T[1] and the leaves
// occupy [2^H, 2^(H+1)). Every node hash is bound to the tree identifier
// and its own node number, and leaves and interior nodes use different
// domain separators.
package lms

import (
	"runtime"

	"golang.org/x/sync/errgroup"
)

// MerkleTree is a complete LMS tree over the OTS public keys of one tree
// identifier. It is immutable once built and may be shared between copies
// of a private key.
type MerkleTree struct {
	params *Params
	id     []byte
	nodes  [][]byte
}

// BuildMerkleTree hashes the 2^H leaf public keys into a tree. It panics if
// the leaf count does not match the parameter set.
func BuildMerkleTree(p *Params, id []byte, leaves [][]byte) *MerkleTree {
	size := int(p.Leaves())
	if len(leaves) != size {
		panic("lms: leaf count does not match tree height")
	}
	nodes := make([][]byte, 2*size)
	h := p.Hash()
	for i, k := range leaves {
		r := uint32(size + i)
		nodes[r] = hashParts(h, id, u32str(r), u16str(dLEAF), k)
	}
	for r := size - 1; r >= 1; r-- {
		nodes[r] = hashParts(h, id, u32str(uint32(r)), u16str(dINTR), nodes[2*r], nodes[2*r+1])
	}
	return &MerkleTree{params: p, id: id, nodes: nodes}
}

// Root returns T[1].
func (t *MerkleTree) Root() []byte { return cloneBytes(t.nodes[1]) }

// AuthPath returns the H sibling hashes from leaf q up to the root, ordered
// leaf to root.
func (t *MerkleTree) AuthPath(q uint32) [][]byte {
	path := make([][]byte, t.params.H)
	r := t.params.Leaves() + q
	for i := range path {
		path[i] = cloneBytes(t.nodes[r^1])
		r >>= 1
	}
	return path
}

// RecomputeRoot hashes the leaf public key k of leaf q up the tree using the
// authentication path and returns the candidate root. The path must hold H
// values of M bytes.
func RecomputeRoot(p *Params, id []byte, k []byte, q uint32, path [][]byte) []byte {
	h := p.Hash()
	r := p.Leaves() + q
	tmp := hashParts(h, id, u32str(r), u16str(dLEAF), k)
	for i := 0; r > 1; i++ {
		parent := u32str(r >> 1)
		if r&1 == 1 {
			tmp = hashParts(h, id, parent, u16str(dINTR), path[i], tmp)
		} else {
			tmp = hashParts(h, id, parent, u16str(dINTR), tmp, path[i])
		}
		r >>= 1
	}
	return tmp
}

// leafChunk is the number of leaves one goroutine derives.
const leafChunk = 32

// leafPublicKeys derives the OTS public key of every leaf of the tree
// (id, seed), leafChunk leaves per goroutine with at most GOMAXPROCS
// running.
func leafPublicKeys(lp LevelParams, id, seed []byte) ([][]byte, error) {
	size := int(lp.LMS.Leaves())
	leaves := make([][]byte, size)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for start := 0; start < size; start += leafChunk {
		start, end := start, min(start+leafChunk, size)
		g.Go(func() error {
			for q := start; q < end; q++ {
				_, leaves[q] = DeriveOTSKeyPair(lp.OTS, id, uint32(q), seed)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return leaves, nil
}
