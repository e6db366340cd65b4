package lms

import (
	"bytes"
	"testing"
)

func syntheticLeaves(n, m int) [][]byte {
	leaves := make([][]byte, n)
	for i := range leaves {
		leaves[i] = bytes.Repeat([]byte{byte(i + 1)}, m)
	}
	return leaves
}

func TestMerkleAuthPathRecomputesRoot(t *testing.T) {
	r := testRegistry(t)
	p := testLevel(t, r, "LMS_TEST_SHA256_M32_H3/LMOTS_SHA256_N32_W4").LMS
	id := bytes.Repeat([]byte{0xab}, IDLen)
	leaves := syntheticLeaves(int(p.Leaves()), p.M)
	tree := BuildMerkleTree(p, id, leaves)

	for q := uint32(0); q < p.Leaves(); q++ {
		path := tree.AuthPath(q)
		if len(path) != p.H {
			t.Fatalf("AuthPath(%d) len = %d, want %d", q, len(path), p.H)
		}
		if got := RecomputeRoot(p, id, leaves[q], q, path); !bytes.Equal(got, tree.Root()) {
			t.Errorf("leaf %d: recomputed root mismatch", q)
		}
		other := (q + 1) % p.Leaves()
		if got := RecomputeRoot(p, id, leaves[q], other, path); bytes.Equal(got, tree.Root()) {
			t.Errorf("leaf %d accepted at position %d", q, other)
		}
	}
}

func TestMerkleRootBoundToIdentifier(t *testing.T) {
	r := testRegistry(t)
	p := testLevel(t, r, "LMS_TEST_SHA256_M32_H2/LMOTS_SHA256_N32_W4").LMS
	leaves := syntheticLeaves(4, p.M)
	a := BuildMerkleTree(p, bytes.Repeat([]byte{1}, IDLen), leaves)
	b := BuildMerkleTree(p, bytes.Repeat([]byte{2}, IDLen), leaves)
	if bytes.Equal(a.Root(), b.Root()) {
		t.Error("trees with different identifiers share a root")
	}
}

func TestMerkleLeafCountPanics(t *testing.T) {
	r := testRegistry(t)
	p := testLevel(t, r, "LMS_TEST_SHA256_M32_H2/LMOTS_SHA256_N32_W4").LMS
	defer func() {
		if recover() == nil {
			t.Error("BuildMerkleTree accepted 3 leaves for a tree of 4")
		}
	}()
	BuildMerkleTree(p, make([]byte, IDLen), syntheticLeaves(3, p.M))
}

func TestLeafPublicKeysMatchSequential(t *testing.T) {
	// 1024 leaves span many chunks.
	lp := testLevel(t, DefaultRegistry(), "LMS_SHA256_M32_H10/LMOTS_SHA256_N32_W1")
	id := bytes.Repeat([]byte{3}, IDLen)
	seed := bytes.Repeat([]byte{4}, 32)
	parallel, err := leafPublicKeys(lp, id, seed)
	if err != nil {
		t.Fatalf("leafPublicKeys: %v", err)
	}
	if len(parallel) != 1024 {
		t.Fatalf("got %d leaves, want 1024", len(parallel))
	}
	for q := range parallel {
		_, want := DeriveOTSKeyPair(lp.OTS, id, uint32(q), seed)
		if !bytes.Equal(parallel[q], want) {
			t.Errorf("leaf %d differs from sequential derivation", q)
		}
	}
}
