package lms

import (
	"bytes"
	"errors"
	"testing"
)

func drain(t *testing.T, k *HSSPrivateKey, pub *HSSPublicKey) []*HSSSignature {
	t.Helper()
	var sigs []*HSSSignature
	for {
		msg := []byte("drain")
		sig, err := k.Sign(msg)
		if errors.Is(err, ErrKeyExhausted) {
			return sigs
		}
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if ok, err := pub.Verify(msg, sig); !ok || err != nil {
			t.Fatalf("index %d: Verify = %v, %v", sig.Index(), ok, err)
		}
		sigs = append(sigs, sig)
	}
}

func TestHSSShardsAreDisjoint(t *testing.T) {
	r := testRegistry(t)
	master, pub := genHSS(t, 10, r, levelH2, levelH1)
	if _, err := master.Sign([]byte("first")); err != nil {
		t.Fatal(err)
	}

	first, err := master.ExtractShard(3)
	if err != nil {
		t.Fatal(err)
	}
	second, err := master.ExtractShard(2)
	if err != nil {
		t.Fatal(err)
	}
	if !first.IsShard() || !second.IsShard() || master.IsShard() {
		t.Fatal("shard flags wrong")
	}
	if first.Index() != 1 || first.IndexLimit() != 4 {
		t.Errorf("first shard covers [%d, %d), want [1, 4)", first.Index(), first.IndexLimit())
	}
	if second.Index() != 4 || second.IndexLimit() != 6 {
		t.Errorf("second shard covers [%d, %d), want [4, 6)", second.Index(), second.IndexLimit())
	}
	if master.Index() != 6 || master.UsagesRemaining() != 2 {
		t.Errorf("master at %d with %d remaining, want 6 and 2", master.Index(), master.UsagesRemaining())
	}

	// Interleave nothing: each key drains on its own, as separate processes would.
	var all []*HSSSignature
	for _, k := range []*HSSPrivateKey{second, master, first} {
		all = append(all, drain(t, k, pub)...)
	}
	if len(all) != 7 {
		t.Fatalf("shards and master produced %d signatures, want 7", len(all))
	}

	indices := make(map[uint64]bool)
	leaves := make(map[string]bool)
	children := make(map[uint32][]byte)
	for _, sig := range all {
		if indices[sig.Index()] {
			t.Fatalf("composite index %d used twice", sig.Index())
		}
		indices[sig.Index()] = true

		// No one-time key may be used for two different messages or children.
		child := sig.Signed[0].Pub
		leaf := string(child.enc) + string(u32str(sig.Leaf.Q))
		if leaves[leaf] {
			t.Fatalf("leaf %d of a level 1 tree used twice", sig.Leaf.Q)
		}
		leaves[leaf] = true
		rootLeaf := sig.Signed[0].Sig.Q
		if prev, ok := children[rootLeaf]; ok && !bytes.Equal(prev, child.enc) {
			t.Fatalf("root leaf %d signed two different subtrees", rootLeaf)
		}
		children[rootLeaf] = child.enc
	}
	for i := uint64(1); i < 8; i++ {
		if !indices[i] {
			t.Errorf("index %d never used", i)
		}
	}
}

func TestHSSShardInvalidUsage(t *testing.T) {
	r := testRegistry(t)
	k, _ := genHSS(t, 11, r, levelH2, levelH1)
	if _, err := k.ExtractShard(0); !errors.Is(err, ErrInvalidUsage) {
		t.Errorf("zero usage: got %v", err)
	}
	if _, err := k.ExtractShard(9); !errors.Is(err, ErrInvalidUsage) {
		t.Errorf("usage beyond capacity: got %v", err)
	}
	if _, err := k.ExtractShard(8); err != nil {
		t.Fatalf("whole capacity: %v", err)
	}
	if err := k.RangeTest(); !errors.Is(err, ErrKeyExhausted) {
		t.Errorf("parent after giving away everything: got %v", err)
	}
}

func TestHSSShardAcrossThreeLevels(t *testing.T) {
	r := testRegistry(t)
	master, pub := genHSS(t, 12, r, levelH1, levelH2, levelH1)
	var shards []*HSSPrivateKey
	for _, usage := range []uint64{5, 1, 6} {
		s, err := master.ExtractShard(usage)
		if err != nil {
			t.Fatalf("ExtractShard(%d): %v", usage, err)
		}
		shards = append(shards, s)
	}
	seen := make(map[uint64]bool)
	for _, k := range append(shards, master) {
		for _, sig := range drain(t, k, pub) {
			if seen[sig.Index()] {
				t.Fatalf("index %d used twice", sig.Index())
			}
			seen[sig.Index()] = true
		}
	}
	if len(seen) != 16 {
		t.Errorf("covered %d indices, want 16", len(seen))
	}
}

func TestLeafPath(t *testing.T) {
	r := testRegistry(t)
	k, _ := genHSS(t, 13, r, levelH1, levelH2, levelH1)
	got := k.leafPath(0b1_10_1)
	want := []uint32{1, 2, 1}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("leafPath = %v, want %v", got, want)
		}
	}
}
