package lms

import (
	"errors"
	"testing"
)

func TestCachingVerifierReusesLinks(t *testing.T) {
	r := testRegistry(t)
	k, pub := genHSS(t, 30, r, levelH1, levelH2)
	v, err := NewCachingVerifier(0)
	if err != nil {
		t.Fatal(err)
	}

	// Indices 0..3 share one level 1 subtree.
	for i := 0; i < 4; i++ {
		msg := []byte{byte(i)}
		sig, err := k.Sign(msg)
		if err != nil {
			t.Fatal(err)
		}
		if ok, err := v.Verify(pub, msg, sig); !ok || err != nil {
			t.Fatalf("Verify #%d = %v, %v", i, ok, err)
		}
	}
	stats := v.Stats()
	if stats.Misses != 1 || stats.Hits != 3 || stats.Links != 1 {
		t.Errorf("stats = %+v, want 1 miss, 3 hits, 1 link", stats)
	}

	// Rotation brings a new link.
	sig, err := k.Sign([]byte("rotated"))
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := v.Verify(pub, []byte("rotated"), sig); !ok || err != nil {
		t.Fatalf("Verify after rotation = %v, %v", ok, err)
	}
	if v.Stats().Links != 2 {
		t.Errorf("links = %d, want 2", v.Stats().Links)
	}

	// A cached link does not make a bad leaf signature pass.
	if ok, err := v.Verify(pub, []byte("forged"), sig); ok || err != nil {
		t.Errorf("forged message = %v, %v", ok, err)
	}

	v.Purge()
	if v.Stats().Links != 0 {
		t.Errorf("links after Purge = %d", v.Stats().Links)
	}
}

func TestCachingVerifierDoesNotCacheFailures(t *testing.T) {
	r := testRegistry(t)
	k, pub := genHSS(t, 31, r, levelH1, levelH1)
	other, _ := genHSS(t, 32, r, levelH1, levelH1)
	v, _ := NewCachingVerifier(16)

	sig, _ := k.Sign([]byte("m"))
	foreign, _ := other.Sign([]byte("m"))
	spliced := &HSSSignature{
		Signed: []SignedPublicKey{{Sig: sig.Signed[0].Sig, Pub: foreign.Signed[0].Pub}},
		Leaf:   foreign.Leaf,
	}
	for i := 0; i < 2; i++ {
		if ok, err := v.Verify(pub, []byte("m"), spliced); ok || err != nil {
			t.Fatalf("spliced chain = %v, %v", ok, err)
		}
	}
	if v.Stats().Links != 0 {
		t.Errorf("failed link was cached")
	}

	short := &HSSSignature{Leaf: sig.Leaf}
	if ok, err := v.Verify(pub, []byte("m"), short); ok || !errors.Is(err, ErrMalformedSignature) {
		t.Errorf("short chain = %v, %v", ok, err)
	}
}
