// verifier.go implements an HSS verifier that remembers subtree links it has
// already checked.
//
// Consecutive HSS signatures from one key share their upper links until a
// subtree rotates, so re-verifying them is wasted work. The cache is keyed by
// sha256(parent || signature || child) over the encoded link; only links
// that verified are stored. The leaf signature over the message is always
// checked.
package lms

import (
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru"
	"github.com/minio/sha256-simd"
)

// DefaultLinkCacheSize is the number of verified links kept when no size is
// given.
const DefaultLinkCacheSize = 4096

// VerifierStats holds link cache counters.
type VerifierStats struct {
	Hits   uint64
	Misses uint64
	Links  int
}

// CachingVerifier verifies HSS signatures, caching verified subtree links.
// It is safe for concurrent use.
type CachingVerifier struct {
	links *lru.Cache

	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachingVerifier creates a verifier caching up to size links. If size is
// <= 0, DefaultLinkCacheSize is used.
func NewCachingVerifier(size int) (*CachingVerifier, error) {
	if size <= 0 {
		size = DefaultLinkCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &CachingVerifier{links: cache}, nil
}

func linkKey(parent *PublicKey, sig *Signature, child *PublicKey) [32]byte {
	h := sha256.New()
	h.Write(parent.enc)
	h.Write(sig.appendTo(nil))
	h.Write(child.enc)
	var key [32]byte
	copy(key[:], h.Sum(nil))
	return key
}

// Verify has the semantics of HSSPublicKey.Verify.
func (v *CachingVerifier) Verify(pk *HSSPublicKey, msg []byte, sig *HSSSignature) (bool, error) {
	if err := pk.check(); err != nil {
		return false, err
	}
	if sig == nil || sig.Leaf == nil || len(sig.Signed)+1 != pk.L {
		return pk.Verify(msg, sig)
	}
	trusted := pk.Root
	for i, link := range sig.Signed {
		if link.Pub == nil {
			return pk.Verify(msg, sig)
		}
		// Validate the shape before encoding the link for the cache key.
		if err := link.Sig.validate(trusted.params); err != nil {
			return pk.Verify(msg, sig)
		}
		key := linkKey(trusted, link.Sig, link.Pub)
		if v.links.Contains(key) {
			v.hits.Add(1)
			trusted = link.Pub
			continue
		}
		v.misses.Add(1)
		ok, err := trusted.Verify(link.Pub.enc, link.Sig)
		if err != nil {
			return false, wrapLevel(i, err)
		}
		if !ok {
			return false, nil
		}
		v.links.Add(key, struct{}{})
		trusted = link.Pub
	}
	ok, err := trusted.Verify(msg, sig.Leaf)
	if err != nil {
		return false, wrapLevel(pk.L-1, err)
	}
	return ok, nil
}

// Stats returns the cache counters.
func (v *CachingVerifier) Stats() VerifierStats {
	return VerifierStats{
		Hits:   v.hits.Load(),
		Misses: v.misses.Load(),
		Links:  v.links.Len(),
	}
}

// Purge drops every cached link.
func (v *CachingVerifier) Purge() { v.links.Purge() }
