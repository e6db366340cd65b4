package signer

import (
	"github.com/eth2030/hashsig/crypto/lms"
	"github.com/eth2030/hashsig/metrics"
)

// Verifier checks signatures against one HSS public key, caching verified
// subtree links and recording outcomes.
type Verifier struct {
	pub     *lms.HSSPublicKey
	cache   *lms.CachingVerifier
	metrics *metrics.SignerMetrics
}

// NewVerifier returns a verifier for pub. cacheSize <= 0 selects the default
// link cache size. m may be nil.
func NewVerifier(pub *lms.HSSPublicKey, cacheSize int, m *metrics.SignerMetrics) (*Verifier, error) {
	cache, err := lms.NewCachingVerifier(cacheSize)
	if err != nil {
		return nil, err
	}
	return &Verifier{pub: pub, cache: cache, metrics: m}, nil
}

// Verify reports whether sig is a valid signature of msg.
func (v *Verifier) Verify(msg []byte, sig *lms.HSSSignature) (bool, error) {
	ok, err := v.cache.Verify(v.pub, msg, sig)
	v.metrics.ObserveVerify(ok, err)
	return ok, err
}

// VerifyEncoded parses sig with reg and verifies it.
func (v *Verifier) VerifyEncoded(reg *lms.Registry, msg, sig []byte) (bool, error) {
	parsed, err := reg.ParseHSSSignature(sig)
	if err != nil {
		v.metrics.ObserveVerify(false, err)
		return false, err
	}
	return v.Verify(msg, parsed)
}

// Stats returns the link cache counters.
func (v *Verifier) Stats() lms.VerifierStats { return v.cache.Stats() }
