package lms

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestLMSEncodingLengths(t *testing.T) {
	r := testRegistry(t)
	lp := testLevel(t, r, "LMS_TEST_SHA256_M24_H3/LMOTS_SHA256_N24_W4")
	k := genLMS(t, lp, 20)
	pubEnc, _ := k.PublicKey().MarshalBinary()
	if len(pubEnc) != 8+IDLen+lp.LMS.M {
		t.Errorf("public key len = %d, want %d", len(pubEnc), 8+IDLen+lp.LMS.M)
	}
	if binary.BigEndian.Uint32(pubEnc) != lp.LMS.ID || binary.BigEndian.Uint32(pubEnc[4:]) != lp.OTS.ID {
		t.Error("public key does not start with u32str(lms) || u32str(ots)")
	}
	sig, _ := k.Sign([]byte("m"))
	sigEnc, _ := sig.MarshalBinary()
	if len(sigEnc) != lp.LMS.SignatureLen(lp.OTS) {
		t.Errorf("signature len = %d, want %d", len(sigEnc), lp.LMS.SignatureLen(lp.OTS))
	}
}

func TestLMSCodecRoundTrip(t *testing.T) {
	r := testRegistry(t)
	lp := testLevel(t, r, "LMS_TEST_SHAKE_M32_H2/LMOTS_SHAKE_N32_W4")
	k := genLMS(t, lp, 21)
	if _, err := k.Sign([]byte("burn")); err != nil {
		t.Fatal(err)
	}

	pubEnc, _ := k.PublicKey().MarshalBinary()
	pub, err := r.ParsePublicKey(pubEnc)
	if err != nil {
		t.Fatalf("ParsePublicKey: %v", err)
	}
	if !pub.Equal(k.PublicKey()) {
		t.Fatal("parsed public key differs")
	}

	keyEnc, _ := k.MarshalBinary()
	restored, err := r.ParsePrivateKey(keyEnc)
	if err != nil {
		t.Fatalf("ParsePrivateKey: %v", err)
	}
	if restored.Index() != 1 {
		t.Errorf("restored index = %d, want 1", restored.Index())
	}
	sig, err := restored.Sign([]byte("after restore"))
	if err != nil {
		t.Fatal(err)
	}
	sigEnc, _ := sig.MarshalBinary()
	parsed, err := r.ParseSignature(sigEnc)
	if err != nil {
		t.Fatalf("ParseSignature: %v", err)
	}
	if parsed.Q != 1 {
		t.Errorf("parsed leaf = %d, want 1", parsed.Q)
	}
	if ok, err := pub.Verify([]byte("after restore"), parsed); !ok || err != nil {
		t.Errorf("Verify = %v, %v", ok, err)
	}
}

func TestHSSCodecRoundTrip(t *testing.T) {
	r := testRegistry(t)
	k, pub := genHSS(t, 22, r, levelH2, levelH1, levelH1)
	for i := 0; i < 5; i++ {
		if _, err := k.Sign([]byte("before")); err != nil {
			t.Fatal(err)
		}
	}

	pubEnc, _ := pub.MarshalBinary()
	parsedPub, err := r.ParseHSSPublicKey(pubEnc)
	if err != nil {
		t.Fatalf("ParseHSSPublicKey: %v", err)
	}
	if !parsedPub.Equal(pub) {
		t.Fatal("parsed HSS public key differs")
	}

	keyEnc, _ := k.MarshalBinary()
	restored, err := r.ParseHSSPrivateKey(keyEnc)
	if err != nil {
		t.Fatalf("ParseHSSPrivateKey: %v", err)
	}
	if restored.Index() != 5 || restored.IndexLimit() != 16 {
		t.Fatalf("restored at %d/%d, want 5/16", restored.Index(), restored.IndexLimit())
	}

	for want := uint64(5); want < 16; want++ {
		sig, err := restored.Sign([]byte("after"))
		if err != nil {
			t.Fatalf("Sign at %d: %v", want, err)
		}
		enc, _ := sig.MarshalBinary()
		parsed, err := r.ParseHSSSignature(enc)
		if err != nil {
			t.Fatalf("ParseHSSSignature: %v", err)
		}
		if parsed.Index() != want {
			t.Fatalf("parsed index = %d, want %d", parsed.Index(), want)
		}
		if ok, err := parsedPub.Verify([]byte("after"), parsed); !ok || err != nil {
			t.Fatalf("Verify at %d = %v, %v", want, ok, err)
		}
	}
}

func TestHSSCodecFreshKey(t *testing.T) {
	r := testRegistry(t)
	k, pub := genHSS(t, 23, r, levelH1, levelH1)
	enc, _ := k.MarshalBinary()
	restored, err := r.ParseHSSPrivateKey(enc)
	if err != nil {
		t.Fatalf("ParseHSSPrivateKey: %v", err)
	}
	if _, ok := restored.levels[1].(uninitialized); !ok {
		t.Error("placeholder level did not survive encoding")
	}
	sig, err := restored.Sign([]byte("m"))
	if err != nil {
		t.Fatal(err)
	}
	if ok, err := pub.Verify([]byte("m"), sig); !ok || err != nil {
		t.Errorf("Verify = %v, %v", ok, err)
	}
}

func TestParseTruncatedNeverPanics(t *testing.T) {
	r := testRegistry(t)
	k, pub := genHSS(t, 24, r, levelH1, levelH1)
	sig, _ := k.Sign([]byte("m"))
	sigEnc, _ := sig.MarshalBinary()
	pubEnc, _ := pub.MarshalBinary()
	keyEnc, _ := k.MarshalBinary()

	for n := 0; n < len(sigEnc); n++ {
		if _, err := r.ParseHSSSignature(sigEnc[:n]); err == nil {
			t.Fatalf("signature truncated to %d bytes parsed", n)
		}
	}
	for n := 0; n < len(pubEnc); n++ {
		if _, err := r.ParseHSSPublicKey(pubEnc[:n]); err == nil {
			t.Fatalf("public key truncated to %d bytes parsed", n)
		}
	}
	for n := 0; n < len(keyEnc); n += 7 {
		if _, err := r.ParseHSSPrivateKey(keyEnc[:n]); err == nil {
			t.Fatalf("private key truncated to %d bytes parsed", n)
		}
	}
	if _, err := r.ParseHSSSignature(append(sigEnc, 0)); !errors.Is(err, ErrMalformedSignature) {
		t.Errorf("trailing byte: got %v", err)
	}
}

func TestParseUnknownType(t *testing.T) {
	r := testRegistry(t)
	lp := testLevel(t, r, levelH1)
	k := genLMS(t, lp, 25)
	pubEnc, _ := k.PublicKey().MarshalBinary()
	binary.BigEndian.PutUint32(pubEnc, 0xffff)
	if _, err := r.ParsePublicKey(pubEnc); !errors.Is(err, ErrUnknownParameterSet) {
		t.Errorf("unknown LMS type: got %v", err)
	}

	sig, _ := k.Sign([]byte("m"))
	sigEnc, _ := sig.MarshalBinary()
	binary.BigEndian.PutUint32(sigEnc[4:], 0xffff)
	if _, err := r.ParseSignature(sigEnc); !errors.Is(err, ErrUnknownParameterSet) {
		t.Errorf("unknown OTS type: got %v", err)
	}

	// The default registry does not know the test tree heights.
	sigEnc, _ = sig.MarshalBinary()
	if _, err := DefaultRegistry().ParseSignature(sigEnc); !errors.Is(err, ErrUnknownParameterSet) {
		t.Errorf("unregistered LMS type: got %v", err)
	}
}

func TestParseSignatureLeafOutOfRange(t *testing.T) {
	r := testRegistry(t)
	k := genLMS(t, testLevel(t, r, levelH2), 26)
	sig, _ := k.Sign([]byte("m"))
	enc, _ := sig.MarshalBinary()
	binary.BigEndian.PutUint32(enc, 4)
	if _, err := r.ParseSignature(enc); !errors.Is(err, ErrMalformedSignature) {
		t.Errorf("leaf 4 of 4: got %v", err)
	}
}

func TestParseHSSPrivateKeyCorruptLink(t *testing.T) {
	r := testRegistry(t)
	k, _ := genHSS(t, 27, r, levelH1, levelH1)
	if _, err := k.Sign([]byte("m")); err != nil {
		t.Fatal(err)
	}
	enc, _ := k.MarshalBinary()
	// The stored subtree signature is the tail of the encoding.
	enc[len(enc)-1] ^= 0x01
	if _, err := r.ParseHSSPrivateKey(enc); !errors.Is(err, ErrMalformedKey) {
		t.Errorf("corrupted link: got %v", err)
	}

	enc, _ = k.MarshalBinary()
	bad := bytes.Clone(enc)
	binary.BigEndian.PutUint32(bad, 7)
	if _, err := r.ParseHSSPrivateKey(bad); !errors.Is(err, ErrMalformedKey) {
		t.Errorf("unknown version: got %v", err)
	}
}
