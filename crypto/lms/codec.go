// codec.go implements the byte encodings of keys and signatures.
//
// Public keys and signatures use the fixed layouts of RFC 8554 section 3.3:
// big-endian u32 type codes followed by raw hash values. Private keys use a
// versioned layout of this package; they hold the master secrets and must be
// stored as carefully as any other secret key.
//
// Parsing never panics. Unknown type codes are reported with
// ErrUnknownParameterSet, anything else that does not decode with
// ErrMalformedSignature or ErrMalformedKey.
package lms

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedKey is returned when a key encoding cannot be decoded.
var ErrMalformedKey = errors.New("lms: malformed key")

const (
	privateKeyVersion = 0

	levelUninitialized = 0
	levelMaterialized  = 1
)

type decoder struct {
	buf  []byte
	kind error
	err  error
}

func newDecoder(b []byte, kind error) *decoder { return &decoder{buf: b, kind: kind} }

func (d *decoder) fail(format string, args ...interface{}) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: "+format, append([]interface{}{d.kind}, args...)...)
	}
}

func (d *decoder) setErr(err error) {
	if d.err == nil {
		d.err = err
	}
}

func (d *decoder) bytes(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.buf) < n {
		d.fail("need %d bytes, have %d", n, len(d.buf))
		return nil
	}
	out := cloneBytes(d.buf[:n])
	d.buf = d.buf[n:]
	return out
}

func (d *decoder) u8() uint8 {
	b := d.bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) u32() uint32 {
	b := d.bytes(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (d *decoder) u64() uint64 {
	b := d.bytes(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (d *decoder) finish() error {
	if d.err == nil && len(d.buf) != 0 {
		d.fail("%d trailing bytes", len(d.buf))
	}
	return d.err
}

// Public keys.

func (pk *PublicKey) encode() []byte {
	b := make([]byte, 0, 8+IDLen+len(pk.root))
	b = binary.BigEndian.AppendUint32(b, pk.params.LMS.ID)
	b = binary.BigEndian.AppendUint32(b, pk.params.OTS.ID)
	b = append(b, pk.id...)
	return append(b, pk.root...)
}

// MarshalBinary returns u32str(lms) || u32str(ots) || I || T[1].
func (pk *PublicKey) MarshalBinary() ([]byte, error) { return cloneBytes(pk.enc), nil }

// MarshalBinary returns u32str(L) followed by the root public key.
func (pk *HSSPublicKey) MarshalBinary() ([]byte, error) {
	b := binary.BigEndian.AppendUint32(nil, uint32(pk.L))
	return append(b, pk.Root.enc...), nil
}

// ParsePublicKey decodes an LMS public key.
func (r *Registry) ParsePublicKey(b []byte) (*PublicKey, error) {
	d := newDecoder(b, ErrMalformedKey)
	pk := r.readPublicKey(d)
	if err := d.finish(); err != nil {
		return nil, err
	}
	return pk, nil
}

// ParseHSSPublicKey decodes an HSS public key.
func (r *Registry) ParseHSSPublicKey(b []byte) (*HSSPublicKey, error) {
	d := newDecoder(b, ErrMalformedKey)
	l := d.u32()
	if d.err == nil && (l < 1 || l > MaxHSSLevels) {
		d.fail("HSS depth %d", l)
	}
	root := r.readPublicKey(d)
	if err := d.finish(); err != nil {
		return nil, err
	}
	return &HSSPublicKey{L: int(l), Root: root}, nil
}

func (r *Registry) readLevel(d *decoder) LevelParams {
	lmsType, otsType := d.u32(), d.u32()
	if d.err != nil {
		return LevelParams{}
	}
	lp, err := r.LMS(lmsType)
	if err != nil {
		d.setErr(err)
		return LevelParams{}
	}
	op, err := r.OTS(otsType)
	if err != nil {
		d.setErr(err)
		return LevelParams{}
	}
	return LevelParams{LMS: lp, OTS: op}
}

func (r *Registry) readPublicKey(d *decoder) *PublicKey {
	lp := r.readLevel(d)
	if d.err != nil {
		return nil
	}
	id := d.bytes(IDLen)
	root := d.bytes(lp.LMS.M)
	if d.err != nil {
		return nil
	}
	return newPublicKey(lp, id, root)
}

// Signatures.

func (s *OTSSignature) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, s.Params.ID)
	b = append(b, s.C...)
	for _, y := range s.Y {
		b = append(b, y...)
	}
	return b
}

func (s *Signature) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, s.Q)
	b = s.OTS.appendTo(b)
	b = binary.BigEndian.AppendUint32(b, s.Params.ID)
	for _, node := range s.Path {
		b = append(b, node...)
	}
	return b
}

// MarshalBinary returns u32str(q) || ots_signature || u32str(type) || path.
func (s *Signature) MarshalBinary() ([]byte, error) {
	return s.appendTo(make([]byte, 0, s.Params.SignatureLen(s.OTS.Params))), nil
}

// MarshalBinary returns u32str(L-1), each signed public key as signature
// then public key, and the leaf signature.
func (s *HSSSignature) MarshalBinary() ([]byte, error) {
	b := binary.BigEndian.AppendUint32(nil, uint32(len(s.Signed)))
	for _, link := range s.Signed {
		b = link.Sig.appendTo(b)
		b = append(b, link.Pub.enc...)
	}
	return s.Leaf.appendTo(b), nil
}

// ParseSignature decodes an LMS signature.
func (r *Registry) ParseSignature(b []byte) (*Signature, error) {
	d := newDecoder(b, ErrMalformedSignature)
	s := r.readSignature(d)
	if err := d.finish(); err != nil {
		return nil, err
	}
	return s, nil
}

// ParseHSSSignature decodes an HSS signature.
func (r *Registry) ParseHSSSignature(b []byte) (*HSSSignature, error) {
	d := newDecoder(b, ErrMalformedSignature)
	n := d.u32()
	if d.err == nil && n >= MaxHSSLevels {
		d.fail("%d signed public keys", n)
	}
	sig := &HSSSignature{}
	if d.err == nil {
		sig.Signed = make([]SignedPublicKey, n)
	}
	for i := range sig.Signed {
		sig.Signed[i].Sig = r.readSignature(d)
		sig.Signed[i].Pub = r.readPublicKey(d)
	}
	sig.Leaf = r.readSignature(d)
	if err := d.finish(); err != nil {
		return nil, err
	}
	return sig, nil
}

func (r *Registry) readSignature(d *decoder) *Signature {
	q := d.u32()
	otsType := d.u32()
	if d.err != nil {
		return nil
	}
	op, err := r.OTS(otsType)
	if err != nil {
		d.setErr(err)
		return nil
	}
	ots := &OTSSignature{Params: op, C: d.bytes(op.N), Y: make([][]byte, op.P)}
	for i := range ots.Y {
		ots.Y[i] = d.bytes(op.N)
	}
	lmsType := d.u32()
	if d.err != nil {
		return nil
	}
	lp, err := r.LMS(lmsType)
	if err != nil {
		d.setErr(err)
		return nil
	}
	if q >= lp.Leaves() {
		d.fail("leaf %d outside tree of %d", q, lp.Leaves())
		return nil
	}
	path := make([][]byte, lp.H)
	for i := range path {
		path[i] = d.bytes(lp.M)
	}
	if d.err != nil {
		return nil
	}
	return &Signature{Q: q, OTS: ots, Params: lp, Path: path}
}

// Private keys.

func (k *PrivateKey) appendTo(b []byte) []byte {
	k.mu.Lock()
	defer k.mu.Unlock()

	b = binary.BigEndian.AppendUint32(b, privateKeyVersion)
	b = binary.BigEndian.AppendUint32(b, k.params.LMS.ID)
	b = binary.BigEndian.AppendUint32(b, k.params.OTS.ID)
	b = append(b, k.id...)
	b = binary.BigEndian.AppendUint32(b, k.q)
	b = binary.BigEndian.AppendUint32(b, k.maxQ)
	b = binary.BigEndian.AppendUint32(b, uint32(len(k.seed)))
	return append(b, k.seed...)
}

// MarshalBinary encodes the private key state, including its master secret
// and current leaf index.
func (k *PrivateKey) MarshalBinary() ([]byte, error) { return k.appendTo(nil), nil }

// MarshalBinary encodes the HSS private key state. The encoding must be
// persisted after every Sign, before the signature is released, or a
// restart may reuse a one-time key.
func (k *HSSPrivateKey) MarshalBinary() ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	b := binary.BigEndian.AppendUint32(nil, privateKeyVersion)
	b = binary.BigEndian.AppendUint32(b, uint32(len(k.levels)))
	b = binary.BigEndian.AppendUint64(b, k.index)
	b = binary.BigEndian.AppendUint64(b, k.indexLimit)
	if k.shard {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	for _, l := range k.levels {
		switch l := l.(type) {
		case materialized:
			b = append(b, levelMaterialized)
			b = l.key.appendTo(b)
		case uninitialized:
			b = append(b, levelUninitialized)
			b = binary.BigEndian.AppendUint32(b, l.params.LMS.ID)
			b = binary.BigEndian.AppendUint32(b, l.params.OTS.ID)
		}
	}
	for _, s := range k.sigs {
		if s == nil {
			b = append(b, 0)
			continue
		}
		enc := s.appendTo(nil)
		b = append(b, 1)
		b = binary.BigEndian.AppendUint32(b, uint32(len(enc)))
		b = append(b, enc...)
	}
	return b, nil
}

// ParsePrivateKey decodes an LMS private key and rebuilds its tree.
func (r *Registry) ParsePrivateKey(b []byte) (*PrivateKey, error) {
	d := newDecoder(b, ErrMalformedKey)
	k := r.readPrivateKey(d)
	if err := d.finish(); err != nil {
		return nil, err
	}
	return k, nil
}

func (r *Registry) readPrivateKey(d *decoder) *PrivateKey {
	if v := d.u32(); d.err == nil && v != privateKeyVersion {
		d.fail("unsupported version %d", v)
	}
	lp := r.readLevel(d)
	id := d.bytes(IDLen)
	q, maxQ := d.u32(), d.u32()
	n := d.u32()
	if d.err == nil && n > 64 {
		d.fail("secret length %d", n)
	}
	seed := d.bytes(int(n))
	if d.err != nil {
		return nil
	}
	k, err := newPrivateKey(lp, id, seed, q, maxQ)
	if err != nil {
		d.fail("%v", err)
		return nil
	}
	return k
}

// ParseHSSPrivateKey decodes an HSS private key. The stored subtree
// signatures are checked against the stored public keys so that a corrupted
// state file cannot produce invalid signatures.
func (r *Registry) ParseHSSPrivateKey(b []byte) (*HSSPrivateKey, error) {
	d := newDecoder(b, ErrMalformedKey)
	if v := d.u32(); d.err == nil && v != privateKeyVersion {
		d.fail("unsupported version %d", v)
	}
	l := d.u32()
	if d.err == nil && (l < 1 || l > MaxHSSLevels) {
		d.fail("HSS depth %d", l)
	}
	k := &HSSPrivateKey{index: d.u64(), indexLimit: d.u64(), shard: d.u8() == 1}
	if d.err != nil {
		return nil, d.err
	}
	k.levels = make([]level, l)
	k.sigs = make([]*Signature, l-1)
	for i := range k.levels {
		switch tag := d.u8(); tag {
		case levelMaterialized:
			if key := r.readPrivateKey(d); key != nil {
				k.levels[i] = materialized{key}
			}
		case levelUninitialized:
			k.levels[i] = uninitialized{r.readLevel(d)}
		default:
			d.fail("level %d tag %d", i, tag)
		}
		if d.err != nil {
			return nil, d.err
		}
	}
	for i := range k.sigs {
		if d.u8() == 0 {
			continue
		}
		n := d.u32()
		sub := newDecoder(d.bytes(int(n)), ErrMalformedKey)
		k.sigs[i] = r.readSignature(sub)
		if err := sub.finish(); err != nil {
			d.setErr(err)
		}
	}
	if err := d.finish(); err != nil {
		return nil, err
	}
	if err := k.checkState(); err != nil {
		return nil, err
	}
	return k, nil
}

// checkState validates a decoded HSS key: the root must be live, no live
// level may sit below a placeholder, and every stored subtree signature must
// verify.
func (k *HSSPrivateKey) checkState() error {
	if _, ok := k.levels[0].(materialized); !ok {
		return fmt.Errorf("%w: root level uninitialized", ErrMalformedKey)
	}
	if k.index > k.indexLimit || k.indexLimit > saturate(capacity(k.levels)) {
		return fmt.Errorf("%w: index %d, limit %d", ErrMalformedKey, k.index, k.indexLimit)
	}
	for i := 1; i < len(k.levels); i++ {
		child, ok := k.levels[i].(materialized)
		if !ok {
			for _, below := range k.levels[i:] {
				if _, live := below.(materialized); live {
					return fmt.Errorf("%w: live level below placeholder %d", ErrMalformedKey, i)
				}
			}
			return nil
		}
		valid, err := keyOf(k.levels[i-1]).PublicKey().Verify(child.key.pub.enc, k.sigs[i-1])
		if err != nil || !valid {
			return fmt.Errorf("%w: level %d signature does not verify", ErrMalformedKey, i)
		}
	}
	return nil
}
