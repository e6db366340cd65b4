// params.go implements the parameter-set registry for LMS and LM-OTS.
//
// Parameter sets are identified by the integer type codes of RFC 8554 and
// NIST SP 800-208. A Registry is resolved once when a key is generated or
// parsed; the resulting *Params and *OTSParams pointers travel with the key
// and every signature it produces.
package lms

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"strings"
	"sync"
)

// Registry errors.
var (
	ErrUnknownParameterSet = errors.New("lms: unknown parameter set")
	ErrParamsExists        = errors.New("lms: parameter set already registered")
	ErrInvalidParams       = errors.New("lms: invalid parameter set")
)

// MaxHeight is the largest supported Merkle tree height.
const MaxHeight = 25

// OTSParams describes one LM-OTS parameter set.
type OTSParams struct {
	ID   uint32
	Name string
	N    int // hash output length in bytes
	W    int // Winternitz width in bits: 1, 2, 4 or 8
	P    int // number of hash chains
	LS   int // checksum left shift
	Hash HashFunc
}

// SignatureLen returns the encoded length of an LM-OTS signature.
func (p *OTSParams) SignatureLen() int { return 4 + p.N*(p.P+1) }

func (p *OTSParams) String() string { return p.Name }

// Params describes one LMS parameter set.
type Params struct {
	ID   uint32
	Name string
	M    int // hash output length in bytes
	H    int // tree height
	Hash HashFunc
}

// Leaves returns 2^H, the number of one-time keys in a tree.
func (p *Params) Leaves() uint32 { return 1 << uint(p.H) }

// SignatureLen returns the encoded length of an LMS signature that embeds
// an LM-OTS signature of the given parameter set.
func (p *Params) SignatureLen(ots *OTSParams) int {
	return 4 + ots.SignatureLen() + 4 + p.M*p.H
}

func (p *Params) String() string { return p.Name }

// LevelParams pairs the LMS and LM-OTS parameter sets of one tree.
type LevelParams struct {
	LMS *Params
	OTS *OTSParams
}

func (lp LevelParams) String() string {
	return lp.LMS.Name + "/" + lp.OTS.Name
}

func (lp LevelParams) validate() error {
	if lp.LMS == nil || lp.OTS == nil {
		return fmt.Errorf("%w: missing LMS or LM-OTS parameters", ErrInvalidParams)
	}
	return nil
}

// Registry maps type codes and names to parameter sets. It is safe for
// concurrent use.
type Registry struct {
	mu     sync.RWMutex
	lms    map[uint32]*Params
	ots    map[uint32]*OTSParams
	byName map[string]interface{}
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		lms:    make(map[uint32]*Params),
		ots:    make(map[uint32]*OTSParams),
		byName: make(map[string]interface{}),
	}
}

// DefaultRegistry returns a new registry populated with every parameter set
// of RFC 8554 and SP 800-208.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.registerDefaults()
	return r
}

func (r *Registry) registerDefaults() {
	type family struct {
		lmsBase, otsBase uint32
		lmsName, otsName string
		size             int
		fn               HashFunc
	}
	families := []family{
		{5, 1, "LMS_SHA256_M32", "LMOTS_SHA256_N32", 32, SHA256},
		{10, 5, "LMS_SHA256_M24", "LMOTS_SHA256_N24", 24, SHA256N24},
		{15, 9, "LMS_SHAKE_M32", "LMOTS_SHAKE_N32", 32, SHAKE256N32},
		{20, 13, "LMS_SHAKE_M24", "LMOTS_SHAKE_N24", 24, SHAKE256N24},
	}
	for _, f := range families {
		for i, h := range []int{5, 10, 15, 20, 25} {
			name := fmt.Sprintf("%s_H%d", f.lmsName, h)
			if _, err := r.RegisterLMS(f.lmsBase+uint32(i), name, f.size, h, f.fn); err != nil {
				panic(err)
			}
		}
		for i, w := range []int{1, 2, 4, 8} {
			name := fmt.Sprintf("%s_W%d", f.otsName, w)
			if _, err := r.RegisterOTS(f.otsBase+uint32(i), name, f.size, w, f.fn); err != nil {
				panic(err)
			}
		}
	}
}

// RegisterLMS adds an LMS parameter set with tree height h and hash output
// length m.
func (r *Registry) RegisterLMS(id uint32, name string, m, h int, fn HashFunc) (*Params, error) {
	if fn == nil || name == "" {
		return nil, fmt.Errorf("%w: %q needs a name and a hash function", ErrInvalidParams, name)
	}
	if h < 1 || h > MaxHeight {
		return nil, fmt.Errorf("%w: height %d out of range [1, %d]", ErrInvalidParams, h, MaxHeight)
	}
	if size := fn().Size(); size != m {
		return nil, fmt.Errorf("%w: %s hash size %d, want %d", ErrInvalidParams, name, size, m)
	}
	p := &Params{ID: id, Name: name, M: m, H: h, Hash: fn}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.lms[id]; ok {
		return nil, fmt.Errorf("%w: LMS type %#x", ErrParamsExists, id)
	}
	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrParamsExists, name)
	}
	r.lms[id] = p
	r.byName[name] = p
	return p, nil
}

// RegisterOTS adds an LM-OTS parameter set. The chain count p and the
// checksum shift ls are derived from n and w as in RFC 8554 Appendix B.
func (r *Registry) RegisterOTS(id uint32, name string, n, w int, fn HashFunc) (*OTSParams, error) {
	if fn == nil || name == "" {
		return nil, fmt.Errorf("%w: %q needs a name and a hash function", ErrInvalidParams, name)
	}
	switch w {
	case 1, 2, 4, 8:
	default:
		return nil, fmt.Errorf("%w: Winternitz width %d", ErrInvalidParams, w)
	}
	if n < IDLen {
		return nil, fmt.Errorf("%w: hash length %d below %d", ErrInvalidParams, n, IDLen)
	}
	if size := fn().Size(); size != n {
		return nil, fmt.Errorf("%w: %s hash size %d, want %d", ErrInvalidParams, name, size, n)
	}
	u := (8*n + w - 1) / w
	v := (bits.Len(uint((1<<uint(w)-1)*u)) + w - 1) / w
	p := &OTSParams{ID: id, Name: name, N: n, W: w, P: u + v, LS: 16 - v*w, Hash: fn}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ots[id]; ok {
		return nil, fmt.Errorf("%w: LM-OTS type %#x", ErrParamsExists, id)
	}
	if _, ok := r.byName[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrParamsExists, name)
	}
	r.ots[id] = p
	r.byName[name] = p
	return p, nil
}

// LMS returns the LMS parameter set with the given type code.
func (r *Registry) LMS(id uint32) (*Params, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.lms[id]
	if !ok {
		return nil, fmt.Errorf("%w: LMS type %#x", ErrUnknownParameterSet, id)
	}
	return p, nil
}

// OTS returns the LM-OTS parameter set with the given type code.
func (r *Registry) OTS(id uint32) (*OTSParams, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.ots[id]
	if !ok {
		return nil, fmt.Errorf("%w: LM-OTS type %#x", ErrUnknownParameterSet, id)
	}
	return p, nil
}

// Level resolves a "LMS_NAME/LMOTS_NAME" pair, for example
// "LMS_SHA256_M32_H10/LMOTS_SHA256_N32_W4".
func (r *Registry) Level(spec string) (LevelParams, error) {
	lmsName, otsName, ok := strings.Cut(strings.TrimSpace(spec), "/")
	if !ok {
		return LevelParams{}, fmt.Errorf("%w: %q is not of the form LMS/LMOTS", ErrUnknownParameterSet, spec)
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	lp, ok := r.byName[strings.ToUpper(lmsName)].(*Params)
	if !ok {
		return LevelParams{}, fmt.Errorf("%w: %s", ErrUnknownParameterSet, lmsName)
	}
	op, ok := r.byName[strings.ToUpper(otsName)].(*OTSParams)
	if !ok {
		return LevelParams{}, fmt.Errorf("%w: %s", ErrUnknownParameterSet, otsName)
	}
	return LevelParams{LMS: lp, OTS: op}, nil
}

// Names lists the registered LMS and LM-OTS parameter set names, each sorted
// by type code.
func (r *Registry) Names() (lmsNames, otsNames []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lmsSets := make([]*Params, 0, len(r.lms))
	for _, p := range r.lms {
		lmsSets = append(lmsSets, p)
	}
	sort.Slice(lmsSets, func(i, j int) bool { return lmsSets[i].ID < lmsSets[j].ID })
	for _, p := range lmsSets {
		lmsNames = append(lmsNames, p.Name)
	}

	otsSets := make([]*OTSParams, 0, len(r.ots))
	for _, p := range r.ots {
		otsSets = append(otsSets, p)
	}
	sort.Slice(otsSets, func(i, j int) bool { return otsSets[i].ID < otsSets[j].ID })
	for _, p := range otsSets {
		otsNames = append(otsNames, p.Name)
	}
	return lmsNames, otsNames
}
