// Package signer runs an HSS private key as a pool of independent shards.
//
// The master key is split into shards once, when the pool is created. Each
// shard owns a disjoint composite index range and its own lock, so signers
// on different shards never contend. Every signature is released only after
// the shard's new state has been saved, which keeps a crash from rolling a
// shard back to an index it already used.
package signer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/eth2030/hashsig/crypto/lms"
	"github.com/eth2030/hashsig/metrics"
)

// Pool errors.
var (
	ErrPoolExhausted = fmt.Errorf("signer: every shard is exhausted: %w", lms.ErrKeyExhausted)
	ErrInvalidConfig = errors.New("signer: invalid configuration")
)

// MasterName is the store name under which the master key state is saved.
const MasterName = "master"

// Store persists private key state. Save must not return before the state is
// durable.
type Store interface {
	Save(ctx context.Context, name string, state []byte) error
}

// Config configures a Pool.
type Config struct {
	Shards        int    // number of shards to carve out
	UsagePerShard uint64 // composite indices given to each shard
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{Shards: 4, UsagePerShard: 1024}
}

func (c Config) validate() error {
	if c.Shards < 1 {
		return fmt.Errorf("%w: %d shards", ErrInvalidConfig, c.Shards)
	}
	if c.UsagePerShard == 0 {
		return fmt.Errorf("%w: zero usage per shard", ErrInvalidConfig)
	}
	return nil
}

type shard struct {
	mu      sync.Mutex
	name    string
	key     *lms.HSSPrivateKey
	retired bool
}

// Pool signs with a set of shards of one HSS key. It is safe for concurrent
// use.
type Pool struct {
	pub     *lms.HSSPublicKey
	store   Store
	metrics *metrics.SignerMetrics
	shards  []*shard
	next    atomic.Uint64
}

// NewPool splits master into shards and saves the master and every shard
// before returning. The master is saved first after each extraction so the
// range handed to a shard is never handed out again. Fewer than cfg.Shards
// shards are created when the master runs out. m may be nil.
func NewPool(ctx context.Context, master *lms.HSSPrivateKey, cfg Config, store Store, m *metrics.SignerMetrics) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pool{pub: master.PublicKey(), store: store, metrics: m}
	for i := 0; i < cfg.Shards; i++ {
		usage := min(cfg.UsagePerShard, master.UsagesRemaining())
		if usage == 0 {
			break
		}
		key, err := master.ExtractShard(usage)
		if err != nil {
			return nil, err
		}
		if err := save(ctx, store, MasterName, master); err != nil {
			return nil, err
		}
		s := &shard{name: fmt.Sprintf("shard-%d", i), key: key}
		if err := save(ctx, store, s.name, key); err != nil {
			return nil, err
		}
		p.shards = append(p.shards, s)
	}
	if len(p.shards) == 0 {
		return nil, fmt.Errorf("signer: master key has no capacity left: %w", lms.ErrKeyExhausted)
	}
	p.metrics.SetRemaining(p.Remaining())
	log.Info("Signer pool ready", "shards", len(p.shards), "remaining", p.Remaining(), "master", master.UsagesRemaining())
	return p, nil
}

func save(ctx context.Context, store Store, name string, key *lms.HSSPrivateKey) error {
	state, err := key.MarshalBinary()
	if err != nil {
		return err
	}
	if err := store.Save(ctx, name, state); err != nil {
		return fmt.Errorf("signer: saving %s: %w", name, err)
	}
	return nil
}

// PublicKey returns the HSS public key shared by every shard.
func (p *Pool) PublicKey() *lms.HSSPublicKey { return p.pub }

// Shards returns the number of shards in the pool.
func (p *Pool) Shards() int { return len(p.shards) }

// Remaining returns the number of signatures left across all shards.
func (p *Pool) Remaining() uint64 {
	var n uint64
	for _, s := range p.shards {
		n += s.key.UsagesRemaining()
	}
	return n
}

// Sign signs msg on the next shard in round-robin order, moving on to the
// following shard when one is exhausted. The signature is returned only
// after the shard state has been saved.
func (p *Pool) Sign(ctx context.Context, msg []byte) (*lms.HSSSignature, error) {
	start := time.Now()
	n := uint64(len(p.shards))
	first := p.next.Add(1) - 1
	for i := uint64(0); i < n; i++ {
		s := p.shards[(first+i)%n]
		sig, rotated, err := p.signOn(ctx, s, msg)
		if errors.Is(err, lms.ErrKeyExhausted) {
			if s.retire() {
				p.metrics.ShardExhausted()
				log.Info("Retired exhausted shard", "shard", s.name)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		p.metrics.ObserveSign(start, rotated)
		p.metrics.SetRemaining(p.Remaining())
		return sig, nil
	}
	return nil, ErrPoolExhausted
}

// signOn signs on one shard and reports how many subtrees the shard
// rotated to do so.
func (p *Pool) signOn(ctx context.Context, s *shard, msg []byte) (*lms.HSSSignature, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retired {
		return nil, 0, lms.ErrKeyExhausted
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	sc, err := s.key.NewSignContext()
	if err != nil {
		return nil, 0, err
	}
	sc.Write(msg)
	sig, err := sc.Sign()
	if err != nil {
		return nil, 0, err
	}
	// The key has moved past the signature's index in memory. If saving
	// fails the signature is dropped, which wastes the index but never
	// releases it.
	if err := save(ctx, p.store, s.name, s.key); err != nil {
		p.metrics.PersistFailed()
		log.Error("Withholding signature, key state not saved", "shard", s.name, "index", sig.Index(), "err", err)
		return nil, 0, err
	}
	return sig, sc.Rotated(), nil
}

func (s *shard) retire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.retired {
		return false
	}
	s.retired = true
	return true
}

// SignBatch signs every message concurrently, at most one goroutine per
// shard. Signatures are returned in message order. On error the signatures
// already produced are discarded.
func (p *Pool) SignBatch(ctx context.Context, msgs [][]byte) ([]*lms.HSSSignature, error) {
	sigs := make([]*lms.HSSSignature, len(msgs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(p.shards))
	for i, msg := range msgs {
		i, msg := i, msg
		g.Go(func() error {
			sig, err := p.Sign(gctx, msg)
			if err != nil {
				return fmt.Errorf("signer: message %d: %w", i, err)
			}
			sigs[i] = sig
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sigs, nil
}
