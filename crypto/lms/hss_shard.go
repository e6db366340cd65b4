package lms

import (
	"fmt"

	"github.com/ethereum/go-ethereum/log"
)

// ExtractShard carves the next usage composite indices off into an
// independent key. The shard covers [Index(), Index()+usage); the receiver
// moves past that range and rebuilds its subtree chain for the new index,
// so neither key can sign at an index the other owns.
//
// Shards may be persisted and used in another process. Extracting from a
// shard is allowed and narrows its range further.
func (k *HSSPrivateKey) ExtractShard(usage uint64) (*HSSPrivateKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	remaining := k.indexLimit - k.index
	if usage == 0 || usage > remaining {
		return nil, fmt.Errorf("%w: %d requested, %d remaining", ErrInvalidUsage, usage, remaining)
	}
	shard := k.cloneLocked()
	shard.indexLimit = k.index + usage
	shard.shard = true

	k.index += usage
	if k.index < k.indexLimit {
		if err := k.resetToIndexLocked(); err != nil {
			return nil, err
		}
	}
	log.Debug("Extracted HSS shard", "from", shard.index, "to", shard.indexLimit, "next", k.index)
	return shard, nil
}

func (k *HSSPrivateKey) cloneLocked() *HSSPrivateKey {
	c := &HSSPrivateKey{
		levels:     make([]level, len(k.levels)),
		sigs:       make([]*Signature, len(k.sigs)),
		index:      k.index,
		indexLimit: k.indexLimit,
		shard:      k.shard,
	}
	for i, l := range k.levels {
		if m, ok := l.(materialized); ok {
			c.levels[i] = materialized{m.key.clone()}
		} else {
			c.levels[i] = l
		}
	}
	for i, s := range k.sigs {
		if s != nil {
			c.sigs[i] = s.clone()
		}
	}
	return c
}

// leafPath splits a composite index into the leaf index of every level,
// root first.
func (k *HSSPrivateKey) leafPath(index uint64) []uint32 {
	path := make([]uint32, len(k.levels))
	for i := len(k.levels) - 1; i >= 0; i-- {
		h := uint(k.levels[i].levelParams().LMS.H)
		path[i] = uint32(index & (1<<h - 1))
		index >>= h
	}
	return path
}

// resetToIndexLocked positions every level so that the next signature is
// made at k.index. Every non-leaf level has already consumed the leaf that
// signs the live child below it. Children that are already live are kept;
// the rest are derived from their parent and re-signed.
func (k *HSSPrivateKey) resetToIndexLocked() error {
	path := k.leafPath(k.index)
	last := len(k.levels) - 1

	for i := range k.levels {
		want := path[i]
		if i < last {
			want++
		}
		if i == 0 {
			root := keyOf(k.levels[0])
			if want < root.Index() {
				return fmt.Errorf("%w: root leaf %d, key at %d", ErrIndexRegressed, want, root.Index())
			}
			k.levels[0] = materialized{root.withIndex(want)}
			continue
		}

		parent := keyOf(k.levels[i-1])
		id, seed := parent.childSeed(path[i-1])
		if m, ok := k.levels[i].(materialized); ok && m.key.sameSeed(id, seed) {
			if want < m.key.Index() {
				return fmt.Errorf("%w: level %d leaf %d, key at %d", ErrIndexRegressed, i, want, m.key.Index())
			}
			k.levels[i] = materialized{m.key.withIndex(want)}
			continue
		}
		lp := k.levels[i].levelParams()
		child, err := newPrivateKey(lp, id, seed, want, lp.LMS.Leaves())
		if err != nil {
			return err
		}
		k.levels[i] = materialized{child}
		k.sigs[i-1] = parent.signAt(path[i-1], child.pub.enc)
	}
	return nil
}
