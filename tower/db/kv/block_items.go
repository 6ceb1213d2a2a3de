package kv

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/PISAresearch/pisa/encoding/serial"
	"github.com/PISAresearch/pisa/tower/db/iface"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

var blockItemGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "watchtower_block_items",
	Help: "Number of live records in the block item store",
})

// itemRef identifies a block item in the in-memory view. A block hash has a
// single height, so the height lives only in the byHeight index.
type itemRef struct {
	hash common.Hash
	key  string
}

// blockItemKey composes the bolt key {height}{hash}{itemKey}. The big endian
// height prefix keeps bolt iteration ordered by height, so range deletes are
// one cursor walk.
func blockItemKey(height uint64, hash common.Hash, key string) []byte {
	k := make([]byte, 8+common.HashLength+len(key))
	binary.BigEndian.PutUint64(k, height)
	copy(k[8:], hash[:])
	copy(k[8+common.HashLength:], key)
	return k
}

func splitBlockItemKey(k []byte) (uint64, common.Hash, string, error) {
	if len(k) < 8+common.HashLength {
		return 0, common.Hash{}, "", errors.Errorf("malformed block item key of %d bytes", len(k))
	}
	height := binary.BigEndian.Uint64(k[:8])
	var hash common.Hash
	copy(hash[:], k[8:8+common.HashLength])
	return height, hash, string(k[8+common.HashLength:]), nil
}

// BlockItem returns the committed record stored under (hash, key).
func (s *Store) BlockItem(hash common.Hash, key string) (serial.Value, bool) {
	s.itemsMu.RLock()
	defer s.itemsMu.RUnlock()
	v, ok := s.items[itemRef{hash: hash, key: key}]
	return v, ok
}

// HasBlockItem reports whether a committed record exists under (hash, key).
func (s *Store) HasBlockItem(hash common.Hash, key string) bool {
	s.itemsMu.RLock()
	defer s.itemsMu.RUnlock()
	_, ok := s.items[itemRef{hash: hash, key: key}]
	return ok
}

// BlockItemsAtHeight lists the committed records anchored at height.
func (s *Store) BlockItemsAtHeight(height uint64) []iface.BlockItem {
	s.itemsMu.RLock()
	defer s.itemsMu.RUnlock()
	refs := s.byHeight[height]
	out := make([]iface.BlockItem, 0, len(refs))
	for ref := range refs {
		out = append(out, iface.BlockItem{Height: height, Hash: ref.hash, Key: ref.key, Value: s.items[ref]})
	}
	return out
}

// BlockItemsByHeightAscending lists every committed record ordered by
// height. Records within one height carry no defined order.
func (s *Store) BlockItemsByHeightAscending() []iface.BlockItem {
	s.itemsMu.RLock()
	defer s.itemsMu.RUnlock()
	heights := make([]uint64, 0, len(s.byHeight))
	for h := range s.byHeight {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })
	out := make([]iface.BlockItem, 0, len(s.items))
	for _, h := range heights {
		for ref := range s.byHeight[h] {
			out = append(out, iface.BlockItem{Height: h, Hash: ref.hash, Key: ref.key, Value: s.items[ref]})
		}
	}
	return out
}

// loadBlockItems fills the in-memory view from bolt at open.
func (s *Store) loadBlockItems(ctx context.Context) error {
	_, span := trace.StartSpan(ctx, "towerDB.loadBlockItems")
	defer span.End()
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(blockItemBucket).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			height, hash, key, err := splitBlockItemKey(k)
			if err != nil {
				return err
			}
			value, err := serial.Unmarshal(v)
			if err != nil {
				return errors.Wrapf(err, "could not decode block item %d/%#x/%s", height, hash, key)
			}
			s.putMirror(height, hash, key, value)
		}
		return nil
	})
}

// putMirror and deleteMirrorHeight mutate the in-memory view. Callers hold
// itemsMu, or have exclusive access during load.
func (s *Store) putMirror(height uint64, hash common.Hash, key string, value serial.Value) {
	ref := itemRef{hash: hash, key: key}
	if _, ok := s.items[ref]; !ok {
		blockItemGauge.Inc()
	}
	s.items[ref] = value
	set, ok := s.byHeight[height]
	if !ok {
		set = make(map[itemRef]struct{})
		s.byHeight[height] = set
	}
	set[ref] = struct{}{}
}

func (s *Store) deleteMirrorHeight(height uint64) {
	for ref := range s.byHeight[height] {
		delete(s.items, ref)
		blockItemGauge.Dec()
	}
	delete(s.byHeight, height)
}
