package kv

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/PISAresearch/pisa/encoding/serial"
	"github.com/PISAresearch/pisa/tower/db/iface"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	bolt "go.etcd.io/bbolt"
	"go.opencensus.io/trace"
)

var batchCommitCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "watchtower_store_batch_commits_total",
	Help: "Total number of committed block item batches",
})

// ErrBatchTimeout is returned when a caller's wait for the store's single
// write batch outlives its context.
var ErrBatchTimeout = errors.New("timed out waiting for store batch")

const (
	opPut = iota
	opDeleteHeight
	opDeleteBelow
)

type batchOp struct {
	kind   int
	height uint64
	hash   common.Hash
	key    string
	value  serial.Value
}

// batch stages block item writes. Only one batch exists at a time; the slot
// is handed to the next waiter on Commit or Abort.
type batch struct {
	store  *Store
	ops    []batchOp
	closed bool
}

var _ iface.Batch = (*batch)(nil)

// BeginBatch opens the store's single write batch, waiting in arrival order
// behind other callers. The context bounds the wait.
func (s *Store) BeginBatch(ctx context.Context) (iface.Batch, error) {
	_, span := trace.StartSpan(ctx, "towerDB.BeginBatch")
	defer span.End()

	s.batchMu.Lock()
	if !s.batchHeld {
		s.batchHeld = true
		s.batchMu.Unlock()
		return &batch{store: s}, nil
	}
	waiter := make(chan struct{})
	s.batchQueue = append(s.batchQueue, waiter)
	s.batchMu.Unlock()

	select {
	case <-waiter:
		return &batch{store: s}, nil
	case <-ctx.Done():
	}

	s.batchMu.Lock()
	for i, w := range s.batchQueue {
		if w == waiter {
			s.batchQueue = append(s.batchQueue[:i], s.batchQueue[i+1:]...)
			s.batchMu.Unlock()
			return nil, ErrBatchTimeout
		}
	}
	s.batchMu.Unlock()
	// The slot was granted while the context fired. Hand it on.
	s.releaseBatch()
	return nil, ErrBatchTimeout
}

// releaseBatch hands the batch slot to the longest waiting caller, if any.
func (s *Store) releaseBatch() {
	s.batchMu.Lock()
	defer s.batchMu.Unlock()
	if len(s.batchQueue) > 0 {
		next := s.batchQueue[0]
		s.batchQueue = s.batchQueue[1:]
		close(next)
		return
	}
	s.batchHeld = false
}

// PutItem stages a record write under (height, hash, key).
func (b *batch) PutItem(height uint64, hash common.Hash, key string, value serial.Value) {
	b.ops = append(b.ops, batchOp{kind: opPut, height: height, hash: hash, key: key, value: value})
}

// DeleteItemsAtHeight stages the removal of every record anchored at height.
func (b *batch) DeleteItemsAtHeight(height uint64) {
	b.ops = append(b.ops, batchOp{kind: opDeleteHeight, height: height})
}

// DeleteItemsBelowHeight stages the removal of every record anchored
// strictly below height.
func (b *batch) DeleteItemsBelowHeight(height uint64) {
	b.ops = append(b.ops, batchOp{kind: opDeleteBelow, height: height})
}

// Commit applies the staged operations in one bolt transaction, then updates
// the in-memory view. On error nothing becomes visible. Either way the batch
// slot is released.
func (b *batch) Commit(ctx context.Context) error {
	if b.closed {
		return errors.New("batch already closed")
	}
	b.closed = true
	defer b.store.releaseBatch()
	_, span := trace.StartSpan(ctx, "towerDB.batchCommit")
	defer span.End()

	if err := b.store.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(blockItemBucket)
		for _, op := range b.ops {
			switch op.kind {
			case opPut:
				enc, err := serial.Marshal(op.value)
				if err != nil {
					return err
				}
				if err := bkt.Put(blockItemKey(op.height, op.hash, op.key), enc); err != nil {
					return err
				}
			case opDeleteHeight:
				if err := deleteHeightRange(bkt, op.height, op.height+1); err != nil {
					return err
				}
			case opDeleteBelow:
				if err := deleteHeightRange(bkt, 0, op.height); err != nil {
					return err
				}
			}
		}
		return nil
	}); err != nil {
		return err
	}

	s := b.store
	s.itemsMu.Lock()
	for _, op := range b.ops {
		switch op.kind {
		case opPut:
			s.putMirror(op.height, op.hash, op.key, op.value)
		case opDeleteHeight:
			s.deleteMirrorHeight(op.height)
		case opDeleteBelow:
			for h := range s.byHeight {
				if h < op.height {
					s.deleteMirrorHeight(h)
				}
			}
		}
	}
	s.itemsMu.Unlock()
	batchCommitCount.Inc()
	return nil
}

// Abort discards the staged operations and releases the batch slot.
func (b *batch) Abort() {
	if b.closed {
		return
	}
	b.closed = true
	b.ops = nil
	b.store.releaseBatch()
}

// deleteHeightRange removes every key with height in [from, to).
func deleteHeightRange(bkt *bolt.Bucket, from, to uint64) error {
	var min, max [8]byte
	binary.BigEndian.PutUint64(min[:], from)
	binary.BigEndian.PutUint64(max[:], to)
	var stale [][]byte
	c := bkt.Cursor()
	for k, _ := c.Seek(min[:]); k != nil && bytes.Compare(k[:8], max[:]) < 0; k, _ = c.Next() {
		stale = append(stale, k)
	}
	for _, k := range stale {
		if err := bkt.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
