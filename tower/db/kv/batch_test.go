package kv

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/PISAresearch/pisa/testing/assert"
	"github.com/PISAresearch/pisa/testing/require"
	"github.com/ethereum/go-ethereum/common"
)

func TestBatchCommitIsAtomicallyVisible(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	hash := common.HexToHash("0x01")

	b, err := db.BeginBatch(ctx)
	require.NoError(t, err)
	b.PutItem(5, hash, "block", &testRecord{Payload: "five"})
	b.PutItem(5, hash, "attached", &testRecord{Payload: "yes"})

	// Staged writes are invisible until commit.
	_, ok := db.BlockItem(hash, "block")
	require.Equal(t, false, ok)
	require.Equal(t, 0, len(db.BlockItemsAtHeight(5)))

	require.NoError(t, b.Commit(ctx))
	v, ok := db.BlockItem(hash, "block")
	require.Equal(t, true, ok)
	assert.Equal(t, "five", v.(*testRecord).Payload)
	assert.Equal(t, 2, len(db.BlockItemsAtHeight(5)))
}

func TestBatchAbortDiscardsStagedWrites(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	b, err := db.BeginBatch(ctx)
	require.NoError(t, err)
	b.PutItem(1, common.HexToHash("0x02"), "block", &testRecord{Payload: "gone"})
	b.Abort()
	_, ok := db.BlockItem(common.HexToHash("0x02"), "block")
	require.Equal(t, false, ok)

	// The slot is free again.
	b2, err := db.BeginBatch(ctx)
	require.NoError(t, err)
	b2.Abort()
}

func TestBeginBatchTimesOutWhileHeld(t *testing.T) {
	db := setupDB(t)
	b, err := db.BeginBatch(context.Background())
	require.NoError(t, err)
	defer b.Abort()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = db.BeginBatch(ctx)
	require.ErrorIs(t, err, ErrBatchTimeout)
}

func TestBeginBatchHandsOffInArrivalOrder(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	first, err := db.BeginBatch(ctx)
	require.NoError(t, err)

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	wait := func(name string, delay time.Duration) {
		defer wg.Done()
		time.Sleep(delay)
		b, err := db.BeginBatch(ctx)
		require.NoError(t, err)
		mu.Lock()
		order = append(order, name)
		mu.Unlock()
		b.Abort()
	}
	wg.Add(2)
	go wait("second", 0)
	go wait("third", 50*time.Millisecond)

	// Let both callers enqueue before releasing the slot.
	time.Sleep(150 * time.Millisecond)
	first.Abort()
	wg.Wait()

	require.DeepEqual(t, []string{"second", "third"}, order)
}

func TestDeleteItemsAtHeight(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	b, err := db.BeginBatch(ctx)
	require.NoError(t, err)
	b.PutItem(3, common.HexToHash("0x0a"), "block", &testRecord{Payload: "a"})
	b.PutItem(3, common.HexToHash("0x0b"), "block", &testRecord{Payload: "b"})
	b.PutItem(4, common.HexToHash("0x0c"), "block", &testRecord{Payload: "c"})
	require.NoError(t, b.Commit(ctx))

	b, err = db.BeginBatch(ctx)
	require.NoError(t, err)
	b.DeleteItemsAtHeight(3)
	require.NoError(t, b.Commit(ctx))

	require.Equal(t, 0, len(db.BlockItemsAtHeight(3)))
	require.Equal(t, 1, len(db.BlockItemsAtHeight(4)))
	require.Equal(t, false, db.HasBlockItem(common.HexToHash("0x0a"), "block"))
}

func TestDeleteItemsBelowHeight(t *testing.T) {
	db := setupDB(t)
	ctx := context.Background()
	b, err := db.BeginBatch(ctx)
	require.NoError(t, err)
	for h := uint64(1); h <= 5; h++ {
		b.PutItem(h, common.BigToHash(new(big.Int).SetUint64(h)), "block", &testRecord{Payload: "x"})
	}
	require.NoError(t, b.Commit(ctx))

	b, err = db.BeginBatch(ctx)
	require.NoError(t, err)
	b.DeleteItemsBelowHeight(4)
	require.NoError(t, b.Commit(ctx))

	items := db.BlockItemsByHeightAscending()
	require.Equal(t, 2, len(items))
	assert.Equal(t, uint64(4), items[0].Height)
	assert.Equal(t, uint64(5), items[1].Height)
}

func TestCommittedDeleteSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := NewKVStore(ctx, dir)
	require.NoError(t, err)

	hash := common.HexToHash("0x0d")
	b, err := db.BeginBatch(ctx)
	require.NoError(t, err)
	b.PutItem(2, hash, "block", &testRecord{Payload: "doomed"})
	require.NoError(t, b.Commit(ctx))
	b, err = db.BeginBatch(ctx)
	require.NoError(t, err)
	b.DeleteItemsAtHeight(2)
	require.NoError(t, b.Commit(ctx))
	require.NoError(t, db.Close())

	reopened, err := NewKVStore(ctx, dir)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, reopened.Close())
	}()
	require.Equal(t, false, reopened.HasBlockItem(hash, "block"))
}
