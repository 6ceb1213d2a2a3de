package kv

import (
	"context"
	"testing"

	"github.com/PISAresearch/pisa/testing/assert"
	"github.com/PISAresearch/pisa/testing/require"
	eth1types "github.com/PISAresearch/pisa/tower/eth1/types"
	"github.com/ethereum/go-ethereum/common"
)

func TestHeadInfoNilWhenUnset(t *testing.T) {
	db := setupDB(t)
	head, err := db.HeadInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, (*eth1types.HeadInfo)(nil), head)
}

func TestSaveHeadInfoRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	db, err := NewKVStore(ctx, dir)
	require.NoError(t, err)

	want := &eth1types.HeadInfo{Hash: common.HexToHash("0xbeef"), Number: 42}
	require.NoError(t, db.SaveHeadInfo(ctx, want))
	got, err := db.HeadInfo(ctx)
	require.NoError(t, err)
	require.DeepEqual(t, want, got)

	// Later saves overwrite, and the record survives a reopen.
	require.NoError(t, db.SaveHeadInfo(ctx, &eth1types.HeadInfo{Hash: common.HexToHash("0xcafe"), Number: 43}))
	require.NoError(t, db.Close())

	reopened, err := NewKVStore(ctx, dir)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, reopened.Close())
	}()
	got, err = reopened.HeadInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(43), got.Number)
	assert.Equal(t, common.HexToHash("0xcafe"), got.Hash)
}
