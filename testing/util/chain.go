// Package util contains deterministic chain fixtures shared by tower tests.
package util

import (
	"fmt"
	"math/big"

	eth1types "github.com/PISAresearch/pisa/tower/eth1/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// BlockHash is the hash BlockAt assigns to the block at height on fork.
func BlockHash(height uint64, fork string) common.Hash {
	return crypto.Keccak256Hash([]byte(fmt.Sprintf("%s/%d", fork, height)))
}

// BlockAt returns a deterministic test block. Blocks sharing a fork tag
// chain to each other by height, so feeding consecutive heights of one fork
// produces a connected chain.
func BlockAt(height uint64, fork string) *eth1types.Block {
	return &eth1types.Block{
		Hash:       BlockHash(height, fork),
		Number:     height,
		ParentHash: BlockHash(height-1, fork),
	}
}

// ForkedBlockAt returns a block on fork whose parent is the parentFork block
// one height below, for building branch points.
func ForkedBlockAt(height uint64, fork, parentFork string) *eth1types.Block {
	b := BlockAt(height, fork)
	b.ParentHash = BlockHash(height-1, parentFork)
	return b
}

// Chain returns n connected blocks of fork starting at the given height.
func Chain(start uint64, n int, fork string) []*eth1types.Block {
	blocks := make([]*eth1types.Block, 0, n)
	for i := 0; i < n; i++ {
		blocks = append(blocks, BlockAt(start+uint64(i), fork))
	}
	return blocks
}

// WithLog appends an event log emitted by address with the given topics.
func WithLog(b *eth1types.Block, address common.Address, topics ...common.Hash) *eth1types.Block {
	b.Logs = append(b.Logs, gethtypes.Log{
		Address:     address,
		Topics:      topics,
		BlockHash:   b.Hash,
		BlockNumber: b.Number,
	})
	return b
}

// WithTransaction appends a transaction summary from the given sender and
// nonce, as the responder reducer would observe it.
func WithTransaction(b *eth1types.Block, from common.Address, nonce uint64) *eth1types.Block {
	b.Transactions = append(b.Transactions, eth1types.TransactionSummary{
		Hash:     crypto.Keccak256Hash(from.Bytes(), []byte(fmt.Sprintf("%d", nonce))),
		Nonce:    nonce,
		From:     from,
		Value:    (*hexutil.Big)(big.NewInt(0)),
		GasLimit: 21000,
	})
	return b
}
