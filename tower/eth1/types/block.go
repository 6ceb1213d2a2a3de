// Package types declares the execution chain data shared across the tower.
package types

import (
	"fmt"
	"math/big"

	"github.com/PISAresearch/pisa/encoding/serial"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
)

// TransactionSummary carries the transaction fields the tower inspects:
// enough to recognize its own responses and to decode relayed calls.
type TransactionSummary struct {
	Hash     common.Hash     `json:"hash"`
	Nonce    uint64          `json:"nonce"`
	From     common.Address  `json:"from"`
	To       *common.Address `json:"to,omitempty"`
	ChainID  *hexutil.Big    `json:"chainId,omitempty"`
	Value    *hexutil.Big    `json:"value"`
	GasLimit uint64          `json:"gas"`
	Data     hexutil.Bytes   `json:"input"`
}

// Block is the tower's view of an execution block: header identity plus the
// logs and transaction summaries components react to.
type Block struct {
	Hash         common.Hash          `json:"hash"`
	Number       uint64               `json:"number"`
	ParentHash   common.Hash          `json:"parentHash"`
	Logs         []gethtypes.Log      `json:"logs"`
	Transactions []TransactionSummary `json:"transactions"`
}

// SerialType implements serial.Value.
func (*Block) SerialType() string { return "eth1/block" }

// Summary renders the block identity for log output.
func (b *Block) Summary() string {
	return fmt.Sprintf("%d (%s)", b.Number, b.Hash.TerminalString())
}

// FromGethBlock converts a geth block and its receipts' logs into the tower's
// view. Sender addresses are recovered with the signer for chainID.
func FromGethBlock(b *gethtypes.Block, logs []gethtypes.Log, chainID *big.Int) (*Block, error) {
	signer := gethtypes.LatestSignerForChainID(chainID)
	txs := make([]TransactionSummary, 0, len(b.Transactions()))
	for _, tx := range b.Transactions() {
		from, err := gethtypes.Sender(signer, tx)
		if err != nil {
			return nil, errors.Wrapf(err, "could not recover sender of transaction %#x", tx.Hash())
		}
		txs = append(txs, TransactionSummary{
			Hash:     tx.Hash(),
			Nonce:    tx.Nonce(),
			From:     from,
			To:       tx.To(),
			ChainID:  (*hexutil.Big)(tx.ChainId()),
			Value:    (*hexutil.Big)(tx.Value()),
			GasLimit: tx.Gas(),
			Data:     tx.Data(),
		})
	}
	return &Block{
		Hash:         b.Hash(),
		Number:       b.NumberU64(),
		ParentHash:   b.ParentHash(),
		Logs:         logs,
		Transactions: txs,
	}, nil
}

// HeadInfo records the last head the block processor announced, persisted so
// a restarted tower resumes from where it stopped.
type HeadInfo struct {
	Hash   common.Hash `json:"hash"`
	Number uint64      `json:"number"`
}

// SerialType implements serial.Value.
func (*HeadInfo) SerialType() string { return "eth1/head" }

func init() {
	serial.Register("eth1/block", func() serial.Value { return new(Block) })
	serial.Register("eth1/head", func() serial.Value { return new(HeadInfo) })
}
