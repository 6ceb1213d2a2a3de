// Package eth1 is the tower's client to an execution chain endpoint. It
// exposes the narrow provider surface the tower consumes: head discovery,
// block fetch with logs, transaction broadcast and account queries.
package eth1

import (
	"context"
	"math/big"
	"strings"

	"github.com/PISAresearch/pisa/io/logs"
	eth1types "github.com/PISAresearch/pisa/tower/eth1/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	gethRPC "github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// blockCacheSize bounds the by-hash block cache. It comfortably covers the
// retention window of the block cache plus catch-up refetches.
const blockCacheSize = 256

// Client is the chain provider surface the tower consumes.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (*eth1types.Block, error)
	BlockByHash(ctx context.Context, hash common.Hash) (*eth1types.Block, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *gethtypes.Header) (ethereum.Subscription, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// IsBlockNotFound reports whether err means the requested block does not
// exist on the endpoint yet. Geth and erigon serve different shapes for
// this, so both the sentinel and the known message forms are checked.
func IsBlockNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ethereum.NotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "block not found") || strings.Contains(msg, "unknown block")
}

// RPCClient talks to a single execution endpoint over geth's RPC stack.
type RPCClient struct {
	client     *ethclient.Client
	rpcClient  *gethRPC.Client
	chainID    *big.Int
	blockCache *lru.Cache // block hash → *eth1types.Block
}

var _ Client = (*RPCClient)(nil)

// Dial connects to endpoint and confirms it answers by fetching its chain id.
func Dial(ctx context.Context, endpoint string) (*RPCClient, error) {
	rpcClient, err := gethRPC.DialContext(ctx, endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "could not dial eth1 endpoint %s", logs.MaskCredentialsLogging(endpoint))
	}
	client := ethclient.NewClient(rpcClient)
	chainID, err := client.ChainID(ctx)
	if err != nil {
		rpcClient.Close()
		return nil, errors.Wrap(err, "could not fetch chain id from eth1 endpoint")
	}
	cache, err := lru.New(blockCacheSize)
	if err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{
		"endpoint": logs.MaskCredentialsLogging(endpoint),
		"chainID":  chainID,
	}).Info("Connected to eth1 endpoint")
	return &RPCClient{
		client:     client,
		rpcClient:  rpcClient,
		chainID:    chainID,
		blockCache: cache,
	}, nil
}

// Close tears down the underlying RPC connection.
func (c *RPCClient) Close() {
	c.rpcClient.Close()
}

// ChainID returns the chain id recorded at dial time.
func (c *RPCClient) ChainID(_ context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

// BlockNumber returns the endpoint's current head height.
func (c *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	return c.client.BlockNumber(ctx)
}

// BlockByNumber fetches the block at the given height together with its
// logs. A not-yet-existing height surfaces as a not-found error.
func (c *RPCClient) BlockByNumber(ctx context.Context, number uint64) (*eth1types.Block, error) {
	b, err := c.client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, errors.Wrapf(err, "could not fetch block %d", number)
	}
	return c.convert(ctx, b)
}

// BlockByHash fetches the block with the given hash together with its logs.
// Hash-keyed results are immutable, so they are served from an lru cache
// when possible.
func (c *RPCClient) BlockByHash(ctx context.Context, hash common.Hash) (*eth1types.Block, error) {
	if cached, ok := c.blockCache.Get(hash); ok {
		return cached.(*eth1types.Block), nil
	}
	b, err := c.client.BlockByHash(ctx, hash)
	if err != nil {
		return nil, errors.Wrapf(err, "could not fetch block %#x", hash)
	}
	return c.convert(ctx, b)
}

// convert joins a geth block with its logs into the tower's view and caches
// the result by hash.
func (c *RPCClient) convert(ctx context.Context, b *gethtypes.Block) (*eth1types.Block, error) {
	hash := b.Hash()
	if cached, ok := c.blockCache.Get(hash); ok {
		return cached.(*eth1types.Block), nil
	}
	logs, err := c.client.FilterLogs(ctx, ethereum.FilterQuery{BlockHash: &hash})
	if err != nil {
		return nil, errors.Wrapf(err, "could not fetch logs of block %#x", hash)
	}
	blk, err := eth1types.FromGethBlock(b, logs, c.chainID)
	if err != nil {
		return nil, err
	}
	c.blockCache.Add(hash, blk)
	return blk, nil
}

// SubscribeNewHead subscribes to head announcements. Endpoints without
// notification support (plain HTTP) return an error; the block processor
// falls back to polling in that case.
func (c *RPCClient) SubscribeNewHead(ctx context.Context, ch chan<- *gethtypes.Header) (ethereum.Subscription, error) {
	return c.client.SubscribeNewHead(ctx, ch)
}

// SendTransaction broadcasts a signed transaction.
func (c *RPCClient) SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error {
	return c.client.SendTransaction(ctx, tx)
}

// NonceAt returns the account's transaction count at the latest block.
func (c *RPCClient) NonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return c.client.NonceAt(ctx, account, nil)
}

// SuggestGasPrice asks the endpoint for a gas price suggestion.
func (c *RPCClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return c.client.SuggestGasPrice(ctx)
}
