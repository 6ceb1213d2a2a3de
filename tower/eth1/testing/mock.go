// Package testing provides a canned chain provider for tower tests.
package testing

import (
	"context"
	"math/big"
	"sync"

	"github.com/PISAresearch/pisa/tower/eth1"
	eth1types "github.com/PISAresearch/pisa/tower/eth1/types"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
)

// MockClient serves blocks from in-memory maps and records every broadcast,
// standing in for a real endpoint.
type MockClient struct {
	mu           sync.Mutex
	byNumber     map[uint64]*eth1types.Block
	byHash       map[common.Hash]*eth1types.Block
	head         uint64
	nonces       map[common.Address]uint64
	gasPrice     *big.Int
	chainID      *big.Int
	sent         []*gethtypes.Transaction
	sendErrs     []error
	subscribeErr error
	subs         []chan<- *gethtypes.Header
}

var _ eth1.Client = (*MockClient)(nil)

// NewMockClient returns an empty provider on the given chain id with a gas
// price of one gwei.
func NewMockClient(chainID int64) *MockClient {
	return &MockClient{
		byNumber: make(map[uint64]*eth1types.Block),
		byHash:   make(map[common.Hash]*eth1types.Block),
		nonces:   make(map[common.Address]uint64),
		gasPrice: big.NewInt(1_000_000_000),
		chainID:  big.NewInt(chainID),
	}
}

// Extend appends blocks to the canonical chain: each block is served by hash
// and becomes the canonical block of its height, and the head advances to the
// highest height seen.
func (m *MockClient) Extend(blocks ...*eth1types.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range blocks {
		m.byNumber[b.Number] = b
		m.byHash[b.Hash] = b
		if b.Number > m.head {
			m.head = b.Number
		}
	}
}

// SetHead overrides the reported head height, even past the served blocks.
func (m *MockClient) SetHead(n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head = n
}

// SetNonce sets the on-chain transaction count of an account.
func (m *MockClient) SetNonce(account common.Address, n uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nonces[account] = n
}

// SetGasPrice changes the suggested gas price.
func (m *MockClient) SetGasPrice(p *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gasPrice = new(big.Int).Set(p)
}

// QueueSendErrors makes the next SendTransaction calls fail in order; a nil
// entry means that call succeeds.
func (m *MockClient) QueueSendErrors(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendErrs = append(m.sendErrs, errs...)
}

// FailSubscribe makes SubscribeNewHead return err, as an HTTP-only endpoint
// would.
func (m *MockClient) FailSubscribe(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribeErr = err
}

// SentTransactions returns every successfully broadcast transaction in order.
func (m *MockClient) SentTransactions() []*gethtypes.Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*gethtypes.Transaction, len(m.sent))
	copy(out, m.sent)
	return out
}

// PushHead delivers a header to every open head subscription.
func (m *MockClient) PushHead(h *gethtypes.Header) {
	m.mu.Lock()
	subs := make([]chan<- *gethtypes.Header, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()
	for _, ch := range subs {
		ch <- h
	}
}

// BlockNumber implements eth1.Client.
func (m *MockClient) BlockNumber(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.head, nil
}

// BlockByNumber implements eth1.Client. Heights without a block fail with
// the provider's not-found sentinel.
func (m *MockClient) BlockByNumber(_ context.Context, number uint64) (*eth1types.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.byNumber[number]
	if !ok {
		return nil, ethereum.NotFound
	}
	return b, nil
}

// BlockByHash implements eth1.Client.
func (m *MockClient) BlockByHash(_ context.Context, hash common.Hash) (*eth1types.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.byHash[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return b, nil
}

// SubscribeNewHead implements eth1.Client.
func (m *MockClient) SubscribeNewHead(_ context.Context, ch chan<- *gethtypes.Header) (ethereum.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return nil, m.subscribeErr
	}
	m.subs = append(m.subs, ch)
	return &mockSubscription{errc: make(chan error)}, nil
}

// SendTransaction implements eth1.Client, recording the transaction unless a
// queued error consumes the call.
func (m *MockClient) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		if err != nil {
			return err
		}
	}
	m.sent = append(m.sent, tx)
	return nil
}

// NonceAt implements eth1.Client.
func (m *MockClient) NonceAt(_ context.Context, account common.Address) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonces[account], nil
}

// SuggestGasPrice implements eth1.Client.
func (m *MockClient) SuggestGasPrice(_ context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.gasPrice), nil
}

// ChainID implements eth1.Client.
func (m *MockClient) ChainID(_ context.Context) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return new(big.Int).Set(m.chainID), nil
}

// Close implements eth1.Client.
func (m *MockClient) Close() {}

type mockSubscription struct {
	errc chan error
}

func (s *mockSubscription) Unsubscribe() {}

func (s *mockSubscription) Err() <-chan error { return s.errc }
