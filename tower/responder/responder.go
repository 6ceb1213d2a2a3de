// Package responder dispatches and shepherds the tower's response
// transactions. A MultiResponder owns one signing key: it allocates nonces,
// prices and broadcasts transactions, reprices them when they go stale, and
// retires nonces once a response has gathered enough confirmations. Its
// machine component derives those decisions from per-block anchor state, so
// a reorganization that displaces a response automatically re-enters the
// repricing loop.
package responder

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/PISAresearch/pisa/config/params"
	"github.com/PISAresearch/pisa/tower/appointment"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	responsesBroadcastCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_responder_broadcasts_total",
		Help: "Total number of response transactions broadcast, replacements included",
	})
	broadcastFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_responder_broadcast_failures_total",
		Help: "Total number of response broadcasts that failed permanently",
	})
	noncesRetiredCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_responder_nonces_retired_total",
		Help: "Total number of nonces retired after confirmation",
	})
	pendingResponsesGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchtower_responder_pending_responses",
		Help: "Number of response transactions currently tracked",
	})
)

// ChainClient is the provider surface the responder needs.
type ChainClient interface {
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	NonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// HeightSource reports the highest attached block height, used to timestamp
// broadcasts for staleness accounting.
type HeightSource interface {
	MaxHeight() uint64
}

// PendingResponse is the responder's record of one in-flight response
// transaction. It doubles as the machine item tracking it, keyed by nonce.
type PendingResponse struct {
	Nonce           uint64         `json:"nonce"`
	To              common.Address `json:"to"`
	Data            hexutil.Bytes  `json:"data"`
	GasLimit        uint64         `json:"gasLimit"`
	GasPrice        *hexutil.Big   `json:"gasPrice"`
	BroadcastHeight uint64         `json:"broadcastHeight"`
	Locator         string         `json:"locator"`
	BlockObserved   uint64         `json:"blockObserved"`
}

// MappedKey implements machine.MappedItem.
func (p PendingResponse) MappedKey() string {
	return strconv.FormatUint(p.Nonce, 10)
}

// Config holds the responder's dependencies.
type Config struct {
	Client    ChainClient
	Estimator *GasEstimator
	Heights   HeightSource
	Key       *ecdsa.PrivateKey
	ChainID   *big.Int
}

// MultiResponder manages the response transactions of one signing key.
type MultiResponder struct {
	cfg     *Config
	address common.Address
	signer  gethtypes.Signer

	mu        sync.Mutex
	pending   map[uint64]*PendingResponse
	byLocator map[string]uint64
	nonces    *nonceAllocator
}

// New constructs a responder for the key in cfg, anchored at the signer's
// current on-chain nonce.
func New(ctx context.Context, cfg *Config) (*MultiResponder, error) {
	address := crypto.PubkeyToAddress(cfg.Key.PublicKey)
	next, err := cfg.Client.NonceAt(ctx, address)
	if err != nil {
		return nil, errors.Wrapf(err, "could not fetch nonce of %#x", address)
	}
	log.WithFields(logrus.Fields{
		"address":    address.Hex(),
		"startNonce": next,
		"chainID":    cfg.ChainID,
	}).Info("Responder initialized")
	return &MultiResponder{
		cfg:       cfg,
		address:   address,
		signer:    gethtypes.LatestSignerForChainID(cfg.ChainID),
		pending:   make(map[uint64]*PendingResponse),
		byLocator: make(map[string]uint64),
		nonces:    newNonceAllocator(next),
	}, nil
}

// Address is the responder's signing address.
func (s *MultiResponder) Address() common.Address {
	return s.address
}

// PendingItems returns a snapshot of the tracked responses for the reducer.
func (s *MultiResponder) PendingItems() []PendingResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]PendingResponse, 0, len(s.pending))
	for _, p := range s.pending {
		items = append(items, *p)
	}
	return items
}

// Restore re-populates the pending table from a persisted anchor state, so a
// restarted tower keeps shepherding the transactions it issued before.
// Confirmed entries are restored too; their queued retire actions clean them
// up once re-applied.
func (s *MultiResponder) Restore(st *State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range st.Entries {
		p := e.Tx
		s.pending[p.Nonce] = &p
		s.byLocator[p.Locator] = p.Nonce
		s.nonces.advance(p.Nonce)
	}
	pendingResponsesGauge.Set(float64(len(s.pending)))
	if len(st.Entries) > 0 {
		log.WithField("restored", len(st.Entries)).Info("Restored in-flight responses")
	}
}

// StartResponse issues the response transaction for a triggered appointment.
// It is idempotent per appointment identity: repeated calls while a response
// is tracked return without a second broadcast.
func (s *MultiResponder) StartResponse(ctx context.Context, a *appointment.Appointment, blockObserved uint64) error {
	locator := a.Locator().String()
	price, err := s.cfg.Estimator.Suggest(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if nonce, ok := s.byLocator[locator]; ok {
		s.mu.Unlock()
		log.WithFields(logrus.Fields{
			"appointment": locator,
			"nonce":       nonce,
		}).Debug("Response already in flight")
		return nil
	}
	nonce := s.nonces.alloc()
	p := &PendingResponse{
		Nonce:           nonce,
		To:              a.ContractAddress,
		Data:            a.Data,
		GasLimit:        a.GasLimit,
		GasPrice:        (*hexutil.Big)(price),
		BroadcastHeight: s.cfg.Heights.MaxHeight(),
		Locator:         locator,
		BlockObserved:   blockObserved,
	}
	s.pending[nonce] = p
	s.byLocator[locator] = nonce
	pendingResponsesGauge.Set(float64(len(s.pending)))
	s.mu.Unlock()

	tx, err := s.signedTx(nonce, a.ContractAddress, a.Data, a.GasLimit, price)
	if err == nil {
		err = s.broadcast(ctx, tx)
	}
	if err != nil {
		s.mu.Lock()
		delete(s.pending, nonce)
		delete(s.byLocator, locator)
		if !isNonceConsumed(err) {
			s.nonces.release(nonce)
		}
		pendingResponsesGauge.Set(float64(len(s.pending)))
		s.mu.Unlock()
		broadcastFailuresCounter.Inc()
		return errors.Wrapf(err, "could not dispatch response for appointment %s", locator)
	}

	log.WithFields(logrus.Fields{
		"appointment": locator,
		"nonce":       nonce,
		"to":          a.ContractAddress.Hex(),
		"gasPrice":    price,
	}).Info("Response transaction broadcast")
	return nil
}

// Reissue replaces the pending transaction at nonce with one priced at least
// at minPrice and strictly above the current price. A nonce that is no
// longer tracked, or that the chain reports consumed, is a no-op.
func (s *MultiResponder) Reissue(ctx context.Context, nonce uint64, minPrice *big.Int) error {
	s.mu.Lock()
	p, ok := s.pending[nonce]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	to, data, gasLimit := p.To, p.Data, p.GasLimit
	current := (*big.Int)(p.GasPrice)
	locator := p.Locator
	s.mu.Unlock()

	price := ReplacementPrice(current)
	if est, err := s.cfg.Estimator.Suggest(ctx); err == nil && est.Cmp(price) > 0 {
		price = est
	}
	if minPrice != nil && minPrice.Cmp(price) > 0 {
		price = minPrice
	}

	tx, err := s.signedTx(nonce, to, data, gasLimit, price)
	if err == nil {
		err = s.broadcast(ctx, tx)
	}
	if err != nil {
		if isNonceConsumed(err) {
			log.WithField("nonce", nonce).Info("Skipping replacement, nonce already consumed")
			return nil
		}
		return errors.Wrapf(err, "could not replace response for appointment %s", locator)
	}

	s.mu.Lock()
	if p, ok := s.pending[nonce]; ok {
		p.GasPrice = (*hexutil.Big)(price)
		p.BroadcastHeight = s.cfg.Heights.MaxHeight()
	}
	s.mu.Unlock()
	log.WithFields(logrus.Fields{
		"appointment": locator,
		"nonce":       nonce,
		"gasPrice":    price,
	}).Info("Response transaction repriced")
	return nil
}

// Retire stops tracking the response at nonce after its confirmation. The
// nonce is consumed on chain and is never handed out again.
func (s *MultiResponder) Retire(nonce uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[nonce]
	if !ok {
		return
	}
	delete(s.pending, nonce)
	delete(s.byLocator, p.Locator)
	pendingResponsesGauge.Set(float64(len(s.pending)))
	noncesRetiredCounter.Inc()
	log.WithFields(logrus.Fields{
		"appointment": p.Locator,
		"nonce":       nonce,
	}).Info("Response confirmed, nonce retired")
}

func (s *MultiResponder) signedTx(nonce uint64, to common.Address, data []byte, gasLimit uint64, price *big.Int) (*gethtypes.Transaction, error) {
	tx, err := gethtypes.SignNewTx(s.cfg.Key, s.signer, &gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       &to,
		Value:    new(big.Int),
		Gas:      gasLimit,
		GasPrice: price,
		Data:     data,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not sign response transaction")
	}
	return tx, nil
}

// broadcast submits tx, retrying transient failures with bounded exponential
// backoff. Errors that resubmitting the identical transaction cannot fix are
// returned immediately.
func (s *MultiResponder) broadcast(ctx context.Context, tx *gethtypes.Transaction) error {
	cfg := params.TowerConfig()
	backoff := time.Duration(cfg.BroadcastBackoffMillis) * time.Millisecond
	maxBackoff := time.Duration(cfg.BroadcastBackoffMaxMillis) * time.Millisecond
	var lastErr error
	for attempt := uint64(0); attempt < cfg.BroadcastRetryLimit; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
		err := s.cfg.Client.SendTransaction(ctx, tx)
		if err == nil || isAlreadyKnown(err) {
			responsesBroadcastCounter.Inc()
			return nil
		}
		if isNonceConsumed(err) || isReplaceUnderpriced(err) {
			return err
		}
		lastErr = err
		log.WithError(err).WithFields(logrus.Fields{
			"hash":    tx.Hash().Hex(),
			"attempt": attempt + 1,
		}).Warn("Broadcast attempt failed")
	}
	return errors.Wrapf(lastErr, "broadcast failed after %d attempts", cfg.BroadcastRetryLimit)
}

// Provider error classification. Providers surface pool rejections as plain
// RPC error strings, so matching on substrings is the only portable check.
func isAlreadyKnown(err error) bool {
	return errContains(err, "already known") || errContains(err, "known transaction")
}

func isNonceConsumed(err error) bool {
	return errContains(err, "nonce too low")
}

func isReplaceUnderpriced(err error) bool {
	return errContains(err, "replacement transaction underpriced")
}

func errContains(err error, s string) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), s)
}
