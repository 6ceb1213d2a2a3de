// Package processor drives the block cache from a chain endpoint. The
// service follows head announcements (subscription when the endpoint offers
// one, polling otherwise), fetches each new head with its ancestors until the
// chain connects to the cached window, and announces the head once the cache
// has absorbed it. Catch-up after downtime is batched so one tick never
// persists more than the retention window.
package processor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/PISAresearch/pisa/async/event"
	"github.com/PISAresearch/pisa/config/params"
	"github.com/PISAresearch/pisa/runtime/logging"
	"github.com/PISAresearch/pisa/tower/blockcache"
	"github.com/PISAresearch/pisa/tower/db/iface"
	"github.com/PISAresearch/pisa/tower/eth1"
	eth1types "github.com/PISAresearch/pisa/tower/eth1/types"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	headHeightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "watchtower_processor_head_height",
		Help: "Height of the last head announced by the block processor",
	})
	headsEmittedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_processor_heads_emitted_total",
		Help: "Total number of head announcements emitted",
	})
	blocksFetchedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_processor_blocks_fetched_total",
		Help: "Total number of blocks fetched from the chain endpoint",
	})
)

const headerChanSize = 16

// Config holds the processor's dependencies.
type Config struct {
	Client eth1.Client
	Blocks *blockcache.Cache
	HeadDB iface.HeadAccessDatabase
	// MaxRoutines fails the health check when the process leaks goroutines.
	// Zero disables the check.
	MaxRoutines int
}

// Service keeps the block cache in step with the chain endpoint and owns the
// head feed the reducer framework consumes.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config

	headFeed *event.Event[*eth1types.Block]

	mu sync.Mutex // serializes head processing

	wg sync.WaitGroup

	errMu    sync.RWMutex
	runError error
}

// NewService builds the processor around an eth1 client, the block cache and
// the head record store.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	return &Service{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		headFeed: event.New[*eth1types.Block](),
	}
}

// HeadFeed fires once per announced head, after the cache has absorbed the
// head block and its cached ancestors and the head record has been persisted.
func (s *Service) HeadFeed() *event.Event[*eth1types.Block] {
	return s.headFeed
}

// Start launches the follow loop.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop halts the follow loop and waits for it to exit.
func (s *Service) Stop() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

// Status returns the error that stopped the follow loop, if any, and guards
// the process against runaway goroutine growth.
func (s *Service) Status() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	if s.runError != nil {
		return s.runError
	}
	if s.cfg.MaxRoutines > 0 && runtime.NumGoroutine() > s.cfg.MaxRoutines {
		return errors.Errorf("too many goroutines (%d)", runtime.NumGoroutine())
	}
	return nil
}

func (s *Service) recordError(err error) {
	s.errMu.Lock()
	s.runError = err
	s.errMu.Unlock()
}

func (s *Service) run() {
	defer s.wg.Done()
	if err := s.resume(s.ctx); err != nil {
		s.recordError(err)
		log.WithError(err).Error("Could not resume from persisted head")
		return
	}

	headers := make(chan *gethtypes.Header, headerChanSize)
	var subErr <-chan error
	sub, err := s.cfg.Client.SubscribeNewHead(s.ctx, headers)
	if err != nil {
		log.WithError(err).Info("Endpoint does not push heads, polling instead")
		sub = nil
	} else {
		subErr = sub.Err()
	}
	defer func() {
		if sub != nil {
			sub.Unsubscribe()
		}
	}()

	ticker := time.NewTicker(time.Duration(params.TowerConfig().HeadPollSeconds) * time.Second)
	defer ticker.Stop()

	// Process the current height right away rather than waiting out the
	// first tick.
	if !s.pollOnce() {
		return
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case err := <-subErr:
			log.WithError(err).Warning("Head subscription failed, resubscribing")
			sub.Unsubscribe()
			sub, err = s.cfg.Client.SubscribeNewHead(s.ctx, headers)
			if err != nil {
				log.WithError(err).Warning("Could not resubscribe, polling only")
				sub = nil
				subErr = nil
			} else {
				subErr = sub.Err()
			}
		case h := <-headers:
			if err := s.processHeight(s.ctx, h.Number.Uint64()); err != nil {
				s.recordError(err)
				log.WithError(err).Error("Could not process announced head")
				return
			}
		case <-ticker.C:
			if !s.pollOnce() {
				return
			}
		}
	}
}

// pollOnce asks the endpoint for its height and processes it, reporting
// whether the loop should keep running.
func (s *Service) pollOnce() bool {
	n, err := s.cfg.Client.BlockNumber(s.ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			return false
		}
		s.recordError(err)
		log.WithError(err).Error("Could not fetch chain height")
		return false
	}
	if err := s.processHeight(s.ctx, n); err != nil {
		s.recordError(err)
		log.WithError(err).Error("Could not process chain height")
		return false
	}
	return true
}

// resume restores the cache head from the persisted record, so catch-up picks
// up where the previous run announced its last head. A record pointing
// outside the restored window is discarded and the tower starts from the
// endpoint's current height.
func (s *Service) resume(ctx context.Context) error {
	info, err := s.cfg.HeadDB.HeadInfo(ctx)
	if err != nil {
		return err
	}
	if info == nil {
		return nil
	}
	if _, ok := s.cfg.Blocks.GetBlock(info.Hash); !ok {
		log.WithField("height", info.Number).Warning("Persisted head is not cached, starting from the endpoint height")
		return nil
	}
	if err := s.cfg.Blocks.SetHead(info.Hash); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"height": info.Number,
		"hash":   info.Hash.TerminalString(),
	}).Info("Resuming from persisted head")
	return nil
}

// processHeight absorbs the chain at height n, batching catch-up so that one
// pass never spans more than the cache window past the current head.
func (s *Service) processHeight(ctx context.Context, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		target := n
		if base, ok := s.catchUpBase(); ok && base+s.cfg.Blocks.MaxDepth() < n {
			target = base + s.cfg.Blocks.MaxDepth()
		}

		blk, err := s.cfg.Client.BlockByNumber(ctx, target)
		if err != nil {
			if eth1.IsBlockNotFound(err) {
				log.WithField("height", target).Info("Block not served yet, retrying on next tick")
				return nil
			}
			return err
		}
		blocksFetchedCounter.Inc()

		if s.cfg.Blocks.HasBlock(blk.Hash, true) {
			log.WithField("block", blk.Summary()).Debug("Chain tip already cached")
			return nil
		}

		emitted, err := s.absorb(ctx, blk)
		if err != nil {
			return err
		}
		if !emitted || target >= n {
			return nil
		}
	}
}

// catchUpBase is the height catch-up batching counts from: the announced
// head when one exists, else the top of the restored window.
func (s *Service) catchUpBase() (uint64, bool) {
	if s.cfg.Blocks.IsEmpty() {
		return 0, false
	}
	if h, err := s.cfg.Blocks.Head(); err == nil {
		return h.Number, true
	}
	return s.cfg.Blocks.MaxHeight(), true
}

// absorb adds blk to the cache, fetching ancestors until the chain attaches,
// then announces blk as the new head. It reports false without error when the
// head cannot be announced yet (an ancestor is unavailable or the chain left
// the window without attaching).
func (s *Service) absorb(ctx context.Context, blk *eth1types.Block) (bool, error) {
	res, err := s.cfg.Blocks.AddBlock(ctx, blk)
	if err != nil {
		return false, err
	}
	cur := blk
	for res.Detached() {
		parent, ok := s.cfg.Blocks.GetBlock(cur.ParentHash)
		if !ok {
			parent, err = s.cfg.Client.BlockByHash(ctx, cur.ParentHash)
			if err != nil {
				if eth1.IsBlockNotFound(err) {
					log.WithField("hash", cur.ParentHash.TerminalString()).Info("Parent block not served yet, retrying on next tick")
					return false, nil
				}
				return false, err
			}
			blocksFetchedCounter.Inc()
		}
		res, err = s.cfg.Blocks.AddBlock(ctx, parent)
		if err != nil {
			return false, err
		}
		cur = parent
	}

	if !s.cfg.Blocks.HasBlock(blk.Hash, false) {
		log.WithField("block", blk.Summary()).Debug("Fetched chain does not reach the cached window, head unchanged")
		return false, nil
	}

	if err := s.cfg.Blocks.SetHead(blk.Hash); err != nil {
		return false, err
	}
	if err := s.cfg.HeadDB.SaveHeadInfo(ctx, &eth1types.HeadInfo{Hash: blk.Hash, Number: blk.Number}); err != nil {
		return false, errors.Wrap(err, "could not persist head record")
	}
	if err := s.headFeed.Emit(ctx, blk); err != nil {
		return false, err
	}
	headHeightGauge.Set(float64(blk.Number))
	headsEmittedCounter.Inc()
	log.WithFields(logging.BlockFields(blk)).Info("Announced new chain head")
	return true, nil
}
