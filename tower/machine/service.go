package machine

import (
	"context"
	"sync"

	"github.com/PISAresearch/pisa/async/event"
	"github.com/PISAresearch/pisa/tower/db/iface"
	eth1types "github.com/PISAresearch/pisa/tower/eth1/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	actionsStoredCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_machine_actions_stored_total",
		Help: "Total number of side effects derived from head changes",
	})
	actionsAppliedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_machine_actions_applied_total",
		Help: "Total number of side effects applied successfully",
	})
	actionFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_machine_action_failures_total",
		Help: "Total number of side effect attempts that failed and were kept for retry",
	})
)

// Database is the store access the machine needs: per-block anchor records
// and the durable action queues.
type Database interface {
	iface.BlockItemDatabase
	iface.ActionDatabase
}

// BlockGetter looks up cached blocks during anchor resolution.
type BlockGetter interface {
	GetBlock(hash common.Hash) (*eth1types.Block, bool)
}

// Config holds the machine's dependencies.
type Config struct {
	Database   Database
	Blocks     BlockGetter
	NewBlocks  *event.Event[*eth1types.Block]
	NewHeads   *event.Event[*eth1types.Block]
	Components []Component
}

// Service advances every registered component's anchor state on each
// attached block and turns head changes into applied actions. One mutex
// serializes the whole fanout, so for any given event every component
// finishes before the next event starts.
type Service struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *Config

	mu sync.Mutex // serializes block and head fanouts
	wg sync.WaitGroup

	applyMu  sync.Mutex
	applying map[string]bool

	errMu    sync.Mutex
	runError error

	blockSub *event.Subscription[*eth1types.Block]
	headSub  *event.Subscription[*eth1types.Block]
}

// NewService constructs the machine around its components.
func NewService(ctx context.Context, cfg *Config) (*Service, error) {
	if len(cfg.Components) == 0 {
		return nil, errors.New("machine requires at least one component")
	}
	seen := make(map[string]bool, len(cfg.Components))
	for _, c := range cfg.Components {
		if seen[c.Name()] {
			return nil, errors.Errorf("duplicate component name %q", c.Name())
		}
		seen[c.Name()] = true
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Service{ctx: ctx, cancel: cancel, cfg: cfg, applying: make(map[string]bool)}, nil
}

// Start subscribes the machine to the block and head streams.
func (s *Service) Start() {
	s.blockSub = s.cfg.NewBlocks.Subscribe("machine.block", s.onNewBlock)
	s.headSub = s.cfg.NewHeads.Subscribe("machine.head", s.onNewHead)
	names := make([]string, 0, len(s.cfg.Components))
	for _, c := range s.cfg.Components {
		names = append(names, c.Name())
	}
	log.WithField("components", names).Info("Reducer machine started")
}

// Stop detaches from the streams and waits for in-flight actions.
func (s *Service) Stop() error {
	s.cancel()
	if s.blockSub != nil {
		s.blockSub.Unsubscribe()
	}
	if s.headSub != nil {
		s.headSub.Unsubscribe()
	}
	s.wg.Wait()
	return nil
}

// Status reports the first fatal error the machine hit, if any.
func (s *Service) Status() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.runError
}

func (s *Service) recordError(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.runError == nil {
		s.runError = err
	}
}

// StateKey is the block-item key a component's anchor state is stored under.
// It is exported so the node can look up persisted states when restoring.
func StateKey(component string) string {
	return component + ":state"
}

func prevEmittedKey(component string) string {
	return component + ":prevEmittedState"
}

// onNewBlock advances every component's anchor state for b in one batch.
func (s *Service) onNewBlock(ctx context.Context, b *eth1types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, err := s.cfg.Database.BeginBatch(ctx)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "could not open machine batch")
	}
	for _, c := range s.cfg.Components {
		if err := s.advance(ctx, batch, c, b); err != nil {
			batch.Abort()
			err = errors.Wrapf(err, "could not advance component %q", c.Name())
			s.recordError(err)
			return err
		}
	}
	if err := batch.Commit(ctx); err != nil {
		s.recordError(err)
		return err
	}
	return nil
}

// advance computes and stages b's anchor state for one component. The anchor
// comes from the parent when it is cached: its stored state if the machine
// saw it, otherwise the component's initial state at the parent. Without a
// cached parent the component starts fresh at b itself.
func (s *Service) advance(ctx context.Context, batch iface.Batch, c Component, b *eth1types.Block) error {
	parent, parentCached := s.cfg.Blocks.GetBlock(b.ParentHash)

	var next State
	var err error
	if parentCached {
		anchor, ok := s.cfg.Database.BlockItem(b.ParentHash, StateKey(c.Name()))
		if !ok {
			anchor, err = c.GetInitialState(ctx, parent)
			if err != nil {
				return err
			}
		}
		next, err = c.Reduce(ctx, anchor, b)
	} else {
		next, err = c.GetInitialState(ctx, b)
	}
	if err != nil {
		return err
	}

	batch.PutItem(b.Number, b.Hash, StateKey(c.Name()), next)
	if parentCached {
		if prevEmitted, ok := s.cfg.Database.BlockItem(b.ParentHash, prevEmittedKey(c.Name())); ok {
			batch.PutItem(b.Number, b.Hash, prevEmittedKey(c.Name()), prevEmitted)
		}
	}
	return nil
}

// onNewHead detects changes between the previously emitted head's state and
// h's state for every component, persists the resulting actions, and kicks
// off every outstanding action.
func (s *Service) onNewHead(ctx context.Context, h *eth1types.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch, err := s.cfg.Database.BeginBatch(ctx)
	if err != nil {
		s.recordError(err)
		return errors.Wrap(err, "could not open machine batch")
	}
	for _, c := range s.cfg.Components {
		if err := s.emitChanges(ctx, batch, c, h); err != nil {
			batch.Abort()
			err = errors.Wrapf(err, "component %q at head %s", c.Name(), h.Summary())
			s.recordError(err)
			return err
		}
	}
	if err := batch.Commit(ctx); err != nil {
		s.recordError(err)
		return err
	}

	for _, c := range s.cfg.Components {
		acts := s.cfg.Database.Actions(c.Name())
		if len(acts) == 0 {
			continue
		}
		s.applyMu.Lock()
		if s.applying[c.Name()] {
			s.applyMu.Unlock()
			continue
		}
		s.applying[c.Name()] = true
		s.applyMu.Unlock()
		s.wg.Add(1)
		go s.applyActions(c, acts)
	}
	return nil
}

// emitChanges stages the prevEmittedState overwrite for one component and
// persists the actions its DetectChanges derives. A head without a computed
// state is an invariant failure: the preceding block fanout must have
// written it.
func (s *Service) emitChanges(ctx context.Context, batch iface.Batch, c Component, h *eth1types.Block) error {
	state, ok := s.cfg.Database.BlockItem(h.Hash, StateKey(c.Name()))
	if !ok {
		return errors.New("no anchor state computed for head block")
	}
	prevEmitted, hasPrev := s.cfg.Database.BlockItem(h.Hash, prevEmittedKey(c.Name()))
	batch.PutItem(h.Number, h.Hash, prevEmittedKey(c.Name()), state)
	if !hasPrev {
		return nil
	}
	actions, err := c.DetectChanges(prevEmitted, state)
	if err != nil {
		return err
	}
	if len(actions) == 0 {
		return nil
	}
	if _, err := s.cfg.Database.StoreActions(ctx, c.Name(), actions); err != nil {
		return errors.Wrap(err, "could not persist actions")
	}
	actionsStoredCounter.Add(float64(len(actions)))
	log.WithFields(logrus.Fields{
		"component": c.Name(),
		"head":      h.Summary(),
		"count":     len(actions),
	}).Debug("Stored side effects for head change")
	return nil
}

// applyActions runs a component's outstanding side effects in stored order
// and removes each from the store when it succeeds. One applier runs per
// component at a time, so actions that allocate resources in order (the
// responder's nonces) are also applied in that order. A failed action stays
// queued and is picked up again on a later head.
func (s *Service) applyActions(c Component, acts []iface.ActionAndID) {
	defer s.wg.Done()
	defer func() {
		s.applyMu.Lock()
		delete(s.applying, c.Name())
		s.applyMu.Unlock()
	}()
	for _, act := range acts {
		if s.ctx.Err() != nil {
			return
		}
		if err := c.ApplyAction(s.ctx, act.Action); err != nil {
			actionFailuresCounter.Inc()
			log.WithError(err).WithFields(logrus.Fields{
				"component": c.Name(),
				"action":    act.ID,
			}).Warn("Side effect failed, keeping it for retry")
			continue
		}
		if err := s.cfg.Database.RemoveAction(s.ctx, c.Name(), act); err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"component": c.Name(),
				"action":    act.ID,
			}).Error("Could not remove completed action")
			continue
		}
		actionsAppliedCounter.Inc()
	}
}
