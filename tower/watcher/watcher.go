// Package watcher tracks accepted appointments across the block stream and
// decides when the tower must respond. Each appointment's anchor entry is
// monotonic: once its trigger is observed in a block the entry stays
// observed, and the watcher dispatches the response after the triggering
// block has gathered enough confirmations.
package watcher

import (
	"context"
	"fmt"
	"sort"

	"github.com/PISAresearch/pisa/config/params"
	"github.com/PISAresearch/pisa/encoding/serial"
	"github.com/PISAresearch/pisa/tower/appointment"
	"github.com/PISAresearch/pisa/tower/blockcache"
	"github.com/PISAresearch/pisa/tower/db/iface"
	"github.com/PISAresearch/pisa/tower/machine"
	eth1types "github.com/PISAresearch/pisa/tower/eth1/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// ComponentName keys the watcher's anchor records and action queue.
const ComponentName = "appointment-watcher"

var (
	responsesStartedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_watcher_responses_started_total",
		Help: "Total number of appointment responses handed to the responder",
	})
	appointmentsRemovedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_watcher_appointments_removed_total",
		Help: "Total number of appointments removed after confirmation or expiry",
	})
)

// Entry is one appointment's anchor entry. It embeds the appointment version
// it was computed against, so a head change can act on exactly what was
// observed even if the store has moved on.
type Entry struct {
	Appointment   *appointment.Appointment `json:"appointment"`
	Observed      bool                     `json:"observed"`
	BlockObserved uint64                   `json:"blockObserved,omitempty"`
}

// State is the watcher's anchor state at one block.
type State struct {
	Height  uint64           `json:"height"`
	Entries map[string]Entry `json:"entries"`
}

// SerialType implements serial.Value.
func (*State) SerialType() string { return "watcher/state" }

// StartResponse instructs the responder to dispatch an appointment's calldata.
type StartResponse struct {
	Appointment   *appointment.Appointment `json:"appointment"`
	BlockObserved uint64                   `json:"blockObserved"`
}

// SerialType implements serial.Value.
func (*StartResponse) SerialType() string { return "watcher/start-response" }

// RemoveAppointment deletes a finished appointment from the store.
type RemoveAppointment struct {
	Customer common.Address `json:"customer"`
	ID       common.Hash    `json:"id"`
}

// SerialType implements serial.Value.
func (*RemoveAppointment) SerialType() string { return "watcher/remove-appointment" }

func init() {
	serial.Register("watcher/state", func() serial.Value { return new(State) })
	serial.Register("watcher/start-response", func() serial.Value { return new(StartResponse) })
	serial.Register("watcher/remove-appointment", func() serial.Value { return new(RemoveAppointment) })
}

// Responder receives triggered appointments. StartResponse must be idempotent
// per appointment: the watcher may hand over the same appointment again when
// an action is retried.
type Responder interface {
	StartResponse(ctx context.Context, a *appointment.Appointment, blockObserved uint64) error
}

// Config holds the watcher's dependencies.
type Config struct {
	Appointments iface.AppointmentDatabase
	Blocks       *blockcache.Cache
	Responder    Responder
}

// Watcher is the appointment component of the reducer machine.
type Watcher struct {
	cfg     *Config
	reducer *machine.MappedReducer[trackedAppointment, Entry]
}

var _ machine.Component = (*Watcher)(nil)

// New constructs the watcher component.
func New(cfg *Config) *Watcher {
	w := &Watcher{cfg: cfg}
	w.reducer = &machine.MappedReducer[trackedAppointment, Entry]{
		Items: w.items,
		Item:  w,
		Wrap: func(b *eth1types.Block, entries map[string]Entry) machine.State {
			return &State{Height: b.Number, Entries: entries}
		},
		Unwrap: func(s machine.State) (map[string]Entry, error) {
			st, ok := s.(*State)
			if !ok {
				return nil, errors.Errorf("unexpected watcher state type %T", s)
			}
			return st.Entries, nil
		},
	}
	return w
}

// Name implements machine.Component.
func (w *Watcher) Name() string { return ComponentName }

// trackedAppointment keys an appointment by identity pair and nonce, so a
// replacement drops the old entry and is evaluated fresh against its own
// filter.
type trackedAppointment struct {
	*appointment.Appointment
}

func (t trackedAppointment) MappedKey() string {
	return fmt.Sprintf("%s/%d", t.Locator(), t.Nonce)
}

func (w *Watcher) items(ctx context.Context) ([]trackedAppointment, error) {
	apps, err := w.cfg.Appointments.Appointments(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not list appointments")
	}
	items := make([]trackedAppointment, 0, len(apps))
	for _, a := range apps {
		items = append(items, trackedAppointment{a})
	}
	return items, nil
}

// GetInitialState implements machine.Reducer.
func (w *Watcher) GetInitialState(ctx context.Context, b *eth1types.Block) (machine.State, error) {
	return w.reducer.GetInitialState(ctx, b)
}

// Reduce implements machine.Reducer.
func (w *Watcher) Reduce(ctx context.Context, prev machine.State, b *eth1types.Block) (machine.State, error) {
	return w.reducer.Reduce(ctx, prev, b)
}

// InitialEntry computes an appointment's entry with no prior anchor. For
// event appointments it searches the cached ancestry of b down to the start
// of the appointment window, in case the trigger fired before the
// appointment was first reduced.
func (w *Watcher) InitialEntry(_ context.Context, item trackedAppointment, b *eth1types.Block) (Entry, error) {
	a := item.Appointment
	e := Entry{Appointment: a}
	if a.IsBackup() || !inWindow(a, b.Number) {
		return e, nil
	}
	switch a.Mode {
	case appointment.ModeRelay:
		e.Observed, e.BlockObserved = true, a.StartBlock
	case appointment.ModeEvent:
		floor := a.StartBlock
		if min := w.cfg.Blocks.MinHeight(); min > floor {
			floor = min
		}
		if m, ok := w.cfg.Blocks.FindAncestor(b.Hash, floor, func(blk *eth1types.Block) bool {
			return blockHasMatch(a, blk)
		}); ok {
			e.Observed, e.BlockObserved = true, m.Number
		}
	}
	return e, nil
}

// ReduceEntry advances an appointment's entry by one block. An observed entry
// never reverts; a watching entry inspects only b.
func (w *Watcher) ReduceEntry(_ context.Context, item trackedAppointment, prev Entry, b *eth1types.Block) (Entry, error) {
	a := item.Appointment
	e := prev
	e.Appointment = a
	if e.Observed || a.IsBackup() || !inWindow(a, b.Number) {
		return e, nil
	}
	switch a.Mode {
	case appointment.ModeRelay:
		e.Observed, e.BlockObserved = true, a.StartBlock
	case appointment.ModeEvent:
		if blockHasMatch(a, b) {
			e.Observed, e.BlockObserved = true, b.Number
		}
	}
	return e, nil
}

func inWindow(a *appointment.Appointment, height uint64) bool {
	return height >= a.StartBlock && height < a.EndBlock
}

func blockHasMatch(a *appointment.Appointment, b *eth1types.Block) bool {
	for i := range b.Logs {
		if a.MatchesLog(&b.Logs[i]) {
			return true
		}
	}
	return false
}

// crossed reports whether the triggering block at observed has gathered the
// required confirmations as of head. The triggering block itself counts as
// the first confirmation.
func crossed(head, observed, confirmations uint64) bool {
	return head >= observed && head-observed+1 >= confirmations
}

// DetectChanges implements machine.Component. An action is emitted exactly
// when its threshold holds at the new head but did not hold at the
// previously emitted one, so a threshold crossing fires once per branch no
// matter how many heads follow.
func (w *Watcher) DetectChanges(prev, next machine.State) ([]machine.Action, error) {
	prevState, ok := prev.(*State)
	if !ok {
		return nil, errors.Errorf("unexpected previous state type %T", prev)
	}
	nextState, ok := next.(*State)
	if !ok {
		return nil, errors.Errorf("unexpected next state type %T", next)
	}
	cfg := params.TowerConfig()

	keys := make([]string, 0, len(nextState.Entries))
	for k := range nextState.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var actions []machine.Action
	for _, k := range keys {
		e := nextState.Entries[k]
		pe, hasPrev := prevState.Entries[k]
		a := e.Appointment
		if e.Observed {
			prevResponded := hasPrev && pe.Observed && crossed(prevState.Height, pe.BlockObserved, cfg.ConfirmationsBeforeResponse)
			if crossed(nextState.Height, e.BlockObserved, cfg.ConfirmationsBeforeResponse) && !prevResponded {
				actions = append(actions, &StartResponse{Appointment: a, BlockObserved: e.BlockObserved})
			}
			prevRemoved := hasPrev && pe.Observed && crossed(prevState.Height, pe.BlockObserved, cfg.ConfirmationsBeforeRemoval)
			if crossed(nextState.Height, e.BlockObserved, cfg.ConfirmationsBeforeRemoval) && !prevRemoved {
				actions = append(actions, &RemoveAppointment{Customer: a.CustomerAddress, ID: a.ID})
			}
			continue
		}
		expiry := a.EndBlock + cfg.ConfirmationsBeforeRemoval
		if nextState.Height >= expiry && prevState.Height < expiry {
			actions = append(actions, &RemoveAppointment{Customer: a.CustomerAddress, ID: a.ID})
		}
	}
	return actions, nil
}

// ApplyAction implements machine.Component. Both action kinds are idempotent:
// the responder deduplicates by appointment identity and deleting an absent
// appointment is a no-op.
func (w *Watcher) ApplyAction(ctx context.Context, act machine.Action) error {
	switch a := act.(type) {
	case *StartResponse:
		if err := w.cfg.Responder.StartResponse(ctx, a.Appointment, a.BlockObserved); err != nil {
			return errors.Wrapf(err, "could not start response for appointment %s", a.Appointment.Locator())
		}
		responsesStartedCounter.Inc()
		log.WithFields(logrus.Fields{
			"appointment":   a.Appointment.Locator(),
			"blockObserved": a.BlockObserved,
		}).Info("Started appointment response")
		return nil
	case *RemoveAppointment:
		if err := w.cfg.Appointments.DeleteAppointment(ctx, a.Customer, a.ID); err != nil {
			return errors.Wrapf(err, "could not remove appointment %#x", a.ID)
		}
		appointmentsRemovedCounter.Inc()
		log.WithFields(logrus.Fields{
			"customer": a.Customer.Hex(),
			"id":       a.ID.Hex(),
		}).Info("Removed finished appointment")
		return nil
	default:
		return errors.Errorf("unknown watcher action type %T", act)
	}
}
