// Package machine drives the tower's components over the block stream. Each
// component folds attached blocks into an anchor state persisted per block
// hash, so any fork keeps its own consistent state. When the processor
// announces a new head, the machine compares the head's state against the
// state at the previously emitted head, turns the difference into durable
// actions, and applies them asynchronously until they succeed.
package machine

import (
	"context"

	"github.com/PISAresearch/pisa/encoding/serial"
	eth1types "github.com/PISAresearch/pisa/tower/eth1/types"
)

// State is a component's anchor state. It is persisted through the serial
// registry, so every concrete state type carries a tag.
type State = serial.Value

// Action is a durable side effect derived from a state change.
type Action = serial.Value

// Reducer folds blocks into a component's anchor state.
type Reducer interface {
	// GetInitialState computes the state as of b with no prior anchor.
	GetInitialState(ctx context.Context, b *eth1types.Block) (State, error)
	// Reduce advances prev by the single block b.
	Reduce(ctx context.Context, prev State, b *eth1types.Block) (State, error)
}

// Component is a registered consumer of the block stream.
type Component interface {
	Reducer
	// Name keys the component's persisted records and action queue. It must
	// be stable across restarts.
	Name() string
	// DetectChanges derives the actions warranted by moving from the state
	// at the previously emitted head to the state at the current head.
	DetectChanges(prev, next State) ([]Action, error)
	// ApplyAction performs one side effect. It must be idempotent: the
	// machine retries failed actions on later heads and may apply an action
	// more than once.
	ApplyAction(ctx context.Context, a Action) error
}

// MappedItem is an item tracked by a MappedReducer, identified by a stable
// string key.
type MappedItem interface {
	MappedKey() string
}

// ItemReducer folds blocks into the entry of one tracked item.
type ItemReducer[I MappedItem, E any] interface {
	// InitialEntry computes the entry for an item first seen at block b.
	InitialEntry(ctx context.Context, item I, b *eth1types.Block) (E, error)
	// ReduceEntry advances an item's entry by the single block b.
	ReduceEntry(ctx context.Context, item I, prev E, b *eth1types.Block) (E, error)
}

// MappedReducer reduces a keyed collection of items: an item present in the
// previous state reduces its entry, a newly appeared item takes its initial
// entry, and entries of vanished items drop out. Wrap and Unwrap convert
// between the entry map and the component's serialized state type.
type MappedReducer[I MappedItem, E any] struct {
	Items  func(ctx context.Context) ([]I, error)
	Item   ItemReducer[I, E]
	Wrap   func(b *eth1types.Block, entries map[string]E) State
	Unwrap func(s State) (map[string]E, error)
}

// GetInitialState implements Reducer.
func (m *MappedReducer[I, E]) GetInitialState(ctx context.Context, b *eth1types.Block) (State, error) {
	items, err := m.Items(ctx)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]E, len(items))
	for _, it := range items {
		e, err := m.Item.InitialEntry(ctx, it, b)
		if err != nil {
			return nil, err
		}
		entries[it.MappedKey()] = e
	}
	return m.Wrap(b, entries), nil
}

// Reduce implements Reducer.
func (m *MappedReducer[I, E]) Reduce(ctx context.Context, prev State, b *eth1types.Block) (State, error) {
	prevEntries, err := m.Unwrap(prev)
	if err != nil {
		return nil, err
	}
	items, err := m.Items(ctx)
	if err != nil {
		return nil, err
	}
	entries := make(map[string]E, len(items))
	for _, it := range items {
		pe, known := prevEntries[it.MappedKey()]
		var e E
		if known {
			e, err = m.Item.ReduceEntry(ctx, it, pe, b)
		} else {
			e, err = m.Item.InitialEntry(ctx, it, b)
		}
		if err != nil {
			return nil, err
		}
		entries[it.MappedKey()] = e
	}
	return m.Wrap(b, entries), nil
}
