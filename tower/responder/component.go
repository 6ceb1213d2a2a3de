package responder

import (
	"context"
	"math/big"
	"sort"

	"github.com/PISAresearch/pisa/config/params"
	"github.com/PISAresearch/pisa/encoding/serial"
	"github.com/PISAresearch/pisa/tower/blockcache"
	"github.com/PISAresearch/pisa/tower/machine"
	eth1types "github.com/PISAresearch/pisa/tower/eth1/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// ComponentName keys the responder's anchor records and action queue.
const ComponentName = "transaction-responder"

// Status of a tracked response transaction along one branch.
type Status string

const (
	// StatusPending means no block on this branch includes the transaction.
	StatusPending Status = "pending"
	// StatusMined means a block on this branch includes it.
	StatusMined Status = "mined"
	// StatusConfirmed means it has been mined deep enough to retire.
	StatusConfirmed Status = "confirmed"
)

// TxEntry is one response's anchor entry: the tracked transaction as of the
// block it was reduced at, plus its inclusion status on that branch.
type TxEntry struct {
	Tx          PendingResponse `json:"tx"`
	Status      Status          `json:"status"`
	MinedHeight uint64          `json:"minedHeight,omitempty"`
}

// State is the responder's anchor state at one block.
type State struct {
	Height  uint64             `json:"height"`
	Entries map[string]TxEntry `json:"entries"`
}

// SerialType implements serial.Value.
func (*State) SerialType() string { return "responder/state" }

// ReissueTransaction replaces a stale pending transaction at a higher price.
// MinPrice is the replacement floor derived from the price the transaction
// had when it went stale; the final price also honors a fresh estimate.
type ReissueTransaction struct {
	Nonce    uint64       `json:"nonce"`
	MinPrice *hexutil.Big `json:"minPrice"`
}

// SerialType implements serial.Value.
func (*ReissueTransaction) SerialType() string { return "responder/reissue" }

// RetireTransaction stops tracking a confirmed response.
type RetireTransaction struct {
	Nonce uint64 `json:"nonce"`
}

// SerialType implements serial.Value.
func (*RetireTransaction) SerialType() string { return "responder/retire" }

func init() {
	serial.Register("responder/state", func() serial.Value { return new(State) })
	serial.Register("responder/reissue", func() serial.Value { return new(ReissueTransaction) })
	serial.Register("responder/retire", func() serial.Value { return new(RetireTransaction) })
}

// Component tracks the responder's transactions through the reducer machine.
type Component struct {
	responder *MultiResponder
	blocks    *blockcache.Cache
	reducer   *machine.MappedReducer[PendingResponse, TxEntry]
}

var _ machine.Component = (*Component)(nil)

// NewComponent constructs the responder's machine component.
func NewComponent(responder *MultiResponder, blocks *blockcache.Cache) *Component {
	c := &Component{responder: responder, blocks: blocks}
	c.reducer = &machine.MappedReducer[PendingResponse, TxEntry]{
		Items: func(context.Context) ([]PendingResponse, error) {
			return responder.PendingItems(), nil
		},
		Item: c,
		Wrap: func(b *eth1types.Block, entries map[string]TxEntry) machine.State {
			return &State{Height: b.Number, Entries: entries}
		},
		Unwrap: func(s machine.State) (map[string]TxEntry, error) {
			st, ok := s.(*State)
			if !ok {
				return nil, errors.Errorf("unexpected responder state type %T", s)
			}
			return st.Entries, nil
		},
	}
	return c
}

// Name implements machine.Component.
func (c *Component) Name() string { return ComponentName }

// GetInitialState implements machine.Reducer.
func (c *Component) GetInitialState(ctx context.Context, b *eth1types.Block) (machine.State, error) {
	return c.reducer.GetInitialState(ctx, b)
}

// Reduce implements machine.Reducer.
func (c *Component) Reduce(ctx context.Context, prev machine.State, b *eth1types.Block) (machine.State, error) {
	return c.reducer.Reduce(ctx, prev, b)
}

// InitialEntry computes a transaction's entry with no prior anchor by
// scanning the cached ancestry of b for an inclusion. The scan covers the
// whole cached window: a replaced transaction may have mined in a block
// before its latest broadcast height.
func (c *Component) InitialEntry(_ context.Context, item PendingResponse, b *eth1types.Block) (TxEntry, error) {
	e := TxEntry{Tx: item, Status: StatusPending}
	from := c.responder.Address()
	if m, ok := c.blocks.FindAncestor(b.Hash, c.blocks.MinHeight(), func(blk *eth1types.Block) bool {
		return blockHasNonce(blk, from, item.Nonce)
	}); ok {
		e.Status, e.MinedHeight = StatusMined, m.Number
	}
	return promoteConfirmed(e, b.Number), nil
}

// ReduceEntry advances a transaction's entry by one block. The broadcast
// bookkeeping is refreshed from the live table so a replacement resets the
// staleness clock; the inclusion status sticks to the branch.
func (c *Component) ReduceEntry(_ context.Context, item PendingResponse, prev TxEntry, b *eth1types.Block) (TxEntry, error) {
	e := prev
	e.Tx = item
	if e.Status == StatusPending && blockHasNonce(b, c.responder.Address(), item.Nonce) {
		e.Status, e.MinedHeight = StatusMined, b.Number
	}
	return promoteConfirmed(e, b.Number), nil
}

func promoteConfirmed(e TxEntry, height uint64) TxEntry {
	if e.Status == StatusMined && height-e.MinedHeight >= params.TowerConfig().ConfirmationsBeforeRetire {
		e.Status = StatusConfirmed
	}
	return e
}

func blockHasNonce(b *eth1types.Block, from common.Address, nonce uint64) bool {
	for _, tx := range b.Transactions {
		if tx.From == from && tx.Nonce == nonce {
			return true
		}
	}
	return false
}

func isStale(e TxEntry, height uint64) bool {
	return e.Status == StatusPending && height >= e.Tx.BroadcastHeight+params.TowerConfig().StaleBlockCount
}

// DetectChanges implements machine.Component. A confirmation retires the
// nonce once per branch; a pending transaction that has waited out the stale
// window is repriced, including one that a reorganization knocked back out
// of a block.
func (c *Component) DetectChanges(prev, next machine.State) ([]machine.Action, error) {
	prevState, ok := prev.(*State)
	if !ok {
		return nil, errors.Errorf("unexpected previous state type %T", prev)
	}
	nextState, ok := next.(*State)
	if !ok {
		return nil, errors.Errorf("unexpected next state type %T", next)
	}

	keys := make([]string, 0, len(nextState.Entries))
	for k := range nextState.Entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var actions []machine.Action
	for _, k := range keys {
		e := nextState.Entries[k]
		pe, hasPrev := prevState.Entries[k]
		if e.Status == StatusConfirmed && (!hasPrev || pe.Status != StatusConfirmed) {
			actions = append(actions, &RetireTransaction{Nonce: e.Tx.Nonce})
			continue
		}
		staleBefore := hasPrev && isStale(pe, prevState.Height)
		if isStale(e, nextState.Height) && !staleBefore {
			floor := ReplacementPrice((*big.Int)(e.Tx.GasPrice))
			actions = append(actions, &ReissueTransaction{
				Nonce:    e.Tx.Nonce,
				MinPrice: (*hexutil.Big)(floor),
			})
		}
	}
	return actions, nil
}

// ApplyAction implements machine.Component. Both actions are idempotent: a
// nonce that is no longer tracked is skipped, and re-broadcasting a known
// replacement is treated as success.
func (c *Component) ApplyAction(ctx context.Context, act machine.Action) error {
	switch a := act.(type) {
	case *ReissueTransaction:
		return c.responder.Reissue(ctx, a.Nonce, (*big.Int)(a.MinPrice))
	case *RetireTransaction:
		c.responder.Retire(a.Nonce)
		return nil
	default:
		return errors.Errorf("unknown responder action type %T", act)
	}
}
