package machine

import (
	"context"
	"sort"
	"sync"
	"testing"

	"github.com/PISAresearch/pisa/async/event"
	"github.com/PISAresearch/pisa/encoding/serial"
	"github.com/PISAresearch/pisa/testing/require"
	"github.com/PISAresearch/pisa/testing/util"
	"github.com/PISAresearch/pisa/tower/db/kv"
	eth1types "github.com/PISAresearch/pisa/tower/eth1/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

type traceState struct {
	Trace []string `json:"trace"`
}

func (*traceState) SerialType() string { return "machinetest/trace" }

type noteAction struct {
	Note string `json:"note"`
}

func (*noteAction) SerialType() string { return "machinetest/note" }

func init() {
	serial.Register("machinetest/trace", func() serial.Value { return &traceState{} })
	serial.Register("machinetest/note", func() serial.Value { return &noteAction{} })
}

// traceComponent records every block folded into its state. DetectChanges
// emits one action per trace entry the next state added over the previous
// one, which makes emission behavior directly observable in tests.
type traceComponent struct {
	name string

	mu          sync.Mutex
	detectCalls [][2][]string
	applied     []string
	applyErrs   []error
}

func (c *traceComponent) Name() string { return c.name }

func (c *traceComponent) GetInitialState(_ context.Context, b *eth1types.Block) (State, error) {
	return &traceState{Trace: []string{"init@" + b.Hash.Hex()}}, nil
}

func (c *traceComponent) Reduce(_ context.Context, prev State, b *eth1types.Block) (State, error) {
	prevTrace := prev.(*traceState).Trace
	next := make([]string, 0, len(prevTrace)+1)
	next = append(next, prevTrace...)
	next = append(next, "reduce@"+b.Hash.Hex())
	return &traceState{Trace: next}, nil
}

func (c *traceComponent) DetectChanges(prev, next State) ([]Action, error) {
	p := prev.(*traceState).Trace
	n := next.(*traceState).Trace
	c.mu.Lock()
	c.detectCalls = append(c.detectCalls, [2][]string{p, n})
	c.mu.Unlock()
	var actions []Action
	for _, entry := range n[len(p):] {
		actions = append(actions, &noteAction{Note: entry})
	}
	return actions, nil
}

func (c *traceComponent) ApplyAction(_ context.Context, a Action) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.applyErrs) > 0 {
		err := c.applyErrs[0]
		c.applyErrs = c.applyErrs[1:]
		if err != nil {
			return err
		}
	}
	c.applied = append(c.applied, a.(*noteAction).Note)
	return nil
}

func (c *traceComponent) appliedNotes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.applied))
	copy(out, c.applied)
	sort.Strings(out)
	return out
}

func (c *traceComponent) detectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.detectCalls)
}

type blockMap struct {
	mu     sync.Mutex
	blocks map[common.Hash]*eth1types.Block
}

func newBlockMap() *blockMap {
	return &blockMap{blocks: make(map[common.Hash]*eth1types.Block)}
}

func (m *blockMap) add(b *eth1types.Block) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[b.Hash] = b
}

func (m *blockMap) GetBlock(hash common.Hash) (*eth1types.Block, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blocks[hash]
	return b, ok
}

type machineHarness struct {
	db        *kv.Store
	blocks    *blockMap
	blockFeed *event.Event[*eth1types.Block]
	headFeed  *event.Event[*eth1types.Block]
	svc       *Service
	comp      *traceComponent
}

func setupMachine(t *testing.T, extra ...Component) *machineHarness {
	ctx := context.Background()
	db, err := kv.NewKVStore(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})

	h := &machineHarness{
		db:        db,
		blocks:    newBlockMap(),
		blockFeed: event.New[*eth1types.Block](),
		headFeed:  event.New[*eth1types.Block](),
		comp:      &traceComponent{name: "tracer"},
	}
	svc, err := NewService(ctx, &Config{
		Database:   db,
		Blocks:     h.blocks,
		NewBlocks:  h.blockFeed,
		NewHeads:   h.headFeed,
		Components: append([]Component{h.comp}, extra...),
	})
	require.NoError(t, err)
	h.svc = svc
	svc.Start()
	t.Cleanup(func() {
		require.NoError(t, svc.Stop())
	})
	return h
}

func (h *machineHarness) announceBlock(t *testing.T, b *eth1types.Block) {
	h.blocks.add(b)
	require.NoError(t, h.blockFeed.Emit(context.Background(), b))
}

func (h *machineHarness) announceHead(t *testing.T, b *eth1types.Block) {
	require.NoError(t, h.headFeed.Emit(context.Background(), b))
}

func (h *machineHarness) stateAt(t *testing.T, b *eth1types.Block) []string {
	v, ok := h.db.BlockItem(b.Hash, StateKey(h.comp.Name()))
	require.Equal(t, true, ok, "no state stored for block %s", b.Summary())
	return v.(*traceState).Trace
}

func TestNewServiceValidatesComponents(t *testing.T) {
	ctx := context.Background()
	_, err := NewService(ctx, &Config{})
	require.ErrorContains(t, "at least one component", err)

	_, err = NewService(ctx, &Config{Components: []Component{
		&traceComponent{name: "same"},
		&traceComponent{name: "same"},
	}})
	require.ErrorContains(t, "duplicate component name", err)
}

func TestAnchorFromParentState(t *testing.T) {
	h := setupMachine(t)
	b1 := util.BlockAt(1, "main")
	b2 := util.BlockAt(2, "main")

	h.announceBlock(t, b1)
	h.announceBlock(t, b2)

	require.DeepEqual(t, []string{"init@" + b1.Hash.Hex()}, h.stateAt(t, b1))
	require.DeepEqual(t, []string{"init@" + b1.Hash.Hex(), "reduce@" + b2.Hash.Hex()}, h.stateAt(t, b2))
}

func TestAnchorFromInitialStateOfCachedParent(t *testing.T) {
	h := setupMachine(t)
	b1 := util.BlockAt(1, "main")
	b2 := util.BlockAt(2, "main")

	// The parent is cached but was never announced, so no state exists for
	// it. The component must anchor on its initial state at the parent.
	h.blocks.add(b1)
	h.announceBlock(t, b2)

	require.DeepEqual(t, []string{"init@" + b1.Hash.Hex(), "reduce@" + b2.Hash.Hex()}, h.stateAt(t, b2))
}

func TestAnchorWithoutCachedParent(t *testing.T) {
	h := setupMachine(t)
	b2 := util.BlockAt(2, "main")

	h.announceBlock(t, b2)

	require.DeepEqual(t, []string{"init@" + b2.Hash.Hex()}, h.stateAt(t, b2))
}

func TestForkBranchAnchorsOnItsOwnParent(t *testing.T) {
	h := setupMachine(t)
	b1 := util.BlockAt(1, "main")
	b2 := util.BlockAt(2, "main")
	b2f := util.ForkedBlockAt(2, "fork", "main")

	h.announceBlock(t, b1)
	h.announceBlock(t, b2)
	h.announceBlock(t, b2f)

	require.DeepEqual(t, []string{"init@" + b1.Hash.Hex(), "reduce@" + b2f.Hash.Hex()}, h.stateAt(t, b2f))
}

func TestMultipleComponentsAdvanceIndependently(t *testing.T) {
	second := &traceComponent{name: "second"}
	h := setupMachine(t, second)
	b1 := util.BlockAt(1, "main")

	h.announceBlock(t, b1)

	_, ok := h.db.BlockItem(b1.Hash, StateKey("tracer"))
	require.Equal(t, true, ok)
	_, ok = h.db.BlockItem(b1.Hash, StateKey("second"))
	require.Equal(t, true, ok)
}

func TestFirstHeadEmitsNoChanges(t *testing.T) {
	h := setupMachine(t)
	b1 := util.BlockAt(1, "main")

	h.announceBlock(t, b1)
	h.announceHead(t, b1)

	require.Equal(t, 0, h.comp.detectCount())
	prev, ok := h.db.BlockItem(b1.Hash, prevEmittedKey(h.comp.Name()))
	require.Equal(t, true, ok)
	require.DeepEqual(t, h.stateAt(t, b1), prev.(*traceState).Trace)
}

func TestDetectChangesReceivesPreviousEmittedState(t *testing.T) {
	h := setupMachine(t)
	b1 := util.BlockAt(1, "main")
	b2 := util.BlockAt(2, "main")

	h.announceBlock(t, b1)
	h.announceHead(t, b1)
	h.announceBlock(t, b2)
	h.announceHead(t, b2)

	h.comp.mu.Lock()
	calls := h.comp.detectCalls
	h.comp.mu.Unlock()
	require.Equal(t, 1, len(calls))
	require.DeepEqual(t, []string{"init@" + b1.Hash.Hex()}, calls[0][0])
	require.DeepEqual(t, []string{"init@" + b1.Hash.Hex(), "reduce@" + b2.Hash.Hex()}, calls[0][1])

	// The head's emitted state becomes the baseline for its descendants.
	prev, ok := h.db.BlockItem(b2.Hash, prevEmittedKey(h.comp.Name()))
	require.Equal(t, true, ok)
	require.DeepEqual(t, h.stateAt(t, b2), prev.(*traceState).Trace)
}

func TestActionsAppliedAndRemoved(t *testing.T) {
	h := setupMachine(t)
	b1 := util.BlockAt(1, "main")
	b2 := util.BlockAt(2, "main")

	h.announceBlock(t, b1)
	h.announceHead(t, b1)
	h.announceBlock(t, b2)
	h.announceHead(t, b2)
	h.svc.wg.Wait()

	require.DeepEqual(t, []string{"reduce@" + b2.Hash.Hex()}, h.comp.appliedNotes())
	require.Equal(t, 0, len(h.db.Actions(h.comp.Name())))
}

func TestFailedActionRetriedOnNextHead(t *testing.T) {
	h := setupMachine(t)
	h.comp.applyErrs = []error{errors.New("transient failure")}
	b1 := util.BlockAt(1, "main")
	b2 := util.BlockAt(2, "main")
	b3 := util.BlockAt(3, "main")

	h.announceBlock(t, b1)
	h.announceHead(t, b1)
	h.announceBlock(t, b2)
	h.announceHead(t, b2)
	h.svc.wg.Wait()

	require.DeepEqual(t, []string{}, h.comp.appliedNotes())
	require.Equal(t, 1, len(h.db.Actions(h.comp.Name())))

	h.announceBlock(t, b3)
	h.announceHead(t, b3)
	h.svc.wg.Wait()

	want := []string{"reduce@" + b2.Hash.Hex(), "reduce@" + b3.Hash.Hex()}
	sort.Strings(want)
	require.DeepEqual(t, want, h.comp.appliedNotes())
	require.Equal(t, 0, len(h.db.Actions(h.comp.Name())))
}

func TestHeadWithoutComputedStateIsFatal(t *testing.T) {
	h := setupMachine(t)
	b1 := util.BlockAt(1, "main")

	err := h.headFeed.Emit(context.Background(), b1)
	require.ErrorContains(t, "no anchor state computed", err)
	require.ErrorContains(t, "no anchor state computed", h.svc.Status())
}

func TestRepeatedHeadEmitsNothingNew(t *testing.T) {
	h := setupMachine(t)
	b1 := util.BlockAt(1, "main")
	b2 := util.BlockAt(2, "main")

	h.announceBlock(t, b1)
	h.announceHead(t, b1)
	h.announceBlock(t, b2)
	h.announceHead(t, b2)
	h.svc.wg.Wait()
	h.announceHead(t, b2)
	h.svc.wg.Wait()

	// The second emission for the same head compares the state to itself.
	require.Equal(t, 2, h.comp.detectCount())
	require.DeepEqual(t, []string{"reduce@" + b2.Hash.Hex()}, h.comp.appliedNotes())
}
