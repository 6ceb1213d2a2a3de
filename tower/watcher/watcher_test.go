package watcher

import (
	"context"
	"sync"
	"testing"

	"github.com/PISAresearch/pisa/config/params"
	"github.com/PISAresearch/pisa/testing/require"
	"github.com/PISAresearch/pisa/testing/util"
	"github.com/PISAresearch/pisa/tower/appointment"
	"github.com/PISAresearch/pisa/tower/blockcache"
	"github.com/PISAresearch/pisa/tower/db/kv"
	"github.com/PISAresearch/pisa/tower/machine"
	eth1types "github.com/PISAresearch/pisa/tower/eth1/types"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	testCustomer = common.HexToAddress("0x90f8bf6a479f320ead074411a4b0e7944ea8c9c1")
	testContract = common.HexToAddress("0xffcf8fdee72ac11b5c542428b35eef5769c409f0")
	testEvent    = common.HexToAddress("0x1234abcd")
	testTopic    = common.HexToHash("0x1234")
)

type responseCall struct {
	locator       string
	blockObserved uint64
}

type recordingResponder struct {
	mu    sync.Mutex
	calls []responseCall
	err   error
}

func (r *recordingResponder) StartResponse(_ context.Context, a *appointment.Appointment, blockObserved uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, responseCall{a.Locator().String(), blockObserved})
	return nil
}

type watcherHarness struct {
	db        *kv.Store
	cache     *blockcache.Cache
	responder *recordingResponder
	w         *Watcher
}

func setupWatcher(t *testing.T) *watcherHarness {
	ctx := context.Background()
	db, err := kv.NewKVStore(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	cache, err := blockcache.New(db, 200)
	require.NoError(t, err)
	responder := &recordingResponder{}
	return &watcherHarness{
		db:        db,
		cache:     cache,
		responder: responder,
		w:         New(&Config{Appointments: db, Blocks: cache, Responder: responder}),
	}
}

// advance adds each block to the cache and folds it into the watcher state,
// starting from prev (nil means the first block takes the initial state).
func (h *watcherHarness) advance(t *testing.T, prev machine.State, blocks ...*eth1types.Block) map[uint64]*State {
	t.Helper()
	ctx := context.Background()
	states := make(map[uint64]*State, len(blocks))
	cur := prev
	for _, b := range blocks {
		_, err := h.cache.AddBlock(ctx, b)
		require.NoError(t, err)
		var next machine.State
		if cur == nil {
			next, err = h.w.GetInitialState(ctx, b)
		} else {
			next, err = h.w.Reduce(ctx, cur, b)
		}
		require.NoError(t, err)
		states[b.Number] = next.(*State)
		cur = next
	}
	return states
}

func (h *watcherHarness) save(t *testing.T, a *appointment.Appointment) {
	t.Helper()
	require.NoError(t, h.db.SaveAppointment(context.Background(), a))
}

func eventAppointment(nonce, start, end uint64) *appointment.Appointment {
	return &appointment.Appointment{
		CustomerAddress: testCustomer,
		ID:              common.HexToHash("0xa1"),
		Nonce:           nonce,
		StartBlock:      start,
		EndBlock:        end,
		ContractAddress: testContract,
		Data:            hexutil.Bytes{0xde, 0xad},
		GasLimit:        400_000,
		Mode:            appointment.ModeEvent,
		EventAddress:    testEvent,
		Topics:          []common.Hash{testTopic},
		CustomerSig:     hexutil.Bytes{0x01},
	}
}

func relayAppointment(nonce, start, end uint64) *appointment.Appointment {
	a := eventAppointment(nonce, start, end)
	a.Mode = appointment.ModeRelay
	a.EventAddress = common.Address{}
	a.Topics = nil
	return a
}

func backupAppointment(start uint64) *appointment.Appointment {
	cfg := params.TowerConfig()
	return &appointment.Appointment{
		CustomerAddress: testCustomer,
		ID:              common.HexToHash("0xba"),
		Nonce:           1,
		StartBlock:      start,
		EndBlock:        start + cfg.BackupDuration,
		ContractAddress: testCustomer,
		Data:            hexutil.Bytes{0x0b},
		ChallengePeriod: cfg.BackupChallengePeriod,
		Mode:            appointment.ModeEvent,
		EventAddress:    testCustomer,
		CustomerSig:     hexutil.Bytes{0x01},
	}
}

func entryKey(a *appointment.Appointment) string {
	return trackedAppointment{a}.MappedKey()
}

func observedEntry(a *appointment.Appointment, at uint64) Entry {
	return Entry{Appointment: a, Observed: true, BlockObserved: at}
}

func watchingEntry(a *appointment.Appointment) Entry {
	return Entry{Appointment: a}
}

func TestEventInBlockTriggersResponseAfterConfirmations(t *testing.T) {
	h := setupWatcher(t)
	app := eventAppointment(1, 0, 100)
	h.save(t, app)

	blocks := util.Chain(0, 7, "main")
	util.WithLog(blocks[2], testEvent, testTopic)
	states := h.advance(t, nil, blocks...)

	entry := states[2].Entries[entryKey(app)]
	require.Equal(t, true, entry.Observed)
	require.Equal(t, uint64(2), entry.BlockObserved)

	// Four confirmations of block 2 are reached at head 5.
	actions, err := h.w.DetectChanges(states[4], states[5])
	require.NoError(t, err)
	require.Equal(t, 1, len(actions))
	start, ok := actions[0].(*StartResponse)
	require.Equal(t, true, ok)
	require.Equal(t, app.Locator(), start.Appointment.Locator())
	require.Equal(t, uint64(2), start.BlockObserved)

	actions, err = h.w.DetectChanges(states[5], states[6])
	require.NoError(t, err)
	require.Equal(t, 0, len(actions))
}

func TestEventBelowStartBlockIsIgnored(t *testing.T) {
	h := setupWatcher(t)
	app := eventAppointment(1, 3, 100)
	h.save(t, app)

	blocks := util.Chain(0, 5, "main")
	util.WithLog(blocks[2], testEvent, testTopic)
	states := h.advance(t, nil, blocks...)

	require.Equal(t, false, states[3].Entries[entryKey(app)].Observed)
	require.Equal(t, false, states[4].Entries[entryKey(app)].Observed)
}

func TestInitialAncestryWalkStopsAtStartBlock(t *testing.T) {
	h := setupWatcher(t)
	blocks := util.Chain(0, 4, "main")
	util.WithLog(blocks[2], testEvent, testTopic)
	states := h.advance(t, nil, blocks...)

	// The appointment arrives after the event fired below its window. The
	// initial walk must not look under startBlock, so it stays watching.
	app := eventAppointment(1, 3, 100)
	h.save(t, app)
	next := h.advance(t, states[3], util.BlockAt(4, "main"))
	require.Equal(t, false, next[4].Entries[entryKey(app)].Observed)
}

func TestInitialAncestryWalkFindsEarlierEvent(t *testing.T) {
	h := setupWatcher(t)
	blocks := util.Chain(0, 4, "main")
	util.WithLog(blocks[2], testEvent, testTopic)
	states := h.advance(t, nil, blocks...)

	app := eventAppointment(1, 0, 100)
	h.save(t, app)
	next := h.advance(t, states[3], util.BlockAt(4, "main"))
	entry := next[4].Entries[entryKey(app)]
	require.Equal(t, true, entry.Observed)
	require.Equal(t, uint64(2), entry.BlockObserved)
}

func TestRelayAppointmentObservedWhenWindowOpens(t *testing.T) {
	h := setupWatcher(t)
	app := relayAppointment(1, 5, 100)
	h.save(t, app)

	states := h.advance(t, nil, util.Chain(0, 9, "main")...)

	require.Equal(t, false, states[4].Entries[entryKey(app)].Observed)
	entry := states[5].Entries[entryKey(app)]
	require.Equal(t, true, entry.Observed)
	require.Equal(t, uint64(5), entry.BlockObserved)

	actions, err := h.w.DetectChanges(states[7], states[8])
	require.NoError(t, err)
	require.Equal(t, 1, len(actions))
	start, ok := actions[0].(*StartResponse)
	require.Equal(t, true, ok)
	require.Equal(t, uint64(5), start.BlockObserved)
}

func TestBackupAppointmentNeverTriggers(t *testing.T) {
	h := setupWatcher(t)
	app := backupAppointment(0)
	h.save(t, app)

	blocks := util.Chain(0, 3, "main")
	util.WithLog(blocks[1], testCustomer)
	states := h.advance(t, nil, blocks...)

	require.Equal(t, false, states[2].Entries[entryKey(app)].Observed)
}

func TestReplacementResetsObservation(t *testing.T) {
	h := setupWatcher(t)
	v1 := eventAppointment(1, 0, 100)
	h.save(t, v1)

	blocks := util.Chain(0, 4, "main")
	util.WithLog(blocks[2], testEvent, testTopic)
	states := h.advance(t, nil, blocks...)
	require.Equal(t, true, states[3].Entries[entryKey(v1)].Observed)

	// The replacement watches a different topic, so its fresh walk finds
	// nothing even though the old version had already triggered.
	v2 := eventAppointment(2, 0, 100)
	v2.Topics = []common.Hash{common.HexToHash("0x5678")}
	h.save(t, v2)

	next := h.advance(t, states[3], util.BlockAt(4, "main"))
	_, oldKept := next[4].Entries[entryKey(v1)]
	require.Equal(t, false, oldKept)
	entry, ok := next[4].Entries[entryKey(v2)]
	require.Equal(t, true, ok)
	require.Equal(t, false, entry.Observed)
}

func TestExpiredAppointmentRemovedOnce(t *testing.T) {
	h := setupWatcher(t)
	app := eventAppointment(1, 0, 100)
	h.save(t, app)

	// No block ever carries the event, so the appointment expires watching
	// and is cleaned up 20 confirmations past its end block.
	states := h.advance(t, nil, util.Chain(0, 122, "main")...)

	actions, err := h.w.DetectChanges(states[118], states[119])
	require.NoError(t, err)
	require.Equal(t, 0, len(actions))

	actions, err = h.w.DetectChanges(states[119], states[120])
	require.NoError(t, err)
	require.Equal(t, 1, len(actions))
	remove, ok := actions[0].(*RemoveAppointment)
	require.Equal(t, true, ok)
	require.Equal(t, app.CustomerAddress, remove.Customer)
	require.Equal(t, app.ID, remove.ID)

	actions, err = h.w.DetectChanges(states[120], states[121])
	require.NoError(t, err)
	require.Equal(t, 0, len(actions))
}

func TestObservedAppointmentRemovedAfterConfirmations(t *testing.T) {
	h := setupWatcher(t)
	app := eventAppointment(1, 0, 100)
	key := entryKey(app)

	prev := &State{Height: 20, Entries: map[string]Entry{key: observedEntry(app, 2)}}
	next := &State{Height: 21, Entries: map[string]Entry{key: observedEntry(app, 2)}}

	// 20 confirmations of block 2 are reached at head 21. The response
	// threshold crossed long before, so only the removal fires.
	actions, err := h.w.DetectChanges(prev, next)
	require.NoError(t, err)
	require.Equal(t, 1, len(actions))
	_, ok := actions[0].(*RemoveAppointment)
	require.Equal(t, true, ok)

	later := &State{Height: 22, Entries: map[string]Entry{key: observedEntry(app, 2)}}
	actions, err = h.w.DetectChanges(next, later)
	require.NoError(t, err)
	require.Equal(t, 0, len(actions))
}

func TestFreshEntryCrossingBothThresholdsEmitsBoth(t *testing.T) {
	h := setupWatcher(t)
	app := eventAppointment(1, 0, 100)
	key := entryKey(app)

	// The appointment appears between heads with a deep observation, as
	// happens after a restart. Response and removal cross together.
	prev := &State{Height: 10, Entries: map[string]Entry{}}
	next := &State{Height: 30, Entries: map[string]Entry{key: observedEntry(app, 2)}}

	actions, err := h.w.DetectChanges(prev, next)
	require.NoError(t, err)
	require.Equal(t, 2, len(actions))
	_, ok := actions[0].(*StartResponse)
	require.Equal(t, true, ok)
	_, ok = actions[1].(*RemoveAppointment)
	require.Equal(t, true, ok)
}

func TestWatchingEntryBeforeExpiryEmitsNothing(t *testing.T) {
	h := setupWatcher(t)
	app := eventAppointment(1, 0, 100)
	key := entryKey(app)

	prev := &State{Height: 50, Entries: map[string]Entry{key: watchingEntry(app)}}
	next := &State{Height: 51, Entries: map[string]Entry{key: watchingEntry(app)}}

	actions, err := h.w.DetectChanges(prev, next)
	require.NoError(t, err)
	require.Equal(t, 0, len(actions))
}

func TestApplyStartResponseCallsResponder(t *testing.T) {
	h := setupWatcher(t)
	app := eventAppointment(1, 0, 100)

	err := h.w.ApplyAction(context.Background(), &StartResponse{Appointment: app, BlockObserved: 2})
	require.NoError(t, err)
	require.Equal(t, 1, len(h.responder.calls))
	require.Equal(t, app.Locator().String(), h.responder.calls[0].locator)
	require.Equal(t, uint64(2), h.responder.calls[0].blockObserved)
}

func TestApplyStartResponsePropagatesResponderError(t *testing.T) {
	h := setupWatcher(t)
	h.responder.err = context.DeadlineExceeded

	err := h.w.ApplyAction(context.Background(), &StartResponse{Appointment: eventAppointment(1, 0, 100)})
	require.ErrorContains(t, "could not start response", err)
}

func TestApplyRemoveAppointmentDeletesAndIsIdempotent(t *testing.T) {
	h := setupWatcher(t)
	ctx := context.Background()
	app := eventAppointment(1, 0, 100)
	h.save(t, app)

	remove := &RemoveAppointment{Customer: app.CustomerAddress, ID: app.ID}
	require.NoError(t, h.w.ApplyAction(ctx, remove))
	got, err := h.db.Appointment(ctx, app.CustomerAddress, app.ID)
	require.NoError(t, err)
	require.Equal(t, (*appointment.Appointment)(nil), got)

	require.NoError(t, h.w.ApplyAction(ctx, remove))
}

func TestApplyRejectsUnknownActionType(t *testing.T) {
	h := setupWatcher(t)
	err := h.w.ApplyAction(context.Background(), &State{})
	require.ErrorContains(t, "unknown watcher action type", err)
}
