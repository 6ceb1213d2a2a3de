package rpc

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/PISAresearch/pisa/config/params"
	"github.com/PISAresearch/pisa/testing/require"
	"github.com/PISAresearch/pisa/testing/util"
	"github.com/PISAresearch/pisa/tower/appointment"
	"github.com/PISAresearch/pisa/tower/blockcache"
	"github.com/PISAresearch/pisa/tower/db/kv"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Well known throwaway dev keys, never used outside tests.
const (
	towerKeyHex    = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	customerKeyHex = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
)

var testTowerContract = common.HexToAddress("0x5fbdb2315678afecb367f032d93f642f64180aa3")

type rpcHarness struct {
	db          *kv.Store
	cache       *blockcache.Cache
	svc         *Service
	customerKey *ecdsa.PrivateKey
	customer    common.Address
}

// newRPCHarness wires the service over a fresh store with no observed head.
// Most tests want setupRPC, which also installs a head at height 100.
func newRPCHarness(t *testing.T) *rpcHarness {
	ctx := context.Background()
	db, err := kv.NewKVStore(ctx, t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	cache, err := blockcache.New(db, 200)
	require.NoError(t, err)
	towerKey, err := crypto.HexToECDSA(towerKeyHex)
	require.NoError(t, err)
	customerKey, err := crypto.HexToECDSA(customerKeyHex)
	require.NoError(t, err)
	svc := NewService(ctx, &Config{
		Host:          "127.0.0.1",
		Appointments:  db,
		Blocks:        cache,
		TowerKey:      towerKey,
		TowerContract: testTowerContract,
	})
	return &rpcHarness{
		db:          db,
		cache:       cache,
		svc:         svc,
		customerKey: customerKey,
		customer:    crypto.PubkeyToAddress(customerKey.PublicKey),
	}
}

func setupRPC(t *testing.T) *rpcHarness {
	h := newRPCHarness(t)
	h.setHead(t, 100)
	return h
}

func (h *rpcHarness) setHead(t *testing.T, height uint64) {
	t.Helper()
	b := util.BlockAt(height, "main")
	_, err := h.cache.AddBlock(context.Background(), b)
	require.NoError(t, err)
	require.NoError(t, h.cache.SetHead(b.Hash))
}

func (h *rpcHarness) sign(t *testing.T, a *appointment.Appointment) {
	t.Helper()
	digest, err := a.Digest(testTowerContract)
	require.NoError(t, err)
	sig, err := appointment.SignDigest(digest, h.customerKey)
	require.NoError(t, err)
	a.CustomerSig = sig
}

func (h *rpcHarness) signedAppointment(t *testing.T, id byte, nonce uint64) *appointment.Appointment {
	t.Helper()
	a := &appointment.Appointment{
		CustomerAddress: h.customer,
		ID:              common.Hash{id},
		Nonce:           nonce,
		StartBlock:      100,
		EndBlock:        200,
		ContractAddress: common.HexToAddress("0xffcf8fdee72ac11b5c542428b35eef5769c409f0"),
		Data:            hexutil.Bytes{0xfe, 0xed},
		GasLimit:        400_000,
		Mode:            appointment.ModeEvent,
		EventAddress:    common.HexToAddress("0x254dffcd3277c0b1660f6d42efbb754edababc2b"),
		Topics:          []common.Hash{common.HexToHash("0x1234")},
	}
	h.sign(t, a)
	return a
}

func (h *rpcHarness) signedBackup(t *testing.T, id byte, nonce uint64) *appointment.Appointment {
	t.Helper()
	cfg := params.TowerConfig()
	a := &appointment.Appointment{
		CustomerAddress: h.customer,
		ID:              common.Hash{id},
		Nonce:           nonce,
		StartBlock:      100,
		EndBlock:        100 + cfg.BackupDuration,
		ContractAddress: h.customer,
		Data:            hexutil.Bytes{0x0b, 0xac, 0x55},
		ChallengePeriod: cfg.BackupChallengePeriod,
		Mode:            appointment.ModeEvent,
		EventAddress:    h.customer,
	}
	h.sign(t, a)
	return a
}

func (h *rpcHarness) post(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	buf, err := json.Marshal(body)
	require.NoError(t, err)
	return h.rawPost(t, path, bytes.NewReader(buf))
}

func (h *rpcHarness) rawPost(t *testing.T, path string, body *bytes.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.svc.handler.ServeHTTP(rec, req)
	return rec
}

func (h *rpcHarness) get(t *testing.T, path string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.svc.handler.ServeHTTP(rec, req)
	return rec
}

// authHeaders signs the given block number with the customer key the way a
// real client authenticates retrieval requests.
func (h *rpcHarness) authHeaders(t *testing.T, blockNum uint64) map[string]string {
	t.Helper()
	sig, err := appointment.SignText([]byte(hexutil.EncodeUint64(blockNum)), h.customerKey)
	require.NoError(t, err)
	return map[string]string{
		authBlockHeader: strconv.FormatUint(blockNum, 10),
		authSigHeader:   hexutil.Encode(sig),
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error
}

func TestSubmitAppointmentReturnsCountersignedReceipt(t *testing.T) {
	h := setupRPC(t)
	a := h.signedAppointment(t, 0xa1, 1)

	rec := h.post(t, "/appointment", a)
	require.Equal(t, http.StatusOK, rec.Code)

	var receipt Receipt
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &receipt))
	require.Equal(t, h.svc.Address(), receipt.WatcherAddress)
	require.NotNil(t, receipt.Appointment)
	require.Equal(t, a.ID, receipt.Appointment.ID)

	// The countersignature must verify over the digest of the echoed
	// appointment, not just the one the client happened to send.
	digest, err := receipt.Appointment.Digest(testTowerContract)
	require.NoError(t, err)
	signer, err := appointment.RecoverSigner(digest, receipt.WatcherSignature)
	require.NoError(t, err)
	require.Equal(t, h.svc.Address(), signer)

	stored, err := h.db.Appointment(context.Background(), h.customer, a.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, uint64(1), stored.Nonce)
}

func TestSubmitAppointmentRejectsTamperedSignature(t *testing.T) {
	h := setupRPC(t)
	a := h.signedAppointment(t, 0xa1, 1)
	a.EndBlock = 201

	rec := h.post(t, "/appointment", a)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.StringContains(t, "invalid appointment", decodeError(t, rec))

	stored, err := h.db.Appointment(context.Background(), h.customer, a.ID)
	require.NoError(t, err)
	if stored != nil {
		t.Fatal("rejected appointment must not be stored")
	}
}

func TestSubmitAppointmentRejectsMalformedBody(t *testing.T) {
	h := setupRPC(t)
	rec := h.rawPost(t, "/appointment", bytes.NewReader([]byte("{not json")))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.StringContains(t, "malformed appointment request", decodeError(t, rec))
}

func TestSubmitAppointmentRejectsMissingFields(t *testing.T) {
	h := setupRPC(t)
	a := h.signedAppointment(t, 0xa1, 1)
	a.CustomerSig = nil

	rec := h.post(t, "/appointment", a)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.StringContains(t, "CustomerSig", decodeError(t, rec))
}

func TestSubmitAppointmentConflictOnStaleNonce(t *testing.T) {
	h := setupRPC(t)
	require.Equal(t, http.StatusOK, h.post(t, "/appointment", h.signedAppointment(t, 0xa1, 2)).Code)

	require.Equal(t, http.StatusConflict, h.post(t, "/appointment", h.signedAppointment(t, 0xa1, 1)).Code)
	require.Equal(t, http.StatusConflict, h.post(t, "/appointment", h.signedAppointment(t, 0xa1, 2)).Code)
	require.Equal(t, http.StatusOK, h.post(t, "/appointment", h.signedAppointment(t, 0xa1, 3)).Code)

	stored, err := h.db.Appointment(context.Background(), h.customer, common.Hash{0xa1})
	require.NoError(t, err)
	require.NotNil(t, stored)
	require.Equal(t, uint64(3), stored.Nonce)
}

func TestSubmitRelayAppointmentWithFilterRejected(t *testing.T) {
	h := setupRPC(t)
	a := h.signedAppointment(t, 0xa1, 1)
	a.Mode = appointment.ModeRelay
	h.sign(t, a)

	rec := h.post(t, "/appointment", a)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.StringContains(t, "relay mode forbids an event filter", decodeError(t, rec))
}

func TestSubmitAppointmentWithoutHeadUnavailable(t *testing.T) {
	h := newRPCHarness(t)
	rec := h.post(t, "/appointment", h.signedAppointment(t, 0xa1, 1))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestListAppointmentsRequiresAuthHeaders(t *testing.T) {
	h := setupRPC(t)
	rec := h.get(t, "/appointment/customer/"+h.customer.Hex(), nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListAppointmentsRejectsForeignSignature(t *testing.T) {
	h := setupRPC(t)
	towerKey, err := crypto.HexToECDSA(towerKeyHex)
	require.NoError(t, err)
	sig, err := appointment.SignText([]byte(hexutil.EncodeUint64(100)), towerKey)
	require.NoError(t, err)

	rec := h.get(t, "/appointment/customer/"+h.customer.Hex(), map[string]string{
		authBlockHeader: "100",
		authSigHeader:   hexutil.Encode(sig),
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListAppointmentsRejectsStaleAuthBlock(t *testing.T) {
	h := setupRPC(t)

	rec := h.get(t, "/appointment/customer/"+h.customer.Hex(), h.authHeaders(t, 90))
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.StringContains(t, "freshness window", decodeError(t, rec))

	rec = h.get(t, "/appointment/customer/"+h.customer.Hex(), h.authHeaders(t, 110))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAppointmentsRejectsBadAddress(t *testing.T) {
	h := setupRPC(t)
	rec := h.get(t, "/appointment/customer/nonsense", h.authHeaders(t, 100))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListAppointmentsReturnsOnlyCustomerRecords(t *testing.T) {
	h := setupRPC(t)
	ctx := context.Background()
	require.Equal(t, http.StatusOK, h.post(t, "/appointment", h.signedAppointment(t, 0xa1, 1)).Code)
	require.Equal(t, http.StatusOK, h.post(t, "/appointment", h.signedAppointment(t, 0xa2, 1)).Code)

	other := h.signedAppointment(t, 0xa3, 1)
	other.CustomerAddress = common.HexToAddress("0xe11ba2b4d45eaed5996cd0823791e0c93114882d")
	require.NoError(t, h.db.SaveAppointment(ctx, other))

	rec := h.get(t, "/appointment/customer/"+h.customer.Hex(), h.authHeaders(t, 100))
	require.Equal(t, http.StatusOK, rec.Code)

	var apps []*appointment.Appointment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apps))
	require.Equal(t, 2, len(apps))
	ids := map[common.Hash]bool{}
	for _, a := range apps {
		require.Equal(t, h.customer, a.CustomerAddress)
		ids[a.ID] = true
	}
	require.Equal(t, true, ids[common.Hash{0xa1}])
	require.Equal(t, true, ids[common.Hash{0xa2}])
}

func TestListAppointmentsEmptyForUnknownCustomer(t *testing.T) {
	h := setupRPC(t)
	rec := h.get(t, "/appointment/customer/"+h.customer.Hex(), h.authHeaders(t, 100))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestBackupRouteReturnsOnlyBackupEntries(t *testing.T) {
	h := setupRPC(t)
	require.Equal(t, http.StatusOK, h.post(t, "/appointment", h.signedAppointment(t, 0xa1, 1)).Code)
	backup := h.signedBackup(t, 0xb1, 3)
	require.Equal(t, http.StatusOK, h.post(t, "/appointment", backup).Code)

	rec := h.get(t, "/backup/customer/"+h.customer.Hex(), h.authHeaders(t, 100))
	require.Equal(t, http.StatusOK, rec.Code)

	var entries []*BackupEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Equal(t, 1, len(entries))
	require.Equal(t, backup.ID, entries[0].ID)
	require.Equal(t, uint64(3), entries[0].Nonce)
	require.DeepEqual(t, backup.Data, entries[0].Data)
}
