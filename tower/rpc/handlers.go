package rpc

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/PISAresearch/pisa/config/params"
	"github.com/PISAresearch/pisa/runtime/logging"
	"github.com/PISAresearch/pisa/tower/appointment"
	"github.com/PISAresearch/pisa/tower/db/kv"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	authBlockHeader = "x-auth-block"
	authSigHeader   = "x-auth-sig"
)

var (
	appointmentsAcceptedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_rpc_appointments_accepted_total",
		Help: "Count of appointment submissions accepted with a receipt.",
	})
	appointmentsRejectedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "watchtower_rpc_appointments_rejected_total",
		Help: "Count of appointment submissions rejected before storage.",
	})
)

// Receipt is the tower's countersigned acceptance of an appointment. The
// signature covers the appointment digest, so the customer can later prove
// the tower agreed to watch for the trigger.
type Receipt struct {
	Appointment      *appointment.Appointment `json:"appointment"`
	WatcherSignature hexutil.Bytes            `json:"watcherSignature"`
	WatcherAddress   common.Address           `json:"watcherAddress"`
}

// BackupEntry is the restore view of one backup appointment: just enough for
// a recovering customer to decrypt and resubmit their state.
type BackupEntry struct {
	ID    common.Hash   `json:"id"`
	Nonce uint64        `json:"nonce"`
	Data  hexutil.Bytes `json:"data"`
}

type errorEnvelope struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Error("Could not write response body")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, &errorEnvelope{Error: msg})
}

func (s *Service) submitAppointment(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, params.TowerConfig().MaxRequestBodyBytes)
	var a appointment.Appointment
	if err := json.NewDecoder(body).Decode(&a); err != nil {
		appointmentsRejectedCounter.Inc()
		writeError(w, http.StatusBadRequest, "malformed appointment request: "+err.Error())
		return
	}
	if err := s.validate.Struct(&a); err != nil {
		appointmentsRejectedCounter.Inc()
		writeError(w, http.StatusBadRequest, "malformed appointment request: "+err.Error())
		return
	}
	head, err := s.cfg.Blocks.Head()
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "tower has not observed a chain head yet")
		return
	}
	if err := a.ValidateRequest(s.cfg.TowerContract, head.Number); err != nil {
		appointmentsRejectedCounter.Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Appointments.SaveAppointment(r.Context(), &a); err != nil {
		if errors.Is(err, kv.ErrStaleNonce) {
			appointmentsRejectedCounter.Inc()
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		log.WithError(err).Error("Could not store appointment")
		writeError(w, http.StatusInternalServerError, "could not store appointment")
		return
	}
	sig, err := a.SignReceipt(s.cfg.TowerKey, s.cfg.TowerContract)
	if err != nil {
		log.WithError(err).Error("Could not countersign appointment")
		writeError(w, http.StatusInternalServerError, "could not countersign appointment")
		return
	}
	appointmentsAcceptedCounter.Inc()
	log.WithFields(logging.AppointmentFields(&a)).Info("Accepted appointment")
	writeJSON(w, http.StatusOK, &Receipt{
		Appointment:      &a,
		WatcherSignature: sig,
		WatcherAddress:   s.address,
	})
}

func (s *Service) listAppointments(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerFromPath(w, r)
	if !ok {
		return
	}
	if status, err := s.authenticateCustomer(r, customer); err != nil {
		writeError(w, status, err.Error())
		return
	}
	apps, err := s.cfg.Appointments.AppointmentsByCustomer(r.Context(), customer)
	if err != nil {
		log.WithError(err).Error("Could not list appointments")
		writeError(w, http.StatusInternalServerError, "could not list appointments")
		return
	}
	if apps == nil {
		apps = []*appointment.Appointment{}
	}
	writeJSON(w, http.StatusOK, apps)
}

func (s *Service) listBackups(w http.ResponseWriter, r *http.Request) {
	customer, ok := customerFromPath(w, r)
	if !ok {
		return
	}
	if status, err := s.authenticateCustomer(r, customer); err != nil {
		writeError(w, status, err.Error())
		return
	}
	apps, err := s.cfg.Appointments.AppointmentsByCustomer(r.Context(), customer)
	if err != nil {
		log.WithError(err).Error("Could not list backups")
		writeError(w, http.StatusInternalServerError, "could not list backups")
		return
	}
	entries := make([]*BackupEntry, 0, len(apps))
	for _, a := range apps {
		if !a.IsBackup() {
			continue
		}
		entries = append(entries, &BackupEntry{ID: a.ID, Nonce: a.Nonce, Data: a.Data})
	}
	writeJSON(w, http.StatusOK, entries)
}

func customerFromPath(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := mux.Vars(r)["address"]
	if !common.IsHexAddress(raw) {
		writeError(w, http.StatusBadRequest, "path address is not a hex address")
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// authenticateCustomer checks the signed block number headers against the
// path customer. Signing the hex form of a block near the current head
// proves key possession without a session, and the freshness window keeps a
// captured signature from being replayed later.
func (s *Service) authenticateCustomer(r *http.Request, customer common.Address) (int, error) {
	blockHeader := r.Header.Get(authBlockHeader)
	sigHeader := r.Header.Get(authSigHeader)
	if blockHeader == "" || sigHeader == "" {
		return http.StatusUnauthorized, errors.Errorf("missing %s or %s header", authBlockHeader, authSigHeader)
	}
	blockNum, err := strconv.ParseUint(blockHeader, 10, 64)
	if err != nil {
		return http.StatusBadRequest, errors.Errorf("%s is not a decimal block number", authBlockHeader)
	}
	sig, err := hexutil.Decode(sigHeader)
	if err != nil {
		return http.StatusUnauthorized, errors.Errorf("%s is not a hex encoded signature", authSigHeader)
	}
	signer, err := appointment.RecoverTextSigner([]byte(hexutil.EncodeUint64(blockNum)), sig)
	if err != nil || signer != customer {
		return http.StatusUnauthorized, errors.New("signature does not recover to the customer address")
	}
	head, err := s.cfg.Blocks.Head()
	if err != nil {
		return http.StatusServiceUnavailable, errors.New("tower has not observed a chain head yet")
	}
	window := params.TowerConfig().AuthBlockWindow
	if blockNum+window < head.Number || blockNum > head.Number+window {
		return http.StatusBadRequest, errors.Errorf("auth block %d is outside the freshness window of head %d", blockNum, head.Number)
	}
	return 0, nil
}
