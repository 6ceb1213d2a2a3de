// Package rpc serves the customer-facing HTTP API of the tower: appointment
// submission with countersigned receipts, and signed retrieval of a
// customer's stored appointments and encrypted backups.
package rpc

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/PISAresearch/pisa/tower/blockcache"
	"github.com/PISAresearch/pisa/tower/db/iface"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
)

const shutdownTimeout = 2 * time.Second

// Config options for the rpc service.
type Config struct {
	Host           string
	Port           int
	Appointments   iface.AppointmentDatabase
	Blocks         *blockcache.Cache
	TowerKey       *ecdsa.PrivateKey
	TowerContract  common.Address
	AllowedOrigins []string
}

// Service defines the HTTP surface customers submit appointments to and
// retrieve their records from. Requests that read customer data carry a
// signature over a recent block number instead of a session.
type Service struct {
	ctx      context.Context
	cancel   context.CancelFunc
	cfg      *Config
	address  common.Address
	validate *validator.Validate
	handler  http.Handler
	server   *http.Server

	errMu    sync.RWMutex
	runError error
}

// NewService builds the router and middleware but does not bind the port
// until Start is called.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	s := &Service{
		ctx:      ctx,
		cancel:   cancel,
		cfg:      cfg,
		address:  crypto.PubkeyToAddress(cfg.TowerKey.PublicKey),
		validate: validator.New(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/appointment", s.submitAppointment).Methods(http.MethodPost)
	router.HandleFunc("/appointment/customer/{address}", s.listAppointments).Methods(http.MethodGet)
	router.HandleFunc("/backup/customer/{address}", s.listBackups).Methods(http.MethodGet)
	router.Use(s.logRequests)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", authBlockHeader, authSigHeader},
	})
	s.handler = c.Handler(router)
	return s
}

// Address returns the tower address receipts are countersigned with.
func (s *Service) Address() common.Address {
	return s.address
}

// Start binds the configured address and serves requests until Stop.
func (s *Service) Start() {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.server = &http.Server{Addr: addr, Handler: s.handler}
	log.WithFields(logrus.Fields{
		"address": addr,
		"tower":   s.address.Hex(),
	}).Info("Serving customer API")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errMu.Lock()
			s.runError = err
			s.errMu.Unlock()
			log.WithError(err).Error("Customer API server failed")
		}
	}()
}

// Stop shuts the server down, letting in-flight requests drain.
func (s *Service) Stop() error {
	defer s.cancel()
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Status returns an error if the listener failed after Start.
func (s *Service) Status() error {
	s.errMu.RLock()
	defer s.errMu.RUnlock()
	return s.runError
}

// statusRecorder captures the response code for the request log.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Service) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		log.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start),
		}).Debug("Served request")
	})
}
