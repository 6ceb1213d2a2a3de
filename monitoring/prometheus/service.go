// Package prometheus serves the tower's operational endpoints: /metrics for
// every collector registered with the default registerer, /healthz backed by
// the node's service registry, and /goroutinez for stack dumps.
package prometheus

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/PISAresearch/pisa/runtime"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("prefix", "prometheus")

// Handler is an additional route served on the monitoring port, next to the
// built in ones.
type Handler struct {
	Path    string
	Handler func(http.ResponseWriter, *http.Request)
}

// Service serves the monitoring endpoints over plain HTTP.
type Service struct {
	server      *http.Server
	svcRegistry *runtime.ServiceRegistry
	failStatus  error
}

// NewService sets up a new instance for a given address host:port. An empty
// host matches any interface, so ":8008" is acceptable.
func NewService(addr string, svcRegistry *runtime.ServiceRegistry, additionalHandlers ...Handler) *Service {
	s := &Service{svcRegistry: svcRegistry}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.healthzHandler)
	mux.HandleFunc("/goroutinez", s.goroutinezHandler)

	for _, h := range additionalHandlers {
		mux.HandleFunc(h.Path, h.Handler)
	}

	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

func (s *Service) healthzHandler(w http.ResponseWriter, r *http.Request) {
	var hasError bool
	var buf bytes.Buffer
	for kind, status := range s.svcRegistry.Statuses() {
		var line string
		if status == nil {
			line = fmt.Sprintf("%v: OK\n", kind)
		} else {
			hasError = true
			line = fmt.Sprintf("%v: ERROR %v\n", kind, status)
		}
		if _, err := buf.WriteString(line); err != nil {
			hasError = true
		}
	}

	status := http.StatusOK
	if hasError {
		status = http.StatusServiceUnavailable
	}
	if err := writeResponse(w, r, status, generatedResponse{Data: buf}); err != nil {
		log.WithError(err).Error("Could not write healthz response")
	}
}

func (s *Service) goroutinezHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", contentTypePlainText)
	if err := pprof.Lookup("goroutine").WriteTo(w, 2); err != nil {
		log.WithError(err).Error("Could not write goroutine dump")
	}
}

// Start the monitoring service. If something else already listens on the
// port, the service marks itself failed instead of tearing the node down.
func (s *Service) Start() {
	go func() {
		addrParts := strings.Split(s.server.Addr, ":")
		conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%s", addrParts[len(addrParts)-1]), time.Second)
		if err == nil {
			if err := conn.Close(); err != nil {
				log.WithError(err).Error("Could not close connection")
			}
			log.WithField("address", s.server.Addr).Warn("Port already in use, not serving monitoring endpoints")
			s.failStatus = errors.New("monitoring port already in use")
			return
		}

		log.WithField("address", s.server.Addr).Debug("Starting monitoring service")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Errorf("Could not listen on %s", s.server.Addr)
			s.failStatus = err
		}
	}()
}

// Stop the service gracefully.
func (s *Service) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// Status reports a failed listener.
func (s *Service) Status() error {
	return s.failStatus
}
