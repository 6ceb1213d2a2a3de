package prometheus

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/PISAresearch/pisa/runtime"
	"github.com/PISAresearch/pisa/testing/assert"
	"github.com/PISAresearch/pisa/testing/require"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type healthyService struct{}

func (_ *healthyService) Start()        {}
func (_ *healthyService) Stop() error   { return nil }
func (_ *healthyService) Status() error { return nil }

type failingService struct{}

func (_ *failingService) Start()      {}
func (_ *failingService) Stop() error { return nil }
func (_ *failingService) Status() error {
	return errors.New("subscription dropped")
}

func TestHealthzAllServicesHealthy(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	require.NoError(t, registry.RegisterService(&healthyService{}))
	s := NewService("127.0.0.1:0", registry)

	rec := httptest.NewRecorder()
	s.healthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.StringContains(t, "OK", rec.Body.String())
}

func TestHealthzReportsFailingService(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	require.NoError(t, registry.RegisterService(&healthyService{}))
	require.NoError(t, registry.RegisterService(&failingService{}))
	s := NewService("127.0.0.1:0", registry)

	rec := httptest.NewRecorder()
	s.healthzHandler(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.StringContains(t, "ERROR subscription dropped", rec.Body.String())
}

func TestHealthzHonorsJSONAccept(t *testing.T) {
	registry := runtime.NewServiceRegistry()
	require.NoError(t, registry.RegisterService(&healthyService{}))
	s := NewService("127.0.0.1:0", registry)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Accept", contentTypeJSON)
	rec := httptest.NewRecorder()
	s.healthzHandler(rec, req)

	require.Equal(t, contentTypeJSON, rec.Header().Get("Content-Type"))
	require.StringContains(t, `"data"`, rec.Body.String())
	require.StringContains(t, "OK", rec.Body.String())
}

func TestGoroutinezListsGoroutines(t *testing.T) {
	s := NewService("127.0.0.1:0", runtime.NewServiceRegistry())

	rec := httptest.NewRecorder()
	s.goroutinezHandler(rec, httptest.NewRequest(http.MethodGet, "/goroutinez", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.StringContains(t, "goroutine", rec.Body.String())
}

func TestLogrusCollectorCountsByPrefix(t *testing.T) {
	hook := NewLogrusCollector()
	entry := &logrus.Entry{
		Logger: logrus.StandardLogger(),
		Level:  logrus.InfoLevel,
		Data:   logrus.Fields{"prefix": "watcher"},
	}
	require.NoError(t, hook.Fire(entry))

	entry.Data = logrus.Fields{"prefix": 42}
	assert.ErrorContains(t, "prefix is not a string", hook.Fire(entry))
}
