package backup

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/PISAresearch/pisa/testing/require"
	"github.com/pkg/errors"
)

type stubExporter struct {
	err      error
	override bool
	calls    int
}

func (s *stubExporter) Backup(_ context.Context, _ string, permissionOverride bool) error {
	s.calls++
	s.override = permissionOverride
	return s.err
}

func TestHandlerTriggersBackup(t *testing.T) {
	exp := &stubExporter{}
	handler := Handler(exp, t.TempDir())

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/db/backup", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "OK", rec.Body.String())
	require.Equal(t, 1, exp.calls)
	require.Equal(t, false, exp.override)
}

func TestHandlerPassesPermissionOverride(t *testing.T) {
	exp := &stubExporter{}
	handler := Handler(exp, t.TempDir())

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/db/backup?permissionOverride", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, true, exp.override)
}

func TestHandlerReportsExporterFailure(t *testing.T) {
	exp := &stubExporter{err: errors.New("disk full")}
	handler := Handler(exp, t.TempDir())

	rec := httptest.NewRecorder()
	handler(rec, httptest.NewRequest(http.MethodGet, "/db/backup", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
}
