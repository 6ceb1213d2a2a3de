package clientstats

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/PISAresearch/pisa/testing/require"
	"github.com/sirupsen/logrus"
	logTest "github.com/sirupsen/logrus/hooks/test"
)

func init() {
	logrus.SetLevel(logrus.DebugLevel)
}

type mockRT struct {
	body string
}

func (rt *mockRT) RoundTrip(_ *http.Request) (*http.Response, error) {
	return &http.Response{
		Status:     http.StatusText(http.StatusOK),
		StatusCode: http.StatusOK,
		Body:       io.NopCloser(strings.NewReader(rt.body)),
	}, nil
}

var _ http.RoundTripper = &mockRT{}

func scrapeTowerStats(t *testing.T, body string) *TowerStats {
	t.Helper()
	scraper := towerScraper{tripper: &mockRT{body: body}}
	r, err := scraper.Scrape()
	require.NoError(t, err, "Unexpected error calling towerScraper.Scrape")
	ts := &TowerStats{}
	require.NoError(t, json.NewDecoder(r).Decode(ts))
	return ts
}

func TestTowerScraper(t *testing.T) {
	ts := scrapeTowerStats(t, prometheusTestBody)

	// CommonStats
	require.Equal(t, int64(225), ts.CPUProcessSecondsTotal)
	require.Equal(t, int64(1166630912), ts.MemoryProcessBytes)
	require.Equal(t, "v0.2.0", ts.ClientVersion)
	require.Equal(t, ClientName, ts.ClientName)

	// TowerStats
	require.Equal(t, int64(14009539), ts.HeadBlock)
	require.Equal(t, int64(3), ts.ResponsesPending)
	require.Equal(t, int64(12), ts.ResponsesStarted)
	require.Equal(t, int64(118), ts.AppointmentsAccepted)
}

func TestScraperToleratesMissingTowerMetrics(t *testing.T) {
	body := `# HELP process_cpu_seconds_total Total user and system CPU time spent in seconds.
# TYPE process_cpu_seconds_total counter
process_cpu_seconds_total 225.09
`
	ts := scrapeTowerStats(t, body)
	require.Equal(t, int64(225), ts.CPUProcessSecondsTotal)
	require.Equal(t, int64(0), ts.HeadBlock)
	require.Equal(t, int64(0), ts.ResponsesPending)
}

func mockNowFunc(fixedTime time.Time) func() time.Time {
	return func() time.Time {
		return fixedTime
	}
}

func TestAPIMessageDefaults(t *testing.T) {
	now = mockNowFunc(time.Unix(1619811114, 123456789))
	// 1e6 ns per ms, so 123456789 ns rounded down is 123 ms
	nowMillis := int64(1619811114123)

	ts := scrapeTowerStats(t, prometheusTestBody)

	require.Equal(t, nowMillis, ts.Timestamp, "Unexpected 'timestamp' in stats payload")
	require.Equal(t, APIVersion, ts.APIVersion, "Unexpected 'version' in stats payload")
	require.Equal(t, TowerProcessName, ts.ProcessName, "Unexpected 'process' in stats payload")
}

func TestBadInput(t *testing.T) {
	hook := logTest.NewGlobal()
	scraper := towerScraper{tripper: &mockRT{body: ""}}
	_, err := scraper.Scrape()
	require.NoError(t, err)
	require.LogsContain(t, hook, "Failed to get watchtower_version")
}

var prometheusTestBody = `
# HELP process_cpu_seconds_total Total user and system CPU time spent in seconds.
# TYPE process_cpu_seconds_total counter
process_cpu_seconds_total 225.09
# HELP process_resident_memory_bytes Resident memory size in bytes.
# TYPE process_resident_memory_bytes gauge
process_resident_memory_bytes 1.166630912e+09
# HELP watchtower_version Version of the running tower build.
# TYPE watchtower_version gauge
watchtower_version{commit="51eb1540",version="v0.2.0"} 1
# HELP watchtower_processor_head_height Height of the last head announced by the block processor
# TYPE watchtower_processor_head_height gauge
watchtower_processor_head_height 1.4009539e+07
# HELP watchtower_responder_pending_responses Number of response transactions currently tracked
# TYPE watchtower_responder_pending_responses gauge
watchtower_responder_pending_responses 3
# HELP watchtower_watcher_responses_started_total Total number of appointment responses handed to the responder
# TYPE watchtower_watcher_responses_started_total counter
watchtower_watcher_responses_started_total 12
# HELP watchtower_rpc_appointments_accepted_total Count of appointment submissions accepted with a receipt.
# TYPE watchtower_rpc_appointments_accepted_total counter
watchtower_rpc_appointments_accepted_total 118
`
