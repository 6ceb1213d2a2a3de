package clientstats

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/prom2json"
	log "github.com/sirupsen/logrus"
)

type towerScraper struct {
	url     string
	tripper http.RoundTripper
}

func (ts *towerScraper) Scrape() (io.Reader, error) {
	log.Debugf("Scraping tower at %s", ts.url)
	pf, err := scrapeProm(ts.url, ts.tripper)
	if err != nil {
		return nil, err
	}

	stats := populateTowerStats(pf)

	b, err := json.Marshal(stats)
	return bytes.NewBuffer(b), err
}

// NewTowerScraper constructs a Scraper for the prometheus endpoint of a tower
// node, producing the json body for the watchtower process type.
func NewTowerScraper(promExpoURL string) Scraper {
	return &towerScraper{
		url: promExpoURL,
	}
}

// note on tripper: FetchMetricFamilies constructs an http.Client under the
// hood which falls back to the DefaultTransport when the tripper is nil, so
// only tests bother setting it.
func scrapeProm(url string, tripper http.RoundTripper) (map[string]*dto.MetricFamily, error) {
	mfChan := make(chan *dto.MetricFamily)
	errChan := make(chan error, 1)
	go func() {
		err := prom2json.FetchMetricFamilies(url, mfChan, tripper)
		if err != nil {
			errChan <- err
		}
	}()
	result := make(map[string]*dto.MetricFamily)
	for {
		select {
		case fam, chanOpen := <-mfChan:
			// FetchMetricFamilies closes the channel when done.
			if fam == nil && !chanOpen {
				return result, nil
			}
			result[fam.GetName()] = fam
		case err := <-errChan:
			return result, err
		}
	}
}

type metricMap map[string]*dto.MetricFamily

func (mm metricMap) getFamily(name string) (*dto.MetricFamily, error) {
	f, ok := mm[name]
	if !ok {
		return nil, fmt.Errorf("scraper did not find metric family %s", name)
	}
	return f, nil
}

var now = time.Now // var hook for tests to overwrite
var nanosPerMilli = int64(time.Millisecond) / int64(time.Nanosecond)

func populateAPIMessage(processName string) APIMessage {
	return APIMessage{
		Timestamp:   now().UnixNano() / nanosPerMilli,
		APIVersion:  APIVersion,
		ProcessName: processName,
	}
}

func populateCommonStats(pf metricMap) CommonStats {
	cs := CommonStats{}
	cs.ClientName = ClientName
	var f *dto.MetricFamily
	var m *dto.Metric
	var err error

	f, err = pf.getFamily("process_cpu_seconds_total")
	if err != nil {
		log.WithError(err).Debug("Failed to get process_cpu_seconds_total")
	} else {
		m = f.Metric[0]
		// float64->int64 truncates fractional seconds
		cs.CPUProcessSecondsTotal = int64(m.Counter.GetValue())
	}

	f, err = pf.getFamily("process_resident_memory_bytes")
	if err != nil {
		log.WithError(err).Debug("Failed to get process_resident_memory_bytes")
	} else {
		m = f.Metric[0]
		cs.MemoryProcessBytes = int64(m.Gauge.GetValue())
	}

	f, err = pf.getFamily("watchtower_version")
	if err != nil {
		log.WithError(err).Debug("Failed to get watchtower_version")
	} else {
		m = f.Metric[0]
		for _, l := range m.GetLabel() {
			if l.GetName() == "version" {
				cs.ClientVersion = l.GetValue()
			}
		}
	}

	return cs
}

func populateTowerStats(pf metricMap) TowerStats {
	var err error
	ts := TowerStats{}
	ts.CommonStats = populateCommonStats(pf)
	ts.APIMessage = populateAPIMessage(TowerProcessName)

	var f *dto.MetricFamily
	var m *dto.Metric

	f, err = pf.getFamily("watchtower_processor_head_height")
	if err != nil {
		log.WithError(err).Debug("Failed to get watchtower_processor_head_height")
	} else {
		m = f.Metric[0]
		ts.HeadBlock = int64(m.Gauge.GetValue())
	}

	f, err = pf.getFamily("watchtower_responder_pending_responses")
	if err != nil {
		log.WithError(err).Debug("Failed to get watchtower_responder_pending_responses")
	} else {
		m = f.Metric[0]
		ts.ResponsesPending = int64(m.Gauge.GetValue())
	}

	f, err = pf.getFamily("watchtower_watcher_responses_started_total")
	if err != nil {
		log.WithError(err).Debug("Failed to get watchtower_watcher_responses_started_total")
	} else {
		m = f.Metric[0]
		ts.ResponsesStarted = int64(m.Counter.GetValue())
	}

	f, err = pf.getFamily("watchtower_rpc_appointments_accepted_total")
	if err != nil {
		log.WithError(err).Debug("Failed to get watchtower_rpc_appointments_accepted_total")
	} else {
		m = f.Metric[0]
		ts.AppointmentsAccepted = int64(m.Counter.GetValue())
	}

	return ts
}
