// Package clientstats periodically reports the tower's vital signs to a
// client-stats endpoint. The payload is built by scraping the tower's own
// prometheus exporter, so the reported numbers are exactly the monitored
// ones.
package clientstats

import "io"

const (
	// APIVersion of the stats payload format.
	APIVersion = 1
	// ClientName identifies this implementation in stats payloads.
	ClientName = "pisa"
	// TowerProcessName is the process type reported for the tower node.
	TowerProcessName = "watchtower"
)

// APIMessage fields are common to every stats payload.
type APIMessage struct {
	APIVersion  int    `json:"version"`
	Timestamp   int64  `json:"timestamp"` // unix milliseconds
	ProcessName string `json:"process"`
}

// CommonStats carries the process-level metrics every process type reports.
type CommonStats struct {
	CPUProcessSecondsTotal int64  `json:"cpu_process_seconds_total"`
	MemoryProcessBytes     int64  `json:"memory_process_bytes"`
	ClientName             string `json:"client_name"`
	ClientVersion          string `json:"client_version"`
}

// TowerStats is the stats payload of a running tower node.
type TowerStats struct {
	HeadBlock            int64 `json:"head_block"`
	ResponsesPending     int64 `json:"responses_pending"`
	ResponsesStarted     int64 `json:"responses_started_total"`
	AppointmentsAccepted int64 `json:"appointments_accepted_total"`
	CommonStats
	APIMessage
}

// Scraper turns a running process into a stats payload.
type Scraper interface {
	Scrape() (io.Reader, error)
}

// Updater delivers a scraped payload to its destination.
type Updater interface {
	Update(io.Reader) error
}
