package clientstats

import (
	"context"
	"time"

	"github.com/PISAresearch/pisa/async"
	log "github.com/sirupsen/logrus"
)

// DefaultScrapeInterval is the reporting cadence client-stats endpoints
// expect.
const DefaultScrapeInterval = 60 * time.Second

// Config options for the stats reporting service.
type Config struct {
	// ScrapeURL is the tower's own prometheus endpoint.
	ScrapeURL string
	// APIURL receives the stats payloads.
	APIURL string
	// Interval between reports. Zero selects DefaultScrapeInterval.
	Interval time.Duration
}

// Service scrapes the tower's metrics on a fixed cadence and forwards the
// payload to the configured client-stats endpoint. Failed deliveries warn
// and wait for the next tick; stats reporting never takes the node down.
type Service struct {
	ctx      context.Context
	cancel   context.CancelFunc
	scraper  Scraper
	updater  Updater
	interval time.Duration
}

// NewService builds the reporting service from its config.
func NewService(ctx context.Context, cfg *Config) *Service {
	ctx, cancel := context.WithCancel(ctx)
	interval := cfg.Interval
	if interval == 0 {
		interval = DefaultScrapeInterval
	}
	return &Service{
		ctx:      ctx,
		cancel:   cancel,
		scraper:  NewTowerScraper(cfg.ScrapeURL),
		updater:  NewClientStatsHTTPPostUpdater(cfg.APIURL),
		interval: interval,
	}
}

// Start begins the reporting loop.
func (s *Service) Start() {
	async.RunEvery(s.ctx, s.interval, s.reportOnce)
}

func (s *Service) reportOnce() {
	r, err := s.scraper.Scrape()
	if err != nil {
		log.WithError(err).Warn("Could not scrape tower metrics")
		return
	}
	if err := s.updater.Update(r); err != nil {
		log.WithError(err).Warn("Could not deliver client stats")
	}
}

// Stop ends the reporting loop. An in-flight report finishes on its own; it
// only reads metrics, so cutting it short at process exit loses nothing.
func (s *Service) Stop() error {
	s.cancel()
	return nil
}

// Status is always healthy; delivery failures only warn.
func (s *Service) Status() error {
	return nil
}
