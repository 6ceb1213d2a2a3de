// Package params defines the configurable parameters of a running watchtower.
package params

// WatchtowerConfig contains the tunable parameters of the watchtower: how
// deep it follows the chain, which appointments it accepts, and how the
// responder paces its transactions.
type WatchtowerConfig struct {
	// Chain following.
	MaxBlockDepth   uint64 `yaml:"MAX_BLOCK_DEPTH"`   // Reorg safety depth. Blocks this far below the head are pruned.
	HeadPollSeconds uint64 `yaml:"HEAD_POLL_SECONDS"` // Polling fallback cadence when no head subscription is available.

	// Appointment acceptance.
	AppointmentStartWindow uint64 `yaml:"APPOINTMENT_START_WINDOW"` // Allowed distance between an appointment start block and the current head.
	MaxAppointmentDuration uint64 `yaml:"MAX_APPOINTMENT_DURATION"` // Upper bound on endBlock - startBlock.
	MaxResponderGasLimit   uint64 `yaml:"MAX_RESPONDER_GAS_LIMIT"`  // Largest gas limit the responder will honor.
	AuthBlockWindow        uint64 `yaml:"AUTH_BLOCK_WINDOW"`        // Freshness window for signed-block-number request auth.
	MaxRequestBodyBytes    int64  `yaml:"MAX_REQUEST_BODY_BYTES"`   // Request body cap on the ingress.

	// Watcher scheduling, counted in confirmations of the triggering block.
	ConfirmationsBeforeResponse uint64 `yaml:"CONFIRMATIONS_BEFORE_RESPONSE"`
	ConfirmationsBeforeRemoval  uint64 `yaml:"CONFIRMATIONS_BEFORE_REMOVAL"`

	// Responder timing.
	ConfirmationsBeforeRetire uint64 `yaml:"CONFIRMATIONS_BEFORE_RETIRE"`  // Confirmations before a mined response's nonce is retired.
	StaleBlockCount           uint64 `yaml:"STALE_BLOCK_COUNT"`            // Heads a pending transaction may wait before it is repriced.
	ReplacementPriceBump      uint64 `yaml:"REPLACEMENT_PRICE_BUMP"`       // Minimum replacement gas price increase, in percent.
	BroadcastRetryLimit       uint64 `yaml:"BROADCAST_RETRY_LIMIT"`        // Attempts before a broadcast is declared permanently failed.
	BroadcastBackoffMillis    uint64 `yaml:"BROADCAST_BACKOFF_MILLIS"`     // Initial broadcast retry backoff.
	BroadcastBackoffMaxMillis uint64 `yaml:"BROADCAST_BACKOFF_MAX_MILLIS"` // Backoff ceiling.
	GasPriceCacheSeconds      uint64 `yaml:"GAS_PRICE_CACHE_SECONDS"`      // TTL of the suggested gas price cache.

	// Store coordination.
	BatchWaitMillis uint64 `yaml:"BATCH_WAIT_MILLIS"` // How long a caller waits for the shared write batch before timing out.

	// Backup appointments, the off-chain storage shorthand.
	BackupDuration        uint64 `yaml:"BACKUP_DURATION"`
	BackupChallengePeriod uint64 `yaml:"BACKUP_CHALLENGE_PERIOD"`
}

var defaultTowerConfig = &WatchtowerConfig{
	MaxBlockDepth:   200,
	HeadPollSeconds: 12,

	AppointmentStartWindow: 6,
	MaxAppointmentDuration: 60000,
	MaxResponderGasLimit:   2_000_000,
	AuthBlockWindow:        6,
	MaxRequestBodyBytes:    1 << 20,

	ConfirmationsBeforeResponse: 4,
	ConfirmationsBeforeRemoval:  20,

	ConfirmationsBeforeRetire: 4,
	StaleBlockCount:           5,
	ReplacementPriceBump:      13,
	BroadcastRetryLimit:       10,
	BroadcastBackoffMillis:    1000,
	BroadcastBackoffMaxMillis: 60000,
	GasPriceCacheSeconds:      30,

	BatchWaitMillis: 1000,

	BackupDuration:        60000,
	BackupChallengePeriod: 200,
}

// DefaultTowerConfig returns the parameter defaults.
func DefaultTowerConfig() *WatchtowerConfig {
	return defaultTowerConfig
}
