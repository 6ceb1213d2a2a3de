package params

// MinimalTowerConfig returns a preset with every window shrunk for local
// development chains, where blocks arrive in seconds and reorganizations stay
// shallow. It is not safe for real networks: the retention window is far too
// small to ride out a mainnet reorganization.
func MinimalTowerConfig() *WatchtowerConfig {
	c := DefaultTowerConfig().Copy()
	c.MaxBlockDepth = 20
	c.HeadPollSeconds = 2

	c.AppointmentStartWindow = 6
	c.MaxAppointmentDuration = 1000

	c.ConfirmationsBeforeResponse = 1
	c.ConfirmationsBeforeRemoval = 5

	c.ConfirmationsBeforeRetire = 1
	c.StaleBlockCount = 2
	c.BroadcastBackoffMillis = 200
	c.BroadcastBackoffMaxMillis = 5000
	c.GasPriceCacheSeconds = 2

	c.BackupDuration = 1000
	c.BackupChallengePeriod = 20
	return c
}
