package cmd

import (
	"github.com/PISAresearch/pisa/config/params"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var log = logrus.WithField("prefix", "cmd")

// Flags is the process wide configuration derived from the shared flags. It
// is kept global so deep packages can consult it without threading it through
// every constructor.
type Flags struct {
	// MinimalConfig records that the short-window parameter preset is active.
	MinimalConfig bool
	// MaxGoroutines is the goroutine ceiling of the node's health checks.
	MaxGoroutines int
}

var sharedConfig *Flags

// Get retrieves the shared configuration.
func Get() *Flags {
	if sharedConfig == nil {
		return &Flags{MaxGoroutines: MaxGoroutines.Value}
	}
	return sharedConfig
}

// Init sets the global config equal to the config that is passed in.
func Init(c *Flags) {
	sharedConfig = c
}

// InitWithReset sets the global config and returns a function that is used to
// reset the configuration.
func InitWithReset(c *Flags) func() {
	prevConfig := Get()
	reset := func() {
		Init(prevConfig)
	}
	Init(c)
	return reset
}

// ConfigureWatchtower applies the shared flags of a running tower node.
func ConfigureWatchtower(cliCtx *cli.Context) error {
	cfg := Get()
	if cliCtx.Bool(MinimalConfigFlag.Name) {
		log.Warn("Using minimal tower parameters, not meant for chains with real value at stake")
		cfg.MinimalConfig = true
		params.OverrideTowerConfig(params.MinimalTowerConfig())
	}
	if cliCtx.IsSet(MaxGoroutines.Name) {
		cfg.MaxGoroutines = cliCtx.Int(MaxGoroutines.Name)
	}
	Init(cfg)
	return nil
}
