package params

import (
	"sync"

	"github.com/mohae/deepcopy"
)

var towerConfig = DefaultTowerConfig()
var towerConfigLock sync.RWMutex

// TowerConfig retrieves the active tower config.
func TowerConfig() *WatchtowerConfig {
	towerConfigLock.RLock()
	defer towerConfigLock.RUnlock()
	return towerConfig
}

// OverrideTowerConfig by replacing the config. The preferred pattern is to
// call TowerConfig().Copy(), change the specific parameters, and then call
// OverrideTowerConfig(c). Any subsequent calls to params.TowerConfig() will
// return this new configuration.
func OverrideTowerConfig(c *WatchtowerConfig) {
	towerConfigLock.Lock()
	defer towerConfigLock.Unlock()
	towerConfig = c
}

// Copy returns a copy of the config object.
func (c *WatchtowerConfig) Copy() *WatchtowerConfig {
	towerConfigLock.RLock()
	defer towerConfigLock.RUnlock()
	config, ok := deepcopy.Copy(*c).(WatchtowerConfig)
	if !ok {
		config = *towerConfig
	}
	return &config
}
