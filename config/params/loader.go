package params

import (
	"io/ioutil"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

// LoadTowerConfigFile loads a yaml config file and applies it on top of the
// current configuration. Unknown keys are rejected so that typos in deployed
// config files fail loudly at startup.
func LoadTowerConfigFile(configFileName string) {
	yamlFile, err := ioutil.ReadFile(configFileName) // #nosec G304
	if err != nil {
		log.WithError(err).Fatal("Failed to read tower config file.")
	}
	conf := TowerConfig().Copy()
	if err := yaml.UnmarshalStrict(yamlFile, conf); err != nil {
		log.WithError(err).Fatal("Failed to parse tower config yaml file.")
	}
	log.WithField("file", configFileName).Debug("Loaded tower config file.")
	OverrideTowerConfig(conf)
}
