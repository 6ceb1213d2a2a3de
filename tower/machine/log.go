package machine

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "machine")
