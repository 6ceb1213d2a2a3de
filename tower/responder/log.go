package responder

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "responder")
