package processor

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "processor")
