package eth1

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "eth1")
