package blockcache

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "blockcache")
