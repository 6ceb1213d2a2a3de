package watcher

import "github.com/sirupsen/logrus"

var log = logrus.WithField("prefix", "watcher")
