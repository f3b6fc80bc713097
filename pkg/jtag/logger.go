package jtag

import (
	"github.com/sirupsen/logrus"
)

var logger = logrus.New()

// SetLogger replaces the logger used by the backends.
func SetLogger(l *logrus.Logger) {
	if l != nil {
		logger = l
	}
}
