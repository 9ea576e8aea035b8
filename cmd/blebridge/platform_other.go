//go:build !linux

package main

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/native/goble"
	"github.com/srg/blebridge/pkg/config"
)

// openPlatform has nothing to offer outside Linux; the central reports power itself.
func openPlatform(_ *config.Config, logger *logrus.Logger) (goble.Platform, func()) {
	logger.Debug("No host platform control on this OS")
	return nil, func() {}
}
