//go:build linux

package main

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/native/bluez"
	"github.com/srg/blebridge/internal/native/goble"
	"github.com/srg/blebridge/pkg/config"
)

// openPlatform returns BlueZ power and bond control for the configured adapter.
// A host without BlueZ still gets a central, just without power control.
func openPlatform(cfg *config.Config, logger *logrus.Logger) (goble.Platform, func()) {
	client, err := bluez.Open(cfg.Adapter, logger)
	if err != nil {
		logger.WithError(err).Warn("BlueZ is not reachable, power and bond control disabled")
		return nil, func() {}
	}
	return client, func() { _ = client.Close() }
}
