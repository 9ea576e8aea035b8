package main

import (
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/bridge"
	"github.com/srg/blebridge/internal/device"
	"github.com/srg/blebridge/internal/native/goble"
	"github.com/srg/blebridge/internal/permission"
	"github.com/srg/blebridge/pkg/config"
)

// openBridge wires the native adapter, the permission policy and the bridge.
// A host without a usable central still gets a bridge; it answers bluetooth_unavailable.
func openBridge(cfg *config.Config, logger *logrus.Logger) (*bridge.Bridge, func(), error) {
	policy, err := cfg.PermissionPolicy()
	if err != nil {
		return nil, nil, err
	}

	platform, closePlatform := openPlatform(cfg, logger)
	opts := &bridge.Options{
		Permissions:  permission.NewPolicyPlatform(policy, permission.Granted, logger),
		Logger:       logger,
		DefaultMTU:   cfg.DefaultMTU,
		GattTimeout:  cfg.GattTimeout,
		EventBuffer:  cfg.EventBuffer,
		ScanRingSize: cfg.ScanRingSize,
	}

	adapter, err := goble.NewAdapter(goble.Options{
		Platform:       platform,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         logger,
	})
	switch {
	case err == nil:
		opts.Adapter = adapter
	case errors.Is(err, device.ErrUnavailable):
		logger.WithError(err).Warn("No Bluetooth adapter")
	default:
		// Usually missing HCI privileges; serve the unavailable answers rather than exit.
		logger.WithError(err).Error("Failed to open the native central")
	}

	b, err := bridge.New(opts)
	if err != nil {
		closePlatform()
		return nil, nil, err
	}

	cleanup := func() {
		if err := b.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close bridge")
		}
		if adapter != nil {
			if err := adapter.Close(); err != nil {
				logger.WithError(err).Debug("Failed to stop native central")
			}
		}
		closePlatform()
	}
	return b, cleanup, nil
}
