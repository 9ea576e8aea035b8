// Package groutine starts named goroutines. The name travels as a pprof label,
// so it shows up in goroutine profiles and can be read back from the context.
package groutine

import (
	"context"
	"runtime/debug"
	"runtime/pprof"

	"github.com/sirupsen/logrus"
)

const nameLabel = "goroutine_name"

// OnPanic receives panics recovered from goroutines started by Go.
var OnPanic = func(name string, recovered any, stack []byte) {
	logrus.WithFields(logrus.Fields{
		"goroutine": name,
		"panic":     recovered,
	}).Errorf("Recovered from panic:\n%s", stack)
}

// Go runs fn on a new goroutine labelled with name. A nil parent means
// context.Background(). Native callbacks run here, so a panic is recovered
// and handed to OnPanic instead of terminating the bridge.
//
//	groutine.Go(ctx, "ble-connect", func(ctx context.Context) {
//	    ...
//	})
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}

	go pprof.Do(parent, pprof.Labels(nameLabel, name), func(ctx context.Context) {
		defer func() {
			if r := recover(); r != nil {
				OnPanic(name, r, debug.Stack())
			}
		}()
		fn(ctx)
	})
}

// Name returns the label Go attached to ctx, or "" outside such a goroutine.
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	name, _ := pprof.Label(ctx, nameLabel)
	return name
}
