//go:build test

package dispatch

import (
	"github.com/srg/blebridge/internal/device"
)

// BlockingSink holds every delivery until release is closed.
type BlockingSink struct {
	release <-chan struct{}
}

func NewBlockingSink(release <-chan struct{}) *BlockingSink {
	return &BlockingSink{release: release}
}

func (b *BlockingSink) Deliver(device.Event) {
	<-b.release
}
