// Package scanner implements scan session bookkeeping: duplicate suppression of
// discovery events within one scan window.
package scanner

import (
	"sync/atomic"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
)

// session is one scan window. It is replaced wholesale on Start, so a discovery
// event racing with a restart lands either in the old or in the new session.
type session struct {
	allowDuplicates bool
	seen            *hashmap.Map[string, struct{}]
	suppressed      atomic.Int64
}

// Deduplicator decides which discovery events of the active scan are delivered.
type Deduplicator struct {
	current atomic.Pointer[session]
	logger  *logrus.Logger
}

// NewDeduplicator creates a deduplicator with no active session.
func NewDeduplicator(logger *logrus.Logger) *Deduplicator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Deduplicator{logger: logger}
}

// Start opens a new scan session, forgetting every address seen before.
func (d *Deduplicator) Start(allowDuplicates bool) {
	prev := d.current.Swap(&session{
		allowDuplicates: allowDuplicates,
		seen:            hashmap.New[string, struct{}](),
	})
	if prev != nil {
		d.logger.WithFields(logrus.Fields{
			"devices":    prev.seen.Len(),
			"suppressed": prev.suppressed.Load(),
		}).Debug("Replacing previous scan session")
	}
}

// Stop discards the active session.
func (d *Deduplicator) Stop() {
	if prev := d.current.Swap(nil); prev != nil {
		d.logger.WithFields(logrus.Fields{
			"devices":    prev.seen.Len(),
			"suppressed": prev.suppressed.Load(),
		}).Debug("Scan session closed")
	}
}

// Active reports whether a scan session is open.
func (d *Deduplicator) Active() bool {
	return d.current.Load() != nil
}

// Admit reports whether the discovery event for address is delivered. Events
// arriving outside a scan session are dropped; events without an address are
// always delivered while a session is open.
func (d *Deduplicator) Admit(address string) bool {
	s := d.current.Load()
	if s == nil {
		return false
	}
	if s.allowDuplicates || address == "" {
		return true
	}
	if !s.seen.Insert(address, struct{}{}) {
		s.suppressed.Add(1)
		return false
	}
	return true
}

// Seen returns the number of distinct addresses reported this session.
func (d *Deduplicator) Seen() int {
	if s := d.current.Load(); s != nil {
		return s.seen.Len()
	}
	return 0
}
