// Package permission gates operations behind asynchronous runtime capability grants.
package permission

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Capability names understood by the bridge.
const (
	BluetoothScan    = "bluetooth_scan"
	BluetoothConnect = "bluetooth_connect"
	Location         = "location"
)

// Continuation resumes a gated operation with the grant result.
type Continuation func(granted bool, capability string)

// Platform is the host side of runtime permissions.
type Platform interface {
	// Granted reports whether capability is already granted.
	Granted(capability string) bool
	// RequestPermission shows one prompt for capability. The answer must be
	// delivered later to Gate.OnResult with the same token.
	RequestPermission(token int, capability string) error
}

type pendingRequest struct {
	capability string
	resume     Continuation
}

// Gate tracks the outstanding permission prompts keyed by token.
type Gate struct {
	mu        sync.Mutex
	platform  Platform
	nextToken int
	pending   map[int]pendingRequest
	logger    *logrus.Logger
}

// NewGate creates a gate over platform.
func NewGate(platform Platform, logger *logrus.Logger) *Gate {
	if logger == nil {
		logger = logrus.New()
	}
	return &Gate{
		platform: platform,
		pending:  make(map[int]pendingRequest),
		logger:   logger,
	}
}

// Ensure runs resume once capability is granted or refused. An empty capability
// or a capability already granted resumes synchronously with granted=true.
// Otherwise the call registers a pending request, asks the platform to prompt
// and returns without waiting for the answer.
func (g *Gate) Ensure(capability string, resume Continuation) {
	if capability == "" || g.platform == nil || g.platform.Granted(capability) {
		resume(true, capability)
		return
	}

	g.mu.Lock()
	g.nextToken++
	token := g.nextToken
	g.pending[token] = pendingRequest{capability: capability, resume: resume}
	g.mu.Unlock()

	log := g.logger.WithFields(logrus.Fields{"token": token, "capability": capability})
	log.Debug("Requesting permission")

	if err := g.platform.RequestPermission(token, capability); err != nil {
		log.WithError(err).Warn("Permission prompt could not be issued")
		g.OnResult(token, capability, false)
	}
}

// OnResult delivers the platform answer for token. Unknown tokens (stale or
// duplicate answers) are dropped; the return value reports whether a pending
// request was resumed.
func (g *Gate) OnResult(token int, capability string, granted bool) bool {
	g.mu.Lock()
	req, ok := g.pending[token]
	if ok {
		delete(g.pending, token)
	}
	g.mu.Unlock()

	if !ok {
		g.logger.WithFields(logrus.Fields{"token": token, "capability": capability}).
			Debug("Dropping permission result for unknown token")
		return false
	}

	g.logger.WithFields(logrus.Fields{
		"token":      token,
		"capability": req.capability,
		"granted":    granted,
	}).Debug("Permission result")

	req.resume(granted, req.capability)
	return true
}

// Pending returns the number of outstanding prompts.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}
