package permission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blebridge/internal/groutine"
)

// Decision is how a PolicyPlatform answers a capability.
type Decision string

const (
	// Granted capabilities never prompt.
	Granted Decision = "granted"
	// Ask prompts and the prompt is accepted.
	Ask Decision = "ask"
	// Denied prompts and the prompt is refused.
	Denied Decision = "denied"
)

// ParseDecision parses a decision name, case-insensitively.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case Granted, Ask, Denied:
		return d, nil
	default:
		return "", fmt.Errorf("unknown permission decision %q (expected granted, ask or denied)", s)
	}
}

// ErrNotBound is returned when a prompt is requested before Bind.
var ErrNotBound = errors.New("permission platform has no result receiver")

// PolicyPlatform answers permission prompts from a static policy on a named
// goroutine. Hosts without a runtime prompt use it in place of the prompt UI.
type PolicyPlatform struct {
	mu       sync.RWMutex
	policy   map[string]Decision
	fallback Decision
	respond  func(token int, capability string, granted bool) bool
	logger   *logrus.Logger
}

// NewPolicyPlatform creates a policy; capabilities missing from policy use fallback.
func NewPolicyPlatform(policy map[string]Decision, fallback Decision, logger *logrus.Logger) *PolicyPlatform {
	if logger == nil {
		logger = logrus.New()
	}
	p := &PolicyPlatform{
		policy:   make(map[string]Decision, len(policy)),
		fallback: fallback,
		logger:   logger,
	}
	for k, v := range policy {
		p.policy[k] = v
	}
	return p
}

// Bind sets the receiver of prompt answers, normally Gate.OnResult.
func (p *PolicyPlatform) Bind(respond func(token int, capability string, granted bool) bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.respond = respond
}

// Set changes the decision for one capability.
func (p *PolicyPlatform) Set(capability string, d Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy[capability] = d
}

func (p *PolicyPlatform) decision(capability string) Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if d, ok := p.policy[capability]; ok {
		return d
	}
	return p.fallback
}

func (p *PolicyPlatform) Granted(capability string) bool {
	return p.decision(capability) == Granted
}

func (p *PolicyPlatform) RequestPermission(token int, capability string) error {
	p.mu.RLock()
	respond := p.respond
	p.mu.RUnlock()
	if respond == nil {
		return ErrNotBound
	}

	granted := p.decision(capability) != Denied
	groutine.Go(context.Background(), fmt.Sprintf("permission-prompt-%d", token), func(ctx context.Context) {
		p.logger.WithFields(logrus.Fields{
			"token":      token,
			"capability": capability,
			"granted":    granted,
		}).Info("Answering permission prompt from policy")
		respond(token, capability, granted)
	})
	return nil
}
