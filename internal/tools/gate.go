package tools

import (
	"sync"
	"time"
)

// registrationTTL bounds how long an unregistered customer stays gated
// without further activity.
const registrationTTL = 24 * time.Hour

// registrationGate tracks customers the backend reported as having no profile.
// While gated, only getProfile and store_profile may run.
type registrationGate struct {
	mu      sync.Mutex
	pending map[string]time.Time
	now     func() time.Time
}

func newRegistrationGate() *registrationGate {
	return &registrationGate{pending: make(map[string]time.Time), now: time.Now}
}

func (g *registrationGate) block(customer string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.pending[customer] = now
	for k, since := range g.pending {
		if now.Sub(since) > registrationTTL {
			delete(g.pending, k)
		}
	}
}

func (g *registrationGate) release(customer string) {
	g.mu.Lock()
	delete(g.pending, customer)
	g.mu.Unlock()
}

func (g *registrationGate) blocked(customer string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	since, ok := g.pending[customer]
	if !ok {
		return false
	}
	if g.now().Sub(since) > registrationTTL {
		delete(g.pending, customer)
		return false
	}
	return true
}

// allowedWhileUnregistered lists the tools usable before a profile exists.
func allowedWhileUnregistered(name string) bool {
	return name == ToolGetProfile || name == ToolStoreProfile
}
