package engine

import (
	"sync"
	"time"

	"crowdgate/internal/model"
)

// Cooldown rate limits alerts per gate and status tier.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time)}
}

// Allow keys the cooldown by gate and tier, so a gate moving from warning to
// overcrowded still alerts immediately.
func (c *Cooldown) Allow(gateID string, status model.GateStatus, now time.Time, cooldown time.Duration) bool {
	return c.AllowKey(gateID+"|"+string(status), now, cooldown)
}

// AllowKey reports whether key may fire at now and records now when it does.
// A cooldown <= 0 always allows and records nothing.
func (c *Cooldown) AllowKey(key string, now time.Time, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok {
		if now.Sub(ts) < cooldown {
			return false
		}
	}
	c.last[key] = now
	return true
}
