package resilience

import (
	"sync"
	"time"

	"github.com/harunnryd/echome/pkg/clock"
)

// CircuitBreaker opens after threshold consecutive failures and stays open
// for the cooldown.
type CircuitBreaker struct {
	mu        sync.Mutex
	clock     clock.Clock
	failures  int
	threshold int
	openUntil time.Time
	cooldown  time.Duration
}

func NewCircuitBreaker(threshold int, cooldown time.Duration, c clock.Clock) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	if c == nil {
		c = clock.Real{}
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, clock: c}
}

func (c *CircuitBreaker) Allow() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.clock.Now().Before(c.openUntil)
}

func (c *CircuitBreaker) OnSuccess() {
	c.mu.Lock()
	c.failures = 0
	c.openUntil = time.Time{}
	c.mu.Unlock()
}

// OnFailure counts one failure and reports whether the breaker just opened.
func (c *CircuitBreaker) OnFailure() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures++
	if c.failures < c.threshold {
		return false
	}
	c.failures = 0
	c.openUntil = c.clock.Now().Add(c.cooldown)
	return true
}

func (c *CircuitBreaker) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}
