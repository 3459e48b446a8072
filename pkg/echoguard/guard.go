package echoguard

import (
	"sync"
	"time"

	"github.com/harunnryd/echome/pkg/clock"
)

// Guard suppresses speech-start reactions while the client's own audio is starting to play.
type Guard struct {
	mu     sync.Mutex
	clock  clock.Clock
	expiry time.Time
	armed  bool
}

func New(c clock.Clock) *Guard {
	if c == nil {
		c = clock.Real{}
	}
	return &Guard{clock: c}
}

// Arm opens a suppression window of the given length starting now.
func (g *Guard) Arm(window time.Duration) {
	g.mu.Lock()
	g.expiry = g.clock.Now().Add(window)
	g.armed = true
	g.mu.Unlock()
}

// IsActive reports whether now is strictly before the window expiry.
func (g *Guard) IsActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.armed {
		return false
	}
	return g.clock.Now().Before(g.expiry)
}

func (g *Guard) Reset() {
	g.mu.Lock()
	g.armed = false
	g.expiry = time.Time{}
	g.mu.Unlock()
}
