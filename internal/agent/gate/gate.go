package gate

import (
	"log/slog"
	"sync"
)

// Gate bounds the number of backup jobs executing on this node. It mirrors
// the coordinator ledger's check-and-increment discipline at node scope:
// acquisition is atomic and never blocks, refusal leaves the count
// untouched.
type Gate struct {
	mu     sync.Mutex
	max    int
	active int
	logger *slog.Logger
}

// New creates a gate allowing at most max concurrent jobs
func New(max int, logger *slog.Logger) *Gate {
	return &Gate{
		max:    max,
		logger: logger,
	}
}

// TryAcquire claims one execution slot, returning false when the node is
// at its configured maximum
func (g *Gate) TryAcquire() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active >= g.max {
		return false
	}

	g.active++
	return true
}

// Release frees one execution slot, clamped at zero
func (g *Gate) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active <= 0 {
		g.logger.Warn("Gate release without matching acquire, clamping to zero",
			slog.Int("active", g.active),
		)
		g.active = 0
		return
	}

	g.active--
}

// Active returns the number of currently held slots
func (g *Gate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Max returns the node's configured maximum
func (g *Gate) Max() int {
	return g.max
}
