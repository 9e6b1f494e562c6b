package ledger

import (
	"log/slog"
	"sync"
)

// Ledger is the coordinator's global admission gate. It bounds the number
// of backup jobs in flight across the whole fleet with a single
// check-and-increment under one mutex, so admission never observes a gap
// between check and reservation and never blocks on I/O.
type Ledger struct {
	mu       sync.Mutex
	max      int
	inflight int
	logger   *slog.Logger
}

// New creates a ledger admitting at most max concurrent jobs
func New(max int, logger *slog.Logger) *Ledger {
	return &Ledger{
		max:    max,
		logger: logger,
	}
}

// TryAdmit reserves one unit of global capacity. It returns false without
// blocking when the fleet is already at its maximum.
func (l *Ledger) TryAdmit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inflight >= l.max {
		return false
	}

	l.inflight++
	return true
}

// Release returns one unit of global capacity. Releasing below zero is a
// bookkeeping bug elsewhere; it is logged and clamped rather than allowed
// to corrupt the count.
func (l *Ledger) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.inflight <= 0 {
		l.logger.Warn("Ledger release without matching admit, clamping to zero",
			slog.Int("inflight", l.inflight),
		)
		l.inflight = 0
		return
	}

	l.inflight--
}

// InFlight returns the current number of admitted jobs
func (l *Ledger) InFlight() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight
}

// Max returns the configured global maximum
func (l *Ledger) Max() int {
	return l.max
}
