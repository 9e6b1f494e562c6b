package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/storagefleet/backup-fleet/internal/config"
)

// Node is an immutable snapshot of one agent's descriptor, as seen by the
// dispatcher at selection time
type Node struct {
	Name          string
	Address       string
	Port          int
	MaxConcurrent int
	Assigned      int
	ActiveSlots   int
	Healthy       bool
}

type nodeState struct {
	name          string
	address       string
	port          int
	maxConcurrent int
	assigned      int
	activeSlots   int
	healthy       bool
	lastProbe     time.Time
}

// Capacity is an agent's self-reported load, refreshed by the probe loop
type Capacity struct {
	Active  int
	Max     int
	Healthy bool
}

// CapacityProber fetches an agent's liveness/capacity probe
type CapacityProber interface {
	GetCapacity(ctx context.Context, address string, port int) (Capacity, error)
}

// Registry tracks the fleet's node descriptors: static identity from
// configuration, dynamic load and health from dispatch bookkeeping and
// periodic probes.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*nodeState
	logger *slog.Logger
}

// New builds a registry from the configured fleet. All nodes start
// healthy; the first failed probe or dispatch marks them unreachable.
func New(nodes []config.NodeConfig, logger *slog.Logger) *Registry {
	r := &Registry{
		nodes:  make(map[string]*nodeState, len(nodes)),
		logger: logger,
	}
	for _, n := range nodes {
		r.nodes[n.Name] = &nodeState{
			name:          n.Name,
			address:       n.Address,
			port:          n.Port,
			maxConcurrent: n.MaxConcurrent,
			healthy:       true,
		}
	}
	return r
}

// Snapshot returns all nodes ordered by name
func (r *Registry) Snapshot() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, Node{
			Name:          n.name,
			Address:       n.address,
			Port:          n.port,
			MaxConcurrent: n.maxConcurrent,
			Assigned:      n.assigned,
			ActiveSlots:   n.activeSlots,
			Healthy:       n.healthy,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IncAssigned records one more job assigned to a node
func (r *Registry) IncAssigned(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[name]; ok {
		n.assigned++
	}
}

// DecAssigned records a job leaving a node, clamped at zero
func (r *Registry) DecAssigned(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[name]; ok && n.assigned > 0 {
		n.assigned--
	}
}

// MarkUnreachable flags a node after a failed call to it
func (r *Registry) MarkUnreachable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[name]; ok && n.healthy {
		n.healthy = false
		r.logger.Warn("Node marked unreachable",
			slog.String("node", name),
		)
	}
}

// UpdateCapacity refreshes a node's probed load and health
func (r *Registry) UpdateCapacity(name string, cap Capacity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[name]
	if !ok {
		return
	}
	wasHealthy := n.healthy
	n.activeSlots = cap.Active
	if cap.Max > 0 {
		n.maxConcurrent = cap.Max
	}
	n.healthy = cap.Healthy
	n.lastProbe = time.Now()

	if !wasHealthy && cap.Healthy {
		r.logger.Info("Node recovered",
			slog.String("node", name),
		)
	}
}

// RunProbeLoop periodically refreshes every node's capacity until ctx is
// canceled. Probes are the only path by which an unreachable node
// becomes healthy again.
func (r *Registry) RunProbeLoop(ctx context.Context, prober CapacityProber, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.probeAll(ctx, prober)
		}
	}
}

func (r *Registry) probeAll(ctx context.Context, prober CapacityProber) {
	for _, node := range r.Snapshot() {
		cap, err := prober.GetCapacity(ctx, node.Address, node.Port)
		if err != nil {
			r.MarkUnreachable(node.Name)
			continue
		}
		r.UpdateCapacity(node.Name, cap)

		r.logger.Debug("Node probed",
			slog.String("node", node.Name),
			slog.Int("active", cap.Active),
			slog.Int("max", cap.Max),
			slog.Bool("healthy", cap.Healthy),
		)
	}
}
