package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/storagefleet/backup-fleet/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fleet() []config.NodeConfig {
	return []config.NodeConfig{
		{Name: "storage-1", Address: "10.0.0.11", Port: 8081, MaxConcurrent: 2},
		{Name: "storage-2", Address: "10.0.0.12", Port: 8081, MaxConcurrent: 2},
		{Name: "storage-3", Address: "10.0.0.13", Port: 8081, MaxConcurrent: 1},
	}
}

func TestSelectNode(t *testing.T) {
	tests := []struct {
		name     string
		nodes    []Node
		exclude  map[string]bool
		wantName string
		wantOK   bool
	}{
		{
			name: "least loaded wins",
			nodes: []Node{
				{Name: "storage-1", Assigned: 2, Healthy: true},
				{Name: "storage-2", Assigned: 0, Healthy: true},
				{Name: "storage-3", Assigned: 1, Healthy: true},
			},
			wantName: "storage-2",
			wantOK:   true,
		},
		{
			name: "tie broken by name order",
			nodes: []Node{
				{Name: "storage-2", Assigned: 1, Healthy: true},
				{Name: "storage-1", Assigned: 1, Healthy: true},
			},
			wantName: "storage-1",
			wantOK:   true,
		},
		{
			name: "unreachable nodes skipped",
			nodes: []Node{
				{Name: "storage-1", Assigned: 0, Healthy: false},
				{Name: "storage-2", Assigned: 3, Healthy: true},
			},
			wantName: "storage-2",
			wantOK:   true,
		},
		{
			name: "excluded nodes skipped",
			nodes: []Node{
				{Name: "storage-1", Assigned: 0, Healthy: true},
				{Name: "storage-2", Assigned: 1, Healthy: true},
			},
			exclude:  map[string]bool{"storage-1": true},
			wantName: "storage-2",
			wantOK:   true,
		},
		{
			name: "no candidates",
			nodes: []Node{
				{Name: "storage-1", Assigned: 0, Healthy: false},
			},
			wantOK: false,
		},
		{
			name:   "empty snapshot",
			nodes:  nil,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node, ok := SelectNode(tt.nodes, tt.exclude)

			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantName, node.Name)
			}
		})
	}
}

func TestSnapshotOrdering(t *testing.T) {
	r := New(fleet(), testLogger())

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "storage-1", snap[0].Name)
	assert.Equal(t, "storage-2", snap[1].Name)
	assert.Equal(t, "storage-3", snap[2].Name)

	for _, n := range snap {
		assert.True(t, n.Healthy)
		assert.Zero(t, n.Assigned)
	}
}

func TestAssignedBookkeeping(t *testing.T) {
	r := New(fleet(), testLogger())

	r.IncAssigned("storage-1")
	r.IncAssigned("storage-1")
	r.DecAssigned("storage-1")

	snap := r.Snapshot()
	assert.Equal(t, 1, snap[0].Assigned)

	// Clamped at zero
	r.DecAssigned("storage-2")
	snap = r.Snapshot()
	assert.Zero(t, snap[1].Assigned)
}

func TestMarkUnreachableAndRecover(t *testing.T) {
	r := New(fleet(), testLogger())

	r.MarkUnreachable("storage-2")
	snap := r.Snapshot()
	assert.False(t, snap[1].Healthy)

	r.UpdateCapacity("storage-2", Capacity{Active: 1, Max: 2, Healthy: true})
	snap = r.Snapshot()
	assert.True(t, snap[1].Healthy)
	assert.Equal(t, 1, snap[1].ActiveSlots)
}

type stubProber struct {
	fail map[string]bool
}

func (p *stubProber) GetCapacity(_ context.Context, address string, _ int) (Capacity, error) {
	if p.fail[address] {
		return Capacity{}, errors.New("dial timeout")
	}
	return Capacity{Active: 1, Max: 2, Healthy: true}, nil
}

func TestProbeAll(t *testing.T) {
	r := New(fleet(), testLogger())

	r.probeAll(context.Background(), &stubProber{fail: map[string]bool{"10.0.0.12": true}})

	snap := r.Snapshot()
	assert.True(t, snap[0].Healthy)
	assert.False(t, snap[1].Healthy)
	assert.True(t, snap[2].Healthy)
	assert.Equal(t, 1, snap[0].ActiveSlots)
}
