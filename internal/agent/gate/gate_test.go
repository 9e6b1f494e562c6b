package gate

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTryAcquire(t *testing.T) {
	tests := []struct {
		name        string
		max         int
		attempts    int
		wantGranted int
	}{
		{
			name:        "grants up to max",
			max:         2,
			attempts:    2,
			wantGranted: 2,
		},
		{
			name:        "refuses at max",
			max:         1,
			attempts:    4,
			wantGranted: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(tt.max, testLogger())

			granted := 0
			for i := 0; i < tt.attempts; i++ {
				if g.TryAcquire() {
					granted++
				}
			}

			assert.Equal(t, tt.wantGranted, granted)
			assert.Equal(t, tt.wantGranted, g.Active())
		})
	}
}

func TestRefusalLeavesCountUntouched(t *testing.T) {
	g := New(1, testLogger())

	require.True(t, g.TryAcquire())
	before := g.Active()

	require.False(t, g.TryAcquire())
	assert.Equal(t, before, g.Active())

	g.Release()
	assert.Equal(t, 0, g.Active())
	assert.True(t, g.TryAcquire())
}

func TestReleaseClampsAtZero(t *testing.T) {
	g := New(2, testLogger())

	g.Release()
	assert.Equal(t, 0, g.Active())
}

func TestConcurrentAcquireNeverExceedsMax(t *testing.T) {
	const max = 3
	const goroutines = 48

	g := New(max, testLogger())

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquire() {
				mu.Lock()
				granted++
				mu.Unlock()
				if g.Active() > max {
					t.Errorf("active exceeded max: %d", g.Active())
				}
				g.Release()
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, granted, goroutines)
	assert.Equal(t, 0, g.Active())
}
