package projection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codemem/internal/config"
	"codemem/internal/logging"
	"codemem/internal/metrics"
	"codemem/internal/retry"
	"codemem/pkg/types"
)

// flakyGraph fails the first failures calls to ProjectMemory, then succeeds.
type flakyGraph struct {
	mu        sync.Mutex
	failures  int
	calls     int
	projected []string
	removed   []string
}

func (g *flakyGraph) ProjectMemory(_ context.Context, mem *types.Memory) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.calls <= g.failures {
		return errors.New("graph store unavailable")
	}
	g.projected = append(g.projected, mem.ID)
	return nil
}

func (g *flakyGraph) RemoveMemoryNode(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removed = append(g.removed, id)
	return nil
}

func (g *flakyGraph) snapshot() ([]string, []string, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.projected...), append([]string(nil), g.removed...), g.calls
}

func fastPolicy(attempts int) retry.Config {
	return retry.Config{
		MaxAttempts:  attempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
	}
}

func startPool(t *testing.T, g Projector, policy retry.Config) *Pool {
	t.Helper()
	p := NewPool(config.ProjectionConfig{Workers: 2, QueueSize: 16}, policy,
		g, logging.NewLogger(logging.ERROR), metrics.New())
	p.Start(context.Background(), 2)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	return p
}

func drain(t *testing.T, p *Pool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestProjectionRetriesUntilSuccess(t *testing.T) {
	g := &flakyGraph{failures: 3}
	p := startPool(t, g, fastPolicy(7))

	p.Enqueue(&types.Memory{ID: "m1", OwnerID: "alice", Content: "x"})
	drain(t, p)

	projected, _, calls := g.snapshot()
	assert.Equal(t, []string{"m1"}, projected)
	assert.Equal(t, 4, calls, "three failures then one success")
}

func TestProjectionTerminalFailureIsSwallowed(t *testing.T) {
	g := &flakyGraph{failures: 100}
	p := startPool(t, g, fastPolicy(3))

	p.Enqueue(&types.Memory{ID: "m1", OwnerID: "alice", Content: "x"})
	drain(t, p)

	projected, _, calls := g.snapshot()
	assert.Empty(t, projected)
	assert.Equal(t, 3, calls, "retry budget is bounded")
}

func TestProjectionRemoval(t *testing.T) {
	g := &flakyGraph{}
	p := startPool(t, g, fastPolicy(3))

	p.EnqueueRemoval("m9")
	drain(t, p)

	_, removed, _ := g.snapshot()
	assert.Equal(t, []string{"m9"}, removed)
}

func TestSyncReenqueuesBatch(t *testing.T) {
	g := &flakyGraph{}
	p := startPool(t, g, fastPolicy(3))

	n := p.Sync([]types.Memory{
		{ID: "m1", OwnerID: "alice"},
		{ID: "m2", OwnerID: "alice"},
	})
	assert.Equal(t, 2, n)
	drain(t, p)

	projected, _, _ := g.snapshot()
	assert.ElementsMatch(t, []string{"m1", "m2"}, projected)
}

func TestEnqueueAfterShutdownIsNoop(t *testing.T) {
	g := &flakyGraph{}
	p := startPool(t, g, fastPolicy(3))
	drain(t, p)

	p.Enqueue(&types.Memory{ID: "late"}) // must not panic on a closed channel
	projected, _, _ := g.snapshot()
	assert.Empty(t, projected)
}
