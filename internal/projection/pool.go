// Package projection runs the asynchronous graph-projection pipeline: after
// a memory is committed to the vector store, a bounded worker pool mirrors
// it into the knowledge graph with retry. Projection failures never affect
// the stored memory.
package projection

import (
	"context"
	"sync"

	"codemem/internal/config"
	"codemem/internal/logging"
	"codemem/internal/metrics"
	"codemem/internal/retry"
	"codemem/pkg/types"
)

// Projector is the slice of the graph engine the pool needs.
type Projector interface {
	ProjectMemory(ctx context.Context, mem *types.Memory) error
	RemoveMemoryNode(ctx context.Context, id string) error
}

type taskKind int

const (
	taskProject taskKind = iota
	taskRemove
)

type task struct {
	kind     taskKind
	memory   *types.Memory
	memoryID string
}

// Pool is the bounded projection worker pool.
type Pool struct {
	graph   Projector
	retrier *retry.Retrier
	logger  logging.Logger
	metrics *metrics.Metrics

	tasks chan task
	wg    sync.WaitGroup

	mu      sync.Mutex
	stopped bool
}

// NewPool creates the pool. policy is normally retry.ProjectionPolicy();
// tests pass a faster schedule.
func NewPool(cfg config.ProjectionConfig, policy retry.Config, graph Projector, logger logging.Logger, m *metrics.Metrics) *Pool {
	return &Pool{
		graph:   graph,
		retrier: retry.New(policy),
		logger:  logger.WithComponent("projection"),
		metrics: m,
		tasks:   make(chan task, cfg.QueueSize),
	}
}

// Start launches the workers. ctx cancellation aborts in-flight retries.
func (p *Pool) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.logger.Info("projection pool started", "workers", workers, "queue_size", cap(p.tasks))
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for t := range p.tasks {
		p.run(ctx, t)
	}
}

func (p *Pool) run(ctx context.Context, t task) {
	attempts := 0
	err := p.retrier.Do(ctx, func(ctx context.Context) error {
		attempts++
		switch t.kind {
		case taskRemove:
			return p.graph.RemoveMemoryNode(ctx, t.memoryID)
		default:
			return p.graph.ProjectMemory(ctx, t.memory)
		}
	})
	p.metrics.ProjectionAttempts.Observe(float64(attempts))

	id := t.memoryID
	if t.memory != nil {
		id = t.memory.ID
	}
	if err != nil {
		// Terminal: the memory stays stored and searchable, only its
		// graph projection is missing until a sync re-enqueues it.
		p.metrics.ProjectionTasks.WithLabelValues("failed").Inc()
		p.logger.ErrorContext(ctx, "graph projection failed",
			"error_code", "projection_failed",
			"memory_id", id,
			"attempts", attempts,
			"error", err.Error(),
		)
		return
	}
	if attempts > 1 {
		p.metrics.ProjectionTasks.WithLabelValues("retried").Inc()
	}
	p.metrics.ProjectionTasks.WithLabelValues("success").Inc()
	p.logger.DebugContext(ctx, "memory projected", "memory_id", id, "attempts", attempts)
}

// Enqueue schedules a memory for projection without blocking the caller.
// When the queue is full the task is dropped and logged; a later /graph/sync
// picks the memory up again.
func (p *Pool) Enqueue(mem *types.Memory) {
	p.submit(task{kind: taskProject, memory: mem})
}

// EnqueueRemoval schedules removal of a memory's graph node.
func (p *Pool) EnqueueRemoval(memoryID string) {
	p.submit(task{kind: taskRemove, memoryID: memoryID})
}

func (p *Pool) submit(t task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	select {
	case p.tasks <- t:
	default:
		p.metrics.ProjectionTasks.WithLabelValues("dropped").Inc()
		id := t.memoryID
		if t.memory != nil {
			id = t.memory.ID
		}
		p.logger.Warn("projection queue full, dropping task", "memory_id", id)
	}
}

// Sync re-enqueues a batch of memories, used by the administrative
// /graph/sync endpoint to repair projections that failed terminally.
func (p *Pool) Sync(memories []types.Memory) int {
	n := 0
	for i := range memories {
		p.Enqueue(&memories[i])
		n++
	}
	return n
}

// Shutdown stops accepting work and waits for in-flight tasks, bounded by
// ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
