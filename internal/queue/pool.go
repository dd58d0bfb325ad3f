// Package queue runs admitted inbound messages on a fixed set of workers.
// Messages are sharded by customer phone so each customer's messages are
// handled in arrival order by a single worker.
package queue

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/BTreeMap/SalonPipe/internal/util"
)

// Pool defaults.
const (
	DefaultWorkers    = 3
	DefaultQueueDepth = 256
)

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("worker pool stopped")

// Handler processes one message.
type Handler func(ctx context.Context, msg models.InboundMessage)

// Pool is a sharded worker pool with bounded per-shard queues.
type Pool struct {
	handler Handler
	shards  []chan models.InboundMessage

	mu      sync.RWMutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool creates a pool of workers, each with a queue of depth messages.
func NewPool(workers, depth int, h Handler) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	p := &Pool{handler: h, shards: make([]chan models.InboundMessage, workers)}
	for i := range p.shards {
		p.shards[i] = make(chan models.InboundMessage, depth)
	}
	return p
}

// Start launches the workers. Handlers receive a context cancelled by Stop
// once its drain deadline passes.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	for i, ch := range p.shards {
		p.wg.Add(1)
		go p.work(ctx, i, ch)
	}
	slog.Info("Pool.Start: workers started", "workers", len(p.shards), "depth", cap(p.shards[0]))
}

func (p *Pool) work(ctx context.Context, id int, ch <-chan models.InboundMessage) {
	defer p.wg.Done()
	for msg := range ch {
		p.run(ctx, id, msg)
	}
	slog.Debug("Pool.work: worker exited", "worker", id)
}

func (p *Pool) run(ctx context.Context, id int, msg models.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Pool.run: handler panicked", "worker", id, "message_id", msg.MessageID,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	p.handler(ctx, msg)
}

// Submit enqueues msg without blocking. It returns models.ErrQueueFull when
// the customer's shard is full.
func (p *Pool) Submit(msg models.InboundMessage) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	ch := p.shards[shardFor(util.NormalizePhone(msg.CustomerPhone), len(p.shards))]
	select {
	case ch <- msg:
		return nil
	default:
		slog.Warn("Pool.Submit: queue full", "message_id", msg.MessageID, "customer", msg.CustomerPhone)
		return models.ErrQueueFull
	}
}

// Stop rejects new messages and waits for queued ones to finish. If ctx
// ends first, running handlers are cancelled and ctx's error is returned.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	for _, ch := range p.shards {
		close(ch)
	}
	cancel := p.cancel
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		if cancel != nil {
			cancel()
		}
		slog.Info("Pool.Stop: drained")
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		slog.Warn("Pool.Stop: drain interrupted", "pending", p.Depth())
		return ctx.Err()
	}
}

// Depth returns the number of queued messages across all shards.
func (p *Pool) Depth() int {
	n := 0
	for _, ch := range p.shards {
		n += len(ch)
	}
	return n
}

func shardFor(key string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
