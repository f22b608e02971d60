// Package pipeline fans request snapshots out to registered consumers
// through a fixed-capacity ring buffer. Publishing is decoupled from the
// request path: a slow consumer delays publishers at most for the
// configured wait, after which the snapshot is dropped and counted.
package pipeline

import (
	"context"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/modelrelay/dispatch/pkg/types"

	"github.com/modelrelay/dispatch/internal/metrics"
)

// Handler consumes snapshots. Handlers run isolated: an error or panic
// in one handler is logged and counted, never observed by the request
// path or by other handlers.
type Handler interface {
	Name() string
	Handle(ctx context.Context, snap *types.Snapshot) error
}

// Enricher mutates a snapshot synchronously at publish time, before the
// snapshot is buffered. Enrichers run in registration order.
type Enricher interface {
	Enrich(snap *types.Snapshot)
}

// EnricherFunc adapts a function to Enricher.
type EnricherFunc func(snap *types.Snapshot)

// Enrich implements Enricher.
func (f EnricherFunc) Enrich(snap *types.Snapshot) { f(snap) }

const (
	defaultCapacity    = 1024
	defaultPublishWait = 100 * time.Millisecond
)

// Config contains configuration for a Pipeline.
type Config struct {
	// Capacity is the ring buffer size shared by all consumers
	// (default: 1024).
	Capacity int

	// PublishWait bounds how long Publish blocks when the slowest
	// consumer has the buffer full (default: 100ms). Past the wait the
	// snapshot is dropped.
	PublishWait time.Duration

	Logger *slog.Logger
}

type consumer struct {
	name    string
	pattern string
	handler Handler
	cursor  uint64
}

// Pipeline is a bounded ring buffer with one cursor per consumer. Every
// consumer sees snapshots in publish order.
type Pipeline struct {
	capacity    int
	publishWait time.Duration
	logger      *slog.Logger

	mu        sync.Mutex
	spaceFree *sync.Cond
	dataReady *sync.Cond
	buf       []*types.Snapshot
	head      uint64
	consumers []*consumer
	enrichers []Enricher
	started   bool
	closed    bool
	wg        sync.WaitGroup
}

// New creates a Pipeline.
func New(cfg Config) *Pipeline {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	if cfg.PublishWait <= 0 {
		cfg.PublishWait = defaultPublishWait
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pipeline{
		capacity:    cfg.Capacity,
		publishWait: cfg.PublishWait,
		logger:      cfg.Logger,
		buf:         make([]*types.Snapshot, cfg.Capacity),
	}
	p.spaceFree = sync.NewCond(&p.mu)
	p.dataReady = sync.NewCond(&p.mu)
	return p
}

// Use appends a synchronous enricher. Must be called before Start.
func (p *Pipeline) Use(e Enricher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enrichers = append(p.enrichers, e)
}

// Register adds a consumer for snapshots whose endpoint matches pattern.
// Pattern "" or "*" matches everything; a trailing "*" matches by
// prefix; anything else matches exactly. Must be called before Start.
func (p *Pipeline) Register(pattern string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers = append(p.consumers, &consumer{
		name:    h.Name(),
		pattern: pattern,
		handler: h,
		cursor:  p.head,
	})
}

// Start launches one goroutine per registered consumer.
func (p *Pipeline) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true
	for _, c := range p.consumers {
		p.wg.Add(1)
		go p.consume(c)
	}
}

// Close stops accepting snapshots and waits for consumers to drain the
// buffered backlog.
func (p *Pipeline) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.dataReady.Broadcast()
	p.spaceFree.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}

// Publish offers a snapshot to all consumers. It blocks at most the
// configured publish wait; with no registered consumers or a closed
// pipeline it is a no-op.
func (p *Pipeline) Publish(snap *types.Snapshot) {
	p.mu.Lock()
	if p.closed || len(p.consumers) == 0 {
		p.mu.Unlock()
		return
	}

	for _, e := range p.enrichers {
		e.Enrich(snap)
	}

	if p.full() {
		deadline := time.Now().Add(p.publishWait)
		for p.full() && !p.closed {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				p.mu.Unlock()
				metrics.PipelineDropped.Inc()
				p.logger.Warn("snapshot dropped, ring buffer full",
					"request_id", snap.RequestID, "endpoint", snap.Endpoint)
				return
			}
			// Re-armed per iteration, broadcasting under the lock: the
			// wakeup cannot fire between arming and the wait starting,
			// so the deadline holds even against a stuck consumer.
			timer := time.AfterFunc(remaining, func() {
				p.mu.Lock()
				p.spaceFree.Broadcast()
				p.mu.Unlock()
			})
			p.spaceFree.Wait()
			timer.Stop()
		}
		if p.closed {
			p.mu.Unlock()
			return
		}
	}

	p.buf[p.head%uint64(p.capacity)] = snap
	p.head++
	p.dataReady.Broadcast()
	p.mu.Unlock()
	metrics.PipelinePublished.Inc()
}

// full reports whether the slot behind the slowest cursor is still in
// use. Callers must hold mu.
func (p *Pipeline) full() bool {
	min := p.head
	for _, c := range p.consumers {
		if c.cursor < min {
			min = c.cursor
		}
	}
	return p.head-min >= uint64(p.capacity)
}

func (p *Pipeline) consume(c *consumer) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for c.cursor == p.head && !p.closed {
			p.dataReady.Wait()
		}
		if c.cursor == p.head && p.closed {
			p.mu.Unlock()
			return
		}
		snap := p.buf[c.cursor%uint64(p.capacity)]
		c.cursor++
		p.spaceFree.Broadcast()
		p.mu.Unlock()

		if matchEndpoint(c.pattern, snap.Endpoint) {
			p.deliver(c, snap)
		}
	}
}

func (p *Pipeline) deliver(c *consumer, snap *types.Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PipelineHandlerFailures.WithLabelValues(c.name).Inc()
			p.logger.Error("pipeline handler panic",
				"handler", c.name, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	start := time.Now()
	err := c.handler.Handle(context.Background(), snap)
	metrics.PipelineHandlerDuration.WithLabelValues(c.name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PipelineHandlerFailures.WithLabelValues(c.name).Inc()
		p.logger.Warn("pipeline handler failed",
			"handler", c.name, "request_id", snap.RequestID, "error", err)
	}
}

func matchEndpoint(pattern, endpoint string) bool {
	switch {
	case pattern == "" || pattern == "*":
		return true
	case strings.HasSuffix(pattern, "*"):
		return strings.HasPrefix(endpoint, strings.TrimSuffix(pattern, "*"))
	default:
		return pattern == endpoint
	}
}
