package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelrelay/dispatch/pkg/types"
)

type recordingHandler struct {
	name string
	mu   sync.Mutex
	seen []string
	done chan struct{} // closed-ish: signalled per event when non-nil
	fn   func(snap *types.Snapshot) error
}

func newRecordingHandler(name string) *recordingHandler {
	return &recordingHandler{name: name, done: make(chan struct{}, 128)}
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Handle(ctx context.Context, snap *types.Snapshot) error {
	var err error
	if h.fn != nil {
		err = h.fn(snap)
	}
	h.mu.Lock()
	h.seen = append(h.seen, snap.RequestID)
	h.mu.Unlock()
	h.done <- struct{}{}
	return err
}

func (h *recordingHandler) order() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.seen...)
}

func (h *recordingHandler) waitFor(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.done:
		case <-time.After(2 * time.Second):
			t.Fatalf("handler %s saw %d of %d events", h.name, i, n)
		}
	}
}

func snap(id string) *types.Snapshot {
	return &types.Snapshot{RequestID: id, Endpoint: "chat", Success: true}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPipelinePreservesPublishOrder(t *testing.T) {
	p := New(Config{Capacity: 8, Logger: testLogger()})
	h := newRecordingHandler("a")
	p.Register("*", h)
	p.Start()
	defer p.Close()

	want := make([]string, 0, 20)
	for i := 0; i < 20; i++ {
		id := fmt.Sprintf("r%02d", i)
		want = append(want, id)
		p.Publish(snap(id))
	}

	h.waitFor(t, 20)
	assert.Equal(t, want, h.order())
}

func TestPipelineSlowConsumerDoesNotBlockOthers(t *testing.T) {
	p := New(Config{Capacity: 64, Logger: testLogger()})

	blocked := make(chan struct{})
	slow := newRecordingHandler("slow")
	slow.fn = func(s *types.Snapshot) error {
		if s.RequestID == "r0" {
			<-blocked
		}
		return nil
	}
	fast := newRecordingHandler("fast")
	p.Register("*", slow)
	p.Register("*", fast)
	p.Start()
	defer p.Close()
	defer close(blocked)

	for i := 0; i < 10; i++ {
		p.Publish(snap(fmt.Sprintf("r%d", i)))
	}

	// The fast consumer finishes all ten while the slow one is stuck on
	// its first event.
	fast.waitFor(t, 10)
	assert.Len(t, fast.order(), 10)
}

func TestPipelinePanicIsolatedToOwningConsumer(t *testing.T) {
	p := New(Config{Capacity: 8, Logger: testLogger()})

	panicky := newRecordingHandler("panicky")
	panicky.fn = func(s *types.Snapshot) error {
		if s.RequestID == "r1" {
			panic("handler exploded")
		}
		return nil
	}
	steady := newRecordingHandler("steady")
	p.Register("*", panicky)
	p.Register("*", steady)
	p.Start()
	defer p.Close()

	for _, id := range []string{"r0", "r1", "r2"} {
		p.Publish(snap(id))
	}

	steady.waitFor(t, 3)
	assert.Equal(t, []string{"r0", "r1", "r2"}, steady.order())

	// The panicking consumer keeps consuming after the recovered panic.
	// Its own delivery of r1 never records (panic fires before the
	// append in Handle is reached only when fn panics).
	deadline := time.After(2 * time.Second)
	for {
		if len(panicky.order()) >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("panicky consumer stalled, saw %v", panicky.order())
		case <-time.After(10 * time.Millisecond):
		}
	}
	assert.Contains(t, panicky.order(), "r2")
}

func TestPipelineHandlerErrorDoesNotPropagate(t *testing.T) {
	p := New(Config{Capacity: 8, Logger: testLogger()})
	failing := newRecordingHandler("failing")
	failing.fn = func(s *types.Snapshot) error {
		return fmt.Errorf("sink unavailable")
	}
	p.Register("*", failing)
	p.Start()
	defer p.Close()

	p.Publish(snap("r0"))
	p.Publish(snap("r1"))
	failing.waitFor(t, 2)
	assert.Equal(t, []string{"r0", "r1"}, failing.order())
}

func TestPipelineDropsWhenBufferStaysFull(t *testing.T) {
	p := New(Config{Capacity: 2, PublishWait: 20 * time.Millisecond, Logger: testLogger()})

	blocked := make(chan struct{})
	stuck := newRecordingHandler("stuck")
	stuck.fn = func(s *types.Snapshot) error {
		<-blocked
		return nil
	}
	p.Register("*", stuck)
	p.Start()
	defer p.Close()
	defer close(blocked)

	// One event in flight inside the handler plus a full ring. Further
	// publishes must return within the bounded wait instead of hanging.
	start := time.Now()
	for i := 0; i < 6; i++ {
		p.Publish(snap(fmt.Sprintf("r%d", i)))
	}
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPipelinePublishWaitBoundHoldsUnderShortWaits(t *testing.T) {
	p := New(Config{Capacity: 1, PublishWait: time.Millisecond, Logger: testLogger()})

	blocked := make(chan struct{})
	stuck := newRecordingHandler("stuck")
	stuck.fn = func(s *types.Snapshot) error {
		<-blocked
		return nil
	}
	p.Register("*", stuck)
	p.Start()
	defer p.Close()
	defer close(blocked)

	// With a millisecond wait the timer wakeup races the wait itself;
	// every publish must still return near the bound, never hang until
	// a consumer frees a slot.
	start := time.Now()
	for i := 0; i < 100; i++ {
		p.Publish(snap(fmt.Sprintf("r%d", i)))
	}
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestPipelineEndpointPatterns(t *testing.T) {
	p := New(Config{Capacity: 8, Logger: testLogger()})
	chatOnly := newRecordingHandler("chat-only")
	prefixed := newRecordingHandler("prefixed")
	all := newRecordingHandler("all")
	p.Register("chat", chatOnly)
	p.Register("audio/*", prefixed)
	p.Register("*", all)
	p.Start()
	defer p.Close()

	events := []*types.Snapshot{
		{RequestID: "r0", Endpoint: "chat"},
		{RequestID: "r1", Endpoint: "audio/speech"},
		{RequestID: "r2", Endpoint: "audio/transcriptions"},
		{RequestID: "r3", Endpoint: "embeddings"},
	}
	for _, e := range events {
		p.Publish(e)
	}

	all.waitFor(t, 4)
	chatOnly.waitFor(t, 1)
	prefixed.waitFor(t, 2)
	assert.Equal(t, []string{"r0"}, chatOnly.order())
	assert.Equal(t, []string{"r1", "r2"}, prefixed.order())
}

func TestPipelineCloseDrainsBacklog(t *testing.T) {
	p := New(Config{Capacity: 32, Logger: testLogger()})
	h := newRecordingHandler("a")
	p.Register("*", h)
	p.Start()

	for i := 0; i < 10; i++ {
		p.Publish(snap(fmt.Sprintf("r%d", i)))
	}
	p.Close()
	assert.Len(t, h.order(), 10)

	// Publishing after close is a no-op.
	p.Publish(snap("late"))
	assert.Len(t, h.order(), 10)
}

func TestCostEnricher(t *testing.T) {
	e := CostEnricher()

	t.Run("multiplies usage by price", func(t *testing.T) {
		s := &types.Snapshot{
			Usage:     types.Usage{"prompt_tokens": 1000, "completion_tokens": 500},
			PriceInfo: map[string]float64{"prompt_tokens": 0.001, "completion_tokens": 0.002},
		}
		e.Enrich(s)
		assert.InDelta(t, 2.0, s.Cost, 1e-9)
	})

	t.Run("unknown metrics are free", func(t *testing.T) {
		s := &types.Snapshot{
			Usage:     types.Usage{"images": 3},
			PriceInfo: map[string]float64{"prompt_tokens": 0.001},
		}
		e.Enrich(s)
		assert.Zero(t, s.Cost)
	})

	t.Run("no price info leaves cost untouched", func(t *testing.T) {
		s := &types.Snapshot{Usage: types.Usage{"prompt_tokens": 10}}
		e.Enrich(s)
		assert.Zero(t, s.Cost)
	})
}

func TestEnrichersRunBeforeConsumers(t *testing.T) {
	p := New(Config{Capacity: 8, Logger: testLogger()})
	p.Use(CostEnricher())
	p.Use(RedactEnricher(func(string) string { return "[scrubbed]" }))

	var got *types.Snapshot
	h := newRecordingHandler("observer")
	h.fn = func(s *types.Snapshot) error {
		got = s
		return nil
	}
	p.Register("*", h)
	p.Start()
	defer p.Close()

	p.Publish(&types.Snapshot{
		RequestID:   "r0",
		Endpoint:    "chat",
		RequestBody: `{"api_key":"sk-secret"}`,
		Usage:       types.Usage{"prompt_tokens": 100},
		PriceInfo:   map[string]float64{"prompt_tokens": 0.01},
	})

	h.waitFor(t, 1)
	require.NotNil(t, got)
	assert.InDelta(t, 1.0, got.Cost, 1e-9)
	assert.Equal(t, "[scrubbed]", got.RequestBody)
}
