package consumer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/broker"
	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/envelope"
	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/stats"
)

type deliveryCall struct {
	destination string
	text        string
}

// recorder is a delivery function that records calls and whose outcome
// per call is scripted via outcome (keyed by 1-based call number).
type recorder struct {
	mu      sync.Mutex
	calls   []deliveryCall
	outcome func(n int) error
}

func (r *recorder) deliver(ctx context.Context, destination, text string) error {
	r.mu.Lock()
	r.calls = append(r.calls, deliveryCall{destination, text})
	n := len(r.calls)
	r.mu.Unlock()
	if r.outcome != nil {
		return r.outcome(n)
	}
	return nil
}

func (r *recorder) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func (r *recorder) call(i int) deliveryCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[i]
}

type consumerHarness struct {
	queue    broker.QueueSpec
	raw      *goredis.Client
	rec      *recorder
	counters *stats.Counters
	cancel   context.CancelFunc
	done     chan struct{}
}

// startConsumer wires a consumer against a fresh miniredis with timings
// short enough that a full receive/requeue/dead-letter cycle completes
// within a test.
func startConsumer(t *testing.T, rec *recorder) *consumerHarness {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	q := broker.QueueSpec{
		Stream:     "result_queue",
		Group:      "bridge-consumers",
		TTL:        time.Minute,
		DeadLetter: "dlx:result_queue",
	}
	m := broker.NewManager(broker.Config{
		URL:    "redis://" + mr.Addr(),
		Queues: []broker.QueueSpec{q},
		LogFn:  func(level, msg string) {},
	})
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(func() { m.Close() })

	raw := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { raw.Close() })

	counters := &stats.Counters{}
	c := New(Config{
		Manager:             m,
		Queue:               q,
		Deliver:             rec.deliver,
		Name:                "test-consumer",
		Prefetch:            4,
		MaxDeliveryAttempts: 3,
		Block:               20 * time.Millisecond,
		ClaimMinIdle:        50 * time.Millisecond,
		ClaimInterval:       50 * time.Millisecond,
		DeliveryTimeout:     time.Second,
		Counters:            counters,
		LogFn:               func(level, msg string) {},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := c.Run(ctx); err != nil {
			t.Errorf("Run returned error: %v", err)
		}
	}()

	h := &consumerHarness{queue: q, raw: raw, rec: rec, counters: counters, cancel: cancel, done: done}
	t.Cleanup(h.stop)
	return h
}

func (h *consumerHarness) stop() {
	h.cancel()
	<-h.done
}

func (h *consumerHarness) enqueue(t *testing.T, r *envelope.Result) {
	t.Helper()
	payload, err := envelope.EncodeResult(r)
	if err != nil {
		t.Fatalf("EncodeResult failed: %v", err)
	}
	if _, err := broker.Publish(context.Background(), h.raw, h.queue, r.ResultID, "result", payload); err != nil {
		t.Fatalf("failed to enqueue result: %v", err)
	}
}

func (h *consumerHarness) enqueueRaw(t *testing.T, payload string) {
	t.Helper()
	if _, err := broker.Publish(context.Background(), h.raw, h.queue, "", "result", []byte(payload)); err != nil {
		t.Fatalf("failed to enqueue payload: %v", err)
	}
}

func (h *consumerHarness) pendingCount(t *testing.T) int64 {
	t.Helper()
	p, err := h.raw.XPending(context.Background(), h.queue.Stream, h.queue.Group).Result()
	if err != nil {
		t.Fatalf("XPending failed: %v", err)
	}
	return p.Count
}

func (h *consumerHarness) deadLetters(t *testing.T) []goredis.XMessage {
	t.Helper()
	entries, err := h.raw.XRange(context.Background(), h.queue.DeadLetter, "-", "+").Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		t.Fatalf("XRange on dead-letter stream failed: %v", err)
	}
	return entries
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

func successResult() *envelope.Result {
	return &envelope.Result{
		ResultID:     "r-1",
		SourceWorkID: "w-1",
		CreatedAt:    time.Now().Unix(),
		Status:       envelope.StatusSuccess,
		Contact:      envelope.ResultContact{CallbackAddress: "+10000000000"},
		Reply:        &envelope.Reply{Text: "hi there", Kind: "text"},
	}
}

func TestSuccessResultIsDeliveredAndAcked(t *testing.T) {
	rec := &recorder{}
	h := startConsumer(t, rec)

	h.enqueue(t, successResult())

	if !waitFor(t, 3*time.Second, func() bool {
		return rec.callCount() == 1 && h.pendingCount(t) == 0
	}) {
		t.Fatalf("result not delivered and acked: calls=%d pending=%d", rec.callCount(), h.pendingCount(t))
	}

	call := rec.call(0)
	if call.destination != "+10000000000" {
		t.Errorf("delivered to %q, want %q", call.destination, "+10000000000")
	}
	if call.text != "hi there" {
		t.Errorf("delivered text %q, want %q", call.text, "hi there")
	}

	// Settle briefly to catch a duplicate dispatch.
	time.Sleep(100 * time.Millisecond)
	if got := rec.callCount(); got != 1 {
		t.Errorf("delivery called %d times, want exactly 1", got)
	}

	snap := h.counters.Snapshot()
	if snap.Received != 1 || snap.Delivered != 1 {
		t.Errorf("counters = %+v, want received 1 / delivered 1", snap)
	}
	if len(h.deadLetters(t)) != 0 {
		t.Error("unexpected dead-letter entries")
	}
}

func TestSlowDeliveryIsDispatchedOnce(t *testing.T) {
	// Delivery takes far longer than ClaimMinIdle, so the reclaim pass
	// hands the still-in-flight entry back several times while the first
	// dispatch sleeps. None of those reclaims may reach the delivery
	// function.
	rec := &recorder{outcome: func(n int) error {
		time.Sleep(400 * time.Millisecond)
		return nil
	}}
	h := startConsumer(t, rec)

	h.enqueue(t, successResult())

	if !waitFor(t, 5*time.Second, func() bool {
		return rec.callCount() >= 1 && h.pendingCount(t) == 0
	}) {
		t.Fatalf("result not delivered and acked: calls=%d pending=%d", rec.callCount(), h.pendingCount(t))
	}

	// Leave room for any stray reclaim to dispatch again.
	time.Sleep(300 * time.Millisecond)
	if got := rec.callCount(); got != 1 {
		t.Errorf("delivery called %d times for one slow result, want exactly 1", got)
	}
	if len(h.deadLetters(t)) != 0 {
		t.Error("slow but successful result was dead-lettered")
	}
	if got := h.counters.Snapshot().Delivered; got != 1 {
		t.Errorf("delivered counter = %d, want 1", got)
	}
}

func TestErrorResultWithoutReplyIsAckedSilently(t *testing.T) {
	rec := &recorder{}
	h := startConsumer(t, rec)

	h.enqueue(t, &envelope.Result{
		ResultID:     "r-err",
		SourceWorkID: "w-err",
		Status:       envelope.StatusError,
		Contact:      envelope.ResultContact{CallbackAddress: "+10000000000"},
		Failure:      &envelope.Failure{Code: "model_timeout", Message: "upstream timed out"},
	})

	if !waitFor(t, 3*time.Second, func() bool {
		return h.counters.Snapshot().Received == 1 && h.pendingCount(t) == 0
	}) {
		t.Fatal("error result was not acked")
	}

	if got := rec.callCount(); got != 0 {
		t.Errorf("delivery called %d times for error result without reply, want 0", got)
	}
	if len(h.deadLetters(t)) != 0 {
		t.Error("error report must not be dead-lettered")
	}
}

func TestErrorResultWithFallbackReplyIsDelivered(t *testing.T) {
	rec := &recorder{}
	h := startConsumer(t, rec)

	h.enqueue(t, &envelope.Result{
		ResultID:     "r-fb",
		SourceWorkID: "w-fb",
		Status:       envelope.StatusError,
		Contact:      envelope.ResultContact{CallbackAddress: "+10000000000"},
		Reply:        &envelope.Reply{Text: "Sorry, something went wrong."},
		Failure:      &envelope.Failure{Code: "tool_error"},
	})

	if !waitFor(t, 3*time.Second, func() bool {
		return rec.callCount() == 1 && h.pendingCount(t) == 0
	}) {
		t.Fatal("fallback reply was not delivered")
	}
	if got := rec.call(0).text; got != "Sorry, something went wrong." {
		t.Errorf("fallback text = %q", got)
	}
}

func TestInvalidResultIsDeadLetteredWithoutDelivery(t *testing.T) {
	rec := &recorder{}
	h := startConsumer(t, rec)

	// Missing result_id: fails validation on every delivery, so the
	// bounded retry budget routes it to the dead-letter stream.
	h.enqueueRaw(t, `{"source_work_id":"w-bad","status":"success","contact":{"callback_address":"+1"},"reply":{"text":"x"}}`)

	if !waitFor(t, 5*time.Second, func() bool {
		return len(h.deadLetters(t)) == 1
	}) {
		t.Fatal("invalid result was not dead-lettered")
	}

	if got := rec.callCount(); got != 0 {
		t.Errorf("delivery called %d times for invalid result, want 0", got)
	}
	if got := h.pendingCount(t); got != 0 {
		t.Errorf("pending count = %d after dead-letter, want 0", got)
	}

	dl := h.deadLetters(t)[0]
	reason, _ := dl.Values["reason"].(string)
	if !strings.Contains(reason, "validation failed") {
		t.Errorf("dead-letter reason = %q, want validation failure", reason)
	}

	snap := h.counters.Snapshot()
	if snap.DeadLettered != 1 {
		t.Errorf("dead-lettered counter = %d, want 1", snap.DeadLettered)
	}
	if snap.Rejected == 0 {
		t.Error("rejected counter not incremented")
	}
}

func TestUnparsablePayloadIsDeadLettered(t *testing.T) {
	rec := &recorder{}
	h := startConsumer(t, rec)

	h.enqueueRaw(t, `not json at all`)

	if !waitFor(t, 5*time.Second, func() bool {
		return len(h.deadLetters(t)) == 1
	}) {
		t.Fatal("unparsable payload was not dead-lettered")
	}
	if got := rec.callCount(); got != 0 {
		t.Errorf("delivery called %d times for unparsable payload, want 0", got)
	}
}

func TestDeliveryFailureIsRetriedThenDelivered(t *testing.T) {
	rec := &recorder{outcome: func(n int) error {
		if n == 1 {
			return fmt.Errorf("gateway unavailable")
		}
		return nil
	}}
	h := startConsumer(t, rec)

	h.enqueue(t, successResult())

	if !waitFor(t, 5*time.Second, func() bool {
		return rec.callCount() >= 2 && h.pendingCount(t) == 0
	}) {
		t.Fatalf("message not redelivered after failure: calls=%d pending=%d", rec.callCount(), h.pendingCount(t))
	}

	snap := h.counters.Snapshot()
	if snap.Delivered != 1 {
		t.Errorf("delivered counter = %d, want 1", snap.Delivered)
	}
	if snap.Requeued == 0 {
		t.Error("requeued counter not incremented")
	}
	if len(h.deadLetters(t)) != 0 {
		t.Error("message dead-lettered despite eventual success")
	}
}

func TestPersistentDeliveryFailureIsDeadLettered(t *testing.T) {
	rec := &recorder{outcome: func(n int) error {
		return fmt.Errorf("gateway unavailable")
	}}
	h := startConsumer(t, rec)

	h.enqueue(t, successResult())

	if !waitFor(t, 5*time.Second, func() bool {
		return len(h.deadLetters(t)) == 1
	}) {
		t.Fatal("persistently failing message was not dead-lettered")
	}

	// Three delivery attempts, then give up.
	if got := rec.callCount(); got != 3 {
		t.Errorf("delivery attempted %d times, want 3", got)
	}
	if got := h.pendingCount(t); got != 0 {
		t.Errorf("pending count = %d after dead-letter, want 0", got)
	}
}

func TestPanickingDeliveryIsRecovered(t *testing.T) {
	rec := &recorder{outcome: func(n int) error {
		panic("delivery callback exploded")
	}}
	h := startConsumer(t, rec)

	h.enqueue(t, successResult())

	// A panicking callback is a delivery failure, not a crash; the
	// message runs through the same retry budget.
	if !waitFor(t, 5*time.Second, func() bool {
		return len(h.deadLetters(t)) == 1
	}) {
		t.Fatal("message with panicking delivery was not dead-lettered")
	}

	select {
	case <-h.done:
		t.Fatal("consumer stopped after delivery panic")
	default:
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	rec := &recorder{}
	h := startConsumer(t, rec)

	h.cancel()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
