package publisher

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/broker"
	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/envelope"
	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/stats"
)

var uuidRe = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func setupPublisher(t *testing.T) (*Publisher, broker.QueueSpec, *goredis.Client, *stats.Counters) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	q := broker.QueueSpec{
		Stream:     "work_queue",
		Group:      "agent-workers",
		TTL:        time.Minute,
		DeadLetter: "dlx:work_queue",
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
	p := New(Config{
		Manager:     m,
		Queue:       q,
		MaxAttempts: 3,
		Counters:    counters,
		LogFn:       func(level, msg string) {},
	})
	return p, q, raw, counters
}

func TestSendEnqueuesWork(t *testing.T) {
	p, q, raw, counters := setupPublisher(t)
	ctx := context.Background()

	contact := envelope.Contact{
		ExternalID:      "+10000000000",
		CallbackAddress: "+10000000000",
		DisplayName:     "Test User",
	}
	content := envelope.Content{Text: "hello", SourceMessageID: "m1", SourceTimestamp: 1700000000}
	convCtx := envelope.Context{FreeTextNotes: "vip"}

	workID, err := p.Send(ctx, contact, content, convCtx, envelope.TaskKindConversation)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !uuidRe.MatchString(workID) {
		t.Errorf("work id %q is not a uuid", workID)
	}

	entries, err := raw.XRange(ctx, q.Stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("XRange failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("work queue has %d entries, want 1", len(entries))
	}
	vals := entries[0].Values
	if vals[broker.FieldID] != workID {
		t.Errorf("entry id field = %v, want %s", vals[broker.FieldID], workID)
	}
	if vals[broker.FieldKind] != string(envelope.TaskKindConversation) {
		t.Errorf("entry kind field = %v", vals[broker.FieldKind])
	}

	work, err := envelope.DecodeWork([]byte(vals[broker.FieldPayload].(string)))
	if err != nil {
		t.Fatalf("DecodeWork failed: %v", err)
	}
	if work.WorkID != workID {
		t.Errorf("payload work_id = %s, want %s", work.WorkID, workID)
	}
	if work.Contact != contact {
		t.Errorf("payload contact = %+v, want %+v", work.Contact, contact)
	}
	if work.Content != content {
		t.Errorf("payload content = %+v, want %+v", work.Content, content)
	}
	if work.RetryMeta.Attempt != 0 || work.RetryMeta.MaxAttempts != 3 {
		t.Errorf("retry_meta = %+v, want attempt 0 / max 3", work.RetryMeta)
	}
	if work.CreatedAt == 0 {
		t.Error("created_at not set")
	}

	if got := counters.Snapshot().Published; got != 1 {
		t.Errorf("published counter = %d, want 1", got)
	}
}

func TestSendUniqueWorkIDs(t *testing.T) {
	p, _, _, _ := setupPublisher(t)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 10; i++ {
		id, err := p.Send(ctx, envelope.Contact{ExternalID: "x", CallbackAddress: "x"},
			envelope.Content{Text: "hi"}, envelope.Context{}, envelope.TaskKindConversation)
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate work id %s", id)
		}
		seen[id] = true
	}
}

func TestSendNotConnected(t *testing.T) {
	m := broker.NewManager(broker.Config{
		URL:   "redis://127.0.0.1:1",
		LogFn: func(level, msg string) {},
	})
	p := New(Config{
		Manager: m,
		Queue:   broker.QueueSpec{Stream: "work_queue", Group: "agent-workers"},
		LogFn:   func(level, msg string) {},
	})

	_, err := p.Send(context.Background(), envelope.Contact{ExternalID: "x", CallbackAddress: "x"},
		envelope.Content{Text: "hi"}, envelope.Context{}, envelope.TaskKindConversation)
	if err != broker.ErrNotConnected {
		t.Errorf("Send = %v, want ErrNotConnected", err)
	}
}
