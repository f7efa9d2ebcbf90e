// Package publisher hands units of AI-processing work off to the work
// queue. A call to Send either durably enqueues the work or reports an
// error; nothing is queued client-side, so back-pressure lands on the
// caller.
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/broker"
	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/envelope"
	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/stats"
)

// Publisher publishes work envelopes through a shared broker connection.
type Publisher struct {
	manager     *broker.Manager
	queue       broker.QueueSpec
	maxAttempts int
	counters    *stats.Counters
	logFn       func(level, msg string)
}

// Config holds configuration for the Publisher.
type Config struct {
	// Manager is the shared broker connection. Required.
	Manager *broker.Manager

	// Queue is the work queue to publish to. Required.
	Queue broker.QueueSpec

	// MaxAttempts is stamped into retry_meta for the agent (default 3).
	MaxAttempts int

	// Counters receives publish counts (optional).
	Counters *stats.Counters

	// LogFn is an optional callback for logging (if nil, prints to stdout).
	LogFn func(level, msg string)
}

// New creates a Publisher.
func New(cfg Config) *Publisher {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &Publisher{
		manager:     cfg.Manager,
		queue:       cfg.Queue,
		maxAttempts: cfg.MaxAttempts,
		counters:    cfg.Counters,
		logFn:       cfg.LogFn,
	}
}

func (p *Publisher) log(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if p.logFn != nil {
		p.logFn(level, msg)
	} else {
		fmt.Printf("%s\n", msg)
	}
}

// Send wraps the given work into an envelope and publishes it.
// Returns the generated work id, or broker.ErrNotConnected when the
// connection manager is not in the connected state; transient broker
// unavailability is surfaced, never retried here.
func (p *Publisher) Send(ctx context.Context, contact envelope.Contact, content envelope.Content, convCtx envelope.Context, kind envelope.TaskKind) (string, error) {
	client := p.manager.Client()
	if client == nil {
		return "", broker.ErrNotConnected
	}

	work := &envelope.Work{
		WorkID:    uuid.New().String(),
		CreatedAt: time.Now().Unix(),
		TaskKind:  kind,
		Contact:   contact,
		Content:   content,
		Context:   convCtx,
		RetryMeta: envelope.RetryMeta{Attempt: 0, MaxAttempts: p.maxAttempts},
	}

	payload, err := envelope.EncodeWork(work)
	if err != nil {
		return "", err
	}

	if _, err := broker.Publish(ctx, client, p.queue, work.WorkID, string(kind), payload); err != nil {
		return "", err
	}

	if p.counters != nil {
		p.counters.AddPublished()
	}
	p.log("info", "Published work %s for %s (kind: %s)", work.WorkID, contact.ExternalID, kind)
	return work.WorkID, nil
}
