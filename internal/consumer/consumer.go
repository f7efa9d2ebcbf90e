// Package consumer drains the result queue: every result envelope is
// validated, dispatched to the delivery channel, and then acknowledged,
// requeued, or dead-lettered.
//
// Per-message lifecycle:
//
//	RECEIVED → VALIDATING → {DISPATCHING | REJECTED} → {ACKED | REQUEUED | DEAD-LETTERED}
//
// Acknowledgment is manual and happens only after dispatch completes,
// which gives at-least-once semantics: a crash between receive and ack
// makes the broker redeliver. Failed messages are left in the pending
// list and reclaimed after an idle period; the broker's own delivery
// count bounds retries, and exhaustion routes the message to the
// dead-letter stream.
package consumer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/broker"
	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/delivery"
	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/envelope"
	"github.com/andrewolobo/wasp-ai-bot-demo-sub000/internal/stats"
)

// Config holds configuration for the Consumer.
type Config struct {
	// Manager is the shared broker connection. Required.
	Manager *broker.Manager

	// Queue is the result queue to consume from. Required.
	Queue broker.QueueSpec

	// Deliver is the outbound delivery function. Required.
	Deliver delivery.Func

	// Name identifies this consumer within the group
	// (default "wasp-<uuid8>").
	Name string

	// Prefetch is the maximum number of messages processed concurrently
	// (default 10).
	Prefetch int

	// MaxDeliveryAttempts bounds retries before dead-lettering (default 3).
	MaxDeliveryAttempts int

	// Block is how long a read waits for new messages (default 5s).
	Block time.Duration

	// ClaimMinIdle is how long a failed message sits pending before it is
	// reclaimed for redelivery (default DeliveryTimeout + 5s, so a
	// dispatch that is merely slow is not reclaimed mid-flight).
	ClaimMinIdle time.Duration

	// ClaimInterval is how often the reclaim pass runs (default 5s).
	ClaimInterval time.Duration

	// DeliveryTimeout bounds one dispatch so a stalled delivery cannot
	// hold a prefetch slot indefinitely (default 30s).
	DeliveryTimeout time.Duration

	// Counters receives processing counts (optional).
	Counters *stats.Counters

	// LogFn is an optional callback for logging (if nil, prints to
	// stdout/stderr).
	LogFn func(level, msg string)
}

// Consumer processes result envelopes from the result queue.
type Consumer struct {
	cfg Config

	sem chan struct{}
	wg  sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New creates a Consumer.
func New(cfg Config) *Consumer {
	if cfg.Name == "" {
		cfg.Name = "wasp-" + uuid.New().String()[:8]
	}
	if cfg.Prefetch == 0 {
		cfg.Prefetch = 10
	}
	if cfg.MaxDeliveryAttempts == 0 {
		cfg.MaxDeliveryAttempts = 3
	}
	if cfg.Block == 0 {
		cfg.Block = 5 * time.Second
	}
	if cfg.ClaimInterval == 0 {
		cfg.ClaimInterval = 5 * time.Second
	}
	if cfg.DeliveryTimeout == 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if cfg.ClaimMinIdle == 0 {
		cfg.ClaimMinIdle = cfg.DeliveryTimeout + 5*time.Second
	}
	return &Consumer{
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.Prefetch),
		inFlight: make(map[string]struct{}),
	}
}

// Name returns the consumer's name within the group.
func (c *Consumer) Name() string {
	return c.cfg.Name
}

func (c *Consumer) log(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if c.cfg.LogFn != nil {
		c.cfg.LogFn(level, msg)
	} else if level == "error" || level == "warning" {
		fmt.Fprintf(os.Stderr, "%s\n", msg)
	} else {
		fmt.Printf("%s\n", msg)
	}
}

// Run consumes until the context is cancelled, then waits for in-flight
// dispatches to reach a terminal ack/nack before returning.
func (c *Consumer) Run(ctx context.Context) error {
	c.log("info", "Consumer %s started on %s (prefetch: %d)", c.cfg.Name, c.cfg.Queue.Stream, c.cfg.Prefetch)

	backoff := time.Second
	const maxBackoff = 30 * time.Second
	lastClaim := time.Now()

runLoop:
	for {
		select {
		case <-ctx.Done():
			break runLoop
		default:
		}

		client := c.cfg.Manager.Client()
		if client == nil {
			// Reconnect loop owns recovery; just wait it out.
			select {
			case <-ctx.Done():
				break runLoop
			case <-time.After(time.Second):
			}
			continue
		}

		if time.Since(lastClaim) >= c.cfg.ClaimInterval {
			lastClaim = time.Now()
			claimed, err := broker.Claim(ctx, client, c.cfg.Queue, c.cfg.Name, c.cfg.ClaimMinIdle, c.cfg.Prefetch)
			if err != nil && ctx.Err() == nil {
				c.log("warning", "Error reclaiming pending messages: %v", err)
			}
			for _, msg := range claimed {
				if !c.dispatchAsync(ctx, msg) {
					break runLoop
				}
			}
		}

		msgs, err := broker.Read(ctx, client, c.cfg.Queue, c.cfg.Name, c.cfg.Prefetch, c.cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				break runLoop
			}
			c.log("warning", "Error reading results: %v (retry in %s)", err, backoff)
			select {
			case <-ctx.Done():
				break runLoop
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second

		for _, msg := range msgs {
			if !c.dispatchAsync(ctx, msg) {
				break runLoop
			}
		}
	}

	c.wg.Wait()
	c.log("info", "Consumer %s stopped", c.cfg.Name)
	return nil
}

// dispatchAsync claims a prefetch slot and processes the message in its
// own goroutine. A message whose earlier dispatch has not finished is
// skipped: the reclaim pass can hand back an entry this consumer is
// still working on, and dispatching it twice would duplicate the
// outbound send. Returns false when the context was cancelled while
// waiting for a slot.
func (c *Consumer) dispatchAsync(ctx context.Context, msg broker.Message) bool {
	if !c.beginDispatch(msg.ID) {
		return true
	}
	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		c.endDispatch(msg.ID)
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() { <-c.sem }()
		defer c.endDispatch(msg.ID)
		c.process(msg)
	}()
	return true
}

// beginDispatch marks a message as in flight; false means it already is.
func (c *Consumer) beginDispatch(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inFlight[id]; ok {
		return false
	}
	c.inFlight[id] = struct{}{}
	return true
}

func (c *Consumer) endDispatch(id string) {
	c.mu.Lock()
	delete(c.inFlight, id)
	c.mu.Unlock()
}

// process runs one message through validation, dispatch and
// acknowledgment. It deliberately does not use the run context: an
// in-flight message must reach a terminal ack/nack even during shutdown.
func (c *Consumer) process(msg broker.Message) {
	if c.cfg.Counters != nil {
		c.cfg.Counters.AddReceived()
	}

	result, err := envelope.DecodeResult(msg.Payload)
	if err == nil {
		err = result.Validate()
	}
	if err != nil {
		// A malformed message will not become valid on redelivery, but
		// the uniform bounded-retry policy still applies; dead-lettering
		// is the give-up path.
		c.log("warning", "Rejecting message %s: %v", msg.ID, err)
		if c.cfg.Counters != nil {
			c.cfg.Counters.AddRejected()
		}
		c.fail(msg, fmt.Sprintf("validation failed: %v", err))
		return
	}

	c.logAgentInfo(result)

	switch result.Status {
	case envelope.StatusSuccess, envelope.StatusPartial:
		if err := c.deliver(result.Contact.CallbackAddress, result.ReplyText()); err != nil {
			c.log("error", "Delivery failed for result %s: %v", result.ResultID, err)
			c.fail(msg, fmt.Sprintf("delivery failed: %v", err))
			return
		}
		c.ack(msg)
		if c.cfg.Counters != nil {
			c.cfg.Counters.AddDelivered()
		}
		c.log("info", "Delivered result %s (work %s, status: %s)", result.ResultID, result.SourceWorkID, result.Status)

	case envelope.StatusError:
		if result.Failure != nil {
			c.log("warning", "Agent reported failure for work %s: %s (%s)",
				result.SourceWorkID, result.Failure.Code, result.Failure.Message)
		} else {
			c.log("warning", "Agent reported failure for work %s with no details", result.SourceWorkID)
		}
		if text := result.ReplyText(); text != "" {
			// Fallback message the agent prepared for the user.
			if err := c.deliver(result.Contact.CallbackAddress, text); err != nil {
				c.log("error", "Fallback delivery failed for result %s: %v", result.ResultID, err)
				c.fail(msg, fmt.Sprintf("fallback delivery failed: %v", err))
				return
			}
			if c.cfg.Counters != nil {
				c.cfg.Counters.AddDelivered()
			}
		}
		// A well-formed terminal error report is handled, not a failure.
		c.ack(msg)
	}
}

// deliver invokes the delivery function under the configured timeout.
// A panic in the callback must not crash the consumer; it is recovered
// and treated as a delivery failure.
func (c *Consumer) deliver(destination, text string) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.DeliveryTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("delivery callback panicked: %v", r)
		}
	}()
	return c.cfg.Deliver(ctx, destination, text)
}

// ack acknowledges a message; failure to ack is logged and left to
// redelivery (duplicate dispatch is tolerated, lost acks are not fatal).
func (c *Consumer) ack(msg broker.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := c.cfg.Manager.Client()
	if client == nil {
		c.log("warning", "Cannot ack message %s: broker not connected", msg.ID)
		return
	}
	if err := broker.Ack(ctx, client, c.cfg.Queue, msg.ID); err != nil {
		c.log("warning", "Failed to ack message %s: %v", msg.ID, err)
	}
}

// fail applies the bounded retry policy: below the attempt budget the
// message stays pending for the reclaim pass to redeliver; at or above
// it the message is dead-lettered.
func (c *Consumer) fail(msg broker.Message, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client := c.cfg.Manager.Client()
	if client == nil {
		c.log("warning", "Cannot resolve retry for message %s: broker not connected", msg.ID)
		return
	}

	attempts, err := broker.DeliveryCount(ctx, client, c.cfg.Queue, msg.ID)
	if err != nil {
		c.log("warning", "Failed to read delivery count for %s: %v", msg.ID, err)
		return // left pending; next reclaim retries
	}

	if attempts >= int64(c.cfg.MaxDeliveryAttempts) {
		c.log("warning", "Message %s exhausted %d delivery attempts, dead-lettering: %s",
			msg.ID, c.cfg.MaxDeliveryAttempts, reason)
		if err := broker.DeadLetter(ctx, client, c.cfg.Queue, c.cfg.Name, msg, reason); err != nil {
			c.log("error", "Failed to dead-letter message %s: %v", msg.ID, err)
			return
		}
		if c.cfg.Counters != nil {
			c.cfg.Counters.AddDeadLettered()
		}
		return
	}

	c.log("info", "Message %s left for redelivery (attempt %d/%d): %s",
		msg.ID, attempts, c.cfg.MaxDeliveryAttempts, reason)
	if c.cfg.Counters != nil {
		c.cfg.Counters.AddRequeued()
	}
}

// logAgentInfo logs the optional diagnostic bag; never blocks delivery.
func (c *Consumer) logAgentInfo(r *envelope.Result) {
	info := r.AgentInfo
	if info == nil {
		return
	}
	c.log("info", "Result %s agent info: tools=%v processing=%.2fs tokens=%d",
		r.ResultID, info.ToolsUsed, info.ProcessingSeconds, info.TokensUsed)
}
