package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Stream entry field names shared by both queues. The envelope itself
// travels JSON-encoded in the payload field; the id and kind fields are
// duplicated at the entry level for correlation and observability.
const (
	FieldID         = "id"
	FieldKind       = "kind"
	FieldPayload    = "payload"
	FieldEnqueuedAt = "enqueued_at"
)

// Message is one queue entry claimed by a consumer.
type Message struct {
	// ID is the broker-assigned stream entry id, used for ack.
	ID string

	// EnvelopeID is the envelope-level id carried in the entry fields.
	EnvelopeID string

	// Payload is the JSON-encoded envelope; empty when the entry is
	// malformed at the field level.
	Payload []byte
}

// Publish appends an envelope to a queue, marked with its envelope id,
// and trims entries older than the queue TTL. Age-based trimming is the
// streams equivalent of a per-message TTL: entry ids are millisecond
// timestamps, so MINID now−TTL drops everything expired.
func Publish(ctx context.Context, client *redis.Client, q QueueSpec, envelopeID, kind string, payload []byte) (string, error) {
	args := &redis.XAddArgs{
		Stream: q.Stream,
		Values: map[string]any{
			FieldID:         envelopeID,
			FieldKind:       kind,
			FieldPayload:    string(payload),
			FieldEnqueuedAt: time.Now().UTC().Format(time.RFC3339),
		},
	}
	if q.TTL > 0 {
		args.MinID = strconv.FormatInt(time.Now().Add(-q.TTL).UnixMilli(), 10)
		args.Approx = true
	}

	id, err := client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("failed to publish to %s: %w", q.Stream, err)
	}
	return id, nil
}

// Read fetches up to count new messages for the given consumer,
// blocking up to block. Returns an empty slice when nothing arrived.
func Read(ctx context.Context, client *redis.Client, q QueueSpec, consumer string, count int, block time.Duration) ([]Message, error) {
	streams, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.Group,
		Consumer: consumer,
		Streams:  []string{q.Stream, ">"},
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read from %s: %w", q.Stream, err)
	}

	var msgs []Message
	for _, stream := range streams {
		for _, xm := range stream.Messages {
			msgs = append(msgs, parseEntry(xm))
		}
	}
	return msgs, nil
}

// Claim takes over messages that have been pending longer than minIdle,
// typically ones an earlier dispatch attempt failed on. Claiming counts
// as a redelivery: the broker increments the message's delivery count.
func Claim(ctx context.Context, client *redis.Client, q QueueSpec, consumer string, minIdle time.Duration, count int) ([]Message, error) {
	entries, _, err := client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.Stream,
		Group:    q.Group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    "0-0",
		Count:    int64(count),
	}).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim pending messages on %s: %w", q.Stream, err)
	}

	msgs := make([]Message, 0, len(entries))
	for _, xm := range entries {
		msgs = append(msgs, parseEntry(xm))
	}
	return msgs, nil
}

// Ack acknowledges a message, removing it from the pending list.
func Ack(ctx context.Context, client *redis.Client, q QueueSpec, messageID string) error {
	return client.XAck(ctx, q.Stream, q.Group, messageID).Err()
}

// DeliveryCount returns how many times a message has been delivered to
// the group. The count is broker-maintained, so bounded retry
// terminates even when no one increments an application-level header.
func DeliveryCount(ctx context.Context, client *redis.Client, q QueueSpec, messageID string) (int64, error) {
	pending, err := client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.Stream,
		Group:  q.Group,
		Start:  messageID,
		End:    messageID,
		Count:  1,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(pending) > 0 {
		return pending[0].RetryCount, nil
	}
	return 0, nil
}

// DeadLetter moves a message to the queue's dead-letter stream for
// manual inspection and acknowledges it on the source queue. This is a
// terminal outcome for the message.
func DeadLetter(ctx context.Context, client *redis.Client, q QueueSpec, consumer string, msg Message, reason string) error {
	fields := map[string]any{
		"original_message_id": msg.ID,
		"original_queue":      q.Stream,
		"reason":              reason,
		"moved_at":            time.Now().UTC().Format(time.RFC3339),
		"consumer":            consumer,
		FieldID:               msg.EnvelopeID,
		FieldPayload:          string(msg.Payload),
	}
	if err := client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.DeadLetter,
		Values: fields,
	}).Err(); err != nil {
		return fmt.Errorf("failed to dead-letter message %s: %w", msg.ID, err)
	}
	return Ack(ctx, client, q, msg.ID)
}

// parseEntry converts a stream entry to a Message.
func parseEntry(xm redis.XMessage) Message {
	msg := Message{ID: xm.ID}
	if id, ok := xm.Values[FieldID].(string); ok {
		msg.EnvelopeID = id
	}
	if payload, ok := xm.Values[FieldPayload].(string); ok {
		msg.Payload = []byte(payload)
	}
	return msg
}
