// Package envelope defines the two wire formats of the agent bridge:
// the Work envelope pushed onto the work queue for the agent, and the
// Result envelope the agent pushes back onto the result queue. Both are
// JSON documents; this package owns their (de)serialization and the
// consumer-side validation rules for results.
package envelope

import (
	"encoding/json"
	"fmt"
)

// TaskKind routes a work item to an agent-side handling strategy.
type TaskKind string

const (
	// TaskKindConversation is a user conversation turn to be answered.
	TaskKindConversation TaskKind = "conversation"
)

// Status is the outcome reported by the agent for one work item.
type Status string

const (
	// StatusSuccess means the agent produced a complete reply.
	StatusSuccess Status = "success"

	// StatusPartial means the agent produced a usable but incomplete reply.
	StatusPartial Status = "partial"

	// StatusError means processing failed; Failure carries the details and
	// Reply, when present, carries a user-facing fallback message.
	StatusError Status = "error"
)

// Contact identifies the conversation a work item belongs to and where
// the eventual reply must be sent.
type Contact struct {
	// ExternalID is the opaque conversation/channel identity
	// (e.g. "2567...@s.whatsapp.net").
	ExternalID string `json:"external_id"`

	// CallbackAddress is where the reply is delivered (e.g. a phone number).
	CallbackAddress string `json:"callback_address"`

	// DisplayName is the contact's display name, if known.
	DisplayName string `json:"display_name,omitempty"`

	// LocaleHint is an optional BCP 47 language hint for the agent.
	LocaleHint string `json:"locale_hint,omitempty"`
}

// Content is the inbound message to be processed.
type Content struct {
	Text            string `json:"text"`
	SourceMessageID string `json:"source_message_id,omitempty"`
	SourceTimestamp int64  `json:"source_timestamp,omitempty"`
}

// HistoryEntry is one prior turn of the conversation, oldest first.
type HistoryEntry struct {
	Role      string `json:"role"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Context is the conversational context the caller hands to the agent.
type Context struct {
	History       []HistoryEntry    `json:"history,omitempty"`
	FreeTextNotes string            `json:"free_text_notes,omitempty"`
	SessionFlags  map[string]string `json:"session_flags,omitempty"`
}

// RetryMeta is informational for the agent; work-queue delivery retries
// are the broker's own concern, not this field's.
type RetryMeta struct {
	Attempt     int `json:"attempt"`
	MaxAttempts int `json:"max_attempts"`
}

// Work is one unit of AI-processing work tied to one inbound message.
type Work struct {
	WorkID    string    `json:"work_id"`
	CreatedAt int64     `json:"created_at"`
	TaskKind  TaskKind  `json:"task_kind"`
	Contact   Contact   `json:"contact"`
	Content   Content   `json:"content"`
	Context   Context   `json:"context"`
	RetryMeta RetryMeta `json:"retry_meta"`
}

// ResultContact is the subset of Contact needed for delivery.
type ResultContact struct {
	CallbackAddress string `json:"callback_address"`
	DisplayName     string `json:"display_name,omitempty"`
}

// Reply is the agent's answer text. Kind defaults to "text".
type Reply struct {
	Text string `json:"text"`
	Kind string `json:"kind,omitempty"`
}

// AgentInfo is an optional diagnostic bag. It is logged only and never
// required for correctness.
type AgentInfo struct {
	ToolsUsed         []string `json:"tools_used,omitempty"`
	ProcessingSeconds float64  `json:"processing_seconds,omitempty"`
	TokensUsed        int      `json:"tokens_used,omitempty"`
	ReasoningNotes    []string `json:"reasoning_notes,omitempty"`
}

// Failure carries error details when Status is StatusError.
type Failure struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Result is the outcome of processing one Work envelope.
type Result struct {
	ResultID     string        `json:"result_id"`
	SourceWorkID string        `json:"source_work_id"`
	CreatedAt    int64         `json:"created_at"`
	Status       Status        `json:"status"`
	Contact      ResultContact `json:"contact"`
	Reply        *Reply        `json:"reply,omitempty"`
	AgentInfo    *AgentInfo    `json:"agent_info,omitempty"`
	Failure      *Failure      `json:"failure,omitempty"`
}

// EncodeWork serializes a Work envelope for publishing.
func EncodeWork(w *Work) ([]byte, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode work envelope: %w", err)
	}
	return data, nil
}

// DecodeWork parses a Work envelope from its wire form.
func DecodeWork(data []byte) (*Work, error) {
	var w Work
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to decode work envelope: %w", err)
	}
	return &w, nil
}

// EncodeResult serializes a Result envelope.
func EncodeResult(r *Result) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result envelope: %w", err)
	}
	return data, nil
}

// DecodeResult parses a Result envelope from its wire form.
func DecodeResult(data []byte) (*Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode result envelope: %w", err)
	}
	return &r, nil
}

// ReplyText returns the reply text, or "" if no reply is present.
func (r *Result) ReplyText() string {
	if r.Reply == nil {
		return ""
	}
	return r.Reply.Text
}

// Validate checks the consumer-side validation rules. A Result that
// fails validation is never passed to the delivery function.
func (r *Result) Validate() error {
	if r.ResultID == "" {
		return fmt.Errorf("result envelope missing result_id")
	}
	if r.Contact.CallbackAddress == "" {
		return fmt.Errorf("result %s missing contact.callback_address", r.ResultID)
	}
	switch r.Status {
	case StatusSuccess, StatusPartial:
		if r.ReplyText() == "" {
			return fmt.Errorf("result %s has status %q but no reply text", r.ResultID, r.Status)
		}
	case StatusError:
		// Reply is optional for errors; Failure is where the details live.
	default:
		return fmt.Errorf("result %s has unknown status %q", r.ResultID, r.Status)
	}
	return nil
}
