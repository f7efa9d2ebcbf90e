package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"
)

// sendRequest is the body posted to the send-message API.
type sendRequest struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

// HTTPSender posts replies to the send-message API over HTTP.
// A process-wide rate limiter keeps redelivery bursts from flooding
// the outbound channel.
type HTTPSender struct {
	url     string
	token   string
	client  *http.Client
	limiter *rate.Limiter
}

// HTTPSenderConfig holds configuration for the HTTPSender.
type HTTPSenderConfig struct {
	// URL is the send-message endpoint. Required.
	URL string

	// Token is an optional bearer token.
	Token string

	// Timeout bounds a single send, including the limiter wait
	// (default 30s).
	Timeout time.Duration

	// RatePerSecond throttles sends (default 5/s, burst of the same size).
	RatePerSecond float64
}

// NewHTTPSender creates an HTTP delivery channel.
func NewHTTPSender(cfg HTTPSenderConfig) (*HTTPSender, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("delivery URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RatePerSecond == 0 {
		cfg.RatePerSecond = 5
	}
	burst := int(cfg.RatePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &HTTPSender{
		url:     cfg.URL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
	}, nil
}

// Send implements Func.
func (s *HTTPSender) Send(ctx context.Context, destination, text string) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("delivery rate limiter: %w", err)
	}

	body, err := json.Marshal(sendRequest{To: destination, Text: text})
	if err != nil {
		return fmt.Errorf("failed to encode send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send-message request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("send-message API returned %d: %s", resp.StatusCode, snippet)
	}
	return nil
}

var _ Func = (&HTTPSender{}).Send
