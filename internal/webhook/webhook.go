// Package webhook pushes risky-signup events to configured endpoints.
// Delivery is at-least-once with exponential backoff and never blocks or
// fails the synchronous analyse response.
package webhook

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"time"

	"signupguard/internal/metrics"
	"signupguard/internal/models"
)

// Event is the wire payload.
type Event struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

type EventData struct {
	Envelope  models.Envelope `json:"envelope"`
	IPAddress string          `json:"ip_address,omitempty"`
	UserAgent string          `json:"user_agent,omitempty"`
}

type Notifier struct {
	urls       []string
	client     *http.Client
	maxRetries int
	baseDelay  time.Duration
}

func NewNotifier(urls []string, timeout time.Duration, maxRetries int, verifyTLS bool) *Notifier {
	transport := &http.Transport{}
	if !verifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Notifier{
		urls:       urls,
		client:     &http.Client{Timeout: timeout, Transport: transport},
		maxRetries: maxRetries,
		baseDelay:  500 * time.Millisecond,
	}
}

// Enabled reports whether any endpoint is configured.
func (n *Notifier) Enabled() bool { return n != nil && len(n.urls) > 0 }

// Notify delivers an event for a MEDIUM or HIGH envelope to every endpoint.
// LOW envelopes are silently skipped. Call from a goroutine; it blocks across
// retries.
func (n *Notifier) Notify(ctx context.Context, envelope models.Envelope, input models.EmailInput) {
	if !n.Enabled() {
		return
	}

	var name string
	switch envelope.RiskSummary.Level {
	case models.LevelHigh:
		name = "high_risk_signup"
	case models.LevelMedium:
		name = "medium_risk_signup"
	default:
		return
	}

	payload, err := json.Marshal(Event{
		Event:     name,
		Timestamp: time.Now().UTC(),
		Data: EventData{
			Envelope:  envelope,
			IPAddress: input.IPAddress,
			UserAgent: input.UserAgent,
		},
	})
	if err != nil {
		log.Printf("webhook: marshal event: %v", err)
		return
	}

	for _, url := range n.urls {
		if err := n.deliver(ctx, url, payload); err != nil {
			log.Printf("webhook: delivery to %s gave up: %v", url, err)
			metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
		} else {
			metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
		}
	}
}

// deliver POSTs the payload, retrying with exponential backoff plus jitter.
func (n *Notifier) deliver(ctx context.Context, url string, payload []byte) error {
	var lastErr error
	for attempt := 0; attempt <= n.maxRetries; attempt++ {
		if attempt > 0 {
			delay := n.baseDelay * (1 << (attempt - 1))
			delay += time.Duration(rand.Int63n(int64(delay) / 2))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("status %d", resp.StatusCode)
		// 4xx won't get better with retries, except for rate limiting.
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return lastErr
		}
	}
	return lastErr
}
