// Package sinks provides concrete, optional implementations of the
// classifier's Notify and Enrich capability interfaces (C7). Notify is
// fire-and-forget: failures are logged, never retried, and never block the
// classifier tick. Enrich is a synchronous, cached lookup whose failures
// are logged and leave the ISP field empty.
package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// WebhookNotifier posts a JSON event to one configured URL through a
// bounded queue drained by a single background worker. A full queue drops
// the message rather than blocking the classifier tick that produced it.
type WebhookNotifier struct {
	url    string
	client *http.Client
	log    zerolog.Logger

	queue chan notifyMessage
	done  chan struct{}
}

type notifyMessage struct {
	ID      string
	Message string
}

// NewWebhookNotifier creates a WebhookNotifier and starts its drain worker.
// Call Stop to drain in-flight sends during shutdown.
func NewWebhookNotifier(url string, timeout time.Duration, queueSize int, log zerolog.Logger) *WebhookNotifier {
	n := &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "notify").Logger(),
		queue:  make(chan notifyMessage, queueSize),
		done:   make(chan struct{}),
	}
	go n.drain()
	return n
}

// Send enqueues a message for delivery. It never blocks: a full queue
// drops the message and logs a warning, matching the "no retry storm"
// principle for peripheral sinks. id is the classifier-stamped idempotency
// key for this event, forwarded as a header so the receiving endpoint can
// de-duplicate a redelivered event.
func (n *WebhookNotifier) Send(id, message string) error {
	select {
	case n.queue <- notifyMessage{ID: id, Message: message}:
		return nil
	default:
		n.log.Warn().Msg("notify queue full, dropping message")
		return nil
	}
}

// Stop closes the queue and waits for the drain worker to exit.
func (n *WebhookNotifier) Stop() {
	close(n.queue)
	<-n.done
}

func (n *WebhookNotifier) drain() {
	defer close(n.done)
	for msg := range n.queue {
		if err := n.post(msg); err != nil {
			n.log.Warn().Err(err).Msg("webhook notify failed")
		}
	}
}

func (n *WebhookNotifier) post(msg notifyMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), n.client.Timeout)
	defer cancel()

	body, err := json.Marshal(struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	}{ID: msg.ID, Message: msg.Message})
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.ID)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send notify request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify webhook returned status %d", resp.StatusCode)
	}
	return nil
}
