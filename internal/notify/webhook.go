// Package notify delivers operation lifecycle events to a configured
// webhook endpoint as signed JSON POSTs.
//
// Delivery is best-effort and happens off the request path: a failed
// webhook never fails the operation it describes. The payload carries the
// operation snapshot and never the credential used to run it.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/opsgate/opsgate/pkg/models"
)

// EventType describes what happened to an operation.
type EventType string

const (
	EventPendingApproval EventType = "operation.pending_approval"
	EventCompleted       EventType = "operation.completed"
	EventFailed          EventType = "operation.failed"
)

// Event is the webhook payload. DeliveryID is unique per delivery, not
// per attempt, so receivers can deduplicate retried posts.
type Event struct {
	DeliveryID string            `json:"delivery_id"`
	Type       EventType         `json:"type"`
	Operation  *models.Operation `json:"operation"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Webhook posts lifecycle events to one endpoint, optionally signing each
// body with HMAC-SHA256.
type Webhook struct {
	url    string
	secret string
	client *http.Client

	// retryInterval seeds the exponential backoff between attempts.
	retryInterval time.Duration

	wg sync.WaitGroup
}

// NewWebhook creates a notifier for the given endpoint. secret may be
// empty, in which case requests are unsigned.
func NewWebhook(url, secret string) *Webhook {
	return &Webhook{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
		retryInterval: 500 * time.Millisecond,
	}
}

// OperationPending notifies that an operation is parked awaiting approval.
func (w *Webhook) OperationPending(op *models.Operation) {
	w.enqueue(EventPendingApproval, op)
}

// OperationFinished notifies that an operation reached a terminal status.
func (w *Webhook) OperationFinished(op *models.Operation) {
	if op.Status == models.StatusFailed {
		w.enqueue(EventFailed, op)
		return
	}
	w.enqueue(EventCompleted, op)
}

// Close waits for in-flight deliveries to drain.
func (w *Webhook) Close() {
	w.wg.Wait()
}

func (w *Webhook) enqueue(eventType EventType, op *models.Operation) {
	// Snapshot the record so later journal writes cannot race the marshal.
	snapshot := *op
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.deliver(Event{
			DeliveryID: uuid.NewString(),
			Type:       eventType,
			Operation:  &snapshot,
			Timestamp:  time.Now().UTC(),
		})
	}()
}

func (w *Webhook) deliver(event Event) {
	body, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("event", string(event.Type)).Msg("Failed to marshal webhook payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	attempt := func() error {
		// Fresh request per attempt: the body reader is consumed on send.
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "Opsgate-Webhook/1.0")
		req.Header.Set("X-Opsgate-Event", string(event.Type))
		req.Header.Set("X-Opsgate-Delivery", event.DeliveryID)
		if w.secret != "" {
			req.Header.Set("X-Opsgate-Signature", "sha256="+sign(w.secret, body))
		}

		resp, err := w.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			return nil
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			// The receiver rejected the payload; retrying cannot help.
			return backoff.Permanent(fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, w.url))
		default:
			return fmt.Errorf("webhook HTTP %d from %s", resp.StatusCode, w.url)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = w.retryInterval
	bo.MaxInterval = 5 * time.Second

	if err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx)); err != nil {
		log.Warn().Err(err).Str("event", string(event.Type)).
			Int64("operation", event.Operation.ID).Msg("Webhook delivery failed")
		return
	}
	log.Debug().Str("event", string(event.Type)).
		Int64("operation", event.Operation.ID).Msg("Webhook delivered")
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
