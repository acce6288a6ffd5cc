// Package notify delivers operator notifications as signed webhook POSTs.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types.
const (
	EventConfirmed         = "evidence.confirmed"
	EventAttentionRequired = "evidence.attention_required"
	EventLedgerDegraded    = "ledger.health_degraded"
	EventLedgerRecovered   = "ledger.health_recovered"
)

// SignatureHeader carries "sha256=<hex hmac>" of the request body.
const SignatureHeader = "X-Evidence-Signature"

// Target is one webhook receiver. An empty Events list receives everything.
type Target struct {
	URL    string   `mapstructure:"url"`
	Secret string   `mapstructure:"secret"`
	Events []string `mapstructure:"events"`
}

func (t Target) wants(eventType string) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, e := range t.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Event is the JSON body of a delivery.
type Event struct {
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload"`
}

// MetricsRecorder is an optional callback for delivery outcomes.
type MetricsRecorder func(success bool)

// Notifier fans events out to configured targets.
type Notifier struct {
	targets    []Target
	httpClient *http.Client
	delays     []time.Duration
	onMetrics  MetricsRecorder
	logger     *zap.Logger
	wg         sync.WaitGroup
}

// New creates a Notifier.
func New(targets []Target, logger *zap.Logger) *Notifier {
	return &Notifier{
		targets:    targets,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// Waits before the second and third attempts.
		delays: []time.Duration{1 * time.Second, 5 * time.Second},
		logger: logger,
	}
}

// SetMetricsRecorder configures the metrics callback.
func (n *Notifier) SetMetricsRecorder(fn MetricsRecorder) {
	n.onMetrics = fn
}

// Dispatch delivers an event to every interested target in the background.
// Delivery outlives ctx's cancellation but keeps its values.
func (n *Notifier) Dispatch(ctx context.Context, eventType string, payload map[string]string) {
	if n == nil {
		return
	}
	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		n.logger.Error("notify: marshal event", zap.Error(err))
		return
	}

	ctx = context.WithoutCancel(ctx)
	for _, t := range n.targets {
		if !t.wants(eventType) {
			continue
		}
		n.wg.Add(1)
		go func(t Target) {
			defer n.wg.Done()
			n.deliver(ctx, t, eventType, body)
		}(t)
	}
}

// Wait blocks until in-flight deliveries finish.
func (n *Notifier) Wait() {
	if n != nil {
		n.wg.Wait()
	}
}

func (n *Notifier) deliver(ctx context.Context, t Target, eventType string, body []byte) {
	signature := signPayload(body, t.Secret)

	for attempt := 1; attempt <= len(n.delays)+1; attempt++ {
		if attempt > 1 {
			time.Sleep(n.delays[attempt-2])
		}

		success, errMsg := n.doDelivery(ctx, t.URL, body, signature)
		if n.onMetrics != nil {
			n.onMetrics(success)
		}
		if success {
			return
		}

		n.logger.Warn("notify: delivery failed",
			zap.String("url", t.URL),
			zap.String("event", eventType),
			zap.Int("attempt", attempt),
			zap.String("error", errMsg),
		)
	}
}

func (n *Notifier) doDelivery(ctx context.Context, url string, body []byte, signature string) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, err.Error()
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, signature)

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()
	io.ReadAll(io.LimitReader(resp.Body, 1024)) //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return true, ""
}

func signPayload(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a SignatureHeader value against body.
func VerifySignature(body []byte, secret, header string) bool {
	return hmac.Equal([]byte(signPayload(body, secret)), []byte(header))
}
