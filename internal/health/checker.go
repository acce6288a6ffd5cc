// Package health probes ledger endpoints so the keeper can stop submitting
// to a ledger that is down while still polling it.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jmerrifield20/evidencekeeper/internal/chain"
	"github.com/jmerrifield20/evidencekeeper/internal/evidence"
)

// Config holds health check configuration.
type Config struct {
	CheckInterval time.Duration
	ProbeTimeout  time.Duration
	FailThreshold int
}

// Target is one ledger endpoint to probe.
type Target struct {
	Ledger evidence.Ledger
	Pinger chain.Pinger
}

// WebhookDispatchFunc is an optional callback for ledger up/down events.
type WebhookDispatchFunc func(ctx context.Context, eventType string, payload map[string]string)

// MetricsRecordFunc is an optional callback for recording probe results.
type MetricsRecordFunc func(ledger string, up bool)

// Event types passed to the webhook callback.
const (
	EventDegraded  = "ledger.health_degraded"
	EventRecovered = "ledger.health_recovered"
)

// HealthChecker runs periodic ledger probes.
type HealthChecker struct {
	targets    []Target
	failCounts map[evidence.Ledger]int
	down       map[evidence.Ledger]bool
	mu         sync.Mutex
	cfg        Config
	onWebhook  WebhookDispatchFunc
	onMetrics  MetricsRecordFunc
	logger     *zap.Logger
}

// New creates a new HealthChecker. Every ledger starts out up.
func New(targets []Target, cfg Config, logger *zap.Logger) *HealthChecker {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.ProbeTimeout == 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if cfg.FailThreshold == 0 {
		cfg.FailThreshold = 3
	}

	return &HealthChecker{
		targets:    targets,
		failCounts: make(map[evidence.Ledger]int),
		down:       make(map[evidence.Ledger]bool),
		cfg:        cfg,
		logger:     logger,
	}
}

// TargetsFor builds targets from every adapter that implements chain.Pinger.
func TargetsFor(adapters []chain.Adapter) []Target {
	var out []Target
	for _, a := range adapters {
		if p, ok := a.(chain.Pinger); ok {
			out = append(out, Target{Ledger: a.Ledger(), Pinger: p})
		}
	}
	return out
}

// SetWebhookDispatch configures the webhook dispatch callback.
func (h *HealthChecker) SetWebhookDispatch(fn WebhookDispatchFunc) {
	h.onWebhook = fn
}

// SetMetricsRecord configures the metrics recording callback.
func (h *HealthChecker) SetMetricsRecord(fn MetricsRecordFunc) {
	h.onMetrics = fn
}

// Up reports whether ledger is considered reachable.
func (h *HealthChecker) Up(ledger evidence.Ledger) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.down[ledger]
}

// Start runs the health check loop until ctx is done.
func (h *HealthChecker) Start(ctx context.Context) {
	h.CheckAll(ctx)

	ticker := time.NewTicker(h.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.CheckAll(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// CheckAll probes every target concurrently.
func (h *HealthChecker) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range h.targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()
			h.check(ctx, t)
		}(t)
	}
	wg.Wait()
}

func (h *HealthChecker) check(ctx context.Context, t Target) {
	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	err := t.Pinger.Ping(probeCtx)
	cancel()
	success := err == nil

	h.mu.Lock()
	if success {
		h.failCounts[t.Ledger] = 0
	} else {
		h.failCounts[t.Ledger]++
	}
	count := h.failCounts[t.Ledger]
	wasDown := h.down[t.Ledger]
	nowDown := wasDown
	if success {
		nowDown = false
	} else if count >= h.cfg.FailThreshold {
		nowDown = true
	}
	h.down[t.Ledger] = nowDown
	h.mu.Unlock()

	if h.onMetrics != nil {
		h.onMetrics(string(t.Ledger), !nowDown)
	}

	switch {
	case wasDown && !nowDown:
		h.logger.Info("health: ledger recovered", zap.String("ledger", string(t.Ledger)))
		h.dispatch(ctx, EventRecovered, t.Ledger, "")
	case !wasDown && nowDown:
		h.logger.Warn("health: ledger down",
			zap.String("ledger", string(t.Ledger)),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
		h.dispatch(ctx, EventDegraded, t.Ledger, err.Error())
	case !success:
		h.logger.Debug("health: probe failed",
			zap.String("ledger", string(t.Ledger)),
			zap.Int("fail_count", count),
			zap.Error(err),
		)
	}
}

func (h *HealthChecker) dispatch(ctx context.Context, eventType string, ledger evidence.Ledger, detail string) {
	if h.onWebhook == nil {
		return
	}
	payload := map[string]string{"ledger": string(ledger)}
	if detail != "" {
		payload["error"] = detail
	}
	h.onWebhook(ctx, eventType, payload)
}
