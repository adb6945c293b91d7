package messaging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Pinger is anything whose reachability can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthMonitor periodically probes the durable log so writes can fail fast
// while it is unreachable instead of waiting out a timeout each time.
type HealthMonitor struct {
	target      Pinger
	log         zerolog.Logger
	interval    time.Duration
	timeout     time.Duration
	maxFailures int

	healthy atomic.Bool

	mu               sync.Mutex
	consecutiveFails int
	lastErr          error
	lastCheck        time.Time
}

func NewHealthMonitor(target Pinger, interval, timeout time.Duration, logger zerolog.Logger) *HealthMonitor {
	h := &HealthMonitor{
		target:      target,
		log:         logger,
		interval:    interval,
		timeout:     timeout,
		maxFailures: 2,
	}
	h.healthy.Store(true)

	return h
}

func (h *HealthMonitor) Healthy() bool {
	return h.healthy.Load()
}

// Status returns the outcome of the most recent probe.
func (h *HealthMonitor) Status() (healthy bool, lastCheck time.Time, lastErr error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.healthy.Load(), h.lastCheck, h.lastErr
}

// Check probes the target once. A single success marks it healthy; it is
// marked unhealthy after maxFailures consecutive failures.
func (h *HealthMonitor) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.target.Ping(ctx)
	cancel()

	h.mu.Lock()
	defer h.mu.Unlock()

	h.lastCheck = time.Now()
	h.lastErr = err

	if err == nil {
		h.consecutiveFails = 0
		if !h.healthy.Swap(true) {
			h.log.Info().Msg("message log reachable again")
		}
		return true
	}

	h.consecutiveFails++
	if h.consecutiveFails >= h.maxFailures && h.healthy.Swap(false) {
		h.log.Error().Err(err).Int("failures", h.consecutiveFails).Msg("message log unreachable, rejecting writes")
	} else {
		h.log.Warn().Err(err).Int("failures", h.consecutiveFails).Msg("message log health check failed")
	}

	return h.healthy.Load()
}

// Prime runs the startup probe. Unlike Check, a single failure marks the
// target unhealthy.
func (h *HealthMonitor) Prime(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.target.Ping(pctx)
	cancel()

	if err != nil {
		h.MarkUnhealthy(err)
		h.log.Error().Err(err).Msg("message log unreachable at startup, rejecting writes")
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFails = 0
	h.lastErr = nil
	h.lastCheck = time.Now()
	h.healthy.Store(true)

	return nil
}

// MarkUnhealthy flags the target down until the next successful Check.
func (h *HealthMonitor) MarkUnhealthy(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.consecutiveFails = h.maxFailures
	h.lastErr = err
	h.lastCheck = time.Now()
	h.healthy.Store(false)
}

// Run probes on every interval until ctx is canceled.
func (h *HealthMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info().Dur("interval", h.interval).Msg("health monitor started")

	for {
		select {
		case <-ticker.C:
			h.Check(ctx)
		case <-ctx.Done():
			h.log.Info().Msg("health monitor stopped")
			return nil
		}
	}
}
