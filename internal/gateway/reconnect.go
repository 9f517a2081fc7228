package gateway

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// reconnector schedules re-connect attempts after an unintended close. One
// per Client; cancellation is a first-class operation tied to the Client's
// lifetime, never a global timer.
type reconnector struct {
	policy ReconnectPolicy
	logger *zap.Logger

	// attemptFn runs on timer fire with the 1-based attempt number.
	attemptFn func(attempt int)
	// giveUpFn runs once the attempt budget is exhausted.
	giveUpFn func(err error)

	mu       sync.Mutex
	attempts int
	timer    *time.Timer
}

func newReconnector(policy ReconnectPolicy, logger *zap.Logger, attemptFn func(int), giveUpFn func(error)) *reconnector {
	return &reconnector{policy: policy, logger: logger, attemptFn: attemptFn, giveUpFn: giveUpFn}
}

// schedule arms the backoff timer for the next attempt. A no-op while a timer
// is already pending, so at most one attempt is ever in flight.
func (r *reconnector) schedule() {
	r.mu.Lock()
	if !r.policy.Enabled || r.timer != nil {
		r.mu.Unlock()
		return
	}
	if r.attempts >= r.policy.MaxAttempts {
		r.mu.Unlock()
		r.logger.Error("gateway: reconnect attempts exhausted", zap.Int("attempts", r.policy.MaxAttempts))
		r.giveUpFn(newConnectionError("reconnect attempts exhausted", nil))
		return
	}

	delay := r.delay(r.attempts)
	r.attempts++
	attempt := r.attempts
	r.timer = time.AfterFunc(delay, func() {
		r.mu.Lock()
		r.timer = nil
		r.mu.Unlock()
		r.attemptFn(attempt)
	})
	r.mu.Unlock()

	r.logger.Info("gateway: reconnect scheduled",
		zap.Duration("delay", delay),
		zap.Int("attempt", attempt),
	)
}

// delay is min(base·2^attempt, maxDelay). No jitter: deterministic delays
// keep the curve observable.
func (r *reconnector) delay(attempt int) time.Duration {
	return time.Duration(math.Min(
		float64(r.policy.BaseDelay)*math.Pow(2, float64(attempt)),
		float64(r.policy.MaxDelay),
	))
}

// cancel stops any pending attempt. Idempotent.
func (r *reconnector) cancel() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()
}

// resetAttempts is called on every successful handshake.
func (r *reconnector) resetAttempts() {
	r.mu.Lock()
	r.attempts = 0
	r.mu.Unlock()
}
