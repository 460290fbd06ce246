package reconcile

import (
	"context"
	"time"

	"github.com/ManuelReschke/PayFox/internal/pkg/metrics"
	"github.com/gofiber/fiber/v2/log"
)

// State is a poller state. Polling and FallbackVerify are transient; the
// rest are terminal.
type State string

const (
	StatePolling        State = "polling"
	StateFallbackVerify State = "fallback_verify"
	StateConfirmed      State = "confirmed"
	StateRejected       State = "rejected"
	StateTimedOut       State = "timed_out"
	StateDeferred       State = "deferred"
)

// Observation is what a probe saw for the payment.
type Observation int

const (
	ObservedPending Observation = iota
	ObservedConfirmed
	ObservedRejected
)

func (o Observation) String() string {
	switch o {
	case ObservedConfirmed:
		return "confirmed"
	case ObservedRejected:
		return "rejected"
	default:
		return "pending"
	}
}

type CheckFunc func(ctx context.Context) (Observation, error)

type Config struct {
	Interval    time.Duration
	MaxAttempts int
}

// Task describes one reconciliation. Observe reads local state; Verify asks
// the provider directly and applies the result through the regular state
// machines. Defer hands the payment to a background retry when Verify
// cannot reach the provider.
type Task struct {
	Observe           CheckFunc
	Verify            CheckFunc
	Defer             func(ctx context.Context) error
	RedirectSucceeded bool
}

type Result struct {
	State    State
	Attempts int
	// Optimistic is set when the provider confirmed the payment during
	// fallback verification. The local row may still lag.
	Optimistic bool
	Err        error
}

type Poller struct {
	cfg Config
}

func NewPoller(cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Poller{cfg: cfg}
}

// Budget is the longest a Run spends polling before fallback verification.
func (p *Poller) Budget() time.Duration {
	return time.Duration(p.cfg.MaxAttempts) * p.cfg.Interval
}

// Run drives the task to a terminal state. It blocks until then or until
// ctx is done.
func (p *Poller) Run(ctx context.Context, task Task) Result {
	res := p.run(ctx, task)
	metrics.PollerOutcomes.WithLabelValues(string(res.State)).Inc()
	return res
}

func (p *Poller) run(ctx context.Context, task Task) Result {
	res := Result{State: StatePolling}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for res.State == StatePolling {
		res.Attempts++
		obs, err := task.Observe(ctx)
		switch {
		case err != nil:
			log.Debugf("[Poller] observe attempt %d failed: %v", res.Attempts, err)
			res.Err = err
		case obs == ObservedConfirmed:
			return Result{State: StateConfirmed, Attempts: res.Attempts}
		case obs == ObservedRejected:
			return Result{State: StateRejected, Attempts: res.Attempts}
		}

		if res.Attempts >= p.cfg.MaxAttempts {
			if !task.RedirectSucceeded || task.Verify == nil {
				res.State = StateTimedOut
				return res
			}
			res.State = StateFallbackVerify
			break
		}

		select {
		case <-ctx.Done():
			res.State = StateTimedOut
			res.Err = ctx.Err()
			return res
		case <-ticker.C:
		}
	}

	log.Infof("[Poller] no confirmation after %d attempts, verifying with provider", res.Attempts)
	obs, err := task.Verify(ctx)
	if err != nil {
		res.Err = err
		if task.Defer != nil {
			derr := task.Defer(ctx)
			if derr == nil {
				res.State = StateDeferred
				return res
			}
			log.Errorf("[Poller] deferring reconciliation failed: %v", derr)
		}
		res.State = StateTimedOut
		return res
	}

	res.Err = nil
	switch obs {
	case ObservedConfirmed:
		res.State = StateConfirmed
		res.Optimistic = true
	case ObservedRejected:
		res.State = StateRejected
	default:
		res.State = StateTimedOut
	}
	return res
}
