// Package uptime enforces the plan's soft usage cap on session time. The
// cap is advisory: ledger failures degrade to "no limit information", they
// never stop a running node.
package uptime

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xneox/swarmuii/internal/config"
)

// LedgerSync is the slice of the ledger client the tracker needs.
type LedgerSync interface {
	SyncUptime(ctx context.Context, deviceID string, uptimeSeconds int64) error
	GetUptime(ctx context.Context, deviceID string) (int64, error)
}

// Validation is the pure pre-flight answer for a given uptime and plan.
type Validation struct {
	IsValid   bool
	Remaining time.Duration
	MaxUptime time.Duration
}

// Validate checks current elapsed uptime against the plan cap without
// touching tracker state.
func Validate(current time.Duration, planName string) Validation {
	max := config.PlanByName(planName).MaxUptime
	remaining := max - current
	if remaining < 0 {
		remaining = 0
	}
	return Validation{
		IsValid:   current < max,
		Remaining: remaining,
		MaxUptime: max,
	}
}

type trackingSession struct {
	deviceID      string
	maxUptime     time.Duration
	planName      string
	warningIssued bool
	stop          chan struct{}
}

// Tracker polls elapsed session time against the plan cap, issuing a
// one-shot warning near the limit and an auto-stop callback at it. The
// tracker does not own the uptime clock: every poll pulls a fresh value
// from the accessor supplied to StartTracking.
type Tracker struct {
	ledger       LedgerSync
	limits       config.Limits
	log          *zap.Logger
	pollInterval time.Duration

	mu             sync.Mutex
	sess           *trackingSession
	onWarning      func(remaining time.Duration)
	onLimitReached func(deviceID string)
}

// NewTracker builds a Tracker. ledger may be nil when only local limit
// checking is wanted (tests).
func NewTracker(ledger LedgerSync, limits config.Limits, log *zap.Logger) *Tracker {
	return &Tracker{
		ledger:       ledger,
		limits:       limits,
		log:          log,
		pollInterval: limits.UptimePollInterval,
	}
}

// OnWarning sets the near-limit callback. Fired at most once per tracking
// session, when usage crosses the warning threshold.
func (t *Tracker) OnWarning(fn func(remaining time.Duration)) {
	t.mu.Lock()
	t.onWarning = fn
	t.mu.Unlock()
}

// OnLimitReached sets the limit callback. Only invoked when auto-stop is
// enabled in the limits.
func (t *Tracker) OnLimitReached(fn func(deviceID string)) {
	t.mu.Lock()
	t.onLimitReached = fn
	t.mu.Unlock()
}

// StartTracking begins a tracking session for deviceID, replacing any
// prior one. current must return the present elapsed uptime; it is
// queried once immediately and then on every poll tick.
func (t *Tracker) StartTracking(deviceID string, current func() time.Duration, planName string) {
	t.StopTracking()

	plan := config.PlanByName(planName)
	sess := &trackingSession{
		deviceID:  deviceID,
		maxUptime: plan.MaxUptime,
		planName:  string(plan.Name),
		stop:      make(chan struct{}),
	}

	t.mu.Lock()
	t.sess = sess
	t.mu.Unlock()

	t.log.Info("uptime tracking started",
		zap.String("device", deviceID),
		zap.String("plan", string(plan.Name)),
		zap.Duration("max_uptime", plan.MaxUptime))

	t.check(sess, current())

	go func() {
		ticker := time.NewTicker(t.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sess.stop:
				return
			case <-ticker.C:
				t.check(sess, current())
			}
		}
	}()
}

// StopTracking ends the current tracking session. Safe to call any number
// of times, from any state.
func (t *Tracker) StopTracking() {
	t.mu.Lock()
	sess := t.sess
	t.sess = nil
	t.mu.Unlock()
	if sess == nil {
		return
	}
	select {
	case <-sess.stop:
	default:
		close(sess.stop)
	}
	t.log.Info("uptime tracking stopped", zap.String("device", sess.deviceID))
}

// Tracking reports whether a session is being tracked.
func (t *Tracker) Tracking() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sess != nil
}

func (t *Tracker) check(sess *trackingSession, current time.Duration) {
	t.mu.Lock()
	if t.sess != sess {
		// Session replaced or stopped while the tick was in flight.
		t.mu.Unlock()
		return
	}

	var fireLimit func(string)
	var fireWarning func(time.Duration)
	remaining := sess.maxUptime - current
	limitReached := current >= sess.maxUptime

	switch {
	case limitReached:
		t.sess = nil
		if t.limits.AutoStopEnabled {
			fireLimit = t.onLimitReached
		}
	case float64(current) >= float64(sess.maxUptime)*t.limits.WarningThreshold && !sess.warningIssued:
		sess.warningIssued = true
		fireWarning = t.onWarning
	}
	t.mu.Unlock()

	if limitReached {
		select {
		case <-sess.stop:
		default:
			close(sess.stop)
		}
	}

	if fireLimit != nil {
		t.log.Warn("uptime limit reached",
			zap.String("device", sess.deviceID),
			zap.Duration("max_uptime", sess.maxUptime))
		fireLimit(sess.deviceID)
	}
	if fireWarning != nil {
		t.log.Warn("uptime limit approaching",
			zap.String("device", sess.deviceID),
			zap.Duration("remaining", remaining))
		fireWarning(remaining)
	}
}

// FetchUptime reads the accumulated uptime from the ledger. Failure reads
// as zero: "no accumulated uptime known", not a hard error.
func (t *Tracker) FetchUptime(ctx context.Context, deviceID string) time.Duration {
	if t.ledger == nil {
		return 0
	}
	secs, err := t.ledger.GetUptime(ctx, deviceID)
	if err != nil {
		t.log.Warn("uptime fetch failed", zap.String("device", deviceID), zap.Error(err))
		return 0
	}
	return time.Duration(secs) * time.Second
}

// SyncUptime pushes the current uptime to the ledger. Best effort; the
// error is logged, never propagated.
func (t *Tracker) SyncUptime(ctx context.Context, deviceID string, current time.Duration) {
	if t.ledger == nil {
		return
	}
	if err := t.ledger.SyncUptime(ctx, deviceID, int64(current/time.Second)); err != nil {
		t.log.Warn("uptime sync failed", zap.String("device", deviceID), zap.Error(err))
	}
}
