package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xneox/swarmuii/internal/config"
	"github.com/0xneox/swarmuii/internal/engine"
	"github.com/0xneox/swarmuii/internal/ledger"
	"github.com/0xneox/swarmuii/internal/models"
	"github.com/0xneox/swarmuii/internal/session"
	"github.com/0xneox/swarmuii/internal/telemetry"
	"github.com/0xneox/swarmuii/internal/uptime"
	"github.com/0xneox/swarmuii/internal/warmup"
)

var (
	// ErrNotRegistered means the node has no hardware identity yet.
	ErrNotRegistered = errors.New("node: device not registered")

	// ErrAlreadyActive means a session is already running in this process.
	ErrAlreadyActive = errors.New("node: session already active")

	// ErrUptimeExceeded means the plan's uptime allowance is used up.
	ErrUptimeExceeded = errors.New("node: plan uptime limit reached")
)

// SessionLedger is the slice of the ledger client the coordinator needs.
type SessionLedger interface {
	StartSession(ctx context.Context, deviceID string, forceTakeover bool) (ledger.Session, error)
	StopSession(ctx context.Context, deviceID string, sessionToken string) error
}

// Notices is the event snapshot the UI polls instead of a push channel.
// Each field latches until the next session start resets it.
type Notices struct {
	TakeoverDetected       bool   `json:"takeover_detected"`
	TakeoverBy             string `json:"takeover_by,omitempty"`
	UptimeWarning          bool   `json:"uptime_warning"`
	UptimeRemainingSeconds int64  `json:"uptime_remaining_seconds,omitempty"`
	LimitReached           bool   `json:"limit_reached"`
}

// UptimeStatus is the wire form of an uptime validation: snake_case keys
// and whole seconds, like the rest of the control API.
type UptimeStatus struct {
	IsValid          bool  `json:"is_valid"`
	RemainingSeconds int64 `json:"remaining_seconds"`
	MaxUptimeSeconds int64 `json:"max_uptime_seconds"`
}

func uptimeStatus(v uptime.Validation) UptimeStatus {
	return UptimeStatus{
		IsValid:          v.IsValid,
		RemainingSeconds: int64(v.Remaining / time.Second),
		MaxUptimeSeconds: int64(v.MaxUptime / time.Second),
	}
}

// Status is the coordinator's full snapshot for the control API.
type Status struct {
	DeviceID       string           `json:"device_id"`
	TabID          string           `json:"tab_id"`
	Plan           string           `json:"plan"`
	State          models.NodeState `json:"state"`
	Device         models.Device    `json:"device"`
	SessionSeconds int64            `json:"session_seconds"`
	Uptime         UptimeStatus     `json:"uptime"`
	Notices        Notices          `json:"notices"`
}

// Coordinator drives the device lifecycle: exclusivity gate, remote
// session, warmup, engine, and uptime tracking, torn down together on
// stop, takeover, or limit.
type Coordinator struct {
	deviceID string
	plan     string
	limits   config.Limits

	sessions *session.Manager
	ledger   SessionLedger
	tracker  *uptime.Tracker
	warm     *warmup.Orchestrator
	eng      *engine.Engine
	state    *StateStore
	log      *zap.Logger
	now      func() time.Time

	// startMu serializes StartDevice/StopDevice so the active gate and
	// the activation are atomic; without it two concurrent starts both
	// pass the gate, open two remote sessions, and leak a sync loop.
	startMu sync.Mutex

	mu            sync.Mutex
	baseUptime    time.Duration
	syncStop      chan struct{}
	unsubTakeover func()
	notices       Notices
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock substitutes the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator wires the lifecycle pieces together and registers the
// tracker callbacks. The engine must have been built over state.Get so
// the two share one view of node identity.
func NewCoordinator(deviceID, plan string, limits config.Limits,
	sessions *session.Manager, ldg SessionLedger, tracker *uptime.Tracker,
	warm *warmup.Orchestrator, eng *engine.Engine, state *StateStore,
	log *zap.Logger, opts ...Option) *Coordinator {

	c := &Coordinator{
		deviceID: deviceID,
		plan:     plan,
		limits:   limits,
		sessions: sessions,
		ledger:   ldg,
		tracker:  tracker,
		warm:     warm,
		eng:      eng,
		state:    state,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	tracker.OnWarning(func(remaining time.Duration) {
		c.mu.Lock()
		c.notices.UptimeWarning = true
		c.notices.UptimeRemainingSeconds = int64(remaining / time.Second)
		c.mu.Unlock()
	})
	tracker.OnLimitReached(func(deviceID string) {
		c.mu.Lock()
		c.notices.LimitReached = true
		c.mu.Unlock()
		// Tear down off the tracker's goroutine; StopTracking inside
		// StopDevice is idempotent against the already-ended session.
		go c.StopDevice(context.Background())
	})
	return c
}

// RegisterNode records the node's hardware identity and the device
// descriptor it runs on. Refused while a session is running;
// re-registration at rest just overwrites.
func (c *Coordinator) RegisterNode(nodeID string, dev models.Device) error {
	if !dev.HardwareTier.Valid() {
		return fmt.Errorf("node: unknown hardware tier %q", dev.HardwareTier)
	}
	c.startMu.Lock()
	defer c.startMu.Unlock()
	if c.state.Get().Active() {
		return ErrAlreadyActive
	}

	now := c.now()
	dev.ID = c.deviceID
	if dev.RegisteredAt.IsZero() {
		dev.RegisteredAt = now
	}
	c.state.SaveDevice(dev)
	c.state.Update(func(st *models.NodeState) {
		st.NodeID = nodeID
		st.HardwareTier = dev.HardwareTier
		st.Status = models.NodeRegistered
		if st.StartTime == nil {
			st.StartTime = &now
		}
	})
	c.log.Info("node registered",
		zap.String("node", nodeID),
		zap.String("tier", string(dev.HardwareTier)),
		zap.String("device_name", dev.Name))
	return nil
}

// CanStartDevice is the pre-flight exclusivity gate. A stale record from
// a dead owner is reclaimed (cleared) on the spot; a fresh record from
// another tab blocks the start and is returned so the caller can name
// the owner when asking the user about takeover.
func (c *Coordinator) CanStartDevice() (bool, *models.OwnershipRecord) {
	if stale := c.sessions.StaleRecord(c.deviceID); stale != nil {
		c.log.Info("reclaiming stale session record",
			zap.String("device", c.deviceID),
			zap.String("previous_owner", stale.TabID))
		c.sessions.Clear(c.deviceID)
	}
	if rec := c.sessions.ActiveSessionInOtherTab(c.deviceID); rec != nil {
		return false, rec
	}
	return true, nil
}

// ValidateLocalSession reports whether this process still owns the
// device's session record.
func (c *Coordinator) ValidateLocalSession() bool {
	return c.sessions.IsOwner(c.deviceID)
}

// StartDevice runs the full start sequence. A fresh foreign session
// record fails with ErrSessionConflict unless force is set, so the UI
// can confirm before a destructive takeover. Plan uptime already used up
// fails with ErrUptimeExceeded after the remote session is rolled back.
func (c *Coordinator) StartDevice(ctx context.Context, force bool) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	st := c.state.Get()
	if !st.Registered() {
		return ErrNotRegistered
	}
	if st.Active() {
		return ErrAlreadyActive
	}

	if ok, owner := c.CanStartDevice(); !ok && !force {
		return fmt.Errorf("device owned by tab %s: %w", owner.TabID, ledger.ErrSessionConflict)
	}

	sess, err := c.ledger.StartSession(ctx, c.deviceID, force)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	token, err := sess.Token()
	if err != nil {
		// The HTTP call succeeded but the session is unusable; nothing
		// local was touched yet, so just fail the attempt.
		return fmt.Errorf("start session: %w", err)
	}

	start := c.now()
	if force {
		err = c.sessions.TakeOver(c.deviceID, token, start)
	} else {
		err = c.sessions.Register(c.deviceID, token, start)
	}
	if err != nil {
		c.rollbackRemote(ctx, token)
		return fmt.Errorf("record session ownership: %w", err)
	}

	base := c.tracker.FetchUptime(ctx, c.deviceID)
	if v := uptime.Validate(base, c.plan); !v.IsValid {
		c.sessions.Clear(c.deviceID)
		c.rollbackRemote(ctx, token)
		return fmt.Errorf("%w: used %s of %s", ErrUptimeExceeded, base, v.MaxUptime)
	}

	c.state.Update(func(st *models.NodeState) {
		st.Status = models.NodeActive
		st.CurrentSessionStart = &start
		st.LastActiveTime = &start
	})

	c.mu.Lock()
	c.baseUptime = base
	c.notices = Notices{}
	stop := make(chan struct{})
	c.syncStop = stop
	c.mu.Unlock()

	current := c.currentUptime
	c.warm.StartWithWarmup(c.plan)
	c.tracker.StartTracking(c.deviceID, current, c.plan)

	unsub, err := c.sessions.OnTakeover(c.deviceID, c.handleTakeover)
	if err != nil {
		c.log.Warn("takeover listener", zap.Error(err))
	} else {
		c.mu.Lock()
		c.unsubTakeover = unsub
		c.mu.Unlock()
	}

	go c.syncLoop(stop, current)

	c.log.Info("device session started",
		zap.String("device", c.deviceID),
		zap.String("plan", c.plan),
		zap.Bool("takeover", force),
		zap.Duration("prior_uptime", base))
	return nil
}

// StopDevice tears the session down. The remote stop is attempted even
// without a token and its failure is only logged: local teardown must
// succeed unconditionally or a wedged remote could leave the device
// uncontrollable.
func (c *Coordinator) StopDevice(ctx context.Context) {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if !c.teardownLocal() {
		return
	}

	current := c.currentUptime()
	c.tracker.SyncUptime(ctx, c.deviceID, current)

	token, _ := c.sessions.Token(c.deviceID)
	if err := c.ledger.StopSession(ctx, c.deviceID, token); err != nil {
		c.log.Warn("remote session stop", zap.String("device", c.deviceID), zap.Error(err))
	}

	c.sessions.Clear(c.deviceID)
	c.finishStop()
	c.log.Info("device session stopped",
		zap.String("device", c.deviceID),
		zap.Duration("session_uptime", current))
}

// handleTakeover is the losing-tab path: another process now owns the
// device and its remote session, so teardown is strictly local. The
// session record is the new owner's and must not be cleared, and no
// remote stop is sent.
func (c *Coordinator) handleTakeover(n models.TakeoverNotice) {
	if !c.teardownLocal() {
		return
	}
	telemetry.Takeovers.Inc()
	c.mu.Lock()
	c.notices.TakeoverDetected = true
	c.notices.TakeoverBy = n.NewOwner
	c.mu.Unlock()

	c.finishStop()
	c.log.Warn("session lost to takeover",
		zap.String("device", c.deviceID),
		zap.String("new_owner", n.NewOwner))
}

// teardownLocal stops every local timer and clears task state. Returns
// false when no session was live, making every stop path idempotent.
func (c *Coordinator) teardownLocal() bool {
	c.mu.Lock()
	stop := c.syncStop
	unsub := c.unsubTakeover
	c.syncStop = nil
	c.unsubTakeover = nil
	c.mu.Unlock()

	if stop == nil {
		return false
	}
	close(stop)
	if unsub != nil {
		unsub()
	}

	c.warm.Cancel()
	// A warmup cancelled before its delay never started the engine, so
	// its seed batch survives Cancel; clear it explicitly.
	c.eng.Store().Reset()
	c.tracker.StopTracking()
	return true
}

func (c *Coordinator) finishStop() {
	c.state.Update(func(st *models.NodeState) {
		now := c.now()
		st.Status = models.NodeRegistered
		st.CurrentSessionStart = nil
		st.LastActiveTime = &now
	})
	telemetry.SessionUptimeSeconds.Set(0)
}

// rollbackRemote undoes a remote start whose local follow-up failed.
func (c *Coordinator) rollbackRemote(ctx context.Context, token string) {
	if err := c.ledger.StopSession(ctx, c.deviceID, token); err != nil {
		c.log.Warn("rollback remote session", zap.Error(err))
	}
}

// currentUptime is the tracker's accessor: plan usage accumulated before
// this session plus the live elapsed time, read fresh on every call.
func (c *Coordinator) currentUptime() time.Duration {
	c.mu.Lock()
	base := c.baseUptime
	c.mu.Unlock()

	st := c.state.Get()
	if !st.Active() {
		return base
	}
	return base + c.now().Sub(*st.CurrentSessionStart)
}

// syncLoop refreshes the ownership timestamp and pushes uptime to the
// ledger while the session runs.
func (c *Coordinator) syncLoop(stop <-chan struct{}, current func() time.Duration) {
	ticker := time.NewTicker(c.limits.UptimeSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.sessions.RefreshTimestamp(c.deviceID)
			cur := current()
			c.tracker.SyncUptime(context.Background(), c.deviceID, cur)
			telemetry.SessionUptimeSeconds.Set(cur.Seconds())
			c.state.Update(func(st *models.NodeState) {
				now := c.now()
				st.LastActiveTime = &now
			})
		}
	}
}

// Status returns the UI snapshot.
func (c *Coordinator) Status() Status {
	st := c.state.Get()
	cur := c.currentUptime()

	c.mu.Lock()
	notices := c.notices
	c.mu.Unlock()

	return Status{
		DeviceID:       c.deviceID,
		TabID:          c.sessions.TabID(),
		Plan:           c.plan,
		State:          st,
		Device:         c.state.Device(),
		SessionSeconds: st.SessionUptime(c.now()),
		Uptime:         uptimeStatus(uptime.Validate(cur, c.plan)),
		Notices:        notices,
	}
}

// Engine exposes the engine handle for the control API (task list, claim,
// manual generation).
func (c *Coordinator) Engine() *engine.Engine {
	return c.eng
}
