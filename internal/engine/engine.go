// Package engine runs the simulated task pipeline: a plan-paced cycle that
// generates synthetic tasks, promotes them through processing, and reports
// completions to the reward ledger. Rewards only ever materialize locally
// after the ledger confirmed the completion call.
package engine

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xneox/swarmuii/internal/config"
	"github.com/0xneox/swarmuii/internal/ledger"
	"github.com/0xneox/swarmuii/internal/models"
	"github.com/0xneox/swarmuii/internal/telemetry"
)

// Completer is the slice of the ledger client the engine needs.
type Completer interface {
	CompleteTask(ctx context.Context, taskID string, taskType models.TaskType, reward int64) (ledger.CompleteTaskResult, error)
}

// Engine drives the processing cycle for one node. Create with New and
// thread the handle through the coordinator; there is deliberately no
// package-level instance, so independent sessions (and tests) cannot
// interfere with each other.
type Engine struct {
	store     *Store
	completer Completer
	nodeState func() models.NodeState
	tickHook  func()
	limits    config.Limits
	log       *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	plan    config.Plan
	running bool
	stop    chan struct{}

	sweeping atomic.Bool
}

// Option tweaks an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTickHook installs a callback run once per cycle while the node is
// active; the coordinator uses it for last-active bookkeeping.
func WithTickHook(fn func()) Option {
	return func(e *Engine) { e.tickHook = fn }
}

// New builds an Engine over store. nodeState is consulted at the top of
// every cycle; while it reports the node inactive or unregistered the
// timer keeps ticking but the cycle does nothing.
func New(store *Store, completer Completer, nodeState func() models.NodeState, limits config.Limits, log *zap.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		completer: completer,
		nodeState: nodeState,
		limits:    limits,
		log:       log,
		now:       time.Now,
		plan:      config.PlanByName(""),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetPlan switches the subscription plan. The cycle interval is plan
// dependent and cannot be adjusted on a live ticker, so a running engine
// is restarted at the new interval.
func (e *Engine) SetPlan(name string) {
	plan := config.PlanByName(name)

	e.mu.Lock()
	same := e.plan.Name == plan.Name
	e.plan = plan
	running := e.running
	e.mu.Unlock()

	if same {
		return
	}
	e.log.Info("engine plan set", zap.String("plan", string(plan.Name)))
	if running {
		e.Stop()
		e.Start()
	}
}

// Plan returns the active plan.
func (e *Engine) Plan() config.Plan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.plan
}

// Store exposes the engine's task store for the UI view.
func (e *Engine) Store() *Store {
	return e.store
}

// Start begins the processing cycle. No-op while already running.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	stop := make(chan struct{})
	e.stop = stop
	interval := e.plan.ProcessingInterval
	planName := e.plan.Name
	e.mu.Unlock()

	e.log.Info("task engine started",
		zap.String("plan", string(planName)),
		zap.Duration("interval", interval))

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				e.cycle()
			}
		}
	}()
}

// Stop halts the cycle and clears all in-flight tasks. Clearing is
// destructive and user visible, so it happens exactly once per stop:
// redundant calls are pure no-ops. An in-flight completion sweep is not
// waited for; its late results land on the cleared store as no-ops.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	close(e.stop)
	e.mu.Unlock()

	e.store.Reset()
	e.log.Info("task engine stopped, tasks cleared")
}

// Running reports whether the cycle timer is live.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// GenerateNow seeds a batch of n tasks immediately, outside the cycle.
// Used by the warmup orchestrator and the manual generation action.
// Refused while the node has no active, registered identity.
func (e *Engine) GenerateNow(n int) bool {
	st := e.nodeState()
	if !st.Active() || !st.Registered() {
		e.log.Warn("task generation refused: node not active")
		return false
	}
	e.store.AddTasks(e.makeTasks(n, st.NodeID, st.HardwareTier))
	return true
}

// PromoteNow promotes pending tasks up to the plan's concurrency limit,
// outside the cycle. Used by the warmup orchestrator's start-processing
// step.
func (e *Engine) PromoteNow() {
	e.store.StartProcessing(e.Plan().MaxConcurrentProcessing, e.now())
}

// cycle is one tick of the engine: generate, promote, sweep.
func (e *Engine) cycle() {
	st := e.nodeState()
	if !st.Active() || !st.Registered() {
		// Inert while no node session exists; the timer keeps ticking.
		return
	}
	if e.tickHook != nil {
		e.tickHook()
	}

	plan := e.Plan()
	tier := st.HardwareTier
	stats := e.store.Stats()

	if e.store.AutoGenerate() && stats.Pending+stats.Processing < plan.PendingQueueSize && e.store.TryBeginGeneration() {
		room := plan.PendingQueueSize - stats.Pending - stats.Processing
		n := e.limits.GenerationBatch
		if n > room {
			n = room
		}
		e.store.AddTasks(e.makeTasks(n, st.NodeID, tier))
		e.store.EndGeneration()
	}

	if stats.Pending > 0 && stats.Processing < plan.MaxConcurrentProcessing {
		e.store.StartProcessing(plan.MaxConcurrentProcessing, e.now())
	}

	// The sweep awaits remote calls, so it must not block the ticker. At
	// most one sweep is in flight per engine; that caps concurrent ledger
	// completion calls at one.
	if e.sweeping.CompareAndSwap(false, true) {
		go func() {
			defer e.sweeping.Store(false)
			e.sweep(tier)
		}()
	}
}

// sweep completes every due processing task, sequentially. A failed
// completion marks that task failed and moves on; it never stops the
// engine or the rest of the sweep.
func (e *Engine) sweep(tier models.HardwareTier) {
	due := e.store.DueProcessing(e.now(), func(t models.ProxyTask) time.Duration {
		return config.CompletionTime(tier, t.Type)
	})
	for _, task := range due {
		e.complete(task, tier)
	}
}

func (e *Engine) complete(task models.ProxyTask, tier models.HardwareTier) {
	reward := config.RewardFor(task.Type, tier)

	// Engine stop deliberately does not cancel this call: a completion
	// the ledger accepts after a local stop is still correct remotely.
	result, err := e.completer.CompleteTask(context.Background(), task.ID, task.Type, reward)
	if err != nil {
		telemetry.TasksFailed.Inc()
		e.log.Warn("task completion failed",
			zap.String("task", task.ID),
			zap.String("type", string(task.Type)),
			zap.Error(err))
		e.store.FailTask(task.ID)
		return
	}

	tx := models.RewardTransaction{
		ID:           uuid.NewString(),
		Amount:       reward,
		Type:         models.RewardTypeTaskCompletion,
		TaskID:       task.ID,
		TaskType:     task.Type,
		HardwareTier: tier,
		Multiplier:   config.HardwareMultipliers[tier],
		Timestamp:    e.now(),
	}
	if !e.store.CompleteTask(task.ID, tx, e.now()) {
		// Store was cleared while the call was in flight; the ledger has
		// the credit, the local list stays empty.
		return
	}

	telemetry.TasksCompleted.WithLabelValues(string(task.Type), string(tier)).Inc()
	telemetry.RewardPoints.Add(float64(reward))
	e.log.Info("task completed",
		zap.String("task", task.ID),
		zap.String("type", string(task.Type)),
		zap.Int64("reward", reward),
		zap.Int64("total_unclaimed", result.TotalUnclaimedReward))
}

// makeTasks builds a batch of pending tasks with pseudo-random types.
func (e *Engine) makeTasks(n int, nodeID string, tier models.HardwareTier) []models.ProxyTask {
	if n <= 0 {
		return nil
	}
	tasks := make([]models.ProxyTask, 0, n)
	for i := 0; i < n; i++ {
		typ := models.TaskTypes[rand.IntN(len(models.TaskTypes))]
		tasks = append(tasks, models.ProxyTask{
			ID:           uuid.NewString(),
			NodeID:       nodeID,
			Type:         typ,
			Status:       models.TaskPending,
			HardwareTier: tier,
			CreatedAt:    e.now(),
		})
		telemetry.TasksGenerated.WithLabelValues(string(typ)).Inc()
	}
	return tasks
}
