// Package warmup sequences engine cold start so the pipeline is never
// visibly empty at session start: seed a task batch first, give it a
// moment to land, then begin processing.
package warmup

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/0xneox/swarmuii/internal/config"
	"github.com/0xneox/swarmuii/internal/engine"
)

// Orchestrator owns the warmup timer and is the single control point that
// may start the task engine. Starting the engine anywhere else reopens a
// class of double-start bugs; treat one-starter as a hard contract.
type Orchestrator struct {
	engine *engine.Engine
	limits config.Limits
	log    *zap.Logger

	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	warming bool
}

// New builds an Orchestrator for eng.
func New(eng *engine.Engine, limits config.Limits, log *zap.Logger) *Orchestrator {
	return &Orchestrator{engine: eng, limits: limits, log: log}
}

// StartWithWarmup begins a fresh warmup: any prior warmup is cancelled,
// the plan is propagated to the engine, an initial batch is seeded
// immediately, and after the warmup delay processing is promoted and the
// recurring engine starts. The seed always precedes the engine start.
func (o *Orchestrator) StartWithWarmup(planName string) {
	o.Cancel()
	// A warmup cancelled before its delay never started the engine, so
	// its seed batch is still queued. Clear it so batches don't stack.
	o.engine.Store().Reset()

	o.engine.SetPlan(planName)

	o.log.Info("warmup started",
		zap.String("plan", planName),
		zap.Int("initial_batch", o.limits.InitialBatchSize),
		zap.Duration("delay", o.limits.WarmupDelay))

	// One-time seed, independent of whether generation will recur.
	o.engine.GenerateNow(o.limits.InitialBatchSize)

	o.mu.Lock()
	o.warming = true
	o.gen++
	gen := o.gen
	o.timer = time.AfterFunc(o.limits.WarmupDelay, func() { o.fire(gen) })
	o.mu.Unlock()
}

// fire is the post-delay step. timer.Stop cannot revoke a callback that
// already fired, so the generation check is what makes Cancel effective
// at the delay boundary: a stale generation means Cancel (or a restart)
// won the race and this warmup must not start the engine. The engine
// start happens under the same lock Cancel holds across its stop, so
// whichever ran second determines the final engine state.
func (o *Orchestrator) fire(gen uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if gen != o.gen || !o.warming {
		return
	}
	o.warming = false
	o.timer = nil

	o.log.Info("warmup complete, starting task processing")
	o.engine.PromoteNow()
	o.engine.Start()
}

// Cancel aborts a pending warmup and unconditionally stops the engine,
// covering the case where warmup already completed and the engine is
// live. Safe to call any number of times, from any state.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.gen++
	if o.timer != nil {
		o.timer.Stop()
		o.timer = nil
	}
	wasWarming := o.warming
	o.warming = false

	o.engine.Stop()
	if wasWarming {
		o.log.Info("warmup cancelled")
	}
}

// Warming reports whether the delay timer is still pending.
func (o *Orchestrator) Warming() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.warming
}
