package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xneox/swarmuii/internal/config"
	"github.com/0xneox/swarmuii/internal/ledger"
	"github.com/0xneox/swarmuii/internal/models"
)

type fakeCompleter struct {
	mu         sync.Mutex
	calls      []completeCall
	failIDs    map[string]bool
	inFlight   atomic.Int32
	maxSeen    atomic.Int32
	block      chan struct{}
	totalAfter int64
}

type completeCall struct {
	taskID string
	typ    models.TaskType
	reward int64
}

func (f *fakeCompleter) CompleteTask(_ context.Context, taskID string, typ models.TaskType, reward int64) (ledger.CompleteTaskResult, error) {
	cur := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		prev := f.maxSeen.Load()
		if cur <= prev || f.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	if f.block != nil {
		<-f.block
	}

	f.mu.Lock()
	f.calls = append(f.calls, completeCall{taskID: taskID, typ: typ, reward: reward})
	fail := f.failIDs[taskID]
	f.mu.Unlock()

	if fail {
		return ledger.CompleteTaskResult{}, errors.New("ledger rejected task")
	}
	return ledger.CompleteTaskResult{TotalUnclaimedReward: f.totalAfter}, nil
}

func (f *fakeCompleter) callIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.calls))
	for i, c := range f.calls {
		ids[i] = c.taskID
	}
	return ids
}

type nodeStateFn struct {
	mu sync.Mutex
	st models.NodeState
}

func (n *nodeStateFn) get() models.NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.st
}

func (n *nodeStateFn) set(st models.NodeState) {
	n.mu.Lock()
	n.st = st
	n.mu.Unlock()
}

func activeNode() models.NodeState {
	now := time.Now()
	return models.NodeState{
		NodeID:              "node-1",
		Status:              models.NodeActive,
		HardwareTier:        models.TierCPU,
		CurrentSessionStart: &now,
	}
}

func newTestEngine(t *testing.T, fc *fakeCompleter, ns *nodeStateFn, opts ...Option) *Engine {
	t.Helper()
	store := NewStore()
	limits := config.DefaultLimits()
	e := New(store, fc, ns.get, limits, zap.NewNop(), opts...)
	t.Cleanup(e.Stop)
	return e
}

func TestCycleInertWhileNodeInactive(t *testing.T) {
	fc := &fakeCompleter{}
	ns := &nodeStateFn{}
	ns.set(models.NodeState{NodeID: "node-1", Status: models.NodeRegistered, HardwareTier: models.TierCPU})
	e := newTestEngine(t, fc, ns)

	e.cycle()
	assert.Empty(t, e.Store().Snapshot().Tasks, "no generation while node inactive")
}

func TestCycleGeneratesUpToQueueBound(t *testing.T) {
	fc := &fakeCompleter{}
	ns := &nodeStateFn{}
	ns.set(activeNode())
	e := newTestEngine(t, fc, ns)
	e.SetPlan("free") // queue size 5, batch 3

	e.cycle()
	st := e.Store().Stats()
	assert.Equal(t, 3, st.Pending+st.Processing)

	e.cycle()
	st = e.Store().Stats()
	assert.LessOrEqual(t, st.Pending+st.Processing, 5, "generation never exceeds the plan queue size")
}

func TestAutoGenerateOffStopsNewTasks(t *testing.T) {
	fc := &fakeCompleter{}
	ns := &nodeStateFn{}
	ns.set(activeNode())
	e := newTestEngine(t, fc, ns)
	e.SetPlan("free")

	e.Store().SetAutoGenerate(false)
	e.cycle()
	assert.Empty(t, e.Store().Snapshot().Tasks, "no generation while auto-generate is off")

	// Manual generation still works with the toggle off.
	assert.True(t, e.GenerateNow(2))
	assert.Len(t, e.Store().Snapshot().Tasks, 2)

	e.Store().SetAutoGenerate(true)
	e.cycle()
	st := e.Store().Stats()
	assert.Greater(t, st.Pending+st.Processing, 2)
}

func TestProcessingNeverExceedsPlanConcurrency(t *testing.T) {
	fc := &fakeCompleter{}
	ns := &nodeStateFn{}
	ns.set(activeNode())
	e := newTestEngine(t, fc, ns)
	e.SetPlan("free") // max concurrent 2

	for i := 0; i < 5; i++ {
		e.cycle()
		assert.LessOrEqual(t, e.Store().Stats().Processing, 2)
	}
}

func TestDueTasksCompleteAgainstLedger(t *testing.T) {
	fc := &fakeCompleter{totalAfter: 42}
	ns := &nodeStateFn{}
	ns.set(activeNode())

	base := time.Now()
	cur := base
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return cur
	}
	e := newTestEngine(t, fc, ns, WithClock(clock))
	e.SetPlan("free")

	e.cycle() // generate + promote
	require.Positive(t, e.Store().Stats().Processing)

	// Advance past the slowest cpu completion time so everything is due.
	mu.Lock()
	cur = base.Add(time.Hour)
	mu.Unlock()

	e.cycle()
	assert.Eventually(t, func() bool {
		return e.Store().Stats().Completed > 0
	}, time.Second, 5*time.Millisecond)

	snap := e.Store().Snapshot()
	assert.Equal(t, snap.Stats.Completed, len(snap.Transactions),
		"exactly one transaction per confirmed completion")
	for _, tx := range snap.Transactions {
		assert.Equal(t, config.RewardFor(tx.TaskType, models.TierCPU), tx.Amount)
	}
}

func TestFailedCompletionMarksTaskFailedAndEngineContinues(t *testing.T) {
	fc := &fakeCompleter{failIDs: map[string]bool{}}
	ns := &nodeStateFn{}
	ns.set(activeNode())

	base := time.Now()
	cur := base
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return cur
	}
	e := newTestEngine(t, fc, ns, WithClock(clock))
	e.SetPlan("free")

	e.cycle()
	procIDs := []string{}
	for _, task := range e.Store().Snapshot().Tasks {
		if task.Status == models.TaskProcessing {
			procIDs = append(procIDs, task.ID)
		}
	}
	require.NotEmpty(t, procIDs)

	fc.mu.Lock()
	fc.failIDs[procIDs[0]] = true
	fc.mu.Unlock()

	mu.Lock()
	cur = base.Add(time.Hour)
	mu.Unlock()

	e.cycle()
	assert.Eventually(t, func() bool {
		return e.Store().Stats().Failed == 1
	}, time.Second, 5*time.Millisecond)

	snap := e.Store().Snapshot()
	for _, tx := range snap.Transactions {
		assert.NotEqual(t, procIDs[0], tx.TaskID, "no reward for the failed task")
	}

	// The next tick still runs normally.
	e.cycle()
	assert.LessOrEqual(t, snap.Stats.Processing, e.Plan().MaxConcurrentProcessing)
}

func TestSweepConcurrencyBoundedToOne(t *testing.T) {
	fc := &fakeCompleter{block: make(chan struct{})}
	ns := &nodeStateFn{}
	ns.set(activeNode())

	base := time.Now()
	cur := base
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return cur
	}
	e := newTestEngine(t, fc, ns, WithClock(clock))
	e.SetPlan("free")

	e.cycle()
	mu.Lock()
	cur = base.Add(time.Hour)
	mu.Unlock()

	// Several ticks while the first sweep is blocked on the ledger: no
	// second sweep may start.
	e.cycle()
	e.cycle()
	e.cycle()
	time.Sleep(20 * time.Millisecond)
	close(fc.block)

	assert.Eventually(t, func() bool {
		return e.Store().Stats().Processing == 0
	}, time.Second, 5*time.Millisecond)
	assert.LessOrEqual(t, fc.maxSeen.Load(), int32(1),
		"concurrent ledger completion calls must never exceed 1")
}

func TestStartStopIdempotent(t *testing.T) {
	fc := &fakeCompleter{}
	ns := &nodeStateFn{}
	ns.set(activeNode())
	e := newTestEngine(t, fc, ns)

	e.Start()
	e.Start() // second start is a no-op
	assert.True(t, e.Running())

	e.Store().AddTasks([]models.ProxyTask{pendingTask("x")})

	var resets atomic.Int32
	unsub := e.Store().Subscribe(func(snap Snapshot) {
		if len(snap.Tasks) == 0 {
			resets.Add(1)
		}
	})
	defer unsub()

	e.Stop()
	assert.False(t, e.Running())
	assert.Empty(t, e.Store().Snapshot().Tasks, "stop clears the task list")

	e.Stop()
	e.Stop()
	assert.Equal(t, int32(1), resets.Load(), "redundant stops must not clear again")
}

func TestSetPlanRestartsRunningEngine(t *testing.T) {
	fc := &fakeCompleter{}
	ns := &nodeStateFn{}
	ns.set(activeNode())
	e := newTestEngine(t, fc, ns)

	e.Start()
	e.SetPlan("enterprise")
	assert.True(t, e.Running(), "engine restarts at the new interval")
	assert.Equal(t, config.PlanEnterprise, e.Plan().Name)

	e.Stop()
	e.SetPlan("basic")
	assert.False(t, e.Running(), "plan change alone never starts a stopped engine")
}

func TestGenerateNowRefusedWhileInactive(t *testing.T) {
	fc := &fakeCompleter{}
	ns := &nodeStateFn{}
	ns.set(models.NodeState{NodeID: "node-1", Status: models.NodeRegistered, HardwareTier: models.TierCPU})
	e := newTestEngine(t, fc, ns)

	assert.False(t, e.GenerateNow(5))
	assert.Empty(t, e.Store().Snapshot().Tasks)

	ns.set(activeNode())
	assert.True(t, e.GenerateNow(5))
	assert.Equal(t, 5, e.Store().Stats().Pending)
}
