package warmup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/0xneox/swarmuii/internal/config"
	"github.com/0xneox/swarmuii/internal/engine"
	"github.com/0xneox/swarmuii/internal/ledger"
	"github.com/0xneox/swarmuii/internal/models"
)

type noopCompleter struct{}

func (noopCompleter) CompleteTask(context.Context, string, models.TaskType, int64) (ledger.CompleteTaskResult, error) {
	return ledger.CompleteTaskResult{}, nil
}

func activeState() models.NodeState {
	now := time.Now()
	return models.NodeState{
		NodeID:              "node-warm",
		Status:              models.NodeActive,
		HardwareTier:        models.TierCPU,
		CurrentSessionStart: &now,
	}
}

func testOrchestrator(t *testing.T, delay time.Duration) (*Orchestrator, *engine.Engine) {
	t.Helper()
	limits := config.DefaultLimits()
	limits.WarmupDelay = delay
	eng := engine.New(engine.NewStore(), noopCompleter{}, activeState, limits, zap.NewNop())
	t.Cleanup(eng.Stop)
	return New(eng, limits, zap.NewNop()), eng
}

func TestSeedPrecedesEngineStart(t *testing.T) {
	orc, eng := testOrchestrator(t, 50*time.Millisecond)

	orc.StartWithWarmup("free")

	// Seed batch is queued synchronously, before the delay elapses.
	snap := eng.Store().Snapshot()
	require.Len(t, snap.Tasks, config.DefaultLimits().InitialBatchSize)
	for _, task := range snap.Tasks {
		assert.Equal(t, models.TaskPending, task.Status)
	}
	assert.False(t, eng.Running())
	assert.True(t, orc.Warming())

	require.Eventually(t, eng.Running, time.Second, 5*time.Millisecond)
	assert.False(t, orc.Warming())

	// Promotion ran on the way up: some of the seeded batch is processing.
	processing := 0
	for _, task := range eng.Store().Snapshot().Tasks {
		if task.Status == models.TaskProcessing {
			processing++
		}
	}
	assert.Equal(t, eng.Plan().MaxConcurrentProcessing, processing)
}

func TestCancelBeforeDelaySuppressesStart(t *testing.T) {
	orc, eng := testOrchestrator(t, 30*time.Millisecond)

	orc.StartWithWarmup("free")
	orc.Cancel()

	time.Sleep(80 * time.Millisecond)
	assert.False(t, eng.Running())
	assert.False(t, orc.Warming())
}

func TestCancelAfterStartStopsEngine(t *testing.T) {
	orc, eng := testOrchestrator(t, 10*time.Millisecond)

	orc.StartWithWarmup("free")
	require.Eventually(t, eng.Running, time.Second, 2*time.Millisecond)

	orc.Cancel()
	assert.False(t, eng.Running())
	// Engine stop clears the queue.
	assert.Empty(t, eng.Store().Snapshot().Tasks)
}

func TestRestartCancelsPriorWarmup(t *testing.T) {
	orc, eng := testOrchestrator(t, 40*time.Millisecond)

	orc.StartWithWarmup("free")
	orc.StartWithWarmup("ultimate")

	require.Eventually(t, eng.Running, time.Second, 5*time.Millisecond)
	assert.Equal(t, config.PlanUltimate, orc.engine.Plan().Name)

	// Only the second seed survives: restart stopped the engine, which
	// cleared the first batch.
	assert.Len(t, eng.Store().Snapshot().Tasks, config.DefaultLimits().InitialBatchSize)
}

func TestCancelAtDelayBoundaryLeavesEngineStopped(t *testing.T) {
	orc, eng := testOrchestrator(t, time.Millisecond)

	// Race Cancel against the firing timer: whichever order they land
	// in, once Cancel has returned the engine must not be running and
	// must never come up afterwards.
	for i := 0; i < 200; i++ {
		orc.StartWithWarmup("free")
		time.Sleep(time.Millisecond)
		orc.Cancel()
		require.False(t, eng.Running(), "iteration %d: engine running after Cancel returned", i)
	}
	time.Sleep(5 * time.Millisecond)
	assert.False(t, eng.Running(), "no orphaned warmup started the engine late")
}

func TestCancelIdempotent(t *testing.T) {
	orc, _ := testOrchestrator(t, 10*time.Millisecond)

	orc.Cancel()
	orc.Cancel()
	orc.StartWithWarmup("basic")
	orc.Cancel()
	orc.Cancel()
	assert.False(t, orc.Warming())
}
