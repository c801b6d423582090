package engine

import (
	"sync"
	"time"

	"github.com/0xneox/swarmuii/internal/models"
	"github.com/0xneox/swarmuii/internal/telemetry"
)

// Stats summarizes the task list by status.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Snapshot is the live view the UI collaborator subscribes to. Completed
// tasks stay in the list as visible unclaimed rewards until a claim or a
// node stop clears them.
type Snapshot struct {
	Tasks           []models.ProxyTask         `json:"tasks"`
	Stats           Stats                      `json:"stats"`
	UnclaimedReward int64                      `json:"unclaimed_reward"`
	ClaimedReward   int64                      `json:"claimed_reward"`
	Transactions    []models.RewardTransaction `json:"transactions"`
}

// Store holds the engine's mutable task state: the task list, confirmed
// reward transactions, and the running reward totals. All methods are safe
// for concurrent use; mutations notify subscribers outside the lock.
type Store struct {
	mu           sync.Mutex
	tasks        []models.ProxyTask
	transactions []models.RewardTransaction
	unclaimed    int64
	claimed      int64
	autoGenerate bool
	generating   bool

	subs   map[int]func(Snapshot)
	nextID int
}

// NewStore returns an empty store with auto-generation enabled.
func NewStore() *Store {
	return &Store{
		autoGenerate: true,
		subs:         make(map[int]func(Snapshot)),
	}
}

// Subscribe registers fn for a snapshot after every mutation. The returned
// function unsubscribes.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// AddTasks appends generated tasks.
func (s *Store) AddTasks(tasks []models.ProxyTask) {
	s.mu.Lock()
	s.tasks = append(s.tasks, tasks...)
	s.mu.Unlock()
	s.notify()
}

// StartProcessing promotes pending tasks to processing until the
// concurrent limit is filled, stamping their processing start. Returns how
// many were promoted.
func (s *Store) StartProcessing(maxConcurrent int, now time.Time) int {
	s.mu.Lock()
	processing := 0
	for i := range s.tasks {
		if s.tasks[i].Status == models.TaskProcessing {
			processing++
		}
	}
	promoted := 0
	for i := range s.tasks {
		if processing >= maxConcurrent {
			break
		}
		if s.tasks[i].Status != models.TaskPending {
			continue
		}
		start := now
		s.tasks[i].Status = models.TaskProcessing
		s.tasks[i].ProcessingStart = &start
		processing++
		promoted++
	}
	s.mu.Unlock()
	if promoted > 0 {
		s.notify()
	}
	return promoted
}

// DueProcessing returns copies of processing tasks whose required
// completion duration has elapsed, in task-list order.
func (s *Store) DueProcessing(now time.Time, required func(models.ProxyTask) time.Duration) []models.ProxyTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.ProxyTask
	for _, t := range s.tasks {
		if t.Status != models.TaskProcessing || t.ProcessingStart == nil {
			continue
		}
		if now.Sub(*t.ProcessingStart) >= required(t) {
			due = append(due, t)
		}
	}
	return due
}

// CompleteTask transitions a processing task to completed and records the
// confirmed reward transaction. Returns false when the task is no longer
// in the processing state (already finished, or cleared by a stop), in
// which case nothing is recorded: a completion resolving after a reset is
// a harmless no-op.
func (s *Store) CompleteTask(taskID string, tx models.RewardTransaction, now time.Time) bool {
	s.mu.Lock()
	var done bool
	for i := range s.tasks {
		if s.tasks[i].ID != taskID || s.tasks[i].Status != models.TaskProcessing {
			continue
		}
		completed := now
		s.tasks[i].Status = models.TaskCompleted
		s.tasks[i].CompletedAt = &completed
		s.tasks[i].Reward = tx.Amount
		s.transactions = append(s.transactions, tx)
		s.unclaimed += tx.Amount
		done = true
		break
	}
	s.mu.Unlock()
	if done {
		s.notify()
	}
	return done
}

// FailTask transitions a processing task to failed. The task stays in the
// list; failed work is visible, never silently dropped.
func (s *Store) FailTask(taskID string) bool {
	s.mu.Lock()
	var failed bool
	for i := range s.tasks {
		if s.tasks[i].ID == taskID && s.tasks[i].Status == models.TaskProcessing {
			s.tasks[i].Status = models.TaskFailed
			failed = true
			break
		}
	}
	s.mu.Unlock()
	if failed {
		s.notify()
	}
	return failed
}

// ClaimCompleted removes completed tasks from the list and moves the
// unclaimed total into the claimed total. Returns the claimed amount and
// the number of tasks drained.
func (s *Store) ClaimCompleted() (int64, int) {
	s.mu.Lock()
	kept := s.tasks[:0]
	drained := 0
	for _, t := range s.tasks {
		if t.Status == models.TaskCompleted {
			drained++
			continue
		}
		kept = append(kept, t)
	}
	s.tasks = kept
	amount := s.unclaimed
	s.claimed += amount
	s.unclaimed = 0
	s.mu.Unlock()
	s.notify()
	return amount, drained
}

// Reset clears the task list. Confirmed reward transactions and totals
// survive: they mirror state the ledger already acknowledged.
func (s *Store) Reset() {
	s.mu.Lock()
	s.tasks = nil
	s.generating = false
	s.mu.Unlock()
	s.notify()
}

// SetAutoGenerate toggles automatic task generation.
func (s *Store) SetAutoGenerate(on bool) {
	s.mu.Lock()
	s.autoGenerate = on
	s.mu.Unlock()
}

// AutoGenerate reports whether automatic generation is on.
func (s *Store) AutoGenerate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoGenerate
}

// TryBeginGeneration claims the single in-flight generation slot. The
// caller must call EndGeneration when done.
func (s *Store) TryBeginGeneration() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generating {
		return false
	}
	s.generating = true
	return true
}

// EndGeneration releases the generation slot.
func (s *Store) EndGeneration() {
	s.mu.Lock()
	s.generating = false
	s.mu.Unlock()
}

// Stats returns the current status counts.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() Stats {
	var st Stats
	for _, t := range s.tasks {
		switch t.Status {
		case models.TaskPending:
			st.Pending++
		case models.TaskProcessing:
			st.Processing++
		case models.TaskCompleted:
			st.Completed++
		case models.TaskFailed:
			st.Failed++
		}
	}
	return st
}

// Snapshot returns a copy of the full store state.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	tasks := make([]models.ProxyTask, len(s.tasks))
	copy(tasks, s.tasks)
	txs := make([]models.RewardTransaction, len(s.transactions))
	copy(txs, s.transactions)
	return Snapshot{
		Tasks:           tasks,
		Stats:           s.statsLocked(),
		UnclaimedReward: s.unclaimed,
		ClaimedReward:   s.claimed,
		Transactions:    txs,
	}
}

// notify delivers a snapshot to every subscriber and refreshes the
// processing gauge. Called outside the lock by every mutator.
func (s *Store) notify() {
	s.mu.Lock()
	snap := s.snapshotLocked()
	fns := make([]func(Snapshot), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	telemetry.ProcessingTasks.Set(float64(snap.Stats.Processing))
	for _, fn := range fns {
		fn(snap)
	}
}
