package models

import "time"

// HardwareTier classifies the detected compute capability of a device.
// The tier scales reward multipliers and task completion durations.
type HardwareTier string

const (
	TierWebGPU HardwareTier = "webgpu"
	TierWASM   HardwareTier = "wasm"
	TierWebGL  HardwareTier = "webgl"
	TierCPU    HardwareTier = "cpu"
)

// Valid reports whether t is one of the known tiers.
func (t HardwareTier) Valid() bool {
	switch t {
	case TierWebGPU, TierWASM, TierWebGL, TierCPU:
		return true
	}
	return false
}

// TaskType is the synthetic workload category of a proxy task.
type TaskType string

const (
	TaskText  TaskType = "text"
	TaskImage TaskType = "image"
	TaskVideo TaskType = "video"
	Task3D    TaskType = "3d"
)

// TaskTypes lists every task type in generation order.
var TaskTypes = []TaskType{TaskText, TaskImage, TaskVideo, Task3D}

// TaskStatus is the lifecycle state of a proxy task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// ProxyTask is a simulated unit of work. Completed tasks represent
// unclaimed reward and stay in the task list until an explicit claim
// or a node stop clears them.
type ProxyTask struct {
	ID              string       `json:"id"`
	NodeID          string       `json:"node_id"`
	Type            TaskType     `json:"type"`
	Status          TaskStatus   `json:"status"`
	HardwareTier    HardwareTier `json:"hardware_tier"`
	Reward          int64        `json:"reward"`
	CreatedAt       time.Time    `json:"created_at"`
	ProcessingStart *time.Time   `json:"processing_start,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

// RewardTransaction records a confirmed task completion. It is only ever
// created after the ledger acknowledged the completion call.
type RewardTransaction struct {
	ID           string       `json:"id"`
	Amount       int64        `json:"amount"`
	Type         string       `json:"type"`
	TaskID       string       `json:"task_id"`
	TaskType     TaskType     `json:"task_type"`
	HardwareTier HardwareTier `json:"hardware_tier"`
	Multiplier   float64      `json:"multiplier"`
	Timestamp    time.Time    `json:"timestamp"`
}

// RewardTypeTaskCompletion is the only transaction type the engine emits.
const RewardTypeTaskCompletion = "task_completion"

// Device is the registered hardware identity a node runs on behalf of.
type Device struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	HardwareTier HardwareTier `json:"hardware_tier"`
	CPU          string       `json:"cpu,omitempty"`
	GPU          string       `json:"gpu,omitempty"`
	MemoryGB     int          `json:"memory_gb,omitempty"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// NodeStatus is the explicit lifecycle state of the local node identity.
type NodeStatus string

const (
	NodeUnregistered NodeStatus = "unregistered"
	NodeRegistered   NodeStatus = "registered"
	NodeActive       NodeStatus = "active"
	NodeStopping     NodeStatus = "stopping"
)

// NodeState is the process-local runtime identity of a device. It is
// persisted across restarts, but the active status never is: a reloaded
// node always comes back registered-at-most, since nothing proves the
// previous session's timers survived.
type NodeState struct {
	NodeID              string       `json:"node_id"`
	Status              NodeStatus   `json:"status"`
	HardwareTier        HardwareTier `json:"hardware_tier"`
	StartTime           *time.Time   `json:"start_time,omitempty"`
	CurrentSessionStart *time.Time   `json:"current_session_start,omitempty"`
	LastActiveTime      *time.Time   `json:"last_active_time,omitempty"`
}

// Registered reports whether the node holds a usable hardware identity.
func (n NodeState) Registered() bool {
	return n.Status != NodeUnregistered && n.NodeID != "" && n.HardwareTier.Valid()
}

// Active reports whether a session is currently running. The invariant is
// that CurrentSessionStart is non-nil exactly when the node is active.
func (n NodeState) Active() bool {
	return n.Status == NodeActive && n.CurrentSessionStart != nil
}

// SessionUptime returns the elapsed seconds of the current session, or 0
// when the node is not active.
func (n NodeState) SessionUptime(now time.Time) int64 {
	if !n.Active() {
		return 0
	}
	return int64(now.Sub(*n.CurrentSessionStart) / time.Second)
}

// OwnershipRecord declares which tab currently owns a device session.
// Stored in the shared registry, one record per device; records older than
// the freshness window are stale and may be reclaimed.
type OwnershipRecord struct {
	TabID        string    `json:"tab_id"`
	SessionToken string    `json:"session_token"`
	DeviceID     string    `json:"device_id"`
	StartTime    time.Time `json:"start_time"`
	Timestamp    int64     `json:"timestamp"` // unix millis of the last write
}

// TakeoverNotice is the transient broadcast written when a tab forcibly
// claims a device. It self-deletes shortly after being written; losing
// tabs react to it through the registry subscription.
type TakeoverNotice struct {
	NewOwner  string `json:"new_owner"`
	DeviceID  string `json:"device_id"`
	Timestamp int64  `json:"timestamp"`
}
