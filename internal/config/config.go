// Package config holds the plan tables and node limits that gate task
// generation, uptime, and session exclusivity. Values mirror what the
// ledger backend enforces; changing them locally only changes how soon
// the backend starts rejecting calls.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/0xneox/swarmuii/internal/models"
)

// PlanName identifies a subscription plan. Unknown names resolve to free.
type PlanName string

const (
	PlanFree       PlanName = "free"
	PlanBasic      PlanName = "basic"
	PlanUltimate   PlanName = "ultimate"
	PlanEnterprise PlanName = "enterprise"
)

// Plan is the immutable limit tuple for one subscription plan.
type Plan struct {
	Name                    PlanName      `yaml:"name"`
	MaxUptime               time.Duration `yaml:"max_uptime"`
	MaxDevices              int           `yaml:"max_devices"`
	ProcessingInterval      time.Duration `yaml:"processing_interval"`
	PendingQueueSize        int           `yaml:"pending_queue_size"`
	MaxConcurrentProcessing int           `yaml:"max_concurrent_processing"`
}

var plans = map[PlanName]Plan{
	PlanFree: {
		Name:                    PlanFree,
		MaxUptime:               4 * time.Hour,
		MaxDevices:              1,
		ProcessingInterval:      3 * time.Second,
		PendingQueueSize:        5,
		MaxConcurrentProcessing: 2,
	},
	PlanBasic: {
		Name:                    PlanBasic,
		MaxUptime:               10 * time.Hour,
		MaxDevices:              1,
		ProcessingInterval:      2 * time.Second,
		PendingQueueSize:        8,
		MaxConcurrentProcessing: 3,
	},
	PlanUltimate: {
		Name:                    PlanUltimate,
		MaxUptime:               18 * time.Hour,
		MaxDevices:              2,
		ProcessingInterval:      1500 * time.Millisecond,
		PendingQueueSize:        12,
		MaxConcurrentProcessing: 5,
	},
	PlanEnterprise: {
		Name:                    PlanEnterprise,
		MaxUptime:               24 * time.Hour,
		MaxDevices:              6,
		ProcessingInterval:      time.Second,
		PendingQueueSize:        20,
		MaxConcurrentProcessing: 8,
	},
}

// PlanByName resolves a plan, falling back to free for unknown names.
func PlanByName(name string) Plan {
	if p, ok := plans[PlanName(strings.ToLower(strings.TrimSpace(name)))]; ok {
		return p
	}
	return plans[PlanFree]
}

// BaseRewards is the per-type reward table in swarm points.
var BaseRewards = map[models.TaskType]int64{
	models.TaskText:  2,
	models.TaskImage: 4,
	models.TaskVideo: 6,
	models.Task3D:    8,
}

// HardwareMultipliers scales rewards by detected compute capability.
var HardwareMultipliers = map[models.HardwareTier]float64{
	models.TierWebGPU: 5.0,
	models.TierWASM:   2.5,
	models.TierWebGL:  2.0,
	models.TierCPU:    1.0,
}

// CompletionTimes is how long a task of each type takes to process on each
// hardware tier. Faster tiers finish sooner and therefore earn faster.
var CompletionTimes = map[models.HardwareTier]map[models.TaskType]time.Duration{
	models.TierWebGPU: {
		models.TaskText:  4 * time.Second,
		models.TaskImage: 6 * time.Second,
		models.TaskVideo: 10 * time.Second,
		models.Task3D:    14 * time.Second,
	},
	models.TierWASM: {
		models.TaskText:  6 * time.Second,
		models.TaskImage: 9 * time.Second,
		models.TaskVideo: 15 * time.Second,
		models.Task3D:    21 * time.Second,
	},
	models.TierWebGL: {
		models.TaskText:  8 * time.Second,
		models.TaskImage: 12 * time.Second,
		models.TaskVideo: 20 * time.Second,
		models.Task3D:    28 * time.Second,
	},
	models.TierCPU: {
		models.TaskText:  12 * time.Second,
		models.TaskImage: 18 * time.Second,
		models.TaskVideo: 30 * time.Second,
		models.Task3D:    42 * time.Second,
	},
}

// MaxRewardPerTask is the ledger-enforced cap; the client clamps before
// sending so an inflated local table can't produce rejected calls.
const MaxRewardPerTask int64 = 100

// CompletionTime returns the required processing duration for a tier/type
// pair, defaulting to the cpu/text entry for unknown combinations.
func CompletionTime(tier models.HardwareTier, typ models.TaskType) time.Duration {
	if byType, ok := CompletionTimes[tier]; ok {
		if d, ok := byType[typ]; ok {
			return d
		}
	}
	return CompletionTimes[models.TierCPU][models.TaskText]
}

// RewardFor computes the integer reward for completing a task of the given
// type on the given tier. The ledger only accepts integers; rounding here
// is a wire-format requirement, not presentation.
func RewardFor(typ models.TaskType, tier models.HardwareTier) int64 {
	base := BaseRewards[typ]
	mult := HardwareMultipliers[tier]
	reward := int64(float64(base)*mult + 0.5)
	if reward > MaxRewardPerTask {
		reward = MaxRewardPerTask
	}
	return reward
}

// Limits are the node-control knobs that are not plan dependent.
type Limits struct {
	WarmupDelay        time.Duration `yaml:"warmup_delay"`
	InitialBatchSize   int           `yaml:"initial_batch_size"`
	GenerationBatch    int           `yaml:"generation_batch"`
	SessionFreshness   time.Duration `yaml:"session_freshness"`
	TakeoverNoticeTTL  time.Duration `yaml:"takeover_notice_ttl"`
	UptimePollInterval time.Duration `yaml:"uptime_poll_interval"`
	UptimeSyncInterval time.Duration `yaml:"uptime_sync_interval"`
	WarningThreshold   float64       `yaml:"warning_threshold"`
	AutoStopEnabled    bool          `yaml:"auto_stop_enabled"`
}

// DefaultLimits returns the stock limits matching the ledger backend.
func DefaultLimits() Limits {
	return Limits{
		WarmupDelay:        3 * time.Second,
		InitialBatchSize:   5,
		GenerationBatch:    3,
		SessionFreshness:   5 * time.Minute,
		TakeoverNoticeTTL:  time.Second,
		UptimePollInterval: 10 * time.Second,
		UptimeSyncInterval: 60 * time.Second,
		WarningThreshold:   0.9,
		AutoStopEnabled:    true,
	}
}

// Config is the daemon configuration.
type Config struct {
	LedgerBaseURL string `yaml:"ledger_base_url"`
	APIToken      string `yaml:"api_token"`
	ListenAddr    string `yaml:"listen_addr"`
	MetricsAddr   string `yaml:"metrics_addr"`
	DataDir       string `yaml:"data_dir"`
	NATSURL       string `yaml:"nats_url"`
	Plan          string `yaml:"plan"`
	// DeviceID pins the agent to a known device. Empty means a generated
	// id is minted on first run and persisted in the data dir.
	DeviceID     string `yaml:"device_id"`
	HardwareTier string `yaml:"hardware_tier"`
	Limits       Limits `yaml:"limits"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LedgerBaseURL: "http://localhost:8080/api",
		ListenAddr:    ":7520",
		MetricsAddr:   ":9090",
		DataDir:       "./data/swarmnode",
		Plan:          string(PlanFree),
		HardwareTier:  "cpu",
		Limits:        DefaultLimits(),
	}
}

// Load reads a YAML config file over the defaults. A missing path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Limits.SessionFreshness <= 0 {
		cfg.Limits.SessionFreshness = DefaultLimits().SessionFreshness
	}
	if cfg.Limits.UptimePollInterval <= 0 {
		cfg.Limits.UptimePollInterval = DefaultLimits().UptimePollInterval
	}
	if cfg.Limits.WarningThreshold <= 0 || cfg.Limits.WarningThreshold >= 1 {
		cfg.Limits.WarningThreshold = DefaultLimits().WarningThreshold
	}
	return cfg, nil
}
