package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/0xneox/swarmuii/internal/models"
	"github.com/0xneox/swarmuii/internal/registry"
)

func TestStatePersistsIdentityAcrossReload(t *testing.T) {
	store := registry.NewMemory()
	log := zap.NewNop()

	s := LoadState(store, log)
	s.Update(func(st *models.NodeState) {
		st.NodeID = "node-9"
		st.HardwareTier = models.TierWebGL
		st.Status = models.NodeRegistered
	})

	re := LoadState(store, log)
	got := re.Get()
	assert.Equal(t, "node-9", got.NodeID)
	assert.Equal(t, models.TierWebGL, got.HardwareTier)
	assert.Equal(t, models.NodeRegistered, got.Status)
}

func TestStateNeverReloadsActive(t *testing.T) {
	store := registry.NewMemory()
	log := zap.NewNop()

	s := LoadState(store, log)
	now := time.Now()
	s.Update(func(st *models.NodeState) {
		st.NodeID = "node-9"
		st.HardwareTier = models.TierCPU
		st.Status = models.NodeActive
		st.CurrentSessionStart = &now
	})

	re := LoadState(store, log)
	got := re.Get()
	assert.Equal(t, models.NodeRegistered, got.Status)
	assert.Nil(t, got.CurrentSessionStart)
	assert.False(t, got.Active())
}

func TestDevicePersistsAcrossReload(t *testing.T) {
	store := registry.NewMemory()
	log := zap.NewNop()

	s := LoadState(store, log)
	s.SaveDevice(models.Device{
		ID:           "dev-9",
		Name:         "laptop",
		HardwareTier: models.TierWASM,
		MemoryGB:     16,
	})

	got := LoadState(store, log).Device()
	assert.Equal(t, "dev-9", got.ID)
	assert.Equal(t, "laptop", got.Name)
	assert.Equal(t, models.TierWASM, got.HardwareTier)
	assert.Equal(t, 16, got.MemoryGB)
}

func TestStateCorruptBlobLoadsUnregistered(t *testing.T) {
	store := registry.NewMemory()
	_ = store.Set(stateKey, []byte("{nope"))

	got := LoadState(store, zap.NewNop()).Get()
	assert.Equal(t, models.NodeUnregistered, got.Status)
	assert.False(t, got.Registered())
}
