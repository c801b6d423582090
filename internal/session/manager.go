// Package session enforces single-owner exclusivity for a device: at most
// one agent instance ("tab") may drive a device's timers and ledger calls.
// Ownership lives in the shared registry; takeovers are announced through a
// transient broadcast key so the losing side can stand down immediately.
package session

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/0xneox/swarmuii/internal/models"
	"github.com/0xneox/swarmuii/internal/registry"
)

const (
	ownershipPrefix = "node_session:"
	takeoverPrefix  = "node_session_takeover:"
)

// Manager reads and writes the per-device ownership records for one agent
// instance. The zero freshness/TTL values are replaced with the stock ones.
type Manager struct {
	store     registry.Store
	freshness time.Duration
	noticeTTL time.Duration
	log       *zap.Logger
	now       func() time.Time

	mu    sync.Mutex
	tabID string
}

// Option tweaks a Manager; used by tests to pin clocks and timeouts.
type Option func(*Manager)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithFreshness overrides the ownership freshness window.
func WithFreshness(d time.Duration) Option {
	return func(m *Manager) { m.freshness = d }
}

// WithNoticeTTL overrides how long a takeover broadcast stays visible.
func WithNoticeTTL(d time.Duration) Option {
	return func(m *Manager) { m.noticeTTL = d }
}

// NewManager builds a Manager over the shared store.
func NewManager(store registry.Store, log *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:     store,
		freshness: 5 * time.Minute,
		noticeTTL: time.Second,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TabID lazily assigns and returns this instance's identity. Idempotent
// for the life of the process.
func (m *Manager) TabID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tabID == "" {
		m.tabID = "tab-" + uuid.NewString()
	}
	return m.tabID
}

func ownershipKey(deviceID string) string { return ownershipPrefix + deviceID }
func takeoverKey(deviceID string) string  { return takeoverPrefix + deviceID }

// ActiveSessionInOtherTab returns the ownership record for deviceID if it
// belongs to a different tab and is still within the freshness window.
// A stale or unparseable record reads as "no session" and is left for the
// next writer to overwrite.
func (m *Manager) ActiveSessionInOtherTab(deviceID string) *models.OwnershipRecord {
	rec, err := m.read(deviceID)
	if err != nil {
		return nil
	}
	if rec.TabID == m.TabID() {
		return nil
	}
	cutoff := m.now().Add(-m.freshness).UnixMilli()
	if rec.Timestamp <= cutoff {
		return nil
	}
	return rec
}

// StaleRecord returns another tab's ownership record for deviceID when it
// has fallen out of the freshness window. Callers reclaim the device by
// clearing it; a fresh or own-tab record returns nil.
func (m *Manager) StaleRecord(deviceID string) *models.OwnershipRecord {
	rec, err := m.read(deviceID)
	if err != nil {
		return nil
	}
	if rec.TabID == m.TabID() {
		return nil
	}
	cutoff := m.now().Add(-m.freshness).UnixMilli()
	if rec.Timestamp > cutoff {
		return nil
	}
	return rec
}

// SweepStale clears every ownership record that has fallen out of the
// freshness window, returning how many were removed. Run at daemon
// startup so records from crashed owners don't linger until someone
// tries to start their device.
func (m *Manager) SweepStale() int {
	keys, err := m.store.Keys(ownershipPrefix)
	if err != nil {
		m.log.Warn("session sweep", zap.Error(err))
		return 0
	}
	removed := 0
	for _, key := range keys {
		deviceID := strings.TrimPrefix(key, ownershipPrefix)
		if m.StaleRecord(deviceID) != nil {
			m.Clear(deviceID)
			removed++
		}
	}
	if removed > 0 {
		m.log.Info("stale session records swept", zap.Int("removed", removed))
	}
	return removed
}

// Register writes the ownership record for the current tab, unconditionally
// overwriting any prior record. Callers must already have confirmed
// exclusivity or explicit takeover intent.
func (m *Manager) Register(deviceID, sessionToken string, startTime time.Time) error {
	rec := models.OwnershipRecord{
		TabID:        m.TabID(),
		SessionToken: sessionToken,
		DeviceID:     deviceID,
		StartTime:    startTime,
		Timestamp:    m.now().UnixMilli(),
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := m.store.Set(ownershipKey(deviceID), payload); err != nil {
		return err
	}
	m.log.Info("session registered", zap.String("device", deviceID), zap.String("tab", rec.TabID))
	return nil
}

// Clear removes the ownership record. Best effort: a missing record is
// not an error.
func (m *Manager) Clear(deviceID string) {
	if err := m.store.Delete(ownershipKey(deviceID)); err != nil {
		m.log.Warn("session clear", zap.String("device", deviceID), zap.Error(err))
	}
}

// TakeOver claims the device for the current tab and broadcasts the
// takeover so the previous owner's listener fires. The broadcast key
// self-deletes after the notice TTL.
func (m *Manager) TakeOver(deviceID, sessionToken string, startTime time.Time) error {
	m.Clear(deviceID)
	if err := m.Register(deviceID, sessionToken, startTime); err != nil {
		return err
	}

	notice := models.TakeoverNotice{
		NewOwner:  m.TabID(),
		DeviceID:  deviceID,
		Timestamp: m.now().UnixMilli(),
	}
	payload, err := json.Marshal(notice)
	if err != nil {
		return err
	}
	if err := m.store.Set(takeoverKey(deviceID), payload); err != nil {
		return err
	}
	time.AfterFunc(m.noticeTTL, func() {
		_ = m.store.Delete(takeoverKey(deviceID))
	})
	m.log.Info("session taken over", zap.String("device", deviceID), zap.String("tab", m.TabID()))
	return nil
}

// IsOwner reports whether the stored record names the current tab.
// Freshness is irrelevant here: ownership answers "is it me", not
// "is it live".
func (m *Manager) IsOwner(deviceID string) bool {
	rec, err := m.read(deviceID)
	if err != nil {
		return false
	}
	return rec.TabID == m.TabID()
}

// RefreshTimestamp re-stamps the ownership record if the current tab owns
// it. Keep-alive against the freshness window while a session runs.
func (m *Manager) RefreshTimestamp(deviceID string) {
	rec, err := m.read(deviceID)
	if err != nil || rec.TabID != m.TabID() {
		return
	}
	rec.Timestamp = m.now().UnixMilli()
	payload, err := json.Marshal(rec)
	if err != nil {
		return
	}
	if err := m.store.Set(ownershipKey(deviceID), payload); err != nil {
		m.log.Warn("session keep-alive", zap.String("device", deviceID), zap.Error(err))
	}
}

// Token returns the session token from the ownership record when the
// current tab owns it.
func (m *Manager) Token(deviceID string) (string, bool) {
	rec, err := m.read(deviceID)
	if err != nil || rec.TabID != m.TabID() {
		return "", false
	}
	return rec.SessionToken, true
}

// OnTakeover invokes fn whenever another tab broadcasts a takeover of
// deviceID. Broadcasts naming the current tab as new owner are ignored.
// The returned function unsubscribes the listener.
func (m *Manager) OnTakeover(deviceID string, fn func(models.TakeoverNotice)) (func(), error) {
	self := m.TabID()
	return m.store.Subscribe(takeoverKey(deviceID), func(ev registry.Event) {
		if ev.Deleted {
			return
		}
		var notice models.TakeoverNotice
		if err := json.Unmarshal(ev.Value, &notice); err != nil {
			m.log.Warn("takeover notice unparseable", zap.Error(err))
			return
		}
		if notice.NewOwner == self {
			return
		}
		m.log.Warn("session takeover detected",
			zap.String("device", deviceID),
			zap.String("new_owner", notice.NewOwner))
		fn(notice)
	})
}

func (m *Manager) read(deviceID string) (*models.OwnershipRecord, error) {
	raw, err := m.store.Get(ownershipKey(deviceID))
	if err != nil {
		if !errors.Is(err, registry.ErrNotFound) {
			m.log.Warn("session read", zap.String("device", deviceID), zap.Error(err))
		}
		return nil, err
	}
	var rec models.OwnershipRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		m.log.Warn("session record unparseable", zap.String("device", deviceID), zap.Error(err))
		return nil, err
	}
	return &rec, nil
}
