// Package api is the local JSON/HTTP control surface the dashboard UI
// talks to. It only translates requests into coordinator calls; all
// lifecycle rules live in the node package.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/0xneox/swarmuii/internal/ledger"
	"github.com/0xneox/swarmuii/internal/models"
	"github.com/0xneox/swarmuii/internal/node"
)

type Handler struct {
	coord *node.Coordinator
	log   *zap.Logger
}

// NewHTTPHandler mounts the control routes on a fresh mux.
func NewHTTPHandler(coord *node.Coordinator, log *zap.Logger) http.Handler {
	h := &Handler{coord: coord, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("/ping", h.handlePing)
	mux.HandleFunc("/status", h.handleStatus)
	mux.HandleFunc("/register", h.handleRegister)
	mux.HandleFunc("/start", h.handleStart)
	mux.HandleFunc("/stop", h.handleStop)
	mux.HandleFunc("/tasks", h.handleTasks)
	mux.HandleFunc("/tasks/generate", h.handleGenerate)
	mux.HandleFunc("/tasks/auto", h.handleAutoGenerate)
	mux.HandleFunc("/rewards/claim", h.handleClaim)

	return mux
}

func (h *Handler) handlePing(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"msg": "pong from swarmuii node agent"})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	h.writeJSON(w, http.StatusOK, h.coord.Status())
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req struct {
		NodeID       string `json:"node_id"`
		HardwareTier string `json:"hardware_tier"`
		Name         string `json:"name"`
		CPU          string `json:"cpu"`
		GPU          string `json:"gpu"`
		MemoryGB     int    `json:"memory_gb"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.NodeID == "" || req.HardwareTier == "" {
		h.writeError(w, http.StatusBadRequest, "node_id and hardware_tier required")
		return
	}
	dev := models.Device{
		Name:         req.Name,
		HardwareTier: models.HardwareTier(req.HardwareTier),
		CPU:          req.CPU,
		GPU:          req.GPU,
		MemoryGB:     req.MemoryGB,
	}
	if err := h.coord.RegisterNode(req.NodeID, dev); err != nil {
		if errors.Is(err, node.ErrAlreadyActive) {
			h.writeError(w, http.StatusConflict, "stop the session before re-registering")
			return
		}
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "registered", "node_id": req.NodeID})
}

// handleStart maps an exclusivity conflict to 409 with conflict=true so
// the UI can put up its takeover confirmation and retry with force.
func (h *Handler) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req struct {
		Force bool `json:"force"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	err := h.coord.StartDevice(r.Context(), req.Force)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, h.coord.Status())
	case errors.Is(err, ledger.ErrSessionConflict):
		h.writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":    err.Error(),
			"conflict": true,
		})
	case errors.Is(err, node.ErrAlreadyActive):
		h.writeError(w, http.StatusConflict, "session already active")
	case errors.Is(err, node.ErrNotRegistered):
		h.writeError(w, http.StatusPreconditionFailed, "register the node first")
	case errors.Is(err, node.ErrUptimeExceeded):
		h.writeError(w, http.StatusForbidden, err.Error())
	default:
		h.log.Error("device start failed", zap.Error(err))
		h.writeError(w, http.StatusBadGateway, "session start failed")
	}
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	h.coord.StopDevice(r.Context())
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *Handler) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "GET only")
		return
	}
	h.writeJSON(w, http.StatusOK, h.coord.Engine().Store().Snapshot())
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req struct {
		Count int `json:"count"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Count <= 0 {
		req.Count = 1
	}
	if !h.coord.Engine().GenerateNow(req.Count) {
		h.writeError(w, http.StatusConflict, "node not active")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]int{"generated": req.Count})
}

func (h *Handler) handleAutoGenerate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	h.coord.Engine().Store().SetAutoGenerate(req.Enabled)
	h.writeJSON(w, http.StatusOK, map[string]bool{"auto_generate": req.Enabled})
}

func (h *Handler) handleClaim(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "POST only")
		return
	}
	amount, drained := h.coord.Engine().Store().ClaimCompleted()
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"claimed_amount": amount,
		"claimed_tasks":  drained,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
	h.log.Warn("control api error", zap.Int("status", status), zap.String("msg", msg))
}
