// Package ledger is the JSON/HTTP client for the hosted reward ledger and
// session service. The ledger is authoritative for session tokens, task
// completion credit, and accumulated uptime; this client never retries,
// callers decide which failures are fatal.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/0xneox/swarmuii/internal/config"
	"github.com/0xneox/swarmuii/internal/models"
)

var (
	// ErrSessionConflict means the device already has an active session
	// owned elsewhere; recoverable by retrying with force takeover.
	ErrSessionConflict = errors.New("ledger: device already has an active session")

	// ErrNoSessionToken means the start call nominally succeeded but no
	// token could be extracted from the response. A session without a
	// token is unusable, so this is a hard failure.
	ErrNoSessionToken = errors.New("ledger: response carried no session token")
)

// StatusError is a non-2xx response that is not a session conflict.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledger: unexpected status %d: %s", e.Code, e.Body)
}

// Session is the remote session descriptor. Field names vary between
// backend deployments, so the token is extracted defensively.
type Session struct {
	ID           string `json:"id"`
	DeviceID     string `json:"device_id"`
	SessionToken string `json:"session_token"`
	AltToken     string `json:"sessionToken"`
	BareToken    string `json:"token"`
	StartTime    string `json:"start_time"`
	Status       string `json:"status"`
}

// Token returns the session token under whichever field the backend chose,
// or ErrNoSessionToken when every candidate is empty.
func (s Session) Token() (string, error) {
	for _, t := range []string{s.SessionToken, s.AltToken, s.BareToken} {
		if t != "" {
			return t, nil
		}
	}
	return "", ErrNoSessionToken
}

// CompleteTaskResult is the ledger's answer to a completion call.
type CompleteTaskResult struct {
	UnclaimedReward      int64 `json:"unclaimed_reward"`
	TotalUnclaimedReward int64 `json:"total_unclaimed_reward"`
	TaskCount            int   `json:"task_count"`
}

// envelope is the ledger's uniform response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Client talks to one ledger deployment.
type Client struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
	log        *zap.Logger
	tracer     trace.Tracer
}

// New builds a Client for baseURL. apiToken may be empty for anonymous
// deployments.
func New(baseURL, apiToken string, log *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiToken:   strings.TrimSpace(apiToken),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        log,
		tracer:     otel.Tracer("swarmuii/ledger"),
	}
}

// StartSession registers a device session. With forceTakeover false, a
// device owned elsewhere yields ErrSessionConflict.
func (c *Client) StartSession(ctx context.Context, deviceID string, forceTakeover bool) (Session, error) {
	ctx, span := c.tracer.Start(ctx, "ledger.StartSession",
		trace.WithAttributes(
			attribute.String("device_id", deviceID),
			attribute.Bool("force_takeover", forceTakeover),
		))
	defer span.End()

	payload := map[string]any{
		"device_id":      deviceID,
		"force_takeover": forceTakeover,
	}
	var sess Session
	if err := c.post(ctx, "/device-session/register", payload, &sess); err != nil {
		if isConflict(err) {
			return Session{}, fmt.Errorf("%w: device %s", ErrSessionConflict, deviceID)
		}
		return Session{}, err
	}
	return sess, nil
}

// StopSession ends a session. A nil token is allowed: the backend can key
// cleanup off the device id alone.
func (c *Client) StopSession(ctx context.Context, deviceID string, sessionToken string) error {
	ctx, span := c.tracer.Start(ctx, "ledger.StopSession",
		trace.WithAttributes(attribute.String("device_id", deviceID)))
	defer span.End()

	payload := map[string]any{"device_id": deviceID}
	if sessionToken != "" {
		payload["session_token"] = sessionToken
	}
	return c.post(ctx, "/device-session/stop", payload, nil)
}

// CompleteTask reports a finished task. The reward amount is clamped to
// the ledger's per-task cap and sent as an integer; anything else is
// rejected server side.
func (c *Client) CompleteTask(ctx context.Context, taskID string, taskType models.TaskType, reward int64) (CompleteTaskResult, error) {
	ctx, span := c.tracer.Start(ctx, "ledger.CompleteTask",
		trace.WithAttributes(
			attribute.String("task_id", taskID),
			attribute.String("task_type", string(taskType)),
			attribute.Int64("reward", reward),
		))
	defer span.End()

	if reward > config.MaxRewardPerTask {
		reward = config.MaxRewardPerTask
	}
	if reward < 0 {
		reward = 0
	}
	payload := map[string]any{
		"task_id":       taskID,
		"task_type":     taskType,
		"reward_amount": reward,
	}
	var result CompleteTaskResult
	if err := c.post(ctx, "/complete-task", payload, &result); err != nil {
		return CompleteTaskResult{}, err
	}
	return result, nil
}

// SyncUptime pushes the current uptime. Fire and forget from the caller's
// perspective; errors are for logging only.
func (c *Client) SyncUptime(ctx context.Context, deviceID string, uptimeSeconds int64) error {
	ctx, span := c.tracer.Start(ctx, "ledger.SyncUptime",
		trace.WithAttributes(attribute.String("device_id", deviceID)))
	defer span.End()

	payload := map[string]any{
		"device_id":      deviceID,
		"uptime_seconds": uptimeSeconds,
	}
	return c.post(ctx, "/node-uptime", payload, nil)
}

// GetUptime reads the accumulated uptime for a device.
func (c *Client) GetUptime(ctx context.Context, deviceID string) (int64, error) {
	ctx, span := c.tracer.Start(ctx, "ledger.GetUptime",
		trace.WithAttributes(attribute.String("device_id", deviceID)))
	defer span.End()

	var data struct {
		UptimeSeconds int64 `json:"uptime_seconds"`
	}
	if err := c.get(ctx, "/node-uptime/"+deviceID, &data); err != nil {
		return 0, err
	}
	return data.UptimeSeconds, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("ledger: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err == nil && env.Data != nil {
		return json.Unmarshal(env.Data, out)
	}
	// Some deployments skip the envelope and return the object directly.
	return json.Unmarshal(raw, out)
}

func isConflict(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.Code == http.StatusConflict {
		return true
	}
	return strings.Contains(se.Body, "already has an active session")
}
