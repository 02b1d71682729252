package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/markus-barta/fleetplane/internal/config"
	"github.com/markus-barta/fleetplane/internal/protocol"
	"github.com/markus-barta/fleetplane/internal/retry"
)

const heartbeatTimeout = 10 * time.Second

// HTTPError is a heartbeat rejected by the orchestrator.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("heartbeat rejected: %d %s", e.StatusCode, e.Body)
}

// Heartbeater posts heartbeats on a fixed interval, backing off through a
// retry.Manager while the orchestrator is unreachable.
type Heartbeater struct {
	url      string
	token    string
	nodeID   string
	interval time.Duration
	client   *http.Client
	retry    *retry.Manager
	payload  func() protocol.HeartbeatPayload
	log      zerolog.Logger
	wake     chan struct{}
}

// NewHeartbeater creates a heartbeater. client may be nil.
func NewHeartbeater(cfg *config.Config, log zerolog.Logger, payload func() protocol.HeartbeatPayload, client *http.Client) *Heartbeater {
	if client == nil {
		client = &http.Client{Timeout: heartbeatTimeout}
	}
	return &Heartbeater{
		url:      cfg.HeartbeatURL(),
		token:    cfg.Token,
		nodeID:   cfg.NodeID,
		interval: cfg.HeartbeatInterval,
		client:   client,
		retry:    retry.NewManager(cfg.RetryBaseDelay, cfg.RetryMaxDelay),
		payload:  payload,
		log:      log.With().Str("component", "heartbeat").Logger(),
		wake:     make(chan struct{}, 1),
	}
}

// Run sends heartbeats until ctx is done. Heartbeat errors never stop the
// loop; a fatal state only pauses it until ClearFatalError.
func (h *Heartbeater) Run(ctx context.Context) {
	for {
		if !waitForAttempt(ctx, h.retry, h.wake) {
			return
		}
		if err := h.Beat(ctx); err != nil {
			continue
		}
		if !sleep(ctx, h.interval, h.wake) {
			return
		}
	}
}

// Beat sends one heartbeat and records the outcome.
func (h *Heartbeater) Beat(ctx context.Context) error {
	body, err := json.Marshal(h.payload())
	if err != nil {
		return fmt.Errorf("encode heartbeat: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build heartbeat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(protocol.HeaderAuthorization, "Bearer "+h.token)
	req.Header.Set(protocol.HeaderNodeID, h.nodeID)

	resp, err := h.client.Do(req)
	if err != nil {
		next := h.retry.RecordFailure()
		h.log.Warn().Err(err).Time("next_attempt", next).Msg("heartbeat failed")
		return fmt.Errorf("send heartbeat: %w", err)
	}
	defer resp.Body.Close()

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		h.retry.RecordSuccess()
		h.log.Debug().Msg("heartbeat sent")
		return nil

	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		msg := readErrorBody(resp)
		if h.retry.RecordNonTransientFailure(code, msg) {
			h.log.Error().Int("status", code).Str("error", msg).
				Msg("heartbeat credentials rejected repeatedly, pausing heartbeats until cleared")
		} else {
			h.log.Error().Int("status", code).Str("error", msg).Msg("heartbeat rejected")
		}
		return &HTTPError{StatusCode: code, Body: msg}

	default:
		msg := readErrorBody(resp)
		next := h.retry.RecordFailure()
		h.log.Warn().Int("status", code).Time("next_attempt", next).Msg("heartbeat failed")
		return &HTTPError{StatusCode: code, Body: msg}
	}
}

// Trigger requests an immediate heartbeat.
func (h *Heartbeater) Trigger() {
	notify(h.wake)
}

// Status returns the heartbeat retry state.
func (h *Heartbeater) Status() retry.Snapshot {
	return h.retry.Snapshot()
}

// ClearFatalError resumes heartbeats after repeated credential rejection.
func (h *Heartbeater) ClearFatalError() {
	h.retry.ClearFatalError()
	notify(h.wake)
}
