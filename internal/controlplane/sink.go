// Package controlplane emits lifecycle events to an optional external event
// sink. The sink is strictly fire-and-forget: any failure is reported through
// SkippedReason, never as an error that could fail an engine operation.
package controlplane

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"
)

type EventKind string

const (
	TaskCreated   EventKind = "task_created"
	TaskClaimed   EventKind = "task_claimed"
	TaskCompleted EventKind = "task_completed"
)

const SchemaVersion = 1

type Event struct {
	Kind          EventKind `json:"kind"`
	SchemaVersion int       `json:"schema_version"`
	WUID          string    `json:"wu_id"`
	Lane          string    `json:"lane,omitempty"`
	Timestamp     string    `json:"timestamp"`
	SpecHash      string    `json:"spec_hash,omitempty"`
}

// SkipReason is the closed enum of reasons a push was not delivered.
type SkipReason string

const (
	SkipNone                     SkipReason = ""
	SkipWorkspaceConfigMissing   SkipReason = "workspace-config-missing"
	SkipControlPlaneUnconfigured SkipReason = "control-plane-not-configured"
	SkipMissingTokenEnv          SkipReason = "missing-token-env"
	SkipNoEvents                 SkipReason = "no-events"
	SkipNoEventsAccepted         SkipReason = "no-events-accepted"
	SkipPushFailed               SkipReason = "push-failed"
)

type PushResult struct {
	Sent          bool
	Accepted      int
	SkippedReason SkipReason
}

// NewEvent builds a schema-versioned event; specBytes, when non-nil, is
// hashed into spec_hash.
func NewEvent(kind EventKind, wuID, lane string, specBytes []byte, now time.Time) Event {
	e := Event{
		Kind:          kind,
		SchemaVersion: SchemaVersion,
		WUID:          wuID,
		Lane:          lane,
		Timestamp:     now.UTC().Format(time.RFC3339),
	}
	if specBytes != nil {
		sum := sha256.Sum256(specBytes)
		e.SpecHash = hex.EncodeToString(sum[:])
	}
	return e
}

// Sink pushes events over HTTP. Endpoint and TokenEnv come from workspace
// config; an unset endpoint disables the sink.
type Sink struct {
	Endpoint string
	TokenEnv string
	Client   *http.Client
}

func NewSink(endpoint, tokenEnv string) *Sink {
	return &Sink{
		Endpoint: endpoint,
		TokenEnv: tokenEnv,
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Push delivers the events. Fail-open: every failure path returns a result
// with Sent=false and a SkippedReason, never an error.
func (s *Sink) Push(events []Event) PushResult {
	if s == nil || strings.TrimSpace(s.Endpoint) == "" {
		return PushResult{SkippedReason: SkipControlPlaneUnconfigured}
	}
	if len(events) == 0 {
		return PushResult{SkippedReason: SkipNoEvents}
	}
	token := ""
	if s.TokenEnv != "" {
		token = os.Getenv(s.TokenEnv)
		if token == "" {
			return PushResult{SkippedReason: SkipMissingTokenEnv}
		}
	}
	body, err := json.Marshal(map[string]any{"events": events})
	if err != nil {
		return PushResult{SkippedReason: SkipPushFailed}
	}
	req, err := http.NewRequest(http.MethodPost, s.Endpoint, bytes.NewReader(body))
	if err != nil {
		return PushResult{SkippedReason: SkipPushFailed}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return PushResult{SkippedReason: SkipPushFailed}
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PushResult{SkippedReason: SkipPushFailed}
	}
	var ack struct {
		Accepted int `json:"accepted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil || ack.Accepted == 0 {
		// Delivered but nothing accepted; count the attempt, flag the reason.
		if err == nil && ack.Accepted == 0 {
			return PushResult{Sent: true, SkippedReason: SkipNoEventsAccepted}
		}
		return PushResult{Sent: true, Accepted: len(events)}
	}
	return PushResult{Sent: true, Accepted: ack.Accepted}
}

func (s *Sink) String() string { return fmt.Sprintf("controlplane.Sink(%s)", s.Endpoint) }
