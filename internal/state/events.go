// Package state holds the WU event log and the lifecycle state machine. The
// log is the source of truth for runtime status; WU YAML remains the source
// of truth for spec content.
package state

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/lumenflow/lumenflow/internal/wu"
)

type EventType string

const (
	EventCreate     EventType = "create"
	EventClaim      EventType = "claim"
	EventRelease    EventType = "release"
	EventBlock      EventType = "block"
	EventUnblock    EventType = "unblock"
	EventComplete   EventType = "complete"
	EventCheckpoint EventType = "checkpoint"
	EventSpawn      EventType = "spawn"
)

// Event is the discriminated union appended to wu-events.jsonl. Kind-specific
// fields are optional at the type level and enforced by the schema.
type Event struct {
	Type      EventType `json:"type"`
	WUID      string    `json:"wuId"`
	Timestamp string    `json:"timestamp"`
	Lane      string    `json:"lane,omitempty"`
	Title     string    `json:"title,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Note      string    `json:"note,omitempty"`
	ParentWU  string    `json:"parentWuId,omitempty"`
	SpawnID   string    `json:"spawnId,omitempty"`
}

const eventSchemaJSON = `{
  "type": "object",
  "required": ["type", "wuId", "timestamp"],
  "properties": {
    "type": {"enum": ["create", "claim", "release", "block", "unblock", "complete", "checkpoint", "spawn"]},
    "wuId": {"type": "string", "pattern": "^WU-[0-9]+$"},
    "timestamp": {"type": "string"},
    "lane": {"type": "string"},
    "title": {"type": "string"},
    "reason": {"type": "string"},
    "note": {"type": "string"},
    "parentWuId": {"type": "string", "pattern": "^WU-[0-9]+$"},
    "spawnId": {"type": "string"}
  },
  "allOf": [
    {"if": {"properties": {"type": {"const": "block"}}}, "then": {"required": ["reason"]}},
    {"if": {"properties": {"type": {"const": "spawn"}}}, "then": {"required": ["parentWuId", "spawnId"]}}
  ],
  "additionalProperties": false
}`

var eventSchema = jsonschema.MustCompileString("wu-event.json", eventSchemaJSON)

// NewEvent builds a timestamped event for the given WU.
func NewEvent(typ EventType, wuID string, now time.Time) Event {
	return Event{Type: typ, WUID: wuID, Timestamp: now.UTC().Format(time.RFC3339)}
}

// Validate checks the event against the discriminated schema.
func (e Event) Validate() error {
	if _, err := wu.ParseID(e.WUID); err != nil {
		return fmt.Errorf("event wuId: %w", err)
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return err
	}
	if err := eventSchema.Validate(doc); err != nil {
		return fmt.Errorf("event schema: %w", err)
	}
	return nil
}

// Time parses the event timestamp; zero time when malformed.
func (e Event) Time() time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, strings.TrimSpace(e.Timestamp)); err == nil {
			return ts
		}
	}
	return time.Time{}
}

// statusAfter maps an event kind onto the runtime status it implies, or ""
// when the kind does not move the lifecycle (checkpoint, spawn).
func statusAfter(t EventType) wu.Status {
	switch t {
	case EventCreate, EventClaim, EventUnblock:
		return wu.StatusInProgress
	case EventRelease:
		return wu.StatusReady
	case EventBlock:
		return wu.StatusBlocked
	case EventComplete:
		return wu.StatusDone
	default:
		return ""
	}
}
