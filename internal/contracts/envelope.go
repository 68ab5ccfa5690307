package contracts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is a small integer tagging the shape of a payload kind.
// Breaking changes get a new topic name, not a version bump on the same
// topic; the version exists so a tolerant parser can ignore additional
// fields introduced by a later, backward-compatible revision.
type SchemaVersion int

// Envelope wraps every payload published on the bus. Envelopes are
// immutable after publication: the bus stamps Sequence and Timestamp at
// enqueue time and nothing downstream may mutate them.
type Envelope struct {
	Sequence      int64         `json:"sequence"`
	Timestamp     time.Time     `json:"timestamp"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	SchemaVersion SchemaVersion `json:"schema_version"`
	Topic         Topic         `json:"topic"`
	Payload       any           `json:"payload"`
}

// NewCorrelationID mints a fresh correlation id for a new causal chain of
// envelopes. Derived envelopes (e.g. a MediaArtifact built from a
// DetectionEvent) should copy the originating envelope's CorrelationID
// instead of calling this again.
func NewCorrelationID() string {
	return uuid.New().String()
}

// MarshalJSON renders the envelope using RFC3339 timestamps, matching the
// wire format persisted in snapshots.json and streamed to the dashboard.
func (e Envelope) MarshalJSON() ([]byte, error) {
	type alias Envelope
	return json.Marshal(struct {
		alias
		Timestamp string `json:"timestamp"`
	}{
		alias:     alias(e),
		Timestamp: e.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

// UnmarshalJSON is the counterpart of MarshalJSON. Payload is left as a
// json.RawMessage-compatible map; callers that need a concrete payload
// type should re-marshal Payload and unmarshal it into the expected struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	type alias Envelope
	aux := struct {
		*alias
		Timestamp string `json:"timestamp"`
	}{alias: (*alias)(e)}

	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, aux.Timestamp)
		if err != nil {
			return err
		}
		e.Timestamp = ts
	}
	return nil
}
