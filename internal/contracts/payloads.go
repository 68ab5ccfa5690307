package contracts

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Schema versions for the payload kinds currently known to this build.
// A parser encountering a higher version on the same topic should ignore
// unrecognized fields rather than fail closed.
const (
	SchemaVersionFrame                SchemaVersion = 1
	SchemaVersionDetectionEvent       SchemaVersion = 1
	SchemaVersionMediaArtifact        SchemaVersion = 1
	SchemaVersionAlertNotification    SchemaVersion = 1
	SchemaVersionControlCommand       SchemaVersion = 1
	SchemaVersionConfigUpdate         SchemaVersion = 1
	SchemaVersionConfigSnapshot       SchemaVersion = 1
	SchemaVersionConfigRollback       SchemaVersion = 1
	SchemaVersionHealthStatus         SchemaVersion = 1
	SchemaVersionHealthSummary        SchemaVersion = 1
	SchemaVersionBusStatus            SchemaVersion = 1
	SchemaVersionShutdownProgress     SchemaVersion = 1
	SchemaVersionResilienceEvent      SchemaVersion = 1
	SchemaVersionRateLimitStatus      SchemaVersion = 1
	SchemaVersionRetentionSweepResult SchemaVersion = 1
)

// wrapValidation adapts a validator.v10 error into contracts.ErrValidation.
func wrapValidation(payloadName string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrValidation, payloadName, err)
}

// Frame is produced by input modules on "camera.<id>.frame".
type Frame struct {
	CameraID   string            `json:"camera_id" validate:"required"`
	Width      int               `json:"width" validate:"gt=0"`
	Height     int               `json:"height" validate:"gt=0"`
	Encoded    []byte            `json:"encoded,omitempty"`
	Handle     string            `json:"handle,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (f Frame) Validate() error {
	if f.Encoded == nil && f.Handle == "" {
		return wrapValidation("Frame", fmt.Errorf("one of encoded or handle is required"))
	}
	return wrapValidation("Frame", validate.Struct(f))
}

// DetectionKind enumerates the kinds of detections a processor can emit.
type DetectionKind string

const (
	DetectionKindMotion DetectionKind = "motion"
	DetectionKindObject DetectionKind = "object"
)

// BoundingBox is a normalized detection box, [0,1] in each axis.
type BoundingBox struct {
	X      float64 `json:"x" validate:"gte=0,lte=1"`
	Y      float64 `json:"y" validate:"gte=0,lte=1"`
	Width  float64 `json:"width" validate:"gte=0,lte=1"`
	Height float64 `json:"height" validate:"gte=0,lte=1"`
}

// DetectionEvent is produced by processors on "process.<kind>.detected".
type DetectionEvent struct {
	CameraID   string        `json:"camera_id" validate:"required"`
	Kind       DetectionKind `json:"kind" validate:"required,oneof=motion object"`
	Label      string        `json:"label,omitempty"`
	Confidence float64       `json:"confidence" validate:"gte=0,lte=1"`
	BBox       *BoundingBox  `json:"bbox,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

func (d DetectionEvent) Validate() error {
	return wrapValidation("DetectionEvent", validate.Struct(d))
}

// DedupeKey joins the configured attributes of a DetectionEvent into a
// suppression key. The default key is camera_id/kind/label.
func (d DetectionEvent) DedupeKey(attrs ...string) string {
	if len(attrs) == 0 {
		attrs = []string{"camera_id", "kind", "label"}
	}
	key := ""
	for _, a := range attrs {
		switch a {
		case "camera_id":
			key += d.CameraID + "|"
		case "kind":
			key += string(d.Kind) + "|"
		case "label":
			key += d.Label + "|"
		default:
			key += d.Attributes[a] + "|"
		}
	}
	return key
}

// ArtifactKind enumerates the media kinds an artifact builder can produce.
type ArtifactKind string

const (
	ArtifactKindSnapshot ArtifactKind = "snapshot"
	ArtifactKindGIF      ArtifactKind = "gif"
	ArtifactKindClip     ArtifactKind = "clip"
)

// MediaArtifact is produced by artifact builders on "event.<kind>.created".
type MediaArtifact struct {
	Kind     ArtifactKind      `json:"kind" validate:"required,oneof=snapshot gif clip"`
	Path     string            `json:"path,omitempty"`
	Handle   string            `json:"handle,omitempty"`
	CameraID string            `json:"camera_id" validate:"required"`
	SizeBytes int64            `json:"size_bytes" validate:"gte=0"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (m MediaArtifact) Validate() error {
	if m.Path == "" && m.Handle == "" {
		return wrapValidation("MediaArtifact", fmt.Errorf("one of path or handle is required"))
	}
	return wrapValidation("MediaArtifact", validate.Struct(m))
}

// AlertNotification is consumed by notifiers on "event.*.allowed" (the
// rate-limited variant of an artifact-ready topic).
type AlertNotification struct {
	Channel    string   `json:"channel" validate:"required"`
	Caption    string   `json:"caption,omitempty"`
	ArtifactRef string  `json:"artifact_ref" validate:"required"`
	Recipients []string `json:"recipients,omitempty"`
}

func (a AlertNotification) Validate() error {
	return wrapValidation("AlertNotification", validate.Struct(a))
}

// ControlCommand is published by dashboards on "dashboard.control.command".
type ControlCommand struct {
	Command   string         `json:"command" validate:"required"`
	Target    string         `json:"target,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

func (c ControlCommand) Validate() error {
	return wrapValidation("ControlCommand", validate.Struct(c))
}

// ConfigUpdate is published on "config.update" and consumed by the
// orchestrator's single update-handler subscription.
type ConfigUpdate struct {
	Path      string `json:"path" validate:"required"`
	Value     any    `json:"value"`
	Requester string `json:"requester,omitempty"`
}

func (c ConfigUpdate) Validate() error {
	return wrapValidation("ConfigUpdate", validate.Struct(c))
}

// ConfigSnapshotPayload is broadcast on "config.snapshot" after every
// successful apply_changes.
type ConfigSnapshotPayload struct {
	Version int64          `json:"version" validate:"gte=1"`
	Tree    map[string]any `json:"tree"`
}

func (c ConfigSnapshotPayload) Validate() error {
	return wrapValidation("ConfigSnapshotPayload", validate.Struct(c))
}

// ConfigRollbackPayload is broadcast after a rollback, either of the whole
// snapshot or restricted to one module.
type ConfigRollbackPayload struct {
	PreviousVersion int64    `json:"previous_version"`
	CurrentVersion  int64    `json:"current_version"`
	ModuleID        string   `json:"module_id,omitempty"`
	Diagnostics     []string `json:"diagnostics,omitempty"`
}

func (c ConfigRollbackPayload) Validate() error {
	return wrapValidation("ConfigRollbackPayload", validate.Struct(c))
}

// HealthState is the per-module lifecycle/health state.
type HealthState string

const (
	HealthStarting HealthState = "starting"
	HealthHealthy  HealthState = "healthy"
	HealthDegraded HealthState = "degraded"
	HealthError    HealthState = "error"
	HealthStopped  HealthState = "stopped"
)

// healthRank orders HealthState from worst to best, used by HealthSummary
// aggregation: stopped < error < degraded < starting < healthy.
var healthRank = map[HealthState]int{
	HealthStopped:  0,
	HealthError:    1,
	HealthDegraded: 2,
	HealthStarting: 3,
	HealthHealthy:  4,
}

// Worse returns true if a ranks strictly worse than b under the ordering
// stopped < error < degraded < starting < healthy.
func (a HealthState) Worse(b HealthState) bool {
	return healthRank[a] < healthRank[b]
}

// HealthStatus is published per module on "status.<module-id>.health" and
// observed by the orchestrator's health loop.
type HealthStatus struct {
	ModuleID   string         `json:"module_id" validate:"required"`
	State      HealthState    `json:"state" validate:"required,oneof=starting healthy degraded error stopped"`
	Detail     map[string]any `json:"detail,omitempty"`
	LastSeen   int64          `json:"last_seen_unix_ns"`
}

func (h HealthStatus) Validate() error {
	return wrapValidation("HealthStatus", validate.Struct(h))
}

// HealthSummary is published on "status.health.summary" by the orchestrator.
type HealthSummary struct {
	Overall   HealthState             `json:"overall"`
	Modules   map[string]HealthStatus `json:"modules"`
	SampledAt int64                   `json:"sampled_at_unix_ns"`
}

// SubscriptionStatus is one subscription's slice of a BusStatus sample.
type SubscriptionStatus struct {
	SubscriberID  string `json:"subscriber_id"`
	Topic         string `json:"topic"`
	Depth         int    `json:"depth"`
	Capacity      int    `json:"capacity"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
	OldestAgeMS   int64  `json:"oldest_age_ms"`
	Degraded      bool   `json:"degraded"`
}

// BusStatus is published periodically on "status.bus".
type BusStatus struct {
	PublishedTotal uint64                `json:"published_total"`
	Subscriptions  []SubscriptionStatus  `json:"subscriptions"`
}

// ShutdownProgress is emitted per staged-shutdown phase on
// "status.shutdown.progress".
type ShutdownProgress struct {
	Phase            string `json:"phase" validate:"required"`
	ModulesRemaining int    `json:"modules_remaining" validate:"gte=0"`
	ElapsedMS        int64  `json:"elapsed_ms" validate:"gte=0"`
}

func (s ShutdownProgress) Validate() error {
	return wrapValidation("ShutdownProgress", validate.Struct(s))
}

// ResilienceAction enumerates chaos-scenario toggle actions.
type ResilienceAction string

const (
	ResilienceActionInjected ResilienceAction = "injected"
	ResilienceActionCleared  ResilienceAction = "cleared"
)

// ResilienceEvent is published on "status.resilience.event" whenever a
// chaos scenario is toggled.
type ResilienceEvent struct {
	ScenarioID string           `json:"scenario_id" validate:"required"`
	Action     ResilienceAction `json:"action" validate:"required,oneof=injected cleared"`
	TopicGlob  string           `json:"topic_glob" validate:"required"`
	Parameters map[string]any   `json:"parameters,omitempty"`
}

func (r ResilienceEvent) Validate() error {
	return wrapValidation("ResilienceEvent", validate.Struct(r))
}

// RateLimitStatus is published on "status.rate_limit" whenever a
// rate-limit stage drops a message for lack of a token, and periodically
// as a full snapshot of its per-key counters.
type RateLimitStatus struct {
	StageID string           `json:"stage_id" validate:"required"`
	Drops   map[string]int64 `json:"drops"`
}

func (r RateLimitStatus) Validate() error {
	return wrapValidation("RateLimitStatus", validate.Struct(r))
}

// RetentionSweepResult is published on "storage.retention.swept" after
// each scheduled retention sweep.
type RetentionSweepResult struct {
	ModuleID string `json:"module_id" validate:"required"`
	Deleted  int    `json:"deleted"`
	SweptAt  int64  `json:"swept_at_unix_ns"`
}

func (r RetentionSweepResult) Validate() error {
	return wrapValidation("RetentionSweepResult", validate.Struct(r))
}
