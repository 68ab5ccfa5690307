// Package config implements the hot-reloadable configuration service: a
// typed, normalized tree partitioned by module category, layered loading
// (defaults, file, environment, secrets), validation, versioned snapshots
// with bounded history, and the apply_changes/rollback pipeline that keeps
// the bus's config.snapshot topic and the orchestrator in sync.
//
// Grounded on the teacher's internal/config package: config.go's
// viper-backed Config struct and setDefaults(), generalized from a fixed
// set of named sections (Server, Database, Redis, ...) to spec.md §6's
// category-partitioned, per-module-fragment tree.
package config

// ModuleFragment is one module's entry inside a category array (cameras,
// process, event, outputs, storage, analytics, dashboards). Every fragment
// carries a stable ID and the factory Type that the orchestrator's
// registry resolves it against; Settings holds the remainder of the
// fragment's fields, validated by the owning module's own schema rather
// than by ConfigService itself.
type ModuleFragment struct {
	ID       string         `mapstructure:"id" json:"id" validate:"required"`
	Type     string         `mapstructure:"type" json:"type" validate:"required"`
	Settings map[string]any `mapstructure:",remain" json:"settings,omitempty"`
}

// SystemFragment holds the core's own operating parameters: the pieces of
// spec.md §5's timeouts and §4.4's loop cadences that are not owned by any
// individual module.
type SystemFragment struct {
	Environment               string `mapstructure:"environment" json:"environment" validate:"required,oneof=development staging production test"`
	LogLevel                  string `mapstructure:"log_level" json:"log_level" validate:"required,oneof=debug info warn error"`
	HealthPollIntervalSeconds int    `mapstructure:"health_poll_interval_seconds" json:"health_poll_interval_seconds" validate:"gt=0"`
	SummaryIntervalSeconds    int    `mapstructure:"summary_interval_seconds" json:"summary_interval_seconds" validate:"gt=0"`
	ShutdownDeadlineSeconds   int    `mapstructure:"shutdown_deadline_seconds" json:"shutdown_deadline_seconds" validate:"gt=0"`
	RollbackDrillCron         string `mapstructure:"rollback_drill_cron" json:"rollback_drill_cron"`
	RollbackDrillEnabled      bool   `mapstructure:"rollback_drill_enabled" json:"rollback_drill_enabled"`
}

// StatusFragment configures the bus telemetry sampler (§4.2) and the
// health summary loop's publication cadence is owned by SystemFragment;
// StatusFragment instead configures what status.* exposes externally.
type StatusFragment struct {
	BusTelemetryIntervalSeconds int `mapstructure:"bus_telemetry_interval_seconds" json:"bus_telemetry_interval_seconds" validate:"gt=0"`
}

// ResilienceScenario is one chaos-interceptor rule (§4.7).
type ResilienceScenario struct {
	ID              string  `mapstructure:"id" json:"id" validate:"required"`
	TopicGlob       string  `mapstructure:"topic_glob" json:"topic_glob" validate:"required"`
	LatencyMS       int     `mapstructure:"latency_ms" json:"latency_ms" validate:"gte=0"`
	DropProbability float64 `mapstructure:"drop_probability" json:"drop_probability" validate:"gte=0,lte=1"`
	Enabled         bool    `mapstructure:"enabled" json:"enabled"`
}

// ResilienceFragment is the top-level "resilience" section (§6).
type ResilienceFragment struct {
	Scenarios []ResilienceScenario `mapstructure:"scenarios" json:"scenarios"`
}

// Tree is the full normalized configuration document (§6): one field per
// top-level section named in the spec, each either a singleton fragment
// (System, Status, Resilience) or a category array of per-module
// fragments with a stable id/type (Cameras, Process, Event, Outputs,
// Storage, Analytics, Dashboards).
type Tree struct {
	System     SystemFragment     `mapstructure:"system" json:"system" validate:"required"`
	Cameras    []ModuleFragment   `mapstructure:"cameras" json:"cameras" validate:"dive"`
	Process    []ModuleFragment   `mapstructure:"process" json:"process" validate:"dive"`
	Event      []ModuleFragment   `mapstructure:"event" json:"event" validate:"dive"`
	Outputs    []ModuleFragment   `mapstructure:"outputs" json:"outputs" validate:"dive"`
	Storage    []ModuleFragment   `mapstructure:"storage" json:"storage" validate:"dive"`
	Analytics  []ModuleFragment   `mapstructure:"analytics" json:"analytics" validate:"dive"`
	Dashboards []ModuleFragment   `mapstructure:"dashboards" json:"dashboards" validate:"dive"`
	Status     StatusFragment     `mapstructure:"status" json:"status" validate:"required"`
	Resilience ResilienceFragment `mapstructure:"resilience" json:"resilience"`
}

// categories lists the fragment arrays in the orchestrator's staged-shutdown
// order (§4.4): inputs, processors, event builders, outputs, storage,
// analytics, dashboards. System/Status/Resilience are singletons with no lifecycle of
// their own.
var categories = []string{"cameras", "process", "event", "outputs", "storage", "analytics", "dashboards"}

// Fragments returns every ModuleFragment in the tree, tagged with the
// category it belongs to, in staged-shutdown order.
func (t *Tree) Fragments() []CategoryFragment {
	var out []CategoryFragment
	for _, cat := range categories {
		for _, f := range t.fragmentsOf(cat) {
			out = append(out, CategoryFragment{Category: cat, Fragment: f})
		}
	}
	return out
}

func (t *Tree) fragmentsOf(category string) []ModuleFragment {
	switch category {
	case "cameras":
		return t.Cameras
	case "process":
		return t.Process
	case "event":
		return t.Event
	case "outputs":
		return t.Outputs
	case "storage":
		return t.Storage
	case "analytics":
		return t.Analytics
	case "dashboards":
		return t.Dashboards
	default:
		return nil
	}
}

// CategoryFragment pairs a fragment with the category array it lives in,
// since a bare ModuleFragment does not know its own home.
type CategoryFragment struct {
	Category string
	Fragment ModuleFragment
}

// FindFragment looks up a module's fragment by id across every category.
func (t *Tree) FindFragment(id string) (CategoryFragment, bool) {
	for _, cf := range t.Fragments() {
		if cf.Fragment.ID == id {
			return cf, true
		}
	}
	return CategoryFragment{}, false
}

// FindFragmentIndex locates a module's position within its category array,
// needed to translate a ConfigUpdate path like "dedupe.window_seconds"
// (module id first) into the tree's actual JSON shape
// ("process.0.settings.window_seconds", array-indexed).
func (t *Tree) FindFragmentIndex(id string) (category string, index int, ok bool) {
	for _, cat := range categories {
		for i, f := range t.fragmentsOf(cat) {
			if f.ID == id {
				return cat, i, true
			}
		}
	}
	return "", 0, false
}

// Clone copies the tree, its fragment and scenario slices, and each
// fragment's top-level Settings map, so a working copy can be mutated
// during apply_changes without affecting the currently broadcast snapshot.
// Values nested inside a Settings map are shared with the original. A nil
// category slice stays nil.
func (t *Tree) Clone() *Tree {
	clone := *t
	clone.Cameras = cloneFragments(t.Cameras)
	clone.Process = cloneFragments(t.Process)
	clone.Event = cloneFragments(t.Event)
	clone.Outputs = cloneFragments(t.Outputs)
	clone.Storage = cloneFragments(t.Storage)
	clone.Analytics = cloneFragments(t.Analytics)
	clone.Dashboards = cloneFragments(t.Dashboards)
	clone.Resilience.Scenarios = append([]ResilienceScenario(nil), t.Resilience.Scenarios...)
	return &clone
}

func cloneFragments(in []ModuleFragment) []ModuleFragment {
	if in == nil {
		return nil
	}
	out := make([]ModuleFragment, len(in))
	for i, f := range in {
		settings := make(map[string]any, len(f.Settings))
		for k, v := range f.Settings {
			settings[k] = v
		}
		out[i] = ModuleFragment{ID: f.ID, Type: f.Type, Settings: settings}
	}
	return out
}
