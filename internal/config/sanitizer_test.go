package config

import "testing"

func TestSanitize_RedactsSecretLikeSettings(t *testing.T) {
	tr := validTree()
	tr.Outputs = []ModuleFragment{
		{ID: "telegram", Type: "webhook", Settings: map[string]any{
			"token":       "live-token",
			"api_key":     "live-key",
			"destination": "https://example.test/hook",
		}},
	}

	sanitized := Sanitize(tr)
	settings := sanitized.Outputs[0].Settings
	if settings["token"] != redactionValue {
		t.Errorf("Settings[token] = %v, want %q", settings["token"], redactionValue)
	}
	if settings["api_key"] != redactionValue {
		t.Errorf("Settings[api_key] = %v, want %q", settings["api_key"], redactionValue)
	}
	if settings["destination"] != "https://example.test/hook" {
		t.Errorf("Settings[destination] was redacted, want it untouched")
	}
}

func TestSanitize_DoesNotMutateOriginal(t *testing.T) {
	tr := validTree()
	tr.Outputs = []ModuleFragment{{ID: "telegram", Type: "webhook", Settings: map[string]any{"token": "live-token"}}}

	_ = Sanitize(tr)

	if tr.Outputs[0].Settings["token"] != "live-token" {
		t.Error("Sanitize() mutated the original tree")
	}
}

func TestSanitize_EmptyTreeDoesNotPanic(t *testing.T) {
	sanitized := Sanitize(&Tree{})
	if sanitized == nil {
		t.Error("Sanitize(&Tree{}) returned nil")
	}
}
