package config

import "encoding/json"

const redactionValue = "***REDACTED***"

// Sanitize returns a deep copy of t with every setting whose key looks
// like a secret (password, token, api_key, jwt, ...) redacted. Grounded
// on the teacher's sanitizer.go (DefaultConfigSanitizer.Sanitize):
// JSON-round-trip deep copy, then targeted redaction — generalized from a
// fixed list of named fields (Database.Password, LLM.APIKey, ...) to a
// keyword scan over each module's free-form Settings map, since this
// tree's fragments are not statically typed the way the teacher's
// sections are.
//
// config.snapshot broadcasts must always go through Sanitize: spec.md
// §4.3 requires that secrets never appear in a published snapshot. Every
// secret-like setting, an unresolved token_ref included, carries the
// redaction placeholder instead of its value; a resolved fragment has
// already lost its token_ref to ResolveSecrets, so its snapshot shows only
// the redacted token.
func Sanitize(t *Tree) *Tree {
	cp := deepCopy(t)
	for _, cf := range cp.Fragments() {
		redactSettings(cf.Fragment.Settings)
	}
	return cp
}

func redactSettings(settings map[string]any) {
	for k := range settings {
		if looksSecret(k) {
			settings[k] = redactionValue
		}
	}
}

func deepCopy(t *Tree) *Tree {
	raw, err := json.Marshal(t)
	if err != nil {
		return t
	}
	var cp Tree
	if err := json.Unmarshal(raw, &cp); err != nil {
		return t
	}
	return &cp
}
