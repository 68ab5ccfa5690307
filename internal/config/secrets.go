package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/watchtower-labs/sentrycore/internal/infrastructure/k8s"
)

// SecretsResolver resolves a dotted secret reference (e.g.
// "secrets.telegram.bot_token") to its value. Grounded on
// internal/infrastructure/k8s/client.go's K8sClient interface shape:
// a narrow, context-aware, retry-free contract that a concrete backend
// implements.
type SecretsResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// ResolveSecrets walks every module fragment's Settings and replaces any
// "token_ref" key (spec.md §6: "token_ref: secrets.telegram.bot_token")
// with a resolved "token" key holding the secret value. The token_ref key
// itself is removed so downstream code cannot accidentally broadcast it
// unresolved, and Sanitize redacts the resolved "token" key before any
// config.snapshot publication.
func ResolveSecrets(t *Tree, resolver SecretsResolver) error {
	for _, cf := range t.Fragments() {
		ref, ok := cf.Fragment.Settings["token_ref"].(string)
		if !ok || ref == "" {
			continue
		}
		value, err := resolver.Resolve(context.Background(), ref)
		if err != nil {
			return fmt.Errorf("config: resolve %q for module %q: %w", ref, cf.Fragment.ID, err)
		}
		delete(cf.Fragment.Settings, "token_ref")
		cf.Fragment.Settings["token"] = value
	}
	return nil
}

// FileSecretsResolver reads secrets from a single YAML document with 0600
// file mode, the default backend named in spec.md §6. The document is a
// nested map; a ref like "secrets.telegram.bot_token" is looked up as
// doc["telegram"]["bot_token"] (the leading "secrets." prefix is the
// document's own root and is stripped).
type FileSecretsResolver struct {
	values map[string]any
}

// NewFileSecretsResolver loads and parses path, verifying it is not
// group/world-readable.
func NewFileSecretsResolver(path string) (*FileSecretsResolver, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: stat secrets file: %w", err)
	}
	if info.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("config: secrets file %s must not be group/world readable (mode %o)", path, info.Mode().Perm())
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read secrets file: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse secrets file: %w", err)
	}
	return &FileSecretsResolver{values: doc}, nil
}

// Resolve implements SecretsResolver.
func (r *FileSecretsResolver) Resolve(_ context.Context, ref string) (string, error) {
	parts := strings.Split(ref, ".")
	if len(parts) > 0 && parts[0] == "secrets" {
		parts = parts[1:]
	}
	var cur any = r.values
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrSecretNotFound, ref)
		}
		next, ok := m[part]
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrSecretNotFound, ref)
		}
		cur = next
	}
	value, ok := cur.(string)
	if !ok {
		return "", fmt.Errorf("%w: %q is not a scalar value", ErrSecretNotFound, ref)
	}
	return value, nil
}

// K8sSecretsResolver resolves refs against Kubernetes Secret objects:
// "secrets.<secret-name>.<data-key>" maps to the Secret named
// "<secret-name>" in the configured namespace, data key "<data-key>".
// Built on internal/infrastructure/k8s.K8sClient, repurposed from
// "discover publishing targets by label selector" to "fetch one named
// secret's one named key" — the retry/backoff and error-classification
// behavior of that client (auth vs. not-found vs. timeout) carries over
// unchanged.
type K8sSecretsResolver struct {
	client    k8s.K8sClient
	namespace string
	logger    *slog.Logger
}

// NewK8sSecretsResolver builds a resolver using in-cluster configuration.
func NewK8sSecretsResolver(namespace string, logger *slog.Logger) (*K8sSecretsResolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := k8s.DefaultK8sClientConfig()
	cfg.Logger = logger.With("component", "k8s_secrets_resolver")
	client, err := k8s.NewK8sClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create k8s client: %w", err)
	}
	return &K8sSecretsResolver{client: client, namespace: namespace, logger: cfg.Logger}, nil
}

// Resolve implements SecretsResolver.
func (r *K8sSecretsResolver) Resolve(ctx context.Context, ref string) (string, error) {
	parts := strings.Split(ref, ".")
	if len(parts) > 0 && parts[0] == "secrets" {
		parts = parts[1:]
	}
	if len(parts) != 2 {
		return "", fmt.Errorf("config: k8s secret ref %q must have exactly secret-name.data-key", ref)
	}
	secretName, dataKey := parts[0], parts[1]

	secret, err := r.client.GetSecret(ctx, r.namespace, secretName)
	if err != nil {
		var notFound *k8s.NotFoundError
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: secret %s/%s", ErrSecretNotFound, r.namespace, secretName)
		}
		return "", fmt.Errorf("config: fetch k8s secret %s/%s: %w", r.namespace, secretName, err)
	}
	value, ok := secret.Data[dataKey]
	if !ok {
		return "", fmt.Errorf("%w: key %q in secret %s/%s", ErrSecretNotFound, dataKey, r.namespace, secretName)
	}
	return string(value), nil
}
