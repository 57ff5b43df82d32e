package providers

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quarryhq/quarry/pkg/engine"
)

// envMap builds a LookupEnv func from a map for tests.
func envMap(vars map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
}

// TestRegistrySelection verifies variant lookup and the unknown-provider
// error path.
func TestRegistrySelection(t *testing.T) {
	for _, name := range []string{"aws", "azure", "gcp"} {
		p, err := New(name, Options{LookupEnv: envMap(nil)})
		if err != nil {
			t.Fatalf("New(%s) error = %v", name, err)
		}
		if p.Name() != name {
			t.Fatalf("Name() = %s, want %s", p.Name(), name)
		}
	}

	_, err := New("digitalocean", Options{})
	var cfgErr *engine.ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error = %v, want ConfigError", err)
	}
}

// TestCredentialStatuses covers each specific credential outcome; the
// contract never collapses to a boolean.
func TestCredentialStatuses(t *testing.T) {
	okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okServer.Close()

	forbiddenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer forbiddenServer.Close()

	expiredServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer expiredServer.Close()

	fullCreds := map[string]string{
		"AWS_ACCESS_KEY_ID":     "AKIAEXAMPLE",
		"AWS_SECRET_ACCESS_KEY": "secret",
	}

	tests := []struct {
		name     string
		vars     map[string]string
		endpoint string
		want     engine.CredentialStatus
	}{
		{
			name:     "valid credentials",
			vars:     fullCreds,
			endpoint: okServer.URL,
			want:     engine.CredentialsValid,
		},
		{
			name:     "missing credentials",
			vars:     map[string]string{},
			endpoint: okServer.URL,
			want:     engine.CredentialsInsufficientPermission,
		},
		{
			name: "session expired by env",
			vars: map[string]string{
				"AWS_ACCESS_KEY_ID":      "AKIAEXAMPLE",
				"AWS_SECRET_ACCESS_KEY":  "secret",
				"AWS_SESSION_EXPIRATION": time.Now().Add(-time.Hour).Format(time.RFC3339),
			},
			endpoint: okServer.URL,
			want:     engine.CredentialsExpired,
		},
		{
			name:     "probe forbidden",
			vars:     fullCreds,
			endpoint: forbiddenServer.URL,
			want:     engine.CredentialsInsufficientPermission,
		},
		{
			name:     "probe unauthorized",
			vars:     fullCreds,
			endpoint: expiredServer.URL,
			want:     engine.CredentialsExpired,
		},
		{
			name:     "endpoint unreachable",
			vars:     fullCreds,
			endpoint: "http://127.0.0.1:1",
			want:     engine.CredentialsUnreachable,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New("aws", Options{
				LookupEnv:     envMap(tt.vars),
				ProbeEndpoint: tt.endpoint,
				HTTPClient:    &http.Client{Timeout: 2 * time.Second},
			})
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}

			status, err := p.ValidateCredentials(context.Background())
			if status != tt.want {
				t.Fatalf("status = %s, want %s", status, tt.want)
			}
			if tt.want == engine.CredentialsValid && err != nil {
				t.Fatalf("unexpected error for valid credentials: %v", err)
			}
			if tt.want != engine.CredentialsValid && err == nil {
				t.Fatalf("expected CredentialError for status %s", tt.want)
			}
		})
	}
}

// TestBackendConfigDeterministic verifies backend generation is pure and
// stable across calls.
func TestBackendConfigDeterministic(t *testing.T) {
	ws := &engine.Workspace{
		ID:       "ws-1",
		Name:     "Payments Prod",
		Provider: "aws",
		Region:   "eu-west-1",
	}

	p, err := New("aws", Options{LookupEnv: envMap(nil)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	first := p.GenerateBackendConfig(ws)
	second := p.GenerateBackendConfig(ws)
	if first != second {
		t.Fatalf("backend config not deterministic: %+v vs %+v", first, second)
	}

	if first.Store != "quarry-state-payments-prod" {
		t.Fatalf("store = %s, want quarry-state-payments-prod", first.Store)
	}
	if !first.Encrypt {
		t.Fatalf("backend config must default to encrypted state")
	}
	if first.Region != "eu-west-1" {
		t.Fatalf("region = %s, want eu-west-1", first.Region)
	}
}

// TestAzureNamingConstraints checks the stricter storage-account rules.
func TestAzureNamingConstraints(t *testing.T) {
	p, err := New("azure", Options{LookupEnv: envMap(nil)})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	c := p.NamingConstraints()
	if c.MaxLength != 24 || !c.Lowercase {
		t.Fatalf("unexpected constraints: %+v", c)
	}

	ws := &engine.Workspace{Name: "A-Very-Long-Workspace-Name-Indeed", Region: "westeurope"}
	cfg := p.GenerateBackendConfig(ws)
	if len(cfg.Store) > 24 {
		t.Fatalf("store name %q exceeds 24 chars", cfg.Store)
	}
}

// TestNormalizeName covers separator folding and truncation.
func TestNormalizeName(t *testing.T) {
	c := engine.NamingConstraints{MaxLength: 10, Lowercase: true}
	tests := []struct{ in, want string }{
		{"Web Frontend", "web-fronte"},
		{"data_lake.v2", "data-lake-"},
		{"--edge--", "edge"},
	}
	for _, tt := range tests {
		if got := normalizeName(tt.in, c); got != trimmed(tt.want) {
			t.Fatalf("normalizeName(%q) = %q, want %q", tt.in, got, trimmed(tt.want))
		}
	}
}

func trimmed(s string) string {
	for len(s) > 0 && s[len(s)-1] == '-' {
		s = s[:len(s)-1]
	}
	return s
}
