// Package providers implements the cloud provider abstraction: one
// registered variant per supported cloud, selected once at workspace
// construction. Variants expose credential validation with specific
// causes and pure, deterministic backend config generation.
package providers

import (
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/quarryhq/quarry/pkg/engine"
)

// Options configures a provider variant at construction time.
type Options struct {
	// LookupEnv resolves environment variables. Defaults to os.LookupEnv;
	// injectable for tests.
	LookupEnv func(string) (string, bool)

	// HTTPClient performs credential probe requests. Defaults to a
	// client with a 10s timeout.
	HTTPClient *http.Client

	// ProbeEndpoint overrides the identity endpoint used to probe
	// credential liveness. Empty means skip the probe.
	ProbeEndpoint string
}

func (o Options) withDefaults() Options {
	if o.LookupEnv == nil {
		o.LookupEnv = os.LookupEnv
	}
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return o
}

// Factory constructs a provider variant.
type Factory func(opts Options) engine.CloudProvider

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a provider variant available by name. Called from
// variant init functions.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New constructs the provider variant for the given name, or a
// ConfigError when the name is unknown.
func New(name string, opts Options) (engine.CloudProvider, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, engine.NewConfigError(
			fmt.Sprintf("unknown provider %q (registered: %v)", name, Names()), nil)
	}
	return factory(opts.withDefaults()), nil
}

// Names returns the registered provider names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// probeCredentials performs an HTTP probe against the provider identity
// endpoint and maps the response to a credential status.
func probeCredentials(opts Options, req *http.Request) engine.CredentialStatus {
	resp, err := opts.HTTPClient.Do(req)
	if err != nil {
		return engine.CredentialsUnreachable
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return engine.CredentialsExpired
	case resp.StatusCode == http.StatusForbidden:
		return engine.CredentialsInsufficientPermission
	case resp.StatusCode >= 500:
		return engine.CredentialsUnreachable
	default:
		return engine.CredentialsValid
	}
}

// expiredByEnv reports whether an RFC3339 expiration variable is set and
// in the past.
func expiredByEnv(opts Options, key string) bool {
	raw, ok := opts.LookupEnv(key)
	if !ok || raw == "" {
		return false
	}
	expiry, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return time.Now().After(expiry)
}
