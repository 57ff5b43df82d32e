package providers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/quarryhq/quarry/pkg/engine"
)

const gcpDefaultProbeEndpoint = "https://oauth2.googleapis.com/tokeninfo"

func init() {
	Register("gcp", func(opts Options) engine.CloudProvider {
		return &gcpProvider{opts: opts}
	})
}

// gcpProvider is the GCP variant: GCS bucket backend with generation-
// precondition locking.
type gcpProvider struct {
	opts Options
}

func (p *gcpProvider) Name() string { return "gcp" }

func (p *gcpProvider) ValidateCredentials(ctx context.Context) (engine.CredentialStatus, error) {
	credsFile, hasFile := p.opts.LookupEnv("GOOGLE_APPLICATION_CREDENTIALS")
	if !hasFile || credsFile == "" {
		return engine.CredentialsInsufficientPermission,
			&engine.CredentialError{Provider: "gcp", Status: engine.CredentialsInsufficientPermission}
	}

	if expiredByEnv(p.opts, "GOOGLE_TOKEN_EXPIRATION") {
		return engine.CredentialsExpired,
			&engine.CredentialError{Provider: "gcp", Status: engine.CredentialsExpired}
	}

	endpoint := p.opts.ProbeEndpoint
	if endpoint == "" {
		endpoint = gcpDefaultProbeEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return engine.CredentialsUnreachable,
			&engine.CredentialError{Provider: "gcp", Status: engine.CredentialsUnreachable, Err: err}
	}

	status := probeCredentials(p.opts, req)
	if status != engine.CredentialsValid {
		return status, &engine.CredentialError{Provider: "gcp", Status: status}
	}
	return engine.CredentialsValid, nil
}

func (p *gcpProvider) GenerateBackendConfig(ws *engine.Workspace) engine.BackendConfig {
	name := normalizeName(ws.Name, p.NamingConstraints())
	return engine.BackendConfig{
		Store:          fmt.Sprintf("quarry-state-%s", name),
		Prefix:         fmt.Sprintf("workspaces/%s/state", name),
		Region:         ws.Region,
		CredentialsRef: "env:GOOGLE_APPLICATION_CREDENTIALS",
		Encrypt:        true,
		LockTable:      fmt.Sprintf("quarry-locks-%s", name),
	}
}

func (p *gcpProvider) NamingConstraints() engine.NamingConstraints {
	return engine.NamingConstraints{
		MaxLength: 63,
		Pattern:   "^[a-z0-9][a-z0-9-]*[a-z0-9]$",
		Lowercase: true,
	}
}
