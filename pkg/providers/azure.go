package providers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/quarryhq/quarry/pkg/engine"
)

const azureDefaultProbeEndpoint = "https://login.microsoftonline.com/common/discovery/instance"

func init() {
	Register("azure", func(opts Options) engine.CloudProvider {
		return &azureProvider{opts: opts}
	})
}

// azureProvider is the Azure variant: blob container backend with a
// lease-based lock record.
type azureProvider struct {
	opts Options
}

func (p *azureProvider) Name() string { return "azure" }

func (p *azureProvider) ValidateCredentials(ctx context.Context) (engine.CredentialStatus, error) {
	_, hasClient := p.opts.LookupEnv("AZURE_CLIENT_ID")
	_, hasSecret := p.opts.LookupEnv("AZURE_CLIENT_SECRET")
	_, hasTenant := p.opts.LookupEnv("AZURE_TENANT_ID")
	if !hasClient || !hasSecret || !hasTenant {
		return engine.CredentialsInsufficientPermission,
			&engine.CredentialError{Provider: "azure", Status: engine.CredentialsInsufficientPermission}
	}

	if expiredByEnv(p.opts, "AZURE_TOKEN_EXPIRATION") {
		return engine.CredentialsExpired,
			&engine.CredentialError{Provider: "azure", Status: engine.CredentialsExpired}
	}

	endpoint := p.opts.ProbeEndpoint
	if endpoint == "" {
		endpoint = azureDefaultProbeEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return engine.CredentialsUnreachable,
			&engine.CredentialError{Provider: "azure", Status: engine.CredentialsUnreachable, Err: err}
	}

	status := probeCredentials(p.opts, req)
	if status != engine.CredentialsValid {
		return status, &engine.CredentialError{Provider: "azure", Status: status}
	}
	return engine.CredentialsValid, nil
}

func (p *azureProvider) GenerateBackendConfig(ws *engine.Workspace) engine.BackendConfig {
	name := normalizeName(ws.Name, p.NamingConstraints())
	return engine.BackendConfig{
		Store:          fmt.Sprintf("quarrystate%s", compactName(name, 16)),
		Prefix:         fmt.Sprintf("workspaces/%s/state", name),
		Region:         ws.Region,
		CredentialsRef: "env:AZURE_CLIENT_ID",
		Encrypt:        true,
		LockTable:      fmt.Sprintf("quarry-locks-%s", name),
	}
}

func (p *azureProvider) NamingConstraints() engine.NamingConstraints {
	// Storage account names: 3-24 chars, lowercase alphanumeric only.
	return engine.NamingConstraints{
		MaxLength: 24,
		Pattern:   "^[a-z0-9]+$",
		Lowercase: true,
	}
}

// compactName strips hyphens and truncates, for namespaces that forbid
// separators.
func compactName(name string, maxLen int) string {
	var b []byte
	for i := 0; i < len(name); i++ {
		if name[i] != '-' {
			b = append(b, name[i])
		}
	}
	if len(b) > maxLen {
		b = b[:maxLen]
	}
	return string(b)
}
