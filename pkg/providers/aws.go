package providers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/quarryhq/quarry/pkg/engine"
)

const awsDefaultProbeEndpoint = "https://sts.amazonaws.com/"

func init() {
	Register("aws", func(opts Options) engine.CloudProvider {
		return &awsProvider{opts: opts}
	})
}

// awsProvider is the AWS variant: S3-style object store backend with a
// DynamoDB-style lock table reference.
type awsProvider struct {
	opts Options
}

func (p *awsProvider) Name() string { return "aws" }

func (p *awsProvider) ValidateCredentials(ctx context.Context) (engine.CredentialStatus, error) {
	accessKey, hasKey := p.opts.LookupEnv("AWS_ACCESS_KEY_ID")
	_, hasSecret := p.opts.LookupEnv("AWS_SECRET_ACCESS_KEY")
	if !hasKey || !hasSecret || accessKey == "" {
		return engine.CredentialsInsufficientPermission,
			&engine.CredentialError{Provider: "aws", Status: engine.CredentialsInsufficientPermission}
	}

	if expiredByEnv(p.opts, "AWS_SESSION_EXPIRATION") {
		return engine.CredentialsExpired,
			&engine.CredentialError{Provider: "aws", Status: engine.CredentialsExpired}
	}

	endpoint := p.opts.ProbeEndpoint
	if endpoint == "" {
		endpoint = awsDefaultProbeEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return engine.CredentialsUnreachable,
			&engine.CredentialError{Provider: "aws", Status: engine.CredentialsUnreachable, Err: err}
	}

	status := probeCredentials(p.opts, req)
	if status != engine.CredentialsValid {
		return status, &engine.CredentialError{Provider: "aws", Status: status}
	}
	return engine.CredentialsValid, nil
}

func (p *awsProvider) GenerateBackendConfig(ws *engine.Workspace) engine.BackendConfig {
	name := normalizeName(ws.Name, p.NamingConstraints())
	return engine.BackendConfig{
		Store:          fmt.Sprintf("quarry-state-%s", name),
		Prefix:         fmt.Sprintf("workspaces/%s/state", name),
		Region:         ws.Region,
		CredentialsRef: "env:AWS_ACCESS_KEY_ID",
		Encrypt:        true,
		LockTable:      fmt.Sprintf("quarry-locks-%s", name),
	}
}

func (p *awsProvider) NamingConstraints() engine.NamingConstraints {
	return engine.NamingConstraints{
		MaxLength: 63,
		Pattern:   "^[a-z0-9][a-z0-9-]*[a-z0-9]$",
		Lowercase: true,
	}
}

// normalizeName applies provider naming constraints to a workspace name
// deterministically.
func normalizeName(name string, c engine.NamingConstraints) string {
	if c.Lowercase {
		name = strings.ToLower(name)
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == '_' || r == ' ' || r == '.':
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if c.MaxLength > 0 && len(out) > c.MaxLength {
		out = strings.Trim(out[:c.MaxLength], "-")
	}
	return out
}
