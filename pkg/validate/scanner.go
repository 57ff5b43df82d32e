package validate

import (
	"context"

	"github.com/quarryhq/quarry/pkg/engine"
)

// Scanner produces findings for declared resources. Implementations
// must be read-only with respect to infrastructure.
type Scanner interface {
	// Name identifies the scanner in logs.
	Name() string

	// Scan inspects declared resources and returns findings.
	Scan(ctx context.Context, ws *engine.Workspace, resources []DeclaredResource) ([]engine.ValidationFinding, error)
}
