// Package validate runs policy and security scanners against declared
// configuration before anything is applied. It never touches live
// infrastructure.
package validate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// DeclaredResource is one resource parsed from the declared
// configuration in a workspace's config root.
type DeclaredResource struct {
	// Address is the resource address ("aws_s3_bucket.logs").
	Address string `json:"address"`

	// Type is the resource type.
	Type string `json:"type"`

	// Name is the resource's declared name.
	Name string `json:"name"`

	// Attributes are the declared attribute values.
	Attributes map[string]interface{} `json:"attributes"`
}

// configDocument is the JSON-syntax configuration file shape:
// {"resource": {"<type>": {"<name>": {attributes...}}}}.
type configDocument struct {
	Resource map[string]map[string]map[string]interface{} `json:"resource"`
}

// LoadDeclared parses the JSON-syntax configuration files under the
// config root into declared resources, sorted by address.
func LoadDeclared(configRoot string) ([]DeclaredResource, error) {
	entries, err := os.ReadDir(configRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to read config root: %w", err)
	}

	var resources []DeclaredResource
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tf.json") {
			continue
		}
		path := filepath.Join(configRoot, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}

		var doc configDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", entry.Name(), err)
		}

		for resType, byName := range doc.Resource {
			for name, attrs := range byName {
				resources = append(resources, DeclaredResource{
					Address:    resType + "." + name,
					Type:       resType,
					Name:       name,
					Attributes: attrs,
				})
			}
		}
	}

	sort.Slice(resources, func(i, j int) bool {
		return resources[i].Address < resources[j].Address
	})
	return resources, nil
}
