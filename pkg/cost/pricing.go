package cost

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed pricing.yaml
var defaultPricingYAML []byte

// PricingEntry is one row of the pricing table. Empty region or sku
// matches any value for that dimension.
type PricingEntry struct {
	// Provider is the cloud provider name (aws, azure, gcp).
	Provider string `yaml:"provider"`

	// Region is the provider region, or empty for any region.
	Region string `yaml:"region"`

	// ResourceType is the declared resource type.
	ResourceType string `yaml:"resource_type"`

	// SKU is the size or tier dimension, or empty for any SKU.
	SKU string `yaml:"sku"`

	// Monthly is the monthly price in USD.
	Monthly float64 `yaml:"monthly"`
}

type pricingDocument struct {
	Entries []PricingEntry `yaml:"entries"`
}

// PricingTable resolves monthly prices keyed by
// (provider, region, resource_type, sku).
type PricingTable struct {
	entries map[pricingKey]float64
}

type pricingKey struct {
	provider     string
	region       string
	resourceType string
	sku          string
}

// ParsePricing builds a table from pricing YAML.
func ParsePricing(data []byte) (*PricingTable, error) {
	var doc pricingDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse pricing table: %w", err)
	}

	t := &PricingTable{entries: make(map[pricingKey]float64, len(doc.Entries))}
	for i, e := range doc.Entries {
		if e.Provider == "" || e.ResourceType == "" {
			return nil, fmt.Errorf("pricing entry %d: provider and resource_type are required", i)
		}
		if e.Monthly < 0 {
			return nil, fmt.Errorf("pricing entry %d: monthly price must not be negative", i)
		}
		t.entries[pricingKey{e.Provider, e.Region, e.ResourceType, e.SKU}] = e.Monthly
	}
	return t, nil
}

// LoadPricing reads a pricing table from path. An empty path returns
// the built-in table.
func LoadPricing(path string) (*PricingTable, error) {
	if path == "" {
		return DefaultPricingTable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}
	return ParsePricing(data)
}

// DefaultPricingTable returns the embedded table.
func DefaultPricingTable() (*PricingTable, error) {
	return ParsePricing(defaultPricingYAML)
}

// Lookup resolves the monthly price for one resource. It tries the
// exact key first, then relaxes sku and region in that order, so a
// table can carry broad type-level defaults next to precise rows.
func (t *PricingTable) Lookup(provider, region, resourceType, sku string) (float64, bool) {
	candidates := []pricingKey{
		{provider, region, resourceType, sku},
		{provider, region, resourceType, ""},
		{provider, "", resourceType, sku},
		{provider, "", resourceType, ""},
	}
	for _, k := range candidates {
		if monthly, ok := t.entries[k]; ok {
			return monthly, true
		}
	}
	return 0, false
}
