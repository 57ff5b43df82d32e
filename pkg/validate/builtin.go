package validate

import "github.com/quarryhq/quarry/pkg/engine"

// builtinPolicies returns the policies every workspace is scanned with.
func builtinPolicies() []Policy {
	return []Policy{
		publicStoragePolicy(),
		encryptionDisabledPolicy(),
		openIngressPolicy(),
		requiredTagsPolicy(),
	}
}

// publicStoragePolicy flags object storage exposed to the world.
func publicStoragePolicy() Policy {
	return Policy{
		Name:        "QRY-STORAGE-PUBLIC",
		Description: "Object storage must not be publicly readable or writable",
		Severity:    engine.SeverityCritical,
		Rego: `package quarry.policies.storage

import rego.v1

public_acls := {"public-read", "public-read-write", "website"}

deny contains violation if {
	contains(input.resource.type, "bucket")
	some acl in public_acls
	input.resource.attributes.acl == acl
	violation := {
		"message": sprintf("storage %s has public acl %q", [input.resource.address, acl]),
		"severity": "critical",
	}
}

deny contains violation if {
	contains(input.resource.type, "storage")
	input.resource.attributes.public_access == true
	violation := {
		"message": sprintf("storage %s allows public access", [input.resource.address]),
		"severity": "critical",
	}
}
`,
	}
}

// encryptionDisabledPolicy flags resources with encryption turned off.
func encryptionDisabledPolicy() Policy {
	return Policy{
		Name:        "QRY-ENCRYPTION-OFF",
		Description: "At-rest encryption must not be disabled",
		Severity:    engine.SeverityCritical,
		Rego: `package quarry.policies.encryption

import rego.v1

deny contains violation if {
	input.resource.attributes.encrypted == false
	violation := {
		"message": sprintf("resource %s has encryption disabled", [input.resource.address]),
		"severity": "critical",
	}
}

deny contains violation if {
	input.resource.attributes.encryption == "none"
	violation := {
		"message": sprintf("resource %s has encryption disabled", [input.resource.address]),
		"severity": "critical",
	}
}
`,
	}
}

// openIngressPolicy flags firewall rules open to the whole internet.
func openIngressPolicy() Policy {
	return Policy{
		Name:        "QRY-OPEN-INGRESS",
		Description: "Ingress rules must not allow 0.0.0.0/0",
		Severity:    engine.SeverityHigh,
		Rego: `package quarry.policies.ingress

import rego.v1

deny contains violation if {
	some rule in input.resource.attributes.ingress
	some cidr in rule.cidr_blocks
	cidr == "0.0.0.0/0"
	violation := {
		"message": sprintf("resource %s allows ingress from 0.0.0.0/0 on port %v", [input.resource.address, rule.from_port]),
		"severity": "high",
	}
}
`,
	}
}

// requiredTagsPolicy flags resources without ownership tags.
func requiredTagsPolicy() Policy {
	return Policy{
		Name:        "QRY-REQUIRED-TAGS",
		Description: "Resources must carry an owner tag",
		Severity:    engine.SeverityWarning,
		Rego: `package quarry.policies.tags

import rego.v1

deny contains violation if {
	not input.resource.attributes.tags.owner
	violation := {
		"message": sprintf("resource %s is missing the owner tag", [input.resource.address]),
		"severity": "warning",
	}
}
`,
	}
}
