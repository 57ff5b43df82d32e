package provisioner

import (
	"encoding/json"
	"fmt"

	"github.com/quarryhq/quarry/pkg/engine"
)

// planDocument is the tool's structured plan output.
type planDocument struct {
	FormatVersion   string               `json:"format_version"`
	ResourceChanges []planResourceChange `json:"resource_changes"`
}

type planResourceChange struct {
	Address string     `json:"address"`
	Type    string     `json:"type"`
	Change  planChange `json:"change"`
}

type planChange struct {
	Actions []string               `json:"actions"`
	Before  map[string]interface{} `json:"before"`
	After   map[string]interface{} `json:"after"`
}

// decodePlan parses the plan document into a change-set. No-op and
// read-only entries are dropped; a replace surfaces as a single update
// with both attribute sets populated.
func decodePlan(out []byte) (*engine.ChangeSet, error) {
	var doc planDocument
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, &engine.MalformedOutputError{
			Phase:  "plan",
			Detail: "plan document is not valid JSON",
			Err:    err,
		}
	}
	if doc.FormatVersion == "" {
		return nil, &engine.MalformedOutputError{
			Phase:  "plan",
			Detail: "plan document missing format_version",
		}
	}

	changes := make([]engine.ResourceChange, 0, len(doc.ResourceChanges))
	for _, rc := range doc.ResourceChanges {
		op, ok, err := opForActions(rc.Change.Actions)
		if err != nil {
			return nil, &engine.MalformedOutputError{
				Phase:  "plan",
				Detail: fmt.Sprintf("resource %s: %v", rc.Address, err),
			}
		}
		if !ok {
			continue
		}
		if rc.Address == "" {
			return nil, &engine.MalformedOutputError{
				Phase:  "plan",
				Detail: "resource change missing address",
			}
		}
		changes = append(changes, engine.ResourceChange{
			ResourceID: rc.Address,
			Type:       rc.Type,
			Op:         op,
			Before:     rc.Change.Before,
			After:      rc.Change.After,
		})
	}

	return &engine.ChangeSet{
		Changes: changes,
		RawPlan: json.RawMessage(out),
	}, nil
}

// opForActions maps the tool's action list to a planned operation.
// The second return is false for entries that change nothing.
func opForActions(actions []string) (engine.Op, bool, error) {
	switch len(actions) {
	case 1:
		switch actions[0] {
		case "no-op", "read":
			return "", false, nil
		case "create":
			return engine.OpCreate, true, nil
		case "update":
			return engine.OpUpdate, true, nil
		case "delete":
			return engine.OpDelete, true, nil
		}
	case 2:
		// delete+create in either order is a replace.
		if (actions[0] == "delete" && actions[1] == "create") ||
			(actions[0] == "create" && actions[1] == "delete") {
			return engine.OpUpdate, true, nil
		}
	}
	return "", false, fmt.Errorf("unknown action set %v", actions)
}
