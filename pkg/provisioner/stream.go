package provisioner

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/quarryhq/quarry/pkg/engine"
)

// toolEvent is one line of the tool's machine-readable event stream.
type toolEvent struct {
	Type       string           `json:"type"`
	Message    string           `json:"@message"`
	Hook       *eventHook       `json:"hook,omitempty"`
	Diagnostic *eventDiagnostic `json:"diagnostic,omitempty"`
}

type eventHook struct {
	Resource eventResource `json:"resource"`
	Action   string        `json:"action"`
}

type eventResource struct {
	Addr         string `json:"addr"`
	ResourceType string `json:"resource_type"`
}

type eventDiagnostic struct {
	Severity string `json:"severity"`
	Summary  string `json:"summary"`
	Detail   string `json:"detail"`
}

// decodeEventStream parses the newline-delimited event stream emitted
// by a mutating invocation into per-resource outcomes, in the order
// resources were first started. A resource that started but never
// completed is reported failed, not dropped.
func decodeEventStream(out []byte, phase string) ([]engine.ResourceOutcome, error) {
	order := []string{}
	byAddr := map[string]*engine.ResourceOutcome{}

	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}

		var ev toolEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, &engine.MalformedOutputError{
				Phase:  phase,
				Detail: fmt.Sprintf("line %d is not a valid event", line),
				Err:    err,
			}
		}

		switch ev.Type {
		case "apply_start":
			if ev.Hook == nil || ev.Hook.Resource.Addr == "" {
				return nil, &engine.MalformedOutputError{
					Phase:  phase,
					Detail: fmt.Sprintf("line %d: apply_start without resource address", line),
				}
			}
			addr := ev.Hook.Resource.Addr
			if _, seen := byAddr[addr]; !seen {
				order = append(order, addr)
				byAddr[addr] = &engine.ResourceOutcome{
					ResourceID: addr,
					Op:         opForAction(ev.Hook.Action),
					Status:     engine.OutcomeFailed,
					Error:      "no completion event received",
				}
			}
		case "apply_complete":
			if o := lookup(byAddr, ev.Hook); o != nil {
				o.Status = engine.OutcomeSucceeded
				o.Error = ""
			}
		case "apply_errored":
			if o := lookup(byAddr, ev.Hook); o != nil {
				o.Status = engine.OutcomeFailed
				o.Error = ev.Message
			}
		case "diagnostic":
			// Attach the diagnostic to the most recent failed resource
			// when the hook does not name one.
			if ev.Diagnostic == nil {
				continue
			}
			if o := lookup(byAddr, ev.Hook); o != nil && o.Status == engine.OutcomeFailed {
				o.Error = diagnosticText(ev.Diagnostic)
			}
		}
		// Other event types (progress, refresh, outputs) carry no
		// per-resource outcome.
	}
	if err := scanner.Err(); err != nil {
		return nil, &engine.MalformedOutputError{
			Phase:  phase,
			Detail: "failed to scan event stream",
			Err:    err,
		}
	}

	outcomes := make([]engine.ResourceOutcome, 0, len(order))
	for _, addr := range order {
		outcomes = append(outcomes, *byAddr[addr])
	}
	return outcomes, nil
}

func lookup(byAddr map[string]*engine.ResourceOutcome, hook *eventHook) *engine.ResourceOutcome {
	if hook == nil || hook.Resource.Addr == "" {
		return nil
	}
	return byAddr[hook.Resource.Addr]
}

func opForAction(action string) engine.Op {
	switch action {
	case "create":
		return engine.OpCreate
	case "delete":
		return engine.OpDelete
	default:
		return engine.OpUpdate
	}
}

func diagnosticText(d *eventDiagnostic) string {
	if d.Detail != "" {
		return d.Summary + ": " + d.Detail
	}
	return d.Summary
}
