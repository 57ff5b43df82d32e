// Package drift compares the committed state snapshot against live
// infrastructure. Detection is strictly read-only: the only provider
// access is through a LiveReader, which must not mutate anything.
package drift

import (
	"context"
	_ "embed"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/quarryhq/quarry/pkg/engine"
	"github.com/quarryhq/quarry/pkg/telemetry"
)

//go:embed rules.yaml
var defaultRules []byte

// SnapshotReader is the slice of the state store drift needs.
type SnapshotReader interface {
	Read(ctx context.Context, workspaceID string) (*engine.StateSnapshot, error)
}

// Options configures a Detector.
type Options struct {
	// Snapshots reads the committed state to compare against.
	Snapshots SnapshotReader

	// Reader reads live attribute values. Must be read-only.
	Reader engine.LiveReader

	// Concurrency bounds parallel live reads. Defaults to 8.
	Concurrency int

	// Rules classifies drifted attributes. Defaults to the built-in
	// table.
	Rules *SeverityRules

	// Logger receives per-resource detection logs.
	Logger *telemetry.Logger

	// Metrics records drift counts by severity. Optional.
	Metrics *telemetry.Metrics
}

// Detector implements engine.DriftDetector with a bounded worker pool.
type Detector struct {
	snapshots   SnapshotReader
	reader      engine.LiveReader
	concurrency int
	rules       *SeverityRules
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
}

// New creates a Detector from options.
func New(opts Options) (*Detector, error) {
	if opts.Snapshots == nil {
		return nil, fmt.Errorf("snapshot reader is required")
	}
	if opts.Reader == nil {
		return nil, fmt.Errorf("live reader is required")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 8
	}
	rules := opts.Rules
	if rules == nil {
		var err error
		rules, err = DefaultSeverityRules()
		if err != nil {
			return nil, err
		}
	}
	return &Detector{
		snapshots:   opts.Snapshots,
		reader:      opts.Reader,
		concurrency: concurrency,
		rules:       rules,
		logger:      opts.Logger.NewComponentLogger("drift"),
		metrics:     opts.Metrics,
	}, nil
}

// Detect compares every tracked resource against live values. Resources
// whose live read fails are reported in the report's error map; the
// rest of the report is still produced.
func (d *Detector) Detect(ctx context.Context, ws *engine.Workspace) (*engine.DriftReport, error) {
	snapshot, err := d.snapshots.Read(ctx, ws.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	report := &engine.DriftReport{
		WorkspaceID:     ws.ID,
		SnapshotVersion: snapshot.Version,
		Errors:          map[string]string{},
		DetectedAt:      time.Now(),
	}

	type resourceResult struct {
		index   int
		records []engine.DriftRecord
		err     error
	}

	results := make([]resourceResult, len(snapshot.Resources))
	sem := make(chan struct{}, d.concurrency)
	var wg sync.WaitGroup

	for i, resource := range snapshot.Resources {
		wg.Add(1)
		go func(i int, resource engine.StateResource) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				results[i] = resourceResult{index: i, err: ctx.Err()}
				return
			}

			records, err := d.detectResource(ctx, ws, resource)
			results[i] = resourceResult{index: i, records: records, err: err}
		}(i, resource)
	}
	wg.Wait()

	for i, res := range results {
		if res.err != nil {
			report.Errors[snapshot.Resources[i].ID] = res.err.Error()
			d.metrics.RecordDriftQueryError()
			continue
		}
		report.Records = append(report.Records, res.records...)
	}

	for _, rec := range report.Records {
		d.metrics.RecordDrift(string(rec.Severity))
	}

	d.logger.WithWorkspace(ws.ID).Infof("drift detection: %d drifted attribute(s), %d unreadable resource(s)",
		len(report.Records), len(report.Errors))
	return report, nil
}

// detectResource compares one resource's tracked attributes to live
// values. A resource that no longer exists yields a single critical
// record rather than one per attribute.
func (d *Detector) detectResource(ctx context.Context, ws *engine.Workspace, resource engine.StateResource) ([]engine.DriftRecord, error) {
	live, err := d.reader.ReadLive(ctx, ws, resource)
	if err != nil {
		return nil, err
	}

	if live == nil {
		return []engine.DriftRecord{{
			ResourceID: resource.ID,
			Field:      "",
			Expected:   "present",
			Actual:     "absent",
			Severity:   engine.SeverityCritical,
		}}, nil
	}

	keys := make([]string, 0, len(resource.Attributes))
	for k := range resource.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var records []engine.DriftRecord
	for _, key := range keys {
		expected := resource.Attributes[key]
		actual, present := live[key]
		if present && reflect.DeepEqual(normalize(expected), normalize(actual)) {
			continue
		}
		records = append(records, engine.DriftRecord{
			ResourceID: resource.ID,
			Field:      key,
			Expected:   expected,
			Actual:     actual,
			Severity:   d.rules.Classify(resource.Type, key),
		})
	}
	return records, nil
}

// normalize folds numeric types so values decoded from different JSON
// sources compare equal.
func normalize(v interface{}) interface{} {
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float32:
		return float64(n)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(n))
		for k, val := range n {
			out[k] = normalize(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(n))
		for i, val := range n {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
