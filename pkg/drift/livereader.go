package drift

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/quarryhq/quarry/pkg/engine"
	"github.com/quarryhq/quarry/pkg/telemetry"
)

// ToolReader reads live attribute values through the provisioning
// binary's read-only `show -json` contract. One invocation covers the
// whole workspace; the decoded view is cached briefly so the bounded
// worker pool does not fork a subprocess per resource.
type ToolReader struct {
	binary  string
	timeout time.Duration
	cacheFor time.Duration
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	cached map[string]*liveView
}

// liveView is one decoded show invocation for a workspace.
type liveView struct {
	resources map[string]map[string]interface{}
	loadedAt  time.Time
}

// ToolReaderOptions configures a ToolReader.
type ToolReaderOptions struct {
	// Binary is the tool executable. Defaults to "terraform".
	Binary string

	// Timeout bounds one show invocation. Defaults to 2 minutes.
	Timeout time.Duration

	// CacheFor is how long a decoded view is reused. Defaults to 30
	// seconds; zero keeps the default, negative disables caching.
	CacheFor time.Duration

	// Logger is required.
	Logger *telemetry.Logger

	// Metrics is optional.
	Metrics *telemetry.Metrics
}

// NewToolReader creates a subprocess-backed LiveReader.
func NewToolReader(opts ToolReaderOptions) (*ToolReader, error) {
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	binary := opts.Binary
	if binary == "" {
		binary = "terraform"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	cacheFor := opts.CacheFor
	if cacheFor == 0 {
		cacheFor = 30 * time.Second
	}
	return &ToolReader{
		binary:  binary,
		timeout: timeout,
		cacheFor: cacheFor,
		logger:  opts.Logger.NewComponentLogger("live-reader"),
		metrics: opts.Metrics,
		cached:  make(map[string]*liveView),
	}, nil
}

// ReadLive implements engine.LiveReader. A resource missing from the
// live view is reported as nil attributes, which the detector records
// as an absent resource.
func (r *ToolReader) ReadLive(ctx context.Context, ws *engine.Workspace, resource engine.StateResource) (map[string]interface{}, error) {
	view, err := r.view(ctx, ws)
	if err != nil {
		return nil, err
	}
	return view.resources[resource.ID], nil
}

// view returns the cached live view for the workspace, invoking the
// tool when the cache is cold or stale. The mutex also serializes
// concurrent cold reads into a single invocation.
func (r *ToolReader) view(ctx context.Context, ws *engine.Workspace) (*liveView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if view, ok := r.cached[ws.ID]; ok && r.cacheFor > 0 && time.Since(view.loadedAt) < r.cacheFor {
		return view, nil
	}

	view, err := r.load(ctx, ws)
	if err != nil {
		return nil, err
	}
	r.cached[ws.ID] = view
	return view, nil
}

func (r *ToolReader) load(ctx context.Context, ws *engine.Workspace) (*liveView, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	cmd := exec.CommandContext(ctx, r.binary, "show", "-chdir="+ws.ConfigRoot, "-json")

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)

	result := "success"
	if err != nil {
		result = "failure"
	}
	r.metrics.RecordToolInvocation("show", result, duration)

	if err != nil {
		return nil, engine.NewProvisioningError("show", engine.ErrorClassTransient,
			fmt.Sprintf("%s show exited with an error", r.binary), err).
			WithRawOutput(stderr.String())
	}

	view, err := decodeShow(stdout.Bytes())
	if err != nil {
		return nil, err
	}

	r.logger.WithWorkspace(ws.ID).Debugf("live view loaded: %d resource(s) in %s",
		len(view.resources), duration.Round(time.Millisecond))
	return view, nil
}

// showDocument is the slice of the tool's show output the reader needs.
type showDocument struct {
	FormatVersion string `json:"format_version"`
	Values        *struct {
		RootModule struct {
			Resources []showResource `json:"resources"`
		} `json:"root_module"`
	} `json:"values"`
}

type showResource struct {
	Address string                 `json:"address"`
	Values  map[string]interface{} `json:"values"`
}

func decodeShow(out []byte) (*liveView, error) {
	var doc showDocument
	if err := json.Unmarshal(out, &doc); err != nil {
		return nil, &engine.MalformedOutputError{
			Phase:  "show",
			Detail: "output is not valid JSON",
			Err:    err,
		}
	}
	if doc.FormatVersion == "" {
		return nil, &engine.MalformedOutputError{
			Phase:  "show",
			Detail: "missing format_version",
		}
	}

	view := &liveView{
		resources: make(map[string]map[string]interface{}),
		loadedAt:  time.Now(),
	}
	// A nil values block means no state exists yet; every tracked
	// resource then reads as absent.
	if doc.Values == nil {
		return view, nil
	}
	for _, res := range doc.Values.RootModule.Resources {
		if res.Address == "" {
			return nil, &engine.MalformedOutputError{
				Phase:  "show",
				Detail: "resource with missing address",
			}
		}
		view.resources[res.Address] = res.Values
	}
	return view, nil
}
