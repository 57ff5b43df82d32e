package commands

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"os"

	"github.com/quarryhq/quarry/pkg/engine"
	"github.com/quarryhq/quarry/pkg/orchestrator"
)

// report is anything a command can emit in the supported formats.
type report interface {
	writeText(w io.Writer)
	htmlTitle() string
	htmlRows() [][]string
	htmlHeader() []string
}

// emit writes the report to --output or stdout in the selected format.
func emit(r report) error {
	out := io.Writer(os.Stdout)
	if outputPath != "" {
		f, err := os.Create(outputPath)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	switch format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "text":
		r.writeText(out)
		return nil
	case "html":
		return writeHTML(out, r)
	default:
		return engine.NewConfigError(fmt.Sprintf("unknown format %q (json, text, html)", format), nil)
	}
}

var htmlPage = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
<table border="1" cellpadding="4">
<tr>{{range .Header}}<th>{{.}}</th>{{end}}</tr>
{{range .Rows}}<tr>{{range .}}<td>{{.}}</td>{{end}}</tr>
{{end}}</table>
</body>
</html>
`))

func writeHTML(w io.Writer, r report) error {
	return htmlPage.Execute(w, struct {
		Title  string
		Header []string
		Rows   [][]string
	}{r.htmlTitle(), r.htmlHeader(), r.htmlRows()})
}

// provisionReport renders a pipeline run.
type provisionReport struct {
	Workspace string               `json:"workspace"`
	Result    *orchestrator.Result `json:"result"`
}

func (r provisionReport) writeText(w io.Writer) {
	fmt.Fprintf(w, "Workspace: %s\n", r.Workspace)
	if len(r.Result.Findings) > 0 {
		fmt.Fprintf(w, "Findings: %d\n", len(r.Result.Findings))
	}
	if r.Result.Cost != nil {
		fmt.Fprintf(w, "Estimated monthly delta: $%.2f\n", r.Result.Cost.MonthlyTotal)
	}
	if r.Result.Changes != nil {
		s := r.Result.Changes.Summary()
		fmt.Fprintf(w, "Plan: %d to create, %d to update, %d to delete\n", s.Create, s.Update, s.Delete)
	}
	if r.Result.Apply == nil {
		fmt.Fprintln(w, "Apply: not run")
		return
	}
	counts := r.Result.Apply.Counts()
	fmt.Fprintf(w, "Apply: %s (%d succeeded, %d failed, %d skipped)\n",
		r.Result.Apply.Status, counts.Succeeded, counts.Failed, counts.Skipped)
	for _, o := range r.Result.Apply.Outcomes {
		if o.Status == engine.OutcomeFailed {
			fmt.Fprintf(w, "  failed: %s: %s\n", o.ResourceID, o.Error)
		}
	}
	if r.Result.StateVersion > 0 {
		fmt.Fprintf(w, "State version: %d\n", r.Result.StateVersion)
	}
}

func (r provisionReport) htmlTitle() string    { return "Provision: " + r.Workspace }
func (r provisionReport) htmlHeader() []string { return []string{"Resource", "Op", "Status", "Error"} }

func (r provisionReport) htmlRows() [][]string {
	if r.Result.Apply == nil {
		return nil
	}
	rows := make([][]string, 0, len(r.Result.Apply.Outcomes))
	for _, o := range r.Result.Apply.Outcomes {
		rows = append(rows, []string{o.ResourceID, string(o.Op), string(o.Status), o.Error})
	}
	return rows
}

// findingsReport renders validation findings.
type findingsReport struct {
	Workspace string                     `json:"workspace"`
	Findings  []engine.ValidationFinding `json:"findings"`
}

func (r findingsReport) writeText(w io.Writer) {
	if len(r.Findings) == 0 {
		fmt.Fprintf(w, "Workspace %s: no findings\n", r.Workspace)
		return
	}
	fmt.Fprintf(w, "Workspace %s: %d finding(s)\n", r.Workspace, len(r.Findings))
	for _, f := range r.Findings {
		fmt.Fprintf(w, "  [%s] %s %s: %s\n", f.Severity, f.RuleID, f.ResourceID, f.Message)
	}
}

func (r findingsReport) htmlTitle() string { return "Validation: " + r.Workspace }
func (r findingsReport) htmlHeader() []string {
	return []string{"Severity", "Rule", "Resource", "Message"}
}

func (r findingsReport) htmlRows() [][]string {
	rows := make([][]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		rows = append(rows, []string{string(f.Severity), f.RuleID, f.ResourceID, f.Message})
	}
	return rows
}

// driftReportView renders a drift report.
type driftReportView struct {
	Report *engine.DriftReport `json:"report"`
}

func (r driftReportView) writeText(w io.Writer) {
	rep := r.Report
	if !rep.Drifted() && len(rep.Errors) == 0 {
		fmt.Fprintf(w, "Workspace %s: no drift (state version %d)\n", rep.WorkspaceID, rep.SnapshotVersion)
		return
	}
	fmt.Fprintf(w, "Workspace %s: %d drifted attribute(s) against state version %d\n",
		rep.WorkspaceID, len(rep.Records), rep.SnapshotVersion)
	for _, rec := range rep.Records {
		fmt.Fprintf(w, "  [%s] %s.%s: expected %v, actual %v\n",
			rec.Severity, rec.ResourceID, rec.Field, rec.Expected, rec.Actual)
	}
	for id, msg := range rep.Errors {
		fmt.Fprintf(w, "  unreadable: %s: %s\n", id, msg)
	}
}

func (r driftReportView) htmlTitle() string { return "Drift: " + r.Report.WorkspaceID }
func (r driftReportView) htmlHeader() []string {
	return []string{"Severity", "Resource", "Field", "Expected", "Actual"}
}

func (r driftReportView) htmlRows() [][]string {
	rows := make([][]string, 0, len(r.Report.Records))
	for _, rec := range r.Report.Records {
		rows = append(rows, []string{
			string(rec.Severity), rec.ResourceID, rec.Field,
			fmt.Sprintf("%v", rec.Expected), fmt.Sprintf("%v", rec.Actual),
		})
	}
	return rows
}

// costReportView renders a cost report.
type costReportView struct {
	Report *engine.CostReport `json:"report"`
}

func (r costReportView) writeText(w io.Writer) {
	for _, e := range r.Report.Estimates {
		marker := ""
		if e.Confidence == engine.ConfidenceApproximate {
			marker = " (approximate)"
		}
		fmt.Fprintf(w, "  %s: $%+.2f/mo%s\n", e.ResourceID, e.MonthlyDelta, marker)
	}
	fmt.Fprintf(w, "Total monthly delta: $%+.2f\n", r.Report.MonthlyTotal)
}

func (r costReportView) htmlTitle() string { return "Cost estimate: " + r.Report.WorkspaceID }
func (r costReportView) htmlHeader() []string {
	return []string{"Resource", "Monthly delta", "Confidence"}
}

func (r costReportView) htmlRows() [][]string {
	rows := make([][]string, 0, len(r.Report.Estimates))
	for _, e := range r.Report.Estimates {
		rows = append(rows, []string{
			e.ResourceID, fmt.Sprintf("$%+.2f", e.MonthlyDelta), string(e.Confidence),
		})
	}
	return rows
}
