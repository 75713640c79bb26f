package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/quicmig/internal/scenario"
	appversion "github.com/dantte-lp/quicmig/internal/version"
)

const (
	formatJSON  = "json"
	formatYAML  = "yaml"
	formatTable = "table"
	valueNA     = "-"
	outcomeFail = "failed"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

func checkFormat(format string) error {
	switch format {
	case formatJSON, formatYAML, formatTable:
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatResults renders suite results in the requested format.
func formatResults(results []caseResult, format string) (string, error) {
	switch format {
	case formatTable:
		return formatResultsTable(results)
	case formatJSON, formatYAML:
		return marshal(resultsToView(results), format)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatCases renders the selected cases in the requested format.
func formatCases(cases []scenario.Case, format string) (string, error) {
	switch format {
	case formatTable:
		return formatCasesTable(cases)
	case formatJSON, formatYAML:
		return marshal(casesToView(cases), format)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// formatVersion renders build information in the requested format.
func formatVersion(info appversion.Info, format string) (string, error) {
	switch format {
	case formatTable:
		return appversion.Full("quicmig"), nil
	case formatJSON, formatYAML:
		return marshal(info, format)
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func marshal(v any, format string) (string, error) {
	if format == formatYAML {
		data, err := yaml.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("marshal to YAML: %w", err)
		}
		return strings.TrimSuffix(string(data), "\n"), nil
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data), nil
}

// --- Table formatters ---

func formatResultsTable(results []caseResult) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CASE\tOUTCOME\tATTEMPTS\tDURATION\tERROR")

	for _, r := range results {
		v := resultToView(r)
		errText := v.Error
		if errText == "" {
			errText = valueNA
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			v.Name, v.Outcome, v.Attempts, v.Duration, errText)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	fmt.Fprintf(&buf, "\n%d passed, %d failed, %d total",
		len(results)-countFailed(results), countFailed(results), len(results))

	return buf.String(), nil
}

func formatCasesTable(cases []scenario.Case) (string, error) {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tFAMILY\tCASE")

	for _, c := range cases {
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Kind, c.Params.Family, c.Name)
	}

	if err := w.Flush(); err != nil {
		return "", fmt.Errorf("flush tabwriter: %w", err)
	}

	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// --- View types for clean JSON and YAML output ---

type resultView struct {
	Name     string `json:"name"              yaml:"name"`
	Kind     string `json:"kind"              yaml:"kind"`
	Outcome  string `json:"outcome"           yaml:"outcome"`
	Attempts int    `json:"attempts"          yaml:"attempts"`
	Duration string `json:"duration"          yaml:"duration"`
	Target   string `json:"target,omitempty"  yaml:"target,omitempty"`
	Error    string `json:"error,omitempty"   yaml:"error,omitempty"`
}

type suiteView struct {
	Passed int          `json:"passed" yaml:"passed"`
	Failed int          `json:"failed" yaml:"failed"`
	Cases  []resultView `json:"cases"  yaml:"cases"`
}

type caseView struct {
	Name   string `json:"name"   yaml:"name"`
	Kind   string `json:"kind"   yaml:"kind"`
	Family string `json:"family" yaml:"family"`
}

func resultToView(r caseResult) resultView {
	v := resultView{
		Name:     r.Name,
		Kind:     string(r.Kind),
		Outcome:  r.Report.Outcome.String(),
		Attempts: r.Report.Attempts,
		Duration: r.Report.Duration.Round(time.Microsecond).String(),
	}
	if r.Report.Target.Local.IsValid() {
		v.Target = fmt.Sprintf("%s -> %s", r.Report.Target.Local, r.Report.Target.Remote)
	}
	if r.Err != nil {
		v.Outcome = outcomeFail
		v.Error = r.Err.Error()
	}
	return v
}

func resultsToView(results []caseResult) suiteView {
	views := make([]resultView, 0, len(results))
	for _, r := range results {
		views = append(views, resultToView(r))
	}
	failed := countFailed(results)
	return suiteView{
		Passed: len(results) - failed,
		Failed: failed,
		Cases:  views,
	}
}

func casesToView(cases []scenario.Case) []caseView {
	views := make([]caseView, 0, len(cases))
	for _, c := range cases {
		views = append(views, caseView{
			Name:   c.Name,
			Kind:   string(c.Kind),
			Family: c.Params.Family.String(),
		})
	}
	return views
}
