package conformance

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
)

// ScenarioResult is the outcome of one scenario on one dataset.
type ScenarioResult struct {
	Scenario  string        `json:"scenario"`
	Dataset   string        `json:"dataset"`
	Passed    bool          `json:"passed"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
	Warning   string        `json:"warning,omitempty"`
	Loads     []LoadResult  `json:"loads,omitempty"`
	Duration  time.Duration `json:"duration_ns"`

	FailedComparisons []ComparisonFailure `json:"failed_comparisons,omitempty"`
}

// Report collects the results of a run.
type Report struct {
	RunID     string           `json:"run_id"`
	StartedAt time.Time        `json:"started_at"`
	Duration  time.Duration    `json:"duration_ns"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Scenarios []ScenarioResult `json:"scenarios"`
}

// OK reports whether every scenario passed.
func (r *Report) OK() bool { return r.Failed == 0 }

func (r *Report) tally() {
	r.Passed, r.Failed = 0, 0
	for _, s := range r.Scenarios {
		if s.Passed {
			r.Passed++
		} else {
			r.Failed++
		}
	}
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteText writes a human readable report. Colors are used only when w is a terminal.
func (r *Report) WriteText(w io.Writer) error {
	re := lipgloss.NewRenderer(w)
	var (
		pass  = re.NewStyle().Bold(true).Foreground(lipgloss.Color("2"))
		fail  = re.NewStyle().Bold(true).Foreground(lipgloss.Color("1"))
		dim   = re.NewStyle().Foreground(lipgloss.Color("244"))
		label = re.NewStyle().Width(12)
	)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Run %s: %d passed, %d failed (%s)\n", r.RunID, r.Passed, r.Failed, r.Duration.Round(time.Millisecond))
	for _, s := range r.Scenarios {
		status := pass.Render("PASS")
		if !s.Passed {
			status = fail.Render("FAIL")
		}
		fmt.Fprintf(&sb, "\n%s %s %s %s\n", status, s.Scenario, s.Dataset, dim.Render("("+s.Duration.Round(time.Millisecond).String()+")"))
		for _, l := range s.Loads {
			line := label.Render(l.Approach) + string(l.Outcome)
			if l.Cause != "" && !l.Outcome.OK() {
				line += ": " + l.Cause
			}
			fmt.Fprintf(&sb, "  %s\n", line)
		}
		if s.Warning != "" {
			fmt.Fprintf(&sb, "  warning: %s\n", s.Warning)
		}
		for _, c := range s.FailedComparisons {
			fmt.Fprintf(&sb, "  mismatch %s:\n", c.Key())
			for _, d := range strings.Split(strings.TrimRight(c.Difference, "\n"), "\n") {
				fmt.Fprintf(&sb, "    %s\n", d)
			}
		}
		if s.Error != "" {
			fmt.Fprintf(&sb, "  error [%s]: %s\n", s.ErrorKind, s.Error)
		}
	}
	_, err := io.WriteString(w, sb.String())
	return err
}
