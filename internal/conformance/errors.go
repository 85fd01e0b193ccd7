package conformance

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mrsinham/dicomconform/internal/fixture"
	"github.com/mrsinham/dicomconform/internal/plugin"
)

// ErrorKind classifies the error that failed a scenario.
type ErrorKind string

const (
	KindNone        ErrorKind = ""
	KindFetch       ErrorKind = "fetch"
	KindResolution  ErrorKind = "resolution"
	KindFixture     ErrorKind = "fixture"
	KindConformance ErrorKind = "conformance"
	KindInternal    ErrorKind = "internal"
)

// Classify maps an error onto its kind.
func Classify(err error) ErrorKind {
	var (
		fetchErr      *fixture.FetchError
		resolutionErr *plugin.ResolutionError
		fixtureErr    *fixture.FixtureError
		violation     *Violation
	)
	switch {
	case err == nil:
		return KindNone
	case errors.As(err, &violation):
		return KindConformance
	case errors.As(err, &fetchErr):
		return KindFetch
	case errors.As(err, &resolutionErr):
		return KindResolution
	case errors.As(err, &fixtureErr):
		return KindFixture
	}
	return KindInternal
}

// ComparisonFailure is a pair of approaches whose volumes differ.
type ComparisonFailure struct {
	First      string `json:"first"`
	Second     string `json:"second"`
	Difference string `json:"difference"`
}

// Key returns "first,second".
func (c ComparisonFailure) Key() string { return c.First + "," + c.Second }

// Violation reports that the loader broke one of the conformance rules.
type Violation struct {
	Dataset  string
	Approach string
	Reason   string
	// Comparisons lists the failing pairs of a comparison violation.
	Comparisons []ComparisonFailure
	// Violations holds the individual violations when several were found.
	Violations []*Violation
	Err        error
}

func (v *Violation) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "dataset %s", v.Dataset)
	if v.Approach != "" {
		fmt.Fprintf(&sb, ", approach %s", v.Approach)
	}
	fmt.Fprintf(&sb, ": %s", v.Reason)
	if len(v.Comparisons) > 0 {
		keys := make([]string, len(v.Comparisons))
		for i, c := range v.Comparisons {
			keys[i] = c.Key()
		}
		sort.Strings(keys)
		fmt.Fprintf(&sb, " (%s)", strings.Join(keys, "; "))
	}
	if v.Err != nil {
		fmt.Fprintf(&sb, ": %v", v.Err)
	}
	return sb.String()
}

func (v *Violation) Unwrap() error { return v.Err }

// joinViolations folds several violations of one dataset into one error.
func joinViolations(dataset string, vs []*Violation) error {
	switch len(vs) {
	case 0:
		return nil
	case 1:
		return vs[0]
	}
	reasons := make([]string, len(vs))
	for i, v := range vs {
		reasons[i] = v.Approach + ": " + v.Reason
	}
	return &Violation{
		Dataset:    dataset,
		Reason:     fmt.Sprintf("%d violations: %s", len(vs), strings.Join(reasons, "; ")),
		Violations: vs,
	}
}
