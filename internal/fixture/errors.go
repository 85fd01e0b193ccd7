package fixture

import (
	"fmt"
	"strings"
)

// FetchError reports that a dataset could not be acquired.
type FetchError struct {
	Name string
	URI  string
	Err  error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch dataset %s from %s: %v", e.Name, e.URI, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// FixtureError reports that a provisioned dataset does not have the content
// a scenario expects.
type FixtureError struct {
	Dir     string
	Missing []string
	Err     error
}

func (e *FixtureError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("fixture %s is missing %d file(s): %s", e.Dir, len(e.Missing), strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("fixture %s: %v", e.Dir, e.Err)
}

func (e *FixtureError) Unwrap() error { return e.Err }
