package conformance

import (
	"fmt"
	"time"

	"github.com/mrsinham/dicomconform/internal/fixture"
	"github.com/mrsinham/dicomconform/internal/volume"
)

// Outcome is the classified result of loading a dataset with one approach.
type Outcome string

const (
	Loaded            Outcome = "loaded"
	ExpectedFailure   Outcome = "expected_failure"
	UnexpectedFailure Outcome = "unexpected_failure"
	UnexpectedSuccess Outcome = "unexpected_success"
)

// OK reports whether the outcome matches the dataset's expectations.
func (o Outcome) OK() bool { return o == Loaded || o == ExpectedFailure }

// LoadResult records one load attempt.
type LoadResult struct {
	Approach string        `json:"approach"`
	Outcome  Outcome       `json:"outcome"`
	Cause    string        `json:"cause,omitempty"`
	Duration time.Duration `json:"duration_ns"`

	Volume *volume.Volume `json:"-"`
}

// ClassifyLoad turns the return values of a load into a LoadResult.
func ClassifyLoad(ds fixture.Dataset, approach string, v *volume.Volume, err error) LoadResult {
	r := LoadResult{Approach: approach}
	loaded := err == nil && v != nil
	expectFailure := ds.ExpectsFailure(approach)
	switch {
	case loaded && !expectFailure:
		r.Outcome, r.Volume = Loaded, v
	case loaded:
		r.Outcome, r.Volume = UnexpectedSuccess, v
	case expectFailure:
		r.Outcome = ExpectedFailure
	default:
		r.Outcome = UnexpectedFailure
	}
	if err != nil {
		r.Cause = err.Error()
	} else if !loaded {
		r.Cause = "no volume returned"
	}
	return r
}

// violation describes an outcome that breaks the expectations, or nil.
func (r LoadResult) violation(dataset string) *Violation {
	switch r.Outcome {
	case UnexpectedFailure:
		return &Violation{Dataset: dataset, Approach: r.Approach,
			Reason: fmt.Sprintf("expected to be able to read with %s, but couldn't: %s", r.Approach, r.Cause)}
	case UnexpectedSuccess:
		return &Violation{Dataset: dataset, Approach: r.Approach,
			Reason: fmt.Sprintf("expected to NOT be able to read with %s, but could", r.Approach)}
	}
	return nil
}

// checkCoding compares the printable voxel value coding of a loaded volume
// with the dataset's expectations.
func checkCoding(ds fixture.Dataset, r LoadResult) []*Violation {
	if r.Volume == nil {
		return nil
	}
	var vs []*Violation
	if want := ds.VoxelValueQuantity; want != "" {
		if got := r.Volume.VoxelValueQuantity.PrintableString(); got != want {
			vs = append(vs, &Violation{Dataset: ds.Name, Approach: r.Approach,
				Reason: fmt.Sprintf("voxel value quantity is %s, want %s", got, want)})
		}
	}
	if want := ds.VoxelValueUnits; want != "" {
		if got := r.Volume.VoxelValueUnits.PrintableString(); got != want {
			vs = append(vs, &Violation{Dataset: ds.Name, Approach: r.Approach,
				Reason: fmt.Sprintf("voxel value units are %s, want %s", got, want)})
		}
	}
	return vs
}
