// Package conformance checks that the reader approaches of a DICOM loading
// plugin agree with each other and that missing slices are detected and
// corrected. It drives the host through the interfaces below only.
package conformance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/mrsinham/dicomconform/internal/dicomdb"
	"github.com/mrsinham/dicomconform/internal/fixture"
	"github.com/mrsinham/dicomconform/internal/metrics"
	"github.com/mrsinham/dicomconform/internal/plugin"
	"github.com/mrsinham/dicomconform/internal/volume"
)

// Scenario names.
const (
	ScenarioAlternateReaders = "alternate-readers"
	ScenarioMissingSlices    = "missing-slices"
)

// Scenarios lists the scenario names in run order.
func Scenarios() []string {
	return []string{ScenarioAlternateReaders, ScenarioMissingSlices}
}

// Provisioner makes datasets available on disk.
type Provisioner interface {
	Provision(ctx context.Context, ds fixture.Dataset) (string, error)
	Checkout(ctx context.Context, ds fixture.Dataset, dst string) (string, error)
}

// Session switches the active index database.
type Session interface {
	Database() *dicomdb.Database
	OpenTemporaryDatabase(ctx context.Context, name string) (string, error)
	Restore(ctx context.Context, location string) error
}

// Indexer imports a directory tree into an index database and returns once
// the import is complete.
type Indexer interface {
	AddDirectory(ctx context.Context, db *dicomdb.Database, dir string) (dicomdb.ImportSummary, error)
}

// Suite runs the conformance scenarios against injected collaborators.
type Suite struct {
	Provisioner Provisioner
	Session     Session
	Indexer     Indexer
	Registry    *plugin.Registry
	// PluginName selects the plugin whose reader approaches are compared.
	PluginName string
	// TempDatabase names the scratch database every scenario switches to.
	TempDatabase string

	Datasets      []fixture.Dataset
	MissingSlices *fixture.MissingSliceScenario

	// ScratchDir receives checkouts that scenarios modify. Defaults to the
	// system temporary directory.
	ScratchDir string
	Metrics    *metrics.Recorder
	Logger     *slog.Logger

	now func() time.Time
}

func (s *Suite) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Logger
}

func (s *Suite) clock() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}

// Run executes the named scenarios, all of them when none are given, and
// returns the report.
func (s *Suite) Run(ctx context.Context, scenarios ...string) (*Report, error) {
	if len(scenarios) == 0 {
		scenarios = Scenarios()
	}
	for _, name := range scenarios {
		if name != ScenarioAlternateReaders && name != ScenarioMissingSlices {
			return nil, fmt.Errorf("unknown scenario %q (have %v)", name, Scenarios())
		}
	}

	start := s.clock()
	report := &Report{RunID: uuid.NewString(), StartedAt: start.UTC()}
	for _, name := range scenarios {
		switch name {
		case ScenarioAlternateReaders:
			report.Scenarios = append(report.Scenarios, s.AlternateReaders(ctx)...)
		case ScenarioMissingSlices:
			if s.MissingSlices != nil {
				report.Scenarios = append(report.Scenarios, s.MissingSlicesScenario(ctx))
			}
		}
	}
	report.Duration = s.clock().Sub(start)
	report.tally()
	s.logger().Info("conformance run finished",
		"run_id", report.RunID, "passed", report.Passed, "failed", report.Failed, "duration", report.Duration)
	return report, nil
}

// AlternateReaders runs the reader comparison on every dataset. A failing
// dataset does not stop the others.
func (s *Suite) AlternateReaders(ctx context.Context) []ScenarioResult {
	results := make([]ScenarioResult, 0, len(s.Datasets))
	for _, ds := range s.Datasets {
		results = append(results, s.runScenario(ctx, ScenarioAlternateReaders, ds.Name, func(ctx context.Context, res *ScenarioResult) error {
			return s.alternateReaders(ctx, ds, res)
		}))
	}
	return results
}

// MissingSlicesScenario removes interior slices and checks the geometry
// warning and the corrected last-slice corners.
func (s *Suite) MissingSlicesScenario(ctx context.Context) ScenarioResult {
	name := ""
	if s.MissingSlices != nil {
		name = s.MissingSlices.Dataset
	}
	return s.runScenario(ctx, ScenarioMissingSlices, name, s.missingSlices)
}

// runScenario runs fn with the temporary database active and restores the
// original database on every exit path, including panics.
func (s *Suite) runScenario(ctx context.Context, scenario, dataset string, fn func(context.Context, *ScenarioResult) error) (res ScenarioResult) {
	start := s.clock()
	res = ScenarioResult{Scenario: scenario, Dataset: dataset}
	logger := s.logger().With("scenario", scenario, "dataset", dataset)

	defer func() {
		res.Duration = s.clock().Sub(start)
		res.Passed = res.Error == ""
		s.Metrics.ObserveScenario(scenario, res.Passed, res.Duration)
		if res.Passed {
			logger.Info("scenario passed", "duration", res.Duration)
		} else {
			logger.Error("scenario failed", "kind", res.ErrorKind, "error", res.Error)
		}
	}()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		if err := ctx.Err(); err != nil {
			return err
		}
		previous, err := s.Session.OpenTemporaryDatabase(ctx, s.TempDatabase)
		if err != nil {
			return fmt.Errorf("open temporary database: %w", err)
		}
		defer func() {
			// Restore even when ctx is done.
			if rerr := s.Session.Restore(context.WithoutCancel(ctx), previous); rerr != nil {
				logger.Error("restore database", "location", previous, "error", rerr)
				err = errors.Join(err, fmt.Errorf("restore database %s: %w", previous, rerr))
			}
		}()
		return fn(ctx, &res)
	}()
	if err != nil {
		res.Error = err.Error()
		res.ErrorKind = Classify(err)
	}
	return res
}

// importAndResolve indexes dir into the active database and resolves the
// series to its selected loadable.
func (s *Suite) importAndResolve(ctx context.Context, dir, seriesUID string) (*plugin.Loadable, *dicomdb.Database, error) {
	db := s.Session.Database()
	if db == nil {
		return nil, nil, errors.New("no active database")
	}
	summary, err := s.Indexer.AddDirectory(ctx, db, dir)
	if err != nil {
		return nil, nil, fmt.Errorf("index %s: %w", dir, err)
	}
	s.Metrics.AddIndexed(summary.Indexed)
	s.logger().Debug("dataset indexed", "dir", dir, "indexed", summary.Indexed, "skipped", summary.Skipped, "series", summary.Series)

	l, err := plugin.SelectLoadable(ctx, db, s.Registry, seriesUID)
	if err != nil {
		return nil, nil, err
	}
	return l, db, nil
}

func (s *Suite) provision(ctx context.Context, ds fixture.Dataset) (string, error) {
	dir, err := s.Provisioner.Provision(ctx, ds)
	s.Metrics.ObserveFetch(err == nil)
	return dir, err
}

func (s *Suite) alternateReaders(ctx context.Context, ds fixture.Dataset, res *ScenarioResult) error {
	dir, err := s.provision(ctx, ds)
	if err != nil {
		return err
	}
	loadable, db, err := s.importAndResolve(ctx, dir, ds.SeriesUID)
	if err != nil {
		return err
	}
	res.Warning = loadable.Warning

	p, err := s.Registry.New(s.PluginName, db)
	if err != nil {
		return err
	}

	var violations []*Violation
	baseName := loadable.Name
	for _, approach := range p.ReaderApproaches() {
		if err := ctx.Err(); err != nil {
			return err
		}
		l := loadable.Clone()
		l.Name = baseName + "-" + approach

		start := s.clock()
		v, loadErr := p.Load(ctx, l, approach)
		r := ClassifyLoad(ds, approach, v, loadErr)
		r.Duration = s.clock().Sub(start)
		s.Metrics.ObserveLoad(approach, string(r.Outcome), r.Duration)
		s.logger().Debug("load", "dataset", ds.Name, "approach", approach, "outcome", r.Outcome, "cause", r.Cause)

		if vio := r.violation(ds.Name); vio != nil {
			violations = append(violations, vio)
		}
		if r.Outcome == Loaded {
			violations = append(violations, checkCoding(ds, r)...)
		}
		res.Loads = append(res.Loads, r)
	}
	if err := joinViolations(ds.Name, violations); err != nil {
		return err
	}

	res.FailedComparisons = s.compareLoaded(p, res.Loads)
	if len(res.FailedComparisons) > 0 {
		return &Violation{
			Dataset:     ds.Name,
			Reason:      "loaded volumes don't match",
			Comparisons: res.FailedComparisons,
		}
	}
	return nil
}

// compareLoaded compares every unordered pair of loaded volumes, in load order.
func (s *Suite) compareLoaded(p plugin.Plugin, loads []LoadResult) []ComparisonFailure {
	var loaded []LoadResult
	for _, r := range loads {
		if r.Outcome == Loaded {
			loaded = append(loaded, r)
		}
	}
	var failures []ComparisonFailure
	for i := range loaded {
		for j := i + 1; j < len(loaded); j++ {
			diff := p.CompareVolumes(loaded[i].Volume, loaded[j].Volume)
			s.Metrics.ObserveComparison(diff == "")
			if diff != "" {
				failures = append(failures, ComparisonFailure{First: loaded[i].Approach, Second: loaded[j].Approach, Difference: diff})
			}
		}
	}
	return failures
}

func (s *Suite) missingSlices(ctx context.Context, res *ScenarioResult) error {
	ms := s.MissingSlices
	if ms == nil {
		return errors.New("no missing slice scenario configured")
	}
	var ds fixture.Dataset
	found := false
	for _, d := range s.Datasets {
		if d.Name == ms.Dataset {
			ds, found = d, true
			break
		}
	}
	if !found {
		return fmt.Errorf("missing slice scenario names unknown dataset %q", ms.Dataset)
	}
	want, err := ms.Corners()
	if err != nil {
		return err
	}

	scratch, err := os.MkdirTemp(s.ScratchDir, "missing-slices-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	dir, err := s.Provisioner.Checkout(ctx, ds, scratch)
	s.Metrics.ObserveFetch(err == nil)
	if err != nil {
		return err
	}
	if err := fixture.RemoveFiles(filepath.Join(dir, ms.SeriesDirectory), ms.FilesToRemove); err != nil {
		return err
	}

	loadable, db, err := s.importAndResolve(ctx, dir, ds.SeriesUID)
	if err != nil {
		return err
	}
	res.Warning = loadable.Warning
	if loadable.Warning == "" {
		return &Violation{Dataset: ds.Name, Reason: "expected warning about geometry issues due to missing slices"}
	}

	p, err := s.Registry.New(s.PluginName, db)
	if err != nil {
		return err
	}
	start := s.clock()
	v, err := p.Load(ctx, loadable, "")
	approach := ""
	if approaches := p.ReaderApproaches(); len(approaches) > 0 {
		approach = approaches[0]
	}
	r := ClassifyLoad(ds, approach, v, err)
	r.Duration = s.clock().Sub(start)
	s.Metrics.ObserveLoad(r.Approach, string(r.Outcome), r.Duration)
	res.Loads = append(res.Loads, r)
	if err != nil {
		return &Violation{Dataset: ds.Name, Approach: r.Approach, Reason: "load with missing slices failed", Err: err}
	}

	modeler, ok := p.(plugin.AcquisitionModeler)
	if !ok {
		return &Violation{Dataset: ds.Name, Reason: fmt.Sprintf("plugin %s does not model acquisition geometry", p.Name())}
	}
	m := modeler.AcquisitionModeling()
	if m == nil || len(m.FixedCorners) == 0 {
		return &Violation{Dataset: ds.Name, Reason: "acquisition transform didn't fix slice corners: no corrected corners"}
	}
	got := m.FixedCorners[len(m.FixedCorners)-1]
	rtol, atol := ms.Tolerances()
	if !volume.AllClose(got.Points(), want.Points(), rtol, atol) {
		return &Violation{Dataset: ds.Name, Reason: fmt.Sprintf(
			"acquisition transform didn't fix slice corners: last slice corners %v, want %v (max distance %.6g mm)",
			got, want, volume.MaxDistance(got.Points(), want.Points()))}
	}
	return nil
}
