package conformance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mrsinham/dicomconform/internal/config"
	"github.com/mrsinham/dicomconform/internal/dicomdb"
	"github.com/mrsinham/dicomconform/internal/fixture"
	"github.com/mrsinham/dicomconform/internal/forge"
	"github.com/mrsinham/dicomconform/internal/forge/vendor"
	"github.com/mrsinham/dicomconform/internal/metrics"
	"github.com/mrsinham/dicomconform/internal/plugin"
	"github.com/mrsinham/dicomconform/internal/volume"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	mrQuantity = `(110852, DCM, "MR signal intensity")`
	mrUnits    = `(1, UCUM, "no units")`
)

var (
	mouseDataset = fixture.Dataset{
		Name:               "mouse-mr",
		URL:                fixture.ForgeURI("mouse-mr", 4),
		SeriesUID:          forge.MouseMRSeriesUID,
		ExpectedFailures:   []string{"GDCM", plugin.ApproachArchetype},
		VoxelValueQuantity: mrQuantity,
		VoxelValueUnits:    mrUnits,
	}
	headDataset = fixture.Dataset{
		Name:               "mr-head",
		URL:                fixture.ForgeURI("mr-head", 4),
		SeriesUID:          forge.MRHeadSeriesUID,
		VoxelValueQuantity: mrQuantity,
		VoxelValueUnits:    mrUnits,
	}
	chestDataset = fixture.Dataset{
		Name:               "ct-chest",
		URL:                fixture.ForgeURI("ct-chest", 4),
		SeriesUID:          forge.CTChestSeriesUID,
		VoxelValueQuantity: `(112031, DCM, "Attenuation Coefficient")`,
		VoxelValueUnits:    `([hnsf'U], UCUM, "Hounsfield unit")`,
	}
)

type harness struct {
	suite    *Suite
	session  *dicomdb.Session
	original string
}

// newHarness wires a suite to a real index, plugin registry and a provisioner
// that shares its cache across the tests of one run.
func newHarness(t *testing.T, registry *plugin.Registry, datasets ...fixture.Dataset) *harness {
	t.Helper()
	ctx := context.Background()
	session := dicomdb.NewSession(t.TempDir(), nil)
	t.Cleanup(func() { _ = session.Close() })
	original := filepath.Join(t.TempDir(), "original")
	_, err := session.Open(ctx, original)
	require.NoError(t, err)

	if registry == nil {
		registry = plugin.DefaultRegistry(plugin.ScalarOptions{RegularizeGeometry: plugin.RegularizeTransform})
	}
	return &harness{
		suite: &Suite{
			Provisioner:  fixture.NewProvisioner(sharedCache, nil),
			Session:      session,
			Indexer:      &dicomdb.Indexer{Workers: 4},
			Registry:     registry,
			PluginName:   plugin.ScalarVolumeName,
			TempDatabase: "tempDICOMDatabase",
			Datasets:     datasets,
			ScratchDir:   t.TempDir(),
			Metrics:      metrics.New(),
		},
		session:  session,
		original: original,
	}
}

func (h *harness) assertRestored(t *testing.T) {
	t.Helper()
	assert.Equal(t, h.original, h.session.Location())
}

func outcomes(loads []LoadResult) map[string]Outcome {
	out := make(map[string]Outcome, len(loads))
	for _, l := range loads {
		out[l.Approach] = l.Outcome
	}
	return out
}

func TestAlternateReaders(t *testing.T) {
	h := newHarness(t, nil, mouseDataset, chestDataset)
	results := h.suite.AlternateReaders(context.Background())
	require.Len(t, results, 2)
	h.assertRestored(t)

	mouse := results[0]
	assert.True(t, mouse.Passed, mouse.Error)
	assert.Equal(t, map[string]Outcome{
		plugin.ApproachDataset:   Loaded,
		plugin.ApproachStreaming: Loaded,
		plugin.ApproachArchetype: ExpectedFailure,
	}, outcomes(mouse.Loads))
	assert.Empty(t, mouse.FailedComparisons)

	chest := results[1]
	assert.True(t, chest.Passed, chest.Error)
	for _, l := range chest.Loads {
		assert.Equal(t, Loaded, l.Outcome, l.Approach)
		assert.Equal(t, "2: CHEST 2.5mm-"+l.Approach, l.Volume.Name)
	}
}

// Every reader skips the Siemens CSA, GE and Philips private elements.
func TestAlternateReadersVendorTags(t *testing.T) {
	tagged := chestDataset
	tagged.Name = "ct-chest-vendors"
	tagged.URL = fixture.ForgeURI("ct-chest", 4, vendor.All()...)
	h := newHarness(t, nil, tagged)

	dir, err := h.suite.Provisioner.Provision(context.Background(), tagged)
	require.NoError(t, err)
	files, err := filepath.Glob(filepath.Join(dir, "*", "*.dcm"))
	require.NoError(t, err)
	require.NotEmpty(t, files)
	ds, err := dicom.ParseFile(files[0], nil)
	require.NoError(t, err)
	for _, group := range []uint16{0x0009, 0x0029, 0x2001} {
		_, err := ds.FindElementByTag(tag.Tag{Group: group, Element: 0x0010})
		assert.NoError(t, err, "private creator of group %04x", group)
	}

	results := h.suite.AlternateReaders(context.Background())
	require.Len(t, results, 1)
	res := results[0]
	assert.True(t, res.Passed, res.Error)
	assert.Equal(t, map[string]Outcome{
		plugin.ApproachDataset:   Loaded,
		plugin.ApproachStreaming: Loaded,
		plugin.ApproachArchetype: Loaded,
	}, outcomes(res.Loads))
	assert.Empty(t, res.FailedComparisons)
	h.assertRestored(t)
}

func TestAlternateReadersContinuesAfterViolation(t *testing.T) {
	strictMouse := mouseDataset
	strictMouse.ExpectedFailures = nil
	strictChest := chestDataset
	strictChest.Name = "ct-chest-strict"
	strictChest.ExpectedFailures = []string{plugin.ApproachStreaming}
	wrongUnits := headDataset
	wrongUnits.VoxelValueUnits = `(mm, UCUM, "millimeter")`

	h := newHarness(t, nil, strictMouse, strictChest, wrongUnits, chestDataset)
	report, err := h.suite.Run(context.Background(), ScenarioAlternateReaders)
	require.NoError(t, err)
	h.assertRestored(t)
	require.Len(t, report.Scenarios, 4)
	assert.False(t, report.OK())
	assert.Equal(t, 1, report.Passed)
	assert.Equal(t, 3, report.Failed)

	mouse := report.Scenarios[0]
	assert.Equal(t, KindConformance, mouse.ErrorKind)
	assert.Contains(t, mouse.Error, "expected to be able to read with Archetype, but couldn't")
	assert.Empty(t, mouse.FailedComparisons)

	chest := report.Scenarios[1]
	assert.Equal(t, UnexpectedSuccess, outcomes(chest.Loads)[plugin.ApproachStreaming])
	assert.Contains(t, chest.Error, "expected to NOT be able to read with Streaming, but could")

	head := report.Scenarios[2]
	assert.Equal(t, KindConformance, head.ErrorKind)
	assert.Contains(t, head.Error, `voxel value units are (1, UCUM, "no units"), want (mm, UCUM, "millimeter")`)

	assert.True(t, report.Scenarios[3].Passed)
}

// skewedPlugin perturbs the volumes of one approach.
type skewedPlugin struct {
	plugin.Plugin
	approach string
}

func (p *skewedPlugin) Load(ctx context.Context, l *plugin.Loadable, approach string) (*volume.Volume, error) {
	v, err := p.Plugin.Load(ctx, l, approach)
	if err == nil && approach == p.approach {
		v.Samples[0]++
		v.Spacing[2] += 0.5
	}
	return v, err
}

func TestAlternateReadersComparisonFailure(t *testing.T) {
	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register("Skewed", func(db plugin.HeaderDatabase) plugin.Plugin {
		return &skewedPlugin{Plugin: plugin.NewScalarVolumePlugin(db, plugin.ScalarOptions{}), approach: plugin.ApproachStreaming}
	}))
	h := newHarness(t, registry, chestDataset)
	h.suite.PluginName = "Skewed"

	results := h.suite.AlternateReaders(context.Background())
	require.Len(t, results, 1)
	res := results[0]
	assert.Equal(t, KindConformance, res.ErrorKind)
	require.Len(t, res.FailedComparisons, 2)
	assert.Equal(t, "Dataset,Streaming", res.FailedComparisons[0].Key())
	assert.Equal(t, "Streaming,Archetype", res.FailedComparisons[1].Key())
	assert.Contains(t, res.FailedComparisons[0].Difference, "Pixel data mismatch")
	assert.Contains(t, res.FailedComparisons[0].Difference, "Spacing mismatch")
	assert.Contains(t, res.Error, "loaded volumes don't match")
	h.assertRestored(t)
}

type panickingPlugin struct{ plugin.Plugin }

func (p *panickingPlugin) Load(context.Context, *plugin.Loadable, string) (*volume.Volume, error) {
	panic("decoder crashed")
}

func TestScenarioRestoresDatabaseAfterPanic(t *testing.T) {
	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(plugin.ScalarVolumeName, func(db plugin.HeaderDatabase) plugin.Plugin {
		return &panickingPlugin{Plugin: plugin.NewScalarVolumePlugin(db, plugin.ScalarOptions{})}
	}))
	h := newHarness(t, registry, chestDataset, mouseDataset)

	results := h.suite.AlternateReaders(context.Background())
	require.Len(t, results, 2)
	for _, res := range results {
		assert.False(t, res.Passed)
		assert.Equal(t, KindInternal, res.ErrorKind)
		assert.Contains(t, res.Error, "panic: decoder crashed")
	}
	h.assertRestored(t)

	// Restoring again is a no-op.
	require.NoError(t, h.session.Restore(context.Background(), h.original))
	h.assertRestored(t)
}

func TestScenarioErrorKinds(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	unreachable := fixture.Dataset{Name: "unreachable", URL: srv.URL + "/missing.zip", SeriesUID: "1.2.3"}
	wrongSeries := chestDataset
	wrongSeries.Name = "ct-chest-wrong-series"
	wrongSeries.SeriesUID = "1.2.3.4.5"

	h := newHarness(t, nil, unreachable, wrongSeries)
	results := h.suite.AlternateReaders(context.Background())
	require.Len(t, results, 2)
	assert.Equal(t, KindFetch, results[0].ErrorKind)
	assert.Equal(t, KindResolution, results[1].ErrorKind)
	h.assertRestored(t)
}

func offlineMissingSlices(t *testing.T) *fixture.MissingSliceScenario {
	t.Helper()
	cfg, err := config.Load("offline")
	require.NoError(t, err)
	ms := *cfg.MissingSlices
	ms.Dataset = headDataset.Name
	return &ms
}

func TestMissingSlices(t *testing.T) {
	h := newHarness(t, nil, headDataset)
	h.suite.MissingSlices = offlineMissingSlices(t)

	res := h.suite.MissingSlicesScenario(context.Background())
	assert.True(t, res.Passed, res.Error)
	assert.Contains(t, res.Warning, "Images are not equally spaced")
	require.Len(t, res.Loads, 1)
	assert.Equal(t, Loaded, res.Loads[0].Outcome)
	assert.Equal(t, 114, res.Loads[0].Volume.Dimensions[2])
	h.assertRestored(t)

	// The cached dataset still has every slice.
	dir, err := h.suite.Provisioner.Provision(context.Background(), headDataset)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(dir, h.suite.MissingSlices.SeriesDirectory, h.suite.MissingSlices.FilesToRemove[0]))
}

func TestMissingSlicesWithoutRegularization(t *testing.T) {
	h := newHarness(t, plugin.DefaultRegistry(plugin.ScalarOptions{RegularizeGeometry: plugin.RegularizeNone}), headDataset)
	h.suite.MissingSlices = offlineMissingSlices(t)

	res := h.suite.MissingSlicesScenario(context.Background())
	assert.Equal(t, KindConformance, res.ErrorKind)
	assert.Contains(t, res.Error, "acquisition transform didn't fix slice corners")
}

func TestMissingSlicesWrongCorners(t *testing.T) {
	h := newHarness(t, nil, headDataset)
	ms := offlineMissingSlices(t)
	ms.LastSliceCorners = [][][]float64{
		{{81.05451202, 133.92860413, 116.78569794}, {81.05451202, -122.07139587, 116.78569794}},
		{{81.05451202, 133.92860413, -139.21429443}, {81.05451202, -122.07139587, -140}},
	}
	h.suite.MissingSlices = ms

	res := h.suite.MissingSlicesScenario(context.Background())
	assert.Equal(t, KindConformance, res.ErrorKind)
	assert.Contains(t, res.Error, "max distance 0.785")
}

func TestMissingSlicesFileAlreadyAbsent(t *testing.T) {
	h := newHarness(t, nil, headDataset)
	ms := offlineMissingSlices(t)
	ms.FilesToRemove = append([]string{"absent.dcm"}, ms.FilesToRemove...)
	h.suite.MissingSlices = ms

	res := h.suite.MissingSlicesScenario(context.Background())
	assert.Equal(t, KindFixture, res.ErrorKind)
	assert.Contains(t, res.Error, "absent.dcm")
	h.assertRestored(t)
}

func TestRunAllScenarios(t *testing.T) {
	h := newHarness(t, nil, headDataset)
	h.suite.MissingSlices = offlineMissingSlices(t)

	report, err := h.suite.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, report.OK())
	require.Len(t, report.Scenarios, 2)
	assert.Equal(t, ScenarioAlternateReaders, report.Scenarios[0].Scenario)
	assert.Equal(t, ScenarioMissingSlices, report.Scenarios[1].Scenario)
	assert.Empty(t, report.Scenarios[0].Warning)
	assert.NotEmpty(t, report.RunID)

	_, err = h.suite.Run(context.Background(), "gdcm")
	assert.ErrorContains(t, err, `unknown scenario "gdcm"`)
}

func TestRunCancelled(t *testing.T) {
	h := newHarness(t, nil, chestDataset)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.suite.Run(ctx, ScenarioAlternateReaders)
	require.NoError(t, err)
	require.Len(t, report.Scenarios, 1)
	assert.Equal(t, KindInternal, report.Scenarios[0].ErrorKind)
	assert.Contains(t, report.Scenarios[0].Error, "context canceled")
	h.assertRestored(t)
}

// barePlugin registers no reader approaches and cannot load anything.
type barePlugin struct{ plugin.Plugin }

func (p *barePlugin) ReaderApproaches() []string { return nil }

func (p *barePlugin) Load(context.Context, *plugin.Loadable, string) (*volume.Volume, error) {
	return nil, errors.New("no reader approaches")
}

func TestMissingSlicesPluginWithoutApproaches(t *testing.T) {
	registry := plugin.NewRegistry()
	require.NoError(t, registry.Register(plugin.ScalarVolumeName, func(db plugin.HeaderDatabase) plugin.Plugin {
		return &barePlugin{Plugin: plugin.NewScalarVolumePlugin(db, plugin.ScalarOptions{})}
	}))
	h := newHarness(t, registry, headDataset)
	h.suite.MissingSlices = offlineMissingSlices(t)

	res := h.suite.MissingSlicesScenario(context.Background())
	assert.False(t, res.Passed)
	assert.Equal(t, KindConformance, res.ErrorKind)
	assert.Contains(t, res.Error, "load with missing slices failed")
	require.Len(t, res.Loads, 1)
	assert.Equal(t, "", res.Loads[0].Approach)
	assert.Equal(t, UnexpectedFailure, res.Loads[0].Outcome)
	h.assertRestored(t)
}
