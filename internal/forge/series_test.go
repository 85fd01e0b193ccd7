package forge

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mrsinham/dicomconform/internal/forge/modalities"
	"github.com/mrsinham/dicomconform/internal/forge/vendor"
	"github.com/mrsinham/dicomconform/internal/volume"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

func stringValue(t *testing.T, ds dicom.Dataset, tg tag.Tag) []string {
	t.Helper()
	e, err := ds.FindElementByTag(tg)
	if err != nil {
		t.Fatalf("missing %v: %v", tg, err)
	}
	v, ok := e.Value.GetValue().([]string)
	if !ok {
		t.Fatalf("%v is not a string value", tg)
	}
	out := make([]string, len(v))
	for i, s := range v {
		out[i] = strings.TrimRight(s, " \x00")
	}
	return out
}

func smallOptions(dir string) SeriesOptions {
	return SeriesOptions{
		OutputDir:         dir,
		Modality:          modalities.MR,
		SeriesNumber:      3,
		SeriesDescription: "AX T1",
		PatientID:         "P1",
		Rows:              8,
		Columns:           10,
		Slices:            4,
		PixelSpacing:      [2]float64{0.5, 0.75},
		SliceSpacing:      2,
		Orientation:       [6]float64{1, 0, 0, 0, 1, 0},
		LastPosition:      volume.Vec3{-10, -20, 30},
		Label:             true,
		Workers:           2,
	}
}

func TestGenerateSeries(t *testing.T) {
	dir := t.TempDir()
	var progress []int
	opts := smallOptions(dir)
	opts.ProgressCallback = func(done, total int) { progress = append(progress, done) }

	series, err := GenerateSeries(context.Background(), opts)
	if err != nil {
		t.Fatalf("GenerateSeries failed: %v", err)
	}

	wantDir := filepath.Join(dir, "Series 003 [MR - AX T1]")
	if series.Directory != wantDir {
		t.Errorf("directory = %q, want %q", series.Directory, wantDir)
	}
	if len(series.Files) != 4 || len(progress) != 4 {
		t.Fatalf("got %d files and %d progress calls", len(series.Files), len(progress))
	}
	if !strings.HasPrefix(series.SeriesUID, "2.25.") {
		t.Errorf("series UID %q is not UUID derived", series.SeriesUID)
	}

	// Slices advance along the normal (+z) and end at LastPosition.
	last := series.Files[3]
	if last.Position != opts.LastPosition {
		t.Errorf("last position = %v, want %v", last.Position, opts.LastPosition)
	}
	if got := series.Files[0].Position[2]; got != 24 {
		t.Errorf("first z = %g, want 24", got)
	}

	ds, err := dicom.ParseFile(last.Path, nil)
	if err != nil {
		t.Fatalf("parse written file: %v", err)
	}
	if got := stringValue(t, ds, tag.ImagePositionPatient); strings.Join(got, `\`) != `-10\-20\30` {
		t.Errorf("ImagePositionPatient = %v", got)
	}
	if got := stringValue(t, ds, tag.PixelSpacing); strings.Join(got, `\`) != `0.5\0.75` {
		t.Errorf("PixelSpacing = %v", got)
	}
	if got := stringValue(t, ds, tag.SOPInstanceUID)[0]; got != last.SOPInstanceUID {
		t.Errorf("SOPInstanceUID = %s, want %s", got, last.SOPInstanceUID)
	}
	if filepath.Base(last.Path) != last.SOPInstanceUID+".dcm" {
		t.Errorf("file name %s does not follow the instance UID", filepath.Base(last.Path))
	}
}

func TestGenerateSeriesIsDeterministic(t *testing.T) {
	a, err := GenerateSeries(context.Background(), smallOptions(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	b, err := GenerateSeries(context.Background(), smallOptions(t.TempDir()))
	if err != nil {
		t.Fatal(err)
	}
	if a.SeriesUID != b.SeriesUID {
		t.Errorf("series UIDs differ: %s vs %s", a.SeriesUID, b.SeriesUID)
	}
	for i := range a.Files {
		da, err := os.ReadFile(a.Files[i].Path)
		if err != nil {
			t.Fatal(err)
		}
		db, err := os.ReadFile(b.Files[i].Path)
		if err != nil {
			t.Fatal(err)
		}
		if string(da) != string(db) {
			t.Errorf("slice %d differs between runs", i)
		}
	}
}

func TestGenerateSeriesWithVendorElements(t *testing.T) {
	opts := smallOptions(t.TempDir())
	opts.Vendors = vendor.All()
	series, err := GenerateSeries(context.Background(), opts)
	if err != nil {
		t.Fatalf("GenerateSeries failed: %v", err)
	}
	ds, err := dicom.ParseFile(series.Files[0].Path, nil)
	if err != nil {
		t.Fatalf("parse file with private elements: %v", err)
	}
	if _, err := ds.FindElementByTag(tag.Tag{Group: 0x0029, Element: 0x0010}); err != nil {
		t.Errorf("Siemens private creator missing: %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(o *SeriesOptions)
	}{
		{"no output", func(o *SeriesOptions) { o.OutputDir = "" }},
		{"no slices", func(o *SeriesOptions) { o.Slices = 0 }},
		{"zero spacing", func(o *SeriesOptions) { o.SliceSpacing = 0 }},
		{"degenerate orientation", func(o *SeriesOptions) { o.Orientation = [6]float64{1, 0, 0, 1, 0, 0} }},
		{"unknown syntax", func(o *SeriesOptions) { o.TransferSyntax = "1.2.840.10008.1.2.4.50" }},
		{"implicit with vendors", func(o *SeriesOptions) {
			o.TransferSyntax = ImplicitVRLittleEndian
			o.Vendors = []vendor.Vendor{vendor.GE}
		}},
		{"unknown modality", func(o *SeriesOptions) { o.Modality = "US" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := smallOptions("out")
			tt.mutate(&opts)
			if err := opts.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestFormatDS(t *testing.T) {
	for in, want := range map[float64]string{
		0:            "0",
		-1:           "-1",
		1.29999542:   "1.29999542",
		-81.05451202: "-81.05451202",
		16:           "16",
	} {
		if got := formatDS(in); got != want {
			t.Errorf("formatDS(%v) = %q, want %q", in, got, want)
		}
	}
}

func TestDeterministicUID(t *testing.T) {
	a := DeterministicUID("seed")
	if a != DeterministicUID("seed") {
		t.Error("same seed gave different UIDs")
	}
	if a == DeterministicUID("other") {
		t.Error("different seeds gave the same UID")
	}
	if len(a) > 64 {
		t.Errorf("UID %q longer than 64 characters", a)
	}
}
