package dicomdb

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// ImportSummary reports what one AddDirectory call did.
type ImportSummary struct {
	Files   int `json:"files"`
	Indexed int `json:"indexed"`
	Skipped int `json:"skipped"`
	Series  int `json:"series"`
}

// Indexer imports directories of DICOM files into a Database.
type Indexer struct {
	// Workers bounds the number of files parsed concurrently. Defaults to NumCPU.
	Workers int
	Logger  *slog.Logger
}

// NewIndexer returns an indexer logging to logger.
func NewIndexer(logger *slog.Logger) *Indexer {
	return &Indexer{Logger: logger}
}

type parseResult struct {
	path     string
	instance Instance
	err      error
}

// AddDirectory indexes every DICOM file below dir and returns once all of
// them are committed. Files that are not DICOM, or carry no SOPInstanceUID
// (such as DICOMDIR), are skipped.
func (ix *Indexer) AddDirectory(ctx context.Context, db *Database, dir string) (ImportSummary, error) {
	logger := ix.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return ImportSummary{}, fmt.Errorf("resolve %s: %w", dir, err)
	}

	var paths []string
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".") || !d.Type().IsRegular() {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return ImportSummary{}, fmt.Errorf("walk %s: %w", root, err)
	}

	summary := ImportSummary{Files: len(paths)}
	if len(paths) == 0 {
		return summary, nil
	}

	numWorkers := ix.Workers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	numWorkers = min(numWorkers, len(paths))

	pathChan := make(chan string, len(paths))
	resultChan := make(chan parseResult, len(paths))

	var wg sync.WaitGroup
	for w := 0; w < numWorkers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range pathChan {
				if err := ctx.Err(); err != nil {
					resultChan <- parseResult{path: path, err: err}
					continue
				}
				inst, err := readInstance(path)
				resultChan <- parseResult{path: path, instance: inst, err: err}
			}
		}()
	}
	for _, p := range paths {
		pathChan <- p
	}
	close(pathChan)

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	var instances []Instance
	for r := range resultChan {
		if r.err != nil {
			summary.Skipped++
			logger.Debug("skipping file", "path", r.path, "reason", r.err)
			continue
		}
		instances = append(instances, r.instance)
	}
	if err := ctx.Err(); err != nil {
		return summary, err
	}

	sort.Slice(instances, func(i, j int) bool { return instances[i].FilePath < instances[j].FilePath })
	if err := db.Insert(ctx, instances); err != nil {
		return summary, err
	}

	series := make(map[string]bool)
	for _, inst := range instances {
		series[inst.SeriesInstanceUID] = true
	}
	summary.Indexed = len(instances)
	summary.Series = len(series)
	logger.Info("indexed directory", "directory", root, "files", summary.Files,
		"indexed", summary.Indexed, "skipped", summary.Skipped, "series", summary.Series)
	return summary, nil
}

// readInstance extracts the indexed fields of one file.
func readInstance(path string) (Instance, error) {
	ds, err := ReadHeader(path)
	if err != nil {
		return Instance{}, err
	}
	return instanceFromDataset(path, ds)
}

func instanceFromDataset(path string, ds dicom.Dataset) (Instance, error) {
	inst := Instance{
		SOPInstanceUID:    Value(ds, tag.SOPInstanceUID),
		SeriesInstanceUID: Value(ds, tag.SeriesInstanceUID),
		StudyInstanceUID:  Value(ds, tag.StudyInstanceUID),
		PatientID:         Value(ds, tag.PatientID),
		Modality:          Value(ds, tag.Modality),
		SeriesNumber:      Value(ds, tag.SeriesNumber),
		SeriesDescription: Value(ds, tag.SeriesDescription),
		FilePath:          path,
		Tags:              make(map[string]string),
	}
	if inst.SOPInstanceUID == "" {
		return Instance{}, fmt.Errorf("no SOPInstanceUID")
	}
	if inst.SeriesInstanceUID == "" {
		return Instance{}, fmt.Errorf("no SeriesInstanceUID")
	}
	if n, err := strconv.Atoi(strings.TrimSpace(Value(ds, tag.InstanceNumber))); err == nil {
		inst.InstanceNumber = n
	}
	for _, info := range CachedTags() {
		if v := Values(ds, info.Tag); v != nil {
			inst.Tags[info.Key()] = JoinValues(v)
		}
	}
	return inst, nil
}
