package fixture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Checkout provisions a dataset and copies it to dst/<name>, so a scenario
// can modify the copy without touching the cache. It returns the copy.
func (p *Provisioner) Checkout(ctx context.Context, ds Dataset, dst string) (string, error) {
	src, err := p.Provision(ctx, ds)
	if err != nil {
		return "", err
	}
	target := filepath.Join(dst, ds.Name)
	if err := os.RemoveAll(target); err != nil {
		return "", err
	}
	if err := copyTree(src, target); err != nil {
		return "", &FixtureError{Dir: target, Err: err}
	}
	p.logger().Debug("dataset checked out", "name", ds.Name, "dir", target)
	return target, nil
}

// RemoveFiles deletes the named files from seriesDir. Nothing is deleted when
// any of them is absent or lies outside seriesDir.
func RemoveFiles(seriesDir string, names []string) error {
	root := filepath.Clean(seriesDir)
	for _, name := range names {
		if !strings.HasPrefix(filepath.Join(root, name), root+string(os.PathSeparator)) {
			return &FixtureError{Dir: seriesDir, Err: fmt.Errorf("file %q escapes the series directory", name)}
		}
	}

	var missing []string
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(seriesDir, name)); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				missing = append(missing, name)
				continue
			}
			return &FixtureError{Dir: seriesDir, Err: err}
		}
	}
	if len(missing) > 0 {
		return &FixtureError{Dir: seriesDir, Missing: missing, Err: fs.ErrNotExist}
	}
	for _, name := range names {
		if err := os.Remove(filepath.Join(seriesDir, name)); err != nil {
			return &FixtureError{Dir: seriesDir, Err: err}
		}
	}
	return nil
}
