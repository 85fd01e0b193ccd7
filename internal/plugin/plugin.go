// Package plugin examines indexed series for loadable content and loads
// them into volumes. Plugins are created on demand from a Registry against
// the header database that is current at that time.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mrsinham/dicomconform/internal/volume"
)

// HeaderDatabase is the part of the DICOM index plugins read from.
type HeaderDatabase interface {
	SeriesFiles(ctx context.Context, seriesUID string) ([]string, error)
	InstanceForFile(ctx context.Context, path string) (string, error)
	FileValue(ctx context.Context, path, tag string) (string, error)
	InstanceValue(ctx context.Context, sopInstanceUID, tag string) (string, error)
}

// Loadable is a candidate a plugin offers to load from a list of files.
type Loadable struct {
	Name string
	// Files are ordered the way the plugin will stack them.
	Files      []string
	Warning    string
	Selected   bool
	Confidence float64
	SeriesUID  string
	// Plugin names the plugin that produced the loadable.
	Plugin string
}

// Clone returns a copy that can be renamed without affecting the original.
func (l *Loadable) Clone() *Loadable {
	c := *l
	c.Files = append([]string(nil), l.Files...)
	return &c
}

// Plugin turns DICOM files into volumes.
type Plugin interface {
	Name() string
	// Examine returns one loadable per file list it can handle.
	Examine(ctx context.Context, fileLists [][]string) ([]*Loadable, error)
	// ReaderApproaches lists the decoding backends in load order; the first
	// one is the default.
	ReaderApproaches() []string
	Load(ctx context.Context, l *Loadable, approach string) (*volume.Volume, error)
	// CompareVolumes describes the differences between two volumes; "" means equivalent.
	CompareVolumes(a, b *volume.Volume) string
}

// Factory creates a plugin bound to a header database.
type Factory func(db HeaderDatabase) Plugin

// Registry maps plugin names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory. Names must be unique.
func (r *Registry) Register(name string, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("plugin %q already registered", name)
	}
	r.factories[name] = f
	return nil
}

// Names returns the registered plugin names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates a fresh instance of the named plugin.
func (r *Registry) New(name string, db HeaderDatabase) (Plugin, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("plugin %q is not registered (have %v)", name, r.Names())
	}
	return f(db), nil
}

// ResolutionError reports that a series could not be turned into a selected loadable.
type ResolutionError struct {
	SeriesUID string
	Reason    string
	Err       error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("resolve series %s: %s: %v", e.SeriesUID, e.Reason, e.Err)
	}
	return fmt.Sprintf("resolve series %s: %s", e.SeriesUID, e.Reason)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// OfferLoadables asks every registered plugin to examine the files of a
// series and returns all loadables offered.
func OfferLoadables(ctx context.Context, db HeaderDatabase, registry *Registry, seriesUID string) ([]*Loadable, error) {
	files, err := db.SeriesFiles(ctx, seriesUID)
	if err != nil {
		return nil, &ResolutionError{SeriesUID: seriesUID, Reason: "list series files", Err: err}
	}
	if len(files) == 0 {
		return nil, &ResolutionError{SeriesUID: seriesUID, Reason: "series is not in the database"}
	}

	var offered []*Loadable
	for _, name := range registry.Names() {
		p, err := registry.New(name, db)
		if err != nil {
			return nil, &ResolutionError{SeriesUID: seriesUID, Reason: "create plugin", Err: err}
		}
		loadables, err := p.Examine(ctx, [][]string{files})
		if err != nil {
			return nil, &ResolutionError{SeriesUID: seriesUID, Reason: "examine with " + name, Err: err}
		}
		for _, l := range loadables {
			l.SeriesUID = seriesUID
			if l.Plugin == "" {
				l.Plugin = name
			}
		}
		offered = append(offered, loadables...)
	}
	return offered, nil
}

// SelectLoadable resolves a series to the selected loadable with the highest
// confidence. Ties keep the plugin that sorts first.
func SelectLoadable(ctx context.Context, db HeaderDatabase, registry *Registry, seriesUID string) (*Loadable, error) {
	offered, err := OfferLoadables(ctx, db, registry, seriesUID)
	if err != nil {
		return nil, err
	}
	var best *Loadable
	for _, l := range offered {
		if !l.Selected {
			continue
		}
		if best == nil || l.Confidence > best.Confidence {
			best = l
		}
	}
	if best == nil {
		return nil, &ResolutionError{SeriesUID: seriesUID, Reason: fmt.Sprintf("none of %d offered loadables is selected", len(offered))}
	}
	return best, nil
}
