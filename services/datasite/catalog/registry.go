// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

var tracer = otel.Tracer("datasite/catalog")

// UploadsCatalogID is the reserved id of the synthetic catalog fed by
// the upload store. It never appears in the manifest.
const UploadsCatalogID = "user-uploaded-files"

// UploadSource feeds the synthetic uploads catalog.
//
// CatalogFiles returns one descriptor per uploaded data file. Paths are
// absolute (uploads live outside the data root); the registry keeps
// them verbatim.
type UploadSource interface {
	CatalogFiles(ctx context.Context) ([]datatypes.CatalogFile, error)
}

// enrichWorkers bounds concurrent file stats and scans during reload.
const enrichWorkers = 4

// snapshot is one immutable enriched view of the manifest plus the
// synthetic uploads catalog. Replaced wholesale on reload.
type snapshot struct {
	catalogs []datatypes.Catalog
	byID     map[string]int
	mtime    time.Time
	size     int64
	loadedAt time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithUploadSource attaches the upload store feed for the synthetic
// uploads catalog.
func WithUploadSource(src UploadSource) RegistryOption {
	return func(r *Registry) { r.uploads = src }
}

// WithSampleRows overrides the inference sample size.
func WithSampleRows(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.sampleRows = n
		}
	}
}

// WithMinCohort sets the node-wide cohort floor applied to every catalog.
func WithMinCohort(k int) RegistryOption {
	return func(r *Registry) {
		if k >= 1 {
			r.minCohort = k
		}
	}
}

// WithRegistryLogger overrides the default logger.
func WithRegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// Registry serves enriched catalog views backed by the manifest file.
//
// Description:
//
//	Reads are answered from a cached snapshot. The snapshot refreshes
//	lazily when the manifest's mtime or size changes, when Invalidate
//	is called (upload mutations), or when the fsnotify watcher reports
//	a manifest write. Concurrent refreshes collapse into one load via
//	singleflight.
//
// Thread Safety:
//
//	Safe for concurrent use. The snapshot is single-writer, multi-reader.
type Registry struct {
	dataRoot     string
	manifestPath string
	sampleRows   int
	minCohort    int
	logger       *slog.Logger
	uploads      UploadSource

	mu   sync.RWMutex
	snap *snapshot

	flight singleflight.Group

	watchOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
}

// NewRegistry creates a registry over the given data root and manifest.
// No I/O happens until the first read.
func NewRegistry(dataRoot, manifestPath string, opts ...RegistryOption) *Registry {
	r := &Registry{
		dataRoot:     dataRoot,
		manifestPath: manifestPath,
		sampleRows:   DefaultSampleRows,
		minCohort:    1,
		logger:       slog.Default(),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// List returns all catalogs, manifest order first, synthetic uploads
// catalog last. Entries carry existence bits, actual record counts, and
// inferred schemas.
func (r *Registry) List(ctx context.Context) ([]datatypes.Catalog, error) {
	snap, err := r.current(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]datatypes.Catalog, len(snap.catalogs))
	copy(out, snap.catalogs)
	return out, nil
}

// Get returns one enriched catalog by id.
func (r *Registry) Get(ctx context.Context, id string) (datatypes.Catalog, error) {
	snap, err := r.current(ctx)
	if err != nil {
		return datatypes.Catalog{}, err
	}
	idx, ok := snap.byID[id]
	if !ok {
		return datatypes.Catalog{}, fmt.Errorf("%w: %s", ErrCatalogNotFound, id)
	}
	return snap.catalogs[idx], nil
}

// Schema returns the column list of one catalog file: declared columns
// when the manifest has them, the inferred schema otherwise.
func (r *Registry) Schema(ctx context.Context, catalogID, fileName string) ([]datatypes.Column, error) {
	cat, err := r.Get(ctx, catalogID)
	if err != nil {
		return nil, err
	}
	f := cat.File(fileName)
	if f == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrFileNotFound, catalogID, fileName)
	}
	return f.Columns, nil
}

// AbsolutePath resolves a catalog file to its on-disk location. Manifest
// paths are relative to the data root; synthetic uploads paths are
// already absolute.
func (r *Registry) AbsolutePath(f datatypes.CatalogFile) string {
	if filepath.IsAbs(f.Path) {
		return f.Path
	}
	return filepath.Join(r.dataRoot, f.Path)
}

// Invalidate drops the cached snapshot. The next read reloads. Called
// by the upload store after every accepted data upload.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	r.snap = nil
	r.mu.Unlock()
}

// Watch invalidates the cache when the manifest file changes on disk.
// Safe to call once; subsequent calls are no-ops. Stops when ctx ends
// or Close is called.
func (r *Registry) Watch(ctx context.Context) error {
	var err error
	r.watchOnce.Do(func() {
		var w *fsnotify.Watcher
		w, err = fsnotify.NewWatcher()
		if err != nil {
			return
		}
		dir := filepath.Dir(r.manifestPath)
		if err = w.Add(dir); err != nil {
			w.Close()
			return
		}
		go r.watchLoop(ctx, w)
	})
	return err
}

func (r *Registry) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close()
	want := filepath.Clean(r.manifestPath)
	for {
		select {
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != want {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				r.logger.Debug("manifest changed on disk, invalidating catalog cache",
					"op", ev.Op.String())
				r.Invalidate()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			r.logger.Warn("manifest watcher error", "error", err)
		case <-ctx.Done():
			return
		case <-r.done:
			return
		}
	}
}

// Close stops the watcher goroutine.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.done) })
}

// current returns a fresh snapshot, reloading if the manifest changed.
func (r *Registry) current(ctx context.Context) (*snapshot, error) {
	r.mu.RLock()
	snap := r.snap
	r.mu.RUnlock()

	if snap != nil && r.quickCheck(snap) {
		return snap, nil
	}

	v, err, _ := r.flight.Do("reload", func() (any, error) {
		// A racing caller may have refreshed while we waited.
		r.mu.RLock()
		cur := r.snap
		r.mu.RUnlock()
		if cur != nil && r.quickCheck(cur) {
			return cur, nil
		}
		return r.reload(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*snapshot), nil
}

// quickCheck reports whether the cached snapshot still matches the
// manifest on disk, comparing mtime and size only.
func (r *Registry) quickCheck(snap *snapshot) bool {
	info, err := os.Stat(r.manifestPath)
	if err != nil {
		return false
	}
	return info.ModTime().Equal(snap.mtime) && info.Size() == snap.size
}

// reload parses the manifest, enriches every catalog, appends the
// synthetic uploads catalog, and installs the new snapshot.
func (r *Registry) reload(ctx context.Context) (*snapshot, error) {
	ctx, span := tracer.Start(ctx, "catalog.reload")
	defer span.End()
	started := time.Now()

	info, err := os.Stat(r.manifestPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrManifestMissing, r.manifestPath)
		}
		return nil, fmt.Errorf("%w: stat %s: %v", ErrManifestInvalid, r.manifestPath, err)
	}

	m, err := LoadManifest(r.manifestPath)
	if err != nil {
		return nil, err
	}

	snap := &snapshot{
		byID:     make(map[string]int, len(m.Catalogs)+1),
		mtime:    info.ModTime(),
		size:     info.Size(),
		loadedAt: time.Now(),
	}

	for _, cat := range m.Catalogs {
		if cat.MinCohort < r.minCohort {
			cat.MinCohort = r.minCohort
		}
		if err := r.enrich(ctx, &cat); err != nil {
			return nil, err
		}
		snap.byID[cat.ID] = len(snap.catalogs)
		snap.catalogs = append(snap.catalogs, cat)
	}

	if r.uploads != nil {
		up, err := r.uploadsCatalog(ctx)
		if err != nil {
			return nil, err
		}
		snap.byID[up.ID] = len(snap.catalogs)
		snap.catalogs = append(snap.catalogs, up)
	}

	span.SetAttributes(attribute.Int("catalogs", len(snap.catalogs)))
	r.logger.Info("catalog registry reloaded",
		"catalogs", len(snap.catalogs),
		"elapsed", time.Since(started).Round(time.Millisecond).String())

	r.mu.Lock()
	r.snap = snap
	r.mu.Unlock()
	return snap, nil
}

// enrich fills the derived file attributes: existence, actual record
// count for tabular files, and inferred schema when columns were not
// declared. A listed-but-absent file is kept with exists=false.
func (r *Registry) enrich(ctx context.Context, cat *datatypes.Catalog) error {
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(enrichWorkers)

	for i := range cat.Files {
		f := &cat.Files[i]
		g.Go(func() error {
			abs := r.AbsolutePath(*f)
			info, err := os.Stat(abs)
			if err != nil {
				f.Exists = false
				return nil
			}
			f.Exists = true

			if !f.Type.Tabular() || info.IsDir() {
				return nil
			}
			if n, err := CountRecords(abs); err == nil {
				f.ActualRecordCount = n
			} else {
				r.logger.Warn("record count failed",
					"catalog", cat.ID, "file", f.Name, "error", err)
			}
			if len(f.Columns) == 0 {
				cols, err := InferColumns(abs, f.Type, r.sampleRows)
				if err != nil {
					r.logger.Warn("schema inference failed",
						"catalog", cat.ID, "file", f.Name, "error", err)
					return nil
				}
				f.Columns = cols
			}
			return nil
		})
	}
	return g.Wait()
}

// uploadsCatalog builds the synthetic catalog from the upload store.
func (r *Registry) uploadsCatalog(ctx context.Context) (datatypes.Catalog, error) {
	files, err := r.uploads.CatalogFiles(ctx)
	if err != nil {
		return datatypes.Catalog{}, fmt.Errorf("list uploads for synthetic catalog: %w", err)
	}
	cat := datatypes.Catalog{
		ID:           UploadsCatalogID,
		Name:         "User Uploaded Files",
		Description:  "Files uploaded by requesters for analysis",
		AccessLevel:  datatypes.AccessRestricted,
		PrivacyLevel: datatypes.PrivacyHigh,
		MinCohort:    r.minCohort,
		Files:        files,
	}
	if err := r.enrich(ctx, &cat); err != nil {
		return datatypes.Catalog{}, err
	}
	return cat, nil
}
