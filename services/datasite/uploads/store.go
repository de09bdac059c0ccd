// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package uploads persists requester-submitted scripts and data files.
//
// Files land under <root>/{scripts,data}/<id>_<safe-original> and are
// never overwritten or mutated in place; metadata rows live in the
// embedded store under uploads/<id>. Data uploads feed the synthetic
// uploads catalog, so every accepted data file fires the change hook
// that invalidates the catalog registry cache.
package uploads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/DataSite/pkg/validation"
	"github.com/AleutianAI/DataSite/services/datasite/audit"
	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
	storebadger "github.com/AleutianAI/DataSite/services/datasite/storage/badger"
)

var (
	// ErrInvalidExtension indicates the original name's extension is not
	// accepted for the upload kind.
	ErrInvalidExtension = errors.New("invalid upload extension")

	// ErrFileTooLarge indicates the upload body exceeds the per-file cap.
	ErrFileTooLarge = errors.New("upload exceeds size limit")

	// ErrUploadNotFound indicates no upload carries the requested id.
	ErrUploadNotFound = errors.New("upload not found")
)

// scriptExtensions and dataExtensions are the accepted extension sets,
// lowercased, without the leading dot.
var (
	scriptExtensions = map[string]datatypes.FileType{
		"py": "py",
		"r":  "r",
	}
	dataExtensions = map[string]datatypes.FileType{
		"csv":    datatypes.FileCSV,
		"tsv":    datatypes.FileTSV,
		"json":   datatypes.FileJSON,
		"npy":    datatypes.FileNPY,
		"npz":    datatypes.FileNPZ,
		"mat":    datatypes.FileMAT,
		"nii":    datatypes.FileNIfTI,
		"nii.gz": datatypes.FileNIIGZ,
	}
)

// DefaultMaxBytes caps a single upload when no limit is configured.
const DefaultMaxBytes int64 = 512 << 20

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithMaxBytes sets the per-file size cap.
func WithMaxBytes(n int64) StoreOption {
	return func(s *Store) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithChangeHook registers a callback fired after every accepted data
// upload. The catalog registry's Invalidate goes here.
func WithChangeHook(fn func()) StoreOption {
	return func(s *Store) { s.onData = fn }
}

// WithAuditLogger attaches the audit trail. Defaults to a no-op.
func WithAuditLogger(l audit.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.audit = l
		}
	}
}

// WithStoreLogger overrides the default logger.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store owns the uploads directory tree and its metadata rows.
//
// Thread Safety:
//
//	Safe for concurrent use. Fresh uuids make stored names unique, and
//	files are created with O_EXCL, so concurrent puts never collide.
type Store struct {
	db       *storebadger.DB
	root     string
	maxBytes int64
	logger   *slog.Logger
	audit    audit.Logger
	onData   func()
}

// NewStore creates a store rooted at dir. The scripts/ and data/
// subdirectories are created on first use.
func NewStore(db *storebadger.DB, dir string, opts ...StoreOption) *Store {
	s := &Store{
		db:       db,
		root:     dir,
		maxBytes: DefaultMaxBytes,
		logger:   slog.Default(),
		audit:    audit.NopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func uploadKey(id string) []byte {
	return []byte("uploads/" + id)
}

// extensionOf returns the lowercased extension of name without the dot,
// treating .nii.gz as one extension.
func extensionOf(name string) string {
	lower := strings.ToLower(name)
	if strings.HasSuffix(lower, ".nii.gz") {
		return "nii.gz"
	}
	ext := filepath.Ext(lower)
	return strings.TrimPrefix(ext, ".")
}

func subdir(kind datatypes.UploadKind) string {
	if kind == datatypes.UploadScript {
		return "scripts"
	}
	return "data"
}

// PutScript persists one analysis script (py or r).
func (s *Store) PutScript(ctx context.Context, originalName string, r io.Reader) (datatypes.UploadedFile, error) {
	return s.put(ctx, datatypes.UploadScript, originalName, r)
}

// PutData persists one data file and registers it with the synthetic
// uploads catalog by firing the change hook.
func (s *Store) PutData(ctx context.Context, originalName string, r io.Reader) (datatypes.UploadedFile, error) {
	return s.put(ctx, datatypes.UploadData, originalName, r)
}

func (s *Store) put(ctx context.Context, kind datatypes.UploadKind, originalName string, r io.Reader) (datatypes.UploadedFile, error) {
	ext := extensionOf(originalName)
	allowed := dataExtensions
	if kind == datatypes.UploadScript {
		allowed = scriptExtensions
	}
	if _, ok := allowed[ext]; !ok {
		return datatypes.UploadedFile{}, fmt.Errorf("%w: %q (%s upload)", ErrInvalidExtension, ext, kind)
	}

	id := uuid.NewString()
	stored := id + "_" + validation.SafeFilename(originalName)
	dir := filepath.Join(s.root, subdir(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return datatypes.UploadedFile{}, fmt.Errorf("create upload dir: %w", err)
	}

	path := filepath.Join(dir, stored)
	size, err := s.writeCapped(path, r)
	if err != nil {
		return datatypes.UploadedFile{}, err
	}

	rec := datatypes.UploadedFile{
		ID:           id,
		OriginalName: originalName,
		StoredName:   stored,
		Kind:         kind,
		Extension:    ext,
		SizeBytes:    size,
		CreatedAt:    time.Now().UTC(),
	}
	err = s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return storebadger.SetJSON(txn, uploadKey(id), rec)
	})
	if err != nil {
		os.Remove(path)
		return datatypes.UploadedFile{}, fmt.Errorf("persist upload record: %w", err)
	}

	if err := s.audit.Log(ctx, audit.Event{
		EventType: audit.EventUploadStore,
		Actor:     "requester",
		Metadata: map[string]any{
			"upload_id": id,
			"kind":      string(kind),
			"name":      originalName,
			"bytes":     size,
		},
	}); err != nil {
		return datatypes.UploadedFile{}, fmt.Errorf("audit upload: %w", err)
	}

	s.logger.Info("upload stored",
		"id", id, "kind", kind, "name", originalName, "bytes", size)
	if kind == datatypes.UploadData && s.onData != nil {
		s.onData()
	}
	return rec, nil
}

// writeCapped streams r into a fresh file at path, enforcing the size
// cap. The partial file is removed on any failure.
func (s *Store) writeCapped(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create upload file: %w", err)
	}

	// Read one byte past the cap so an exactly-at-cap body passes.
	n, err := io.Copy(f, io.LimitReader(r, s.maxBytes+1))
	if err == nil && n > s.maxBytes {
		err = fmt.Errorf("%w: limit %d bytes", ErrFileTooLarge, s.maxBytes)
	}
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close upload file: %w", cerr)
	}
	if err != nil {
		os.Remove(path)
		return 0, err
	}
	return n, nil
}

// Get returns one upload record by id.
func (s *Store) Get(ctx context.Context, id string) (datatypes.UploadedFile, error) {
	var rec datatypes.UploadedFile
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storebadger.GetJSON(txn, uploadKey(id), &rec)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.UploadedFile{}, fmt.Errorf("%w: %s", ErrUploadNotFound, id)
	}
	if err != nil {
		return datatypes.UploadedFile{}, err
	}
	return rec, nil
}

// List returns upload records of one kind, or all records when kind is
// empty. Sorted oldest first, id as tie-break.
func (s *Store) List(ctx context.Context, kind datatypes.UploadKind) ([]datatypes.UploadedFile, error) {
	var recs []datatypes.UploadedFile
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storebadger.IteratePrefix(txn, []byte("uploads/"), func(_ []byte, val []byte) error {
			var rec datatypes.UploadedFile
			if err := json.Unmarshal(val, &rec); err != nil {
				return fmt.Errorf("decode upload row: %w", err)
			}
			if kind == "" || rec.Kind == kind {
				recs = append(recs, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
	return recs, nil
}

// Open returns the stored bytes of one upload. The caller closes the
// reader.
func (s *Store) Open(ctx context.Context, id string) (io.ReadCloser, datatypes.UploadedFile, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, datatypes.UploadedFile{}, err
	}
	f, err := os.Open(s.Path(rec))
	if err != nil {
		return nil, datatypes.UploadedFile{}, fmt.Errorf("open stored upload %s: %w", id, err)
	}
	return f, rec, nil
}

// Path returns the absolute on-disk location of an upload.
func (s *Store) Path(rec datatypes.UploadedFile) string {
	return filepath.Join(s.root, subdir(rec.Kind), rec.StoredName)
}

// TypeFor maps a stored extension to its catalog file type. Extensions
// outside the data set (scripts, mostly) map through unchanged.
func TypeFor(ext string) datatypes.FileType {
	if ft, ok := dataExtensions[ext]; ok {
		return ft
	}
	return datatypes.FileType(ext)
}

// CatalogFiles feeds the synthetic uploads catalog: one descriptor per
// data upload, stored name as the logical name (unique by construction),
// absolute path kept verbatim by the registry.
func (s *Store) CatalogFiles(ctx context.Context) ([]datatypes.CatalogFile, error) {
	recs, err := s.List(ctx, datatypes.UploadData)
	if err != nil {
		return nil, err
	}
	files := make([]datatypes.CatalogFile, 0, len(recs))
	for _, rec := range recs {
		files = append(files, datatypes.CatalogFile{
			Name:        rec.StoredName,
			Path:        s.Path(rec),
			Type:        dataExtensions[rec.Extension],
			Description: "Uploaded by requester as " + rec.OriginalName,
		})
	}
	return files, nil
}
