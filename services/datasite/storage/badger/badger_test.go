// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestOpenInMemory verifies in-memory database creation works.
func TestOpenInMemory(t *testing.T) {
	db, err := OpenInMemory()
	require.NoError(t, err)
	defer db.Close()

	// Verify we can write and read
	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("requests/r-1"), []byte(`{"state":"pending"}`))
	})
	require.NoError(t, err)

	err = db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("requests/r-1"))
		require.NoError(t, err)

		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte(`{"state":"pending"}`), val)
			return nil
		})
	})
	require.NoError(t, err)
}

// TestOpenWithPath verifies persistent database creation works.
func TestOpenWithPath(t *testing.T) {
	dir, err := TempDir("datasite-state-")
	require.NoError(t, err)
	defer CleanupDir(dir)

	db, err := OpenWithPath(dir)
	require.NoError(t, err)

	// Write data
	err = db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte("jobs/j-1"), []byte(`{"status":"running"}`))
	})
	require.NoError(t, err)

	// Close and reopen
	err = db.Close()
	require.NoError(t, err)

	db2, err := OpenWithPath(dir)
	require.NoError(t, err)
	defer db2.Close()

	// Verify data persisted, which is what restart reconciliation
	// depends on
	err = db2.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("jobs/j-1"))
		require.NoError(t, err)

		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte(`{"status":"running"}`), val)
			return nil
		})
	})
	require.NoError(t, err)
}

// TestOpenRequiresPath verifies that persistent mode requires a path.
func TestOpenRequiresPath(t *testing.T) {
	cfg := Config{
		InMemory: false,
		Path:     "", // Missing path
	}
	_, err := Open(cfg)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

// TestConfigFunctions verifies default configurations.
func TestConfigFunctions(t *testing.T) {
	t.Run("DefaultConfig has SyncWrites", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.True(t, cfg.SyncWrites)
		assert.False(t, cfg.InMemory)
		assert.Equal(t, 1, cfg.NumVersionsToKeep)
		assert.Equal(t, 10*time.Minute, cfg.GCInterval)
	})

	t.Run("InMemoryConfig has InMemory", func(t *testing.T) {
		cfg := InMemoryConfig()
		assert.True(t, cfg.InMemory)
		assert.False(t, cfg.SyncWrites)
		assert.Equal(t, time.Duration(0), cfg.GCInterval) // GC disabled
	})
}

// TestDB_WithTxn verifies transaction helper functions.
func TestDB_WithTxn(t *testing.T) {
	cfg := InMemoryConfig()
	db, err := OpenDB(cfg)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()

	// Write with transaction
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		return txn.Set([]byte("uploads/u-1"), []byte(`{"kind":"data"}`))
	})
	require.NoError(t, err)

	// Read with transaction
	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get([]byte("uploads/u-1"))
		require.NoError(t, err)

		return item.Value(func(val []byte) error {
			assert.Equal(t, []byte(`{"kind":"data"}`), val)
			return nil
		})
	})
	require.NoError(t, err)
}

// TestDB_WithTxn_ContextCancelled verifies context cancellation.
func TestDB_WithTxn_ContextCancelled(t *testing.T) {
	cfg := InMemoryConfig()
	db, err := OpenDB(cfg)
	require.NoError(t, err)
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // Cancel immediately

	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		t.Fatal("fn should not run with cancelled context")
		return nil
	})
	assert.Error(t, err)

	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		t.Fatal("fn should not run with cancelled context")
		return nil
	})
	assert.Error(t, err)
}

// TestSetGetJSON verifies the record helpers round-trip.
func TestSetGetJSON(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	type record struct {
		ID    string `json:"id"`
		State string `json:"state"`
	}

	ctx := context.Background()
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		return SetJSON(txn, []byte("requests/r-9"), record{ID: "r-9", State: "approved"})
	})
	require.NoError(t, err)

	var got record
	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return GetJSON(txn, []byte("requests/r-9"), &got)
	})
	require.NoError(t, err)
	assert.Equal(t, "r-9", got.ID)
	assert.Equal(t, "approved", got.State)

	// Missing key surfaces badger's sentinel untouched
	err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return GetJSON(txn, []byte("requests/missing"), &got)
	})
	assert.ErrorIs(t, err, badger.ErrKeyNotFound)
}

// TestIteratePrefix verifies ordered prefix walks and early stop.
func TestIteratePrefix(t *testing.T) {
	db, err := OpenDB(InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	err = db.WithTxn(ctx, func(txn *badger.Txn) error {
		for _, k := range []string{"results/r-1/0001", "results/r-1/0002", "results/r-1/0003", "results/r-2/0001"} {
			if err := txn.Set([]byte(k), []byte("v")); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	t.Run("walks prefix in order", func(t *testing.T) {
		var keys []string
		err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			return IteratePrefix(txn, []byte("results/r-1/"), func(key, val []byte) error {
				keys = append(keys, string(key))
				return nil
			})
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"results/r-1/0001", "results/r-1/0002", "results/r-1/0003"}, keys)
	})

	t.Run("stop sentinel halts without error", func(t *testing.T) {
		count := 0
		err = db.WithReadTxn(ctx, func(txn *badger.Txn) error {
			return IteratePrefix(txn, []byte("results/r-1/"), func(key, val []byte) error {
				count++
				return ErrStopIteration
			})
		})
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}
