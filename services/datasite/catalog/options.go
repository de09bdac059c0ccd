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
	"encoding/json"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
	storebadger "github.com/AleutianAI/DataSite/services/datasite/storage/badger"
)

// optionKey builds the store key options/<catalog>/<type>/<value>.
func optionKey(catalogID string, typ datatypes.OptionType, value string) []byte {
	return []byte(fmt.Sprintf("options/%s/%s/%s", catalogID, typ, value))
}

func optionPrefix(catalogID string) []byte {
	return []byte("options/" + catalogID + "/")
}

// OptionsStore persists the score/timeline choices offered per catalog.
//
// Options are operator-curated rows, not derived from data, so they live
// in the embedded store rather than the manifest.
type OptionsStore struct {
	db *storebadger.DB
}

// NewOptionsStore wraps the shared store handle.
func NewOptionsStore(db *storebadger.DB) *OptionsStore {
	return &OptionsStore{db: db}
}

// Put upserts one option row.
func (s *OptionsStore) Put(ctx context.Context, opt datatypes.ScoreTimelineOption) error {
	if err := validateOption(&opt); err != nil {
		return err
	}
	if opt.CreatedAt.IsZero() {
		opt.CreatedAt = time.Now().UTC()
	}
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		return storebadger.SetJSON(txn, optionKey(opt.CatalogID, opt.Type, opt.Value), opt)
	})
}

// List returns the active options for a catalog, scores before
// timelines, defaults first within each group, then by value.
func (s *OptionsStore) List(ctx context.Context, catalogID string) ([]datatypes.ScoreTimelineOption, error) {
	var opts []datatypes.ScoreTimelineOption
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		return storebadger.IteratePrefix(txn, optionPrefix(catalogID), func(_ []byte, val []byte) error {
			var opt datatypes.ScoreTimelineOption
			if err := json.Unmarshal(val, &opt); err != nil {
				return fmt.Errorf("decode option row: %w", err)
			}
			if opt.Active {
				opts = append(opts, opt)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortOptions(opts)
	return opts, nil
}

// Seed inserts the given options, skipping any (catalog, type, value)
// key that already exists. Operator edits survive restarts.
func (s *OptionsStore) Seed(ctx context.Context, seed []datatypes.ScoreTimelineOption) (int, error) {
	inserted := 0
	for _, opt := range seed {
		if err := validateOption(&opt); err != nil {
			return inserted, err
		}
		opt.CreatedAt = time.Now().UTC()
		err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
			key := optionKey(opt.CatalogID, opt.Type, opt.Value)
			if _, err := txn.Get(key); err == nil {
				return nil // already present
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			inserted++
			return storebadger.SetJSON(txn, key, opt)
		})
		if err != nil {
			return inserted, err
		}
	}
	return inserted, nil
}

func validateOption(opt *datatypes.ScoreTimelineOption) error {
	if opt.CatalogID == "" || opt.Value == "" {
		return fmt.Errorf("option requires catalog id and value")
	}
	if opt.Type != datatypes.OptionScore && opt.Type != datatypes.OptionTimeline {
		return fmt.Errorf("unknown option type %q", opt.Type)
	}
	return nil
}

func sortOptions(opts []datatypes.ScoreTimelineOption) {
	sort.SliceStable(opts, func(i, j int) bool {
		a, b := opts[i], opts[j]
		if a.Type != b.Type {
			return a.Type == datatypes.OptionScore
		}
		if a.Default != b.Default {
			return a.Default
		}
		return a.Value < b.Value
	})
}

// DefaultOptionSeed returns the stock score/timeline rows for the
// catalogs a reference installation ships with. Installations with
// other catalogs curate their own rows via Put.
func DefaultOptionSeed() []datatypes.ScoreTimelineOption {
	return []datatypes.ScoreTimelineOption{
		{CatalogID: "clinical_trial_data", Type: datatypes.OptionScore, Value: "UPDRS_total",
			Label: "UPDRS Total Score", Description: "Total UPDRS score (0-108) as primary outcome measure", Default: true, Active: true},
		{CatalogID: "clinical_trial_data", Type: datatypes.OptionScore, Value: "UPDRS_motor",
			Label: "UPDRS Motor Score", Description: "Motor subscale score (0-56) for motor symptoms", Active: true},
		{CatalogID: "clinical_trial_data", Type: datatypes.OptionScore, Value: "quality_of_life",
			Label: "Quality of Life Score", Description: "Quality of life assessment (0-100)", Active: true},
		{CatalogID: "clinical_trial_data", Type: datatypes.OptionTimeline, Value: "baseline_6months",
			Label: "Baseline to 6 months", Description: "Change from baseline to 6-month follow-up", Default: true, Active: true},
		{CatalogID: "clinical_trial_data", Type: datatypes.OptionTimeline, Value: "baseline_12months",
			Label: "Baseline to 12 months", Description: "Change from baseline to 12-month follow-up", Active: true},
		{CatalogID: "clinical_trial_data", Type: datatypes.OptionTimeline, Value: "6months_12months",
			Label: "6 to 12 months", Description: "Change from 6-month to 12-month follow-up", Active: true},

		{CatalogID: "imaging_data", Type: datatypes.OptionScore, Value: "quality_rating",
			Label: "Quality Rating", Description: "Overall scan quality rating (1-5)", Default: true, Active: true},
		{CatalogID: "imaging_data", Type: datatypes.OptionScore, Value: "motion_score",
			Label: "Motion Score", Description: "Motion artifact score (0-1, lower is better)", Active: true},
		{CatalogID: "imaging_data", Type: datatypes.OptionTimeline, Value: "single_timepoint",
			Label: "Single Timepoint", Description: "Cross-sectional analysis at single timepoint", Default: true, Active: true},
		{CatalogID: "imaging_data", Type: datatypes.OptionTimeline, Value: "longitudinal",
			Label: "Longitudinal Analysis", Description: "Analysis across multiple timepoints", Active: true},

		{CatalogID: "dbs_vta_analysis", Type: datatypes.OptionScore, Value: "clinical_improvement",
			Label: "Clinical Improvement", Description: "UPDRS improvement percentage", Default: true, Active: true},
		{CatalogID: "dbs_vta_analysis", Type: datatypes.OptionScore, Value: "baseline_updrs",
			Label: "Baseline UPDRS", Description: "Baseline UPDRS-III score", Active: true},
		{CatalogID: "dbs_vta_analysis", Type: datatypes.OptionScore, Value: "followup_updrs",
			Label: "Follow-up UPDRS", Description: "Follow-up UPDRS-III score", Active: true},
		{CatalogID: "dbs_vta_analysis", Type: datatypes.OptionTimeline, Value: "pre_post_dbs",
			Label: "Pre to Post DBS", Description: "Comparison before and after DBS surgery", Default: true, Active: true},
		{CatalogID: "dbs_vta_analysis", Type: datatypes.OptionTimeline, Value: "stim_optimization",
			Label: "Stimulation Optimization", Description: "Analysis during stimulation parameter optimization", Active: true},

		{CatalogID: "demo_dataset", Type: datatypes.OptionScore, Value: "value",
			Label: "Value Score", Description: "Primary value metric for demo data", Default: true, Active: true},
		{CatalogID: "demo_dataset", Type: datatypes.OptionTimeline, Value: "cross_sectional",
			Label: "Cross-sectional", Description: "Single timepoint analysis", Default: true, Active: true},
	}
}
