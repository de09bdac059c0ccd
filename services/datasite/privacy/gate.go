// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package privacy decides whether an analysis artifact may leave the
// node. The gate never sees raw data, only the result payload: it
// checks the reported cohort size against the catalog's minimum and
// rounds released numbers so high-precision values cannot encode
// individual records.
package privacy

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// DefaultPrecision is the number of decimal places kept in released
// numeric values.
const DefaultPrecision = 3

// cohortKeys are the top-level fields consulted for the cohort size,
// in priority order.
var cohortKeys = []string{"sample_size", "total_subjects", "n_subjects", "n"}

// Verdict is the gate's decision for a single artifact.
type Verdict struct {
	Released  bool
	MinCohort int

	// Observed is the cohort size the payload reported, nil when no
	// cohort field was present.
	Observed *int64
}

// ExtractCohort finds the reported cohort size in a result payload.
//
// Description:
//
//	Scans the top-level object for the first of sample_size,
//	total_subjects, n_subjects, n holding a numeric value. Non-object
//	payloads and non-numeric candidates report no cohort.
//
// Outputs:
//
//	int64 - The cohort size, floored for fractional values.
//	bool - Whether a cohort field was found.
func ExtractCohort(payload []byte) (int64, bool) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var top map[string]any
	if err := dec.Decode(&top); err != nil {
		return 0, false
	}
	for _, key := range cohortKeys {
		v, ok := top[key]
		if !ok {
			continue
		}
		num, ok := v.(json.Number)
		if !ok {
			continue
		}
		if n, err := num.Int64(); err == nil {
			return n, true
		}
		if f, err := num.Float64(); err == nil {
			return int64(math.Floor(f)), true
		}
	}
	return 0, false
}

// Evaluate runs the gate for one artifact.
//
// Description:
//
//	A known cohort at or above the minimum releases the artifact. A
//	known cohort below the minimum blocks it. An unknown cohort blocks
//	only when the catalog is high-privacy; lower privacy levels pass
//	artifacts that report no cohort.
func Evaluate(payload []byte, minCohort int, highPrivacy bool) Verdict {
	v := Verdict{MinCohort: minCohort}
	cohort, known := ExtractCohort(payload)
	if known {
		v.Observed = &cohort
		v.Released = cohort >= int64(minCohort)
		return v
	}
	v.Released = !highPrivacy
	return v
}

// RoundPayload returns a copy of payload with every floating-point
// value rounded to the given number of decimal places. Integer values
// pass through unchanged. Object key order is not preserved.
func RoundPayload(payload []byte, precision int) (json.RawMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode payload for rounding: %w", err)
	}
	out, err := json.Marshal(roundValue(v, precision))
	if err != nil {
		return nil, fmt.Errorf("encode rounded payload: %w", err)
	}
	return out, nil
}

func roundValue(v any, precision int) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = roundValue(item, precision)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = roundValue(item, precision)
		}
		return t
	case json.Number:
		if _, err := t.Int64(); err == nil {
			return t
		}
		f, err := t.Float64()
		if err != nil {
			return t
		}
		scale := math.Pow10(precision)
		return math.Round(f*scale) / scale
	default:
		return v
	}
}
