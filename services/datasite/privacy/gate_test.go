// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package privacy

import (
	"encoding/json"
	"testing"
)

func TestExtractCohort(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    int64
		found   bool
	}{
		{"sample_size", `{"sample_size": 150, "mean": 2.5}`, 150, true},
		{"total_subjects", `{"total_subjects": 42}`, 42, true},
		{"n_subjects", `{"n_subjects": 12}`, 12, true},
		{"n", `{"n": 9}`, 9, true},
		{"priority order", `{"n": 5, "sample_size": 100}`, 100, true},
		{"skips non-numeric candidate", `{"sample_size": "many", "n": 7}`, 7, true},
		{"float floors", `{"sample_size": 10.9}`, 10, true},
		{"nested does not count", `{"stats": {"sample_size": 50}}`, 0, false},
		{"absent", `{"mean": 1.0}`, 0, false},
		{"array payload", `[1,2,3]`, 0, false},
		{"not json", `oops`, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := ExtractCohort([]byte(tt.payload))
			if found != tt.found || got != tt.want {
				t.Errorf("ExtractCohort = (%d, %v), want (%d, %v)", got, found, tt.want, tt.found)
			}
		})
	}
}

func TestEvaluateBoundary(t *testing.T) {
	const k = 10

	at := Evaluate([]byte(`{"sample_size": 10}`), k, true)
	if !at.Released {
		t.Error("cohort exactly at the minimum must release")
	}
	below := Evaluate([]byte(`{"sample_size": 9}`), k, true)
	if below.Released {
		t.Error("cohort one below the minimum must block")
	}
	if below.Observed == nil || *below.Observed != 9 {
		t.Errorf("observed = %v, want 9", below.Observed)
	}
	if below.MinCohort != k {
		t.Errorf("verdict min cohort = %d", below.MinCohort)
	}
}

func TestEvaluateUnknownCohort(t *testing.T) {
	payload := []byte(`{"mean": 4.2}`)

	high := Evaluate(payload, 10, true)
	if high.Released {
		t.Error("unknown cohort on a high-privacy catalog must block")
	}
	if high.Observed != nil {
		t.Errorf("observed = %v, want nil", high.Observed)
	}

	low := Evaluate(payload, 10, false)
	if !low.Released {
		t.Error("unknown cohort on a lower-privacy catalog passes")
	}
}

func TestRoundPayload(t *testing.T) {
	in := []byte(`{
		"sample_size": 150,
		"age_statistics": {"mean": 61.23456789, "std": 9.87654321},
		"series": [0.123456, 2, 3.14159265],
		"label": "demographics",
		"flag": true
	}`)
	out, err := RoundPayload(in, DefaultPrecision)
	if err != nil {
		t.Fatalf("RoundPayload: %v", err)
	}

	var got struct {
		SampleSize int64 `json:"sample_size"`
		AgeStats   struct {
			Mean float64 `json:"mean"`
			Std  float64 `json:"std"`
		} `json:"age_statistics"`
		Series []float64 `json:"series"`
		Label  string    `json:"label"`
		Flag   bool      `json:"flag"`
	}
	if err := json.Unmarshal(out, &got); err != nil {
		t.Fatal(err)
	}
	if got.SampleSize != 150 {
		t.Errorf("integer changed: %d", got.SampleSize)
	}
	if got.AgeStats.Mean != 61.235 || got.AgeStats.Std != 9.877 {
		t.Errorf("rounded stats = %+v", got.AgeStats)
	}
	if got.Series[0] != 0.123 || got.Series[1] != 2 || got.Series[2] != 3.142 {
		t.Errorf("rounded series = %v", got.Series)
	}
	if got.Label != "demographics" || !got.Flag {
		t.Errorf("non-numeric values changed: %+v", got)
	}
}

func TestRoundPayloadRejectsGarbage(t *testing.T) {
	if _, err := RoundPayload([]byte(`{broken`), DefaultPrecision); err == nil {
		t.Error("malformed payload must error")
	}
}
