// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	_ "embed"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

// The builtin analysis scripts. A submission naming one of these kinds
// without a script body runs the node's template; the template goes
// through the same hashing, inspection, and sandboxing as a requester
// script.

//go:embed assets/demographics.py
var demographicsTemplate string

//go:embed assets/correlation.py
var correlationTemplate string

//go:embed assets/damage_score.py
var damageScoreTemplate string

// scriptTemplate returns the builtin script for an analysis kind.
// Custom analyses have no template; the requester supplies the script.
func scriptTemplate(kind datatypes.AnalysisKind) (string, bool) {
	switch kind {
	case datatypes.KindDemographics:
		return demographicsTemplate, true
	case datatypes.KindCorrelation:
		return correlationTemplate, true
	case datatypes.KindDamageScore:
		return damageScoreTemplate, true
	default:
		return "", false
	}
}
