// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command sitectl is the operator console for a DataSite node.
//
// It talks to a running node over its HTTP API: listing catalogs,
// reviewing and deciding analysis requests, tailing job output, and
// reading the audit trail. Operator endpoints require the node's
// operator token.
//
// Usage:
//
//	sitectl catalogs list
//	sitectl requests list --state pending
//	sitectl requests show 0198a2b0-...
//	sitectl requests approve 0198a2b0-... --as dpo@example.org --notes "cohort ok"
//	sitectl review --as dpo@example.org
//	sitectl jobs tail 0198a2b1-...
//	sitectl node status
//
// The node address and operator token come from --server / --token or
// the DATASITE_SERVER / DATASITE_OPERATOR_TOKEN environment variables.
package main

import (
	"log"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.SetFlags(0)
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}
