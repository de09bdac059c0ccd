// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"log"
	"net/url"

	"github.com/AleutianAI/DataSite/pkg/ux"
	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
	"github.com/spf13/cobra"
)

func runCatalogsList(cmd *cobra.Command, args []string) {
	var list catalogListResponse
	if err := apiGet("/v1/catalogs", &list); err != nil {
		log.Fatalf("Failed to list catalogs: %v", err)
	}

	if len(list.Catalogs) == 0 {
		fmt.Println("No catalogs published by this node.")
		return
	}

	ux.Title("Catalogs")
	for _, cat := range list.Catalogs {
		missing := 0
		for _, f := range cat.Files {
			if !f.Exists {
				missing++
			}
		}
		icon := ux.IconSuccess
		if missing > 0 {
			icon = ux.IconWarning
		}
		fmt.Printf("%s %s %s\n", icon.Render(),
			ux.Styles.Bold.Render(cat.ID),
			ux.Styles.Muted.Render(fmt.Sprintf("(%d files, min cohort %d, %s)",
				len(cat.Files), cat.MinCohort, cat.AccessLevel)))
		if cat.Description != "" {
			fmt.Printf("  %s\n", ux.Styles.Muted.Render(cat.Description))
		}
		if missing > 0 {
			ux.Warning(fmt.Sprintf("  %d declared file(s) missing on disk", missing))
		}
	}
	ux.Muted(fmt.Sprintf("\n%d catalog(s)", list.Count))
}

func runCatalogsShow(cmd *cobra.Command, args []string) {
	id := args[0]

	var cat datatypes.Catalog
	if err := apiGet("/v1/catalogs/"+url.PathEscape(id), &cat); err != nil {
		log.Fatalf("Failed to fetch catalog %s: %v", id, err)
	}

	ux.Title(cat.Name)
	ux.KeyValue("ID", cat.ID)
	ux.KeyValue("Access", string(cat.AccessLevel))
	ux.KeyValue("Privacy", string(cat.PrivacyLevel))
	ux.KeyValue("Min cohort", fmt.Sprintf("%d", cat.MinCohort))
	if cat.Description != "" {
		ux.KeyValue("Description", cat.Description)
	}

	fmt.Println()
	ux.Title("Files")
	for _, f := range cat.Files {
		icon := ux.IconSuccess
		note := ""
		if !f.Exists {
			icon = ux.IconError
			note = " (missing on disk)"
		}
		count := ""
		if f.ActualRecordCount > 0 {
			count = fmt.Sprintf(", %d records", f.ActualRecordCount)
		} else if f.RecordCount > 0 {
			count = fmt.Sprintf(", %d records declared", f.RecordCount)
		}
		fmt.Printf("%s %s %s\n", icon.Render(),
			ux.Styles.Bold.Render(f.Name),
			ux.Styles.Muted.Render(fmt.Sprintf("[%s%s]%s", f.Type, count, note)))
		for _, col := range f.Columns {
			fmt.Printf("    %s %s\n", ux.Styles.Muted.Render(fmt.Sprintf("%-24s", col.Name)), col.Type)
		}
	}
}
