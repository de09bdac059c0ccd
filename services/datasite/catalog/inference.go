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
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

// DefaultSampleRows is how many data rows inference reads per file.
const DefaultSampleRows = 200

// InferColumns reads the header and up to sampleRows data rows of a
// tabular file and classifies each column.
//
// Description:
//
//	Classification is per column, first match wins, over the non-blank
//	values of the sample:
//	  1. no non-blank values        -> unknown
//	  2. all parse as int64         -> int
//	  3. all parse as finite float  -> float
//	  4. all in the boolean word set -> bool
//	  5. all parse as ISO-8601      -> datetime
//	  6. otherwise                  -> string
//
//	The result is deterministic for fixed file bytes and sample size.
//
// Inputs:
//
//	path - Absolute path of the csv/tsv file.
//	ft - File type; selects the delimiter.
//	sampleRows - Data rows to sample; <= 0 means DefaultSampleRows.
func InferColumns(path string, ft datatypes.FileType, sampleRows int) ([]datatypes.Column, error) {
	if sampleRows <= 0 {
		sampleRows = DefaultSampleRows
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open for inference: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(bufio.NewReader(f))
	r.Comma = delimiterFor(ft)
	r.FieldsPerRecord = -1 // ragged rows classify on what is present
	r.LazyQuotes = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}

	samples := make([][]string, len(header))
	for row := 0; row < sampleRows; row++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			// A malformed row does not abort inference; classify on
			// what was readable so far.
			break
		}
		for i := 0; i < len(header) && i < len(rec); i++ {
			if v := strings.TrimSpace(rec[i]); v != "" {
				samples[i] = append(samples[i], v)
			}
		}
	}

	cols := make([]datatypes.Column, len(header))
	for i, name := range header {
		cols[i] = datatypes.Column{
			Name: strings.TrimSpace(name),
			Type: classifyColumn(samples[i]),
		}
	}
	return cols, nil
}

func delimiterFor(ft datatypes.FileType) rune {
	if ft == datatypes.FileTSV {
		return '\t'
	}
	return ','
}

// boolWords is the closed value set the bool rule accepts, lowercased.
var boolWords = map[string]struct{}{
	"true": {}, "false": {}, "yes": {}, "no": {}, "0": {}, "1": {},
}

// datetimeLayouts are the ISO-8601 shapes the datetime rule accepts.
var datetimeLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05",
	time.RFC3339,
	"2006-01-02 15:04:05",
}

// classifyColumn applies the ordered inference rules to the non-blank
// values of one column.
func classifyColumn(values []string) datatypes.ColumnType {
	if len(values) == 0 {
		return datatypes.ColumnUnknown
	}

	allInt, allFloat, allBool, allTime := true, true, true, true
	for _, v := range values {
		if allInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				allInt = false
			}
		}
		if allFloat {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
				allFloat = false
			}
		}
		if allBool {
			if _, ok := boolWords[strings.ToLower(v)]; !ok {
				allBool = false
			}
		}
		if allTime {
			allTime = parseISO(v)
		}
		if !allInt && !allFloat && !allBool && !allTime {
			return datatypes.ColumnString
		}
	}

	switch {
	case allInt:
		return datatypes.ColumnInt
	case allFloat:
		return datatypes.ColumnFloat
	case allBool:
		return datatypes.ColumnBool
	case allTime:
		return datatypes.ColumnDatetime
	default:
		return datatypes.ColumnString
	}
}

func parseISO(v string) bool {
	for _, layout := range datetimeLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}

// CountRecords returns the data row count of a tabular file: the number
// of lines minus the header. An unterminated final line still counts.
func CountRecords(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var lines int64
	buf := make([]byte, 64<<10)
	lastByte := byte('\n')
	for {
		n, err := f.Read(buf)
		for _, b := range buf[:n] {
			if b == '\n' {
				lines++
			}
		}
		if n > 0 {
			lastByte = buf[n-1]
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return 0, err
		}
	}
	if lastByte != '\n' {
		lines++ // final line without trailing newline
	}

	if lines <= 1 {
		return 0, nil // empty or header only
	}
	return lines - 1, nil
}
