// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation utilities for security-critical operations.
//
// This package contains validators for user-provided inputs that end up in
// file paths, store keys, or audit records. Using these validators prevents
// injection attacks (path traversal, key smuggling, log forgery).
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// catalogIDPattern matches valid catalog identifiers.
// Allows: lowercase letters, digits, underscores, hyphens.
// Must start with a letter. Max length: 64 characters.
var catalogIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_\-]{0,63}$`)

// ValidateCatalogID validates a catalog identifier before it is used as a
// store key or a manifest lookup.
//
// Valid catalog ids:
//   - 1-64 characters
//   - Lowercase letters a-z, digits 0-9
//   - Underscores and hyphens (clinical_trial_data, dbs-vta)
//   - First character is a letter
//
// Returns an error if the id is invalid.
//
// Example:
//
//	if err := validation.ValidateCatalogID(id); err != nil {
//	    return nil, fmt.Errorf("invalid catalog id: %w", err)
//	}
//	// Safe to use as a badger key component
func ValidateCatalogID(id string) error {
	if id == "" {
		return fmt.Errorf("catalog id cannot be empty")
	}

	if !catalogIDPattern.MatchString(id) {
		return fmt.Errorf("invalid catalog id: %q (must be 1-64 lowercase alphanumeric chars, underscores, or hyphens, starting with a letter)", id)
	}

	return nil
}

// actorPattern matches principal names recorded in audit entries.
// Printable, no control characters, no newlines. Max length: 128.
var actorPattern = regexp.MustCompile(`^[^\x00-\x1f\x7f]{1,128}$`)

// ValidateActor validates a principal name (approver, requester) before it
// is written into the append-only audit log. Newlines and control
// characters would allow forging extra audit lines.
func ValidateActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return fmt.Errorf("actor cannot be empty")
	}

	if !actorPattern.MatchString(actor) {
		return fmt.Errorf("invalid actor: control characters are not allowed")
	}

	return nil
}

// SafeFilename strips directory separators and control characters from an
// uploaded file's original name so it can be joined onto a storage
// directory without escaping it.
//
// Transformations, in order:
//  1. Take the final path element (both / and \ are separators).
//  2. Drop control characters and NUL.
//  3. Collapse a leading run of dots (no dotfiles, no "..").
//  4. Fall back to "file" when nothing survives.
//
// The declared extension is preserved; SafeFilename never alters case.
//
// Example:
//
//	SafeFilename("../../etc/passwd")   // "etc_passwd" -> "passwd"
//	SafeFilename("répertoire/map.nii") // "map.nii"
func SafeFilename(name string) string {
	// Final path element under either separator convention
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for _, r := range name {
		if r < 0x20 || r == 0x7f {
			continue
		}
		b.WriteRune(r)
	}
	name = b.String()

	name = strings.TrimLeft(name, ".")

	if name == "" {
		return "file"
	}
	return name
}

// ValidateFileLogicalName validates a manifest file's logical name before
// it is used in schema lookups and job configs.
func ValidateFileLogicalName(name string) error {
	if name == "" {
		return fmt.Errorf("file name cannot be empty")
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("invalid file name %q: path separators are not allowed", name)
	}
	if !actorPattern.MatchString(name) {
		return fmt.Errorf("invalid file name %q: control characters are not allowed", name)
	}
	return nil
}

// ValidateRelativePath validates a manifest-declared file path before it
// is joined onto the data root. Absolute paths and any path containing a
// ".." element are rejected; both would let a manifest expose files
// outside the data root.
func ValidateRelativePath(p string) error {
	if p == "" {
		return fmt.Errorf("path cannot be empty")
	}
	if strings.HasPrefix(p, "/") || strings.HasPrefix(p, `\`) {
		return fmt.Errorf("invalid path %q: must be relative", p)
	}
	// Windows drive letters and UNC prefixes.
	if len(p) > 1 && p[1] == ':' {
		return fmt.Errorf("invalid path %q: must be relative", p)
	}
	for _, part := range strings.FieldsFunc(p, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return fmt.Errorf("invalid path %q: traversal is not allowed", p)
		}
	}
	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("invalid path %q: NUL is not allowed", p)
	}
	return nil
}
