// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package inspect statically scans submitted analysis scripts and
// produces reviewer warnings. Findings are strictly advisory: they are
// attached to the request for the approving operator to weigh, and never
// block submission or execution. The sandbox is the enforcement layer.
package inspect

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

// DefaultMaxScriptBytes bounds how much script text the inspector will
// parse. Larger scripts get a single advisory warning instead.
const DefaultMaxScriptBytes = 1 << 20

// watchedModules maps python import roots to the reason an operator
// should look twice at a script importing them. Matching is on the first
// dotted component, so "os.path" and "os" both hit the "os" entry.
var watchedModules = map[string]string{
	"os":              "host operating system access",
	"sys":             "interpreter internals access",
	"subprocess":      "spawns child processes",
	"multiprocessing": "spawns child processes",
	"socket":          "raw network access",
	"requests":        "outbound HTTP",
	"urllib":          "outbound HTTP",
	"http":            "outbound HTTP",
	"ftplib":          "outbound FTP",
	"shutil":          "filesystem manipulation",
	"ctypes":          "native code loading",
	"importlib":       "dynamic imports",
	"pickle":          "arbitrary object deserialization",
}

// watchedRPackages is the R counterpart, matched from library()/require()
// calls by the regex fallback.
var watchedRPackages = map[string]string{
	"curl":     "outbound HTTP",
	"httr":     "outbound HTTP",
	"httr2":    "outbound HTTP",
	"RCurl":    "outbound HTTP",
	"processx": "spawns child processes",
	"sys":      "spawns child processes",
}

var (
	// Dynamic-execution builtins sidestep the import scan entirely.
	pyDynamicCall = regexp.MustCompile(`(?m)(?:^|[^\w.])(exec|eval|__import__|compile)\s*\(`)

	rLibraryCall = regexp.MustCompile(`(?m)\b(?:library|require)\s*\(\s*["']?([A-Za-z][A-Za-z0-9._]*)`)
	rSystemCall  = regexp.MustCompile(`(?m)\b(system2?|shell|download\.file|url)\s*\(`)
)

// InspectorOption configures an Inspector instance.
type InspectorOption func(*Inspector)

// WithMaxScriptBytes sets the largest script the inspector will parse.
func WithMaxScriptBytes(n int) InspectorOption {
	return func(i *Inspector) {
		if n > 0 {
			i.maxScriptBytes = n
		}
	}
}

// Inspector scans script bodies for imports and calls worth a reviewer's
// attention.
//
// Description:
//
//	Python scripts are parsed with tree-sitter and their import
//	statements matched against a module watchlist; a small regex pass
//	catches dynamic-execution builtins. R scripts use a regex-only scan
//	of library()/require() and process-spawning calls.
//
// Thread Safety:
//
//	Inspector instances are safe for concurrent use. Each Inspect call
//	creates its own tree-sitter parser internally.
type Inspector struct {
	maxScriptBytes int
}

// NewInspector creates an Inspector with the given options.
func NewInspector(opts ...InspectorOption) *Inspector {
	i := &Inspector{maxScriptBytes: DefaultMaxScriptBytes}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Inspect scans body and returns its warnings sorted by line. The error
// return covers parser infrastructure failures only; scripts that are
// merely suspicious or syntactically broken produce warnings, not errors.
func (i *Inspector) Inspect(ctx context.Context, st datatypes.ScriptType, body string) ([]datatypes.ScriptWarning, error) {
	if len(body) > i.maxScriptBytes {
		return []datatypes.ScriptWarning{{
			Message: fmt.Sprintf("script exceeds %d bytes, static inspection skipped", i.maxScriptBytes),
		}}, nil
	}
	if !utf8.ValidString(body) {
		return []datatypes.ScriptWarning{{
			Message: "script is not valid UTF-8, static inspection skipped",
		}}, nil
	}

	var warnings []datatypes.ScriptWarning
	var err error
	switch st {
	case datatypes.ScriptR:
		warnings = inspectR(body)
	default:
		warnings, err = inspectPython(ctx, body)
		if err != nil {
			return nil, err
		}
	}

	warnings = dedupe(warnings)
	sort.Slice(warnings, func(a, b int) bool {
		if warnings[a].Line != warnings[b].Line {
			return warnings[a].Line < warnings[b].Line
		}
		return warnings[a].Module < warnings[b].Module
	})
	return warnings, nil
}

func inspectPython(ctx context.Context, body string) ([]datatypes.ScriptWarning, error) {
	content := []byte(body)

	// New parser per call; sitter parsers are not goroutine safe.
	parser := sitter.NewParser()
	parser.SetLanguage(python.GetLanguage())
	tree, err := parser.ParseCtx(ctx, nil, content)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root == nil {
		return nil, fmt.Errorf("tree-sitter returned nil root node")
	}

	var warnings []datatypes.ScriptWarning
	if root.HasError() {
		warnings = append(warnings, datatypes.ScriptWarning{
			Message: "script contains syntax errors",
		})
	}

	for i := 0; i < int(root.ChildCount()); i++ {
		child := root.Child(i)
		switch child.Type() {
		case "import_statement", "import_from_statement":
			for _, module := range moduleRefs(child, content) {
				if w, ok := watchModule(module, child); ok {
					warnings = append(warnings, w)
				}
			}
		}
	}

	for _, loc := range pyDynamicCall.FindAllStringSubmatchIndex(body, -1) {
		name := body[loc[2]:loc[3]]
		warnings = append(warnings, datatypes.ScriptWarning{
			Line:    lineOf(body, loc[2]),
			Module:  name,
			Message: "dynamic code execution",
		})
	}
	return warnings, nil
}

// moduleRefs returns the module paths referenced by one import node.
// "import a.b, c as d" yields [a.b, c]; "from x.y import z" yields [x.y].
// Relative imports resolve inside the workspace and are not reported.
func moduleRefs(node *sitter.Node, content []byte) []string {
	text := func(n *sitter.Node) string {
		return string(content[n.StartByte():n.EndByte()])
	}

	var refs []string
	if node.Type() == "import_statement" {
		for i := 0; i < int(node.ChildCount()); i++ {
			child := node.Child(i)
			switch child.Type() {
			case "dotted_name":
				refs = append(refs, text(child))
			case "aliased_import":
				for j := 0; j < int(child.ChildCount()); j++ {
					if gc := child.Child(j); gc.Type() == "dotted_name" {
						refs = append(refs, text(gc))
					}
				}
			}
		}
		return refs
	}

	// import_from_statement: the module is the dotted_name before the
	// "import" keyword; names after it stay within that module.
	for i := 0; i < int(node.ChildCount()); i++ {
		child := node.Child(i)
		switch child.Type() {
		case "import":
			return refs
		case "dotted_name":
			refs = append(refs, text(child))
		case "relative_import":
			return nil
		}
	}
	return refs
}

func watchModule(module string, node *sitter.Node) (datatypes.ScriptWarning, bool) {
	root := module
	if idx := strings.IndexByte(root, '.'); idx >= 0 {
		root = root[:idx]
	}
	reason, ok := watchedModules[root]
	if !ok {
		return datatypes.ScriptWarning{}, false
	}
	return datatypes.ScriptWarning{
		Line:    int(node.StartPoint().Row + 1),
		Module:  module,
		Message: reason,
	}, true
}

// inspectR is a regex-only scan. There is no R grammar in the parser
// stack, and import syntax in R is regular enough for this to hold up.
func inspectR(body string) []datatypes.ScriptWarning {
	var warnings []datatypes.ScriptWarning
	for _, loc := range rLibraryCall.FindAllStringSubmatchIndex(body, -1) {
		pkg := body[loc[2]:loc[3]]
		if reason, ok := watchedRPackages[pkg]; ok {
			warnings = append(warnings, datatypes.ScriptWarning{
				Line:    lineOf(body, loc[2]),
				Module:  pkg,
				Message: reason,
			})
		}
	}
	for _, loc := range rSystemCall.FindAllStringSubmatchIndex(body, -1) {
		name := body[loc[2]:loc[3]]
		warnings = append(warnings, datatypes.ScriptWarning{
			Line:    lineOf(body, loc[2]),
			Module:  name,
			Message: "host command or network access",
		})
	}
	return warnings
}

func lineOf(src string, idx int) int {
	return 1 + strings.Count(src[:idx], "\n")
}

func dedupe(warnings []datatypes.ScriptWarning) []datatypes.ScriptWarning {
	seen := make(map[string]bool, len(warnings))
	out := warnings[:0]
	for _, w := range warnings {
		key := w.Module + "\x00" + w.Message
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, w)
	}
	return out
}
