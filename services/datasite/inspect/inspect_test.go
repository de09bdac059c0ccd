// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package inspect

import (
	"context"
	"strings"
	"testing"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

func inspectPy(t *testing.T, body string) []datatypes.ScriptWarning {
	t.Helper()
	warnings, err := NewInspector().Inspect(context.Background(), datatypes.ScriptPython, body)
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	return warnings
}

func TestPythonImportWatchlist(t *testing.T) {
	script := `import os
import numpy as np
import socket as s
from subprocess import run
from os.path import join
`
	warnings := inspectPy(t, script)
	if len(warnings) != 4 {
		t.Fatalf("warnings = %+v, want 4", warnings)
	}
	if warnings[0].Line != 1 || warnings[0].Module != "os" {
		t.Errorf("first warning = %+v", warnings[0])
	}
	if warnings[1].Module != "socket" || warnings[1].Message != "raw network access" {
		t.Errorf("socket warning = %+v", warnings[1])
	}
	if warnings[2].Module != "subprocess" {
		t.Errorf("subprocess warning = %+v", warnings[2])
	}
	if warnings[3].Line != 5 || warnings[3].Module != "os.path" {
		t.Errorf("dotted from-import warning = %+v", warnings[3])
	}
}

func TestPythonCleanScript(t *testing.T) {
	script := `import pandas as pd
from data_loader import load_data, save_results

data = load_data()
save_results({"n": len(data["subjects"])})
`
	if warnings := inspectPy(t, script); len(warnings) != 0 {
		t.Errorf("clean script warnings = %+v", warnings)
	}
}

func TestPythonDynamicCalls(t *testing.T) {
	script := `value = eval(user_expr)
model.eval()
pattern = re.compile("x")
`
	warnings := inspectPy(t, script)
	if len(warnings) != 1 {
		t.Fatalf("warnings = %+v, want only the bare eval call", warnings)
	}
	if warnings[0].Line != 1 || warnings[0].Module != "eval" {
		t.Errorf("warning = %+v", warnings[0])
	}
}

func TestPythonRelativeImportIgnored(t *testing.T) {
	if warnings := inspectPy(t, "from . import helpers\n"); len(warnings) != 0 {
		t.Errorf("relative import warnings = %+v", warnings)
	}
}

func TestPythonRepeatImportsDeduped(t *testing.T) {
	warnings := inspectPy(t, "import os\nimport os\nimport os\n")
	if len(warnings) != 1 {
		t.Errorf("warnings = %+v, want 1", warnings)
	}
}

func TestPythonSyntaxErrorsFlaggedNotFatal(t *testing.T) {
	warnings := inspectPy(t, "def broken(:\n    pass\n")
	found := false
	for _, w := range warnings {
		if strings.Contains(w.Message, "syntax errors") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %+v, want syntax error advisory", warnings)
	}
}

func TestOversizeAndBinaryScriptsSkipped(t *testing.T) {
	insp := NewInspector(WithMaxScriptBytes(16))
	warnings, err := insp.Inspect(context.Background(), datatypes.ScriptPython, strings.Repeat("x", 17))
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0].Message, "inspection skipped") {
		t.Errorf("oversize warnings = %+v", warnings)
	}

	warnings, err = NewInspector().Inspect(context.Background(), datatypes.ScriptPython, string([]byte{0xff, 0xfe, 'a'}))
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 1 || !strings.Contains(warnings[0].Message, "not valid UTF-8") {
		t.Errorf("binary warnings = %+v", warnings)
	}
}

func TestRScan(t *testing.T) {
	script := `library(httr)
data <- load_data()
status <- system("uname -a")
`
	warnings, err := NewInspector().Inspect(context.Background(), datatypes.ScriptR, script)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 2 {
		t.Fatalf("warnings = %+v, want 2", warnings)
	}
	if warnings[0].Module != "httr" || warnings[0].Line != 1 {
		t.Errorf("library warning = %+v", warnings[0])
	}
	if warnings[1].Module != "system" || warnings[1].Line != 3 {
		t.Errorf("system warning = %+v", warnings[1])
	}
}

func TestRCleanScript(t *testing.T) {
	script := `library(dplyr)
source("data_loader.R")
data <- load_data()
save_results(list(n = nrow(data$subjects)))
`
	warnings, err := NewInspector().Inspect(context.Background(), datatypes.ScriptR, script)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Errorf("clean r script warnings = %+v", warnings)
	}
}
