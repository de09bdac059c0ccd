// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
)

// Helper to capture stdout
func captureStdout(f func()) string {
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	f()

	w.Close()
	os.Stdout = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

// Helper to capture stderr
func captureStderr(f func()) string {
	old := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	f()

	w.Close()
	os.Stderr = old

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

// =============================================================================
// Icon.Render Tests
// =============================================================================

func TestIcon_Render_Success(t *testing.T) {
	result := IconSuccess.Render()
	if result == "" {
		t.Error("expected non-empty result for IconSuccess")
	}
}

func TestIcon_Render_Error(t *testing.T) {
	result := IconError.Render()
	if result == "" {
		t.Error("expected non-empty result for IconError")
	}
}

func TestIcon_Render_Default(t *testing.T) {
	// Icons that don't have specific styling render as-is
	icons := []Icon{IconArrow, IconBullet}
	for _, icon := range icons {
		result := icon.Render()
		if result != string(icon) {
			t.Errorf("expected %q for %q, got %q", string(icon), icon, result)
		}
	}
}

// =============================================================================
// Title Tests
// =============================================================================

func TestTitle_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStdout(func() {
		Title("Pending Requests")
	})

	// In machine mode, Title should output nothing
	if output != "" {
		t.Errorf("expected no output in machine mode, got %q", output)
	}
}

func TestTitle_StandardMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityStandard)

	output := captureStdout(func() {
		Title("Pending Requests")
	})

	if output == "" {
		t.Error("expected styled output in standard mode")
	}
}

// =============================================================================
// Success / Warning / Error Tests
// =============================================================================

func TestSuccess_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStdout(func() {
		Success("Request approved")
	})

	if output != "OK: Request approved\n" {
		t.Errorf("expected 'OK: Request approved', got %q", output)
	}
}

func TestWarning_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStderr(func() {
		Warning("Script imports os")
	})

	if output != "WARN: Script imports os\n" {
		t.Errorf("expected 'WARN: Script imports os', got %q", output)
	}
}

func TestError_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStderr(func() {
		Error("node unreachable")
	})

	if output != "ERROR: node unreachable\n" {
		t.Errorf("expected 'ERROR: node unreachable', got %q", output)
	}
}

func TestError_StandardMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityStandard)

	output := captureStdout(func() {
		Error("node unreachable")
	})

	if output == "" {
		t.Error("expected styled output in standard mode")
	}
}

// =============================================================================
// Box Tests
// =============================================================================

func TestBox_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStdout(func() {
		Box("Node", "healthy")
	})

	if output != "Node: healthy\n" {
		t.Errorf("expected plain key-value in machine mode, got %q", output)
	}
}

func TestBox_StandardMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityStandard)

	output := captureStdout(func() {
		Box("Node", "healthy")
	})

	if !strings.Contains(output, "healthy") {
		t.Errorf("expected box content in output, got %q", output)
	}
}

// =============================================================================
// StateBadge Tests
// =============================================================================

func TestStateBadge_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	if got := StateBadge("pending"); got != "pending" {
		t.Errorf("expected raw state in machine mode, got %q", got)
	}
}

func TestStateBadge_AllStates(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityStandard)

	states := []string{
		"submitted", "pending", "approved", "running",
		"completed", "denied", "expired", "failed", "unknown",
	}
	for _, state := range states {
		badge := StateBadge(state)
		if badge == "" {
			t.Errorf("expected non-empty badge for %q", state)
		}
		if !strings.Contains(badge, state) {
			t.Errorf("badge for %q should contain the state name, got %q", state, badge)
		}
	}
}

func TestStateIcon_Mapping(t *testing.T) {
	cases := []struct {
		state string
		want  Icon
	}{
		{"pending", IconPending},
		{"submitted", IconPending},
		{"approved", IconRunning},
		{"running", IconRunning},
		{"completed", IconSuccess},
		{"denied", IconError},
		{"expired", IconError},
		{"failed", IconError},
		{"something-else", IconBullet},
	}
	for _, tc := range cases {
		if got := StateIcon(tc.state); got != tc.want {
			t.Errorf("StateIcon(%q) = %q, want %q", tc.state, got, tc.want)
		}
	}
}

// =============================================================================
// RequestSummary Tests
// =============================================================================

func TestRequestSummary_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStdout(func() {
		RequestSummary(2, 1, 4)
	})

	if output != "SUMMARY: pending=2 active=1 terminal=4 total=7\n" {
		t.Errorf("unexpected machine summary: %q", output)
	}
}

func TestRequestSummary_StandardMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityStandard)

	output := captureStdout(func() {
		RequestSummary(2, 1, 4)
	})

	for _, want := range []string{"pending", "active", "terminal", "total"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in summary, got %q", want, output)
		}
	}
}

// =============================================================================
// KeyValue Tests
// =============================================================================

func TestKeyValue_MachineMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityMachine)

	output := captureStdout(func() {
		KeyValue("Catalog", "heart_failure")
	})

	if output != "Catalog\theart_failure\n" {
		t.Errorf("expected tab-separated pair, got %q", output)
	}
}

func TestKeyValue_StandardMode(t *testing.T) {
	orig := GetPersonality()
	defer SetPersonality(orig)

	SetPersonalityLevel(PersonalityStandard)

	output := captureStdout(func() {
		KeyValue("Catalog", "heart_failure")
	})

	if !strings.Contains(output, "heart_failure") {
		t.Errorf("expected value in output, got %q", output)
	}
}
