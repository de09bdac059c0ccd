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
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/DataSite/pkg/ux"
	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

// =============================================================================
// View Mode
// =============================================================================

// reviewViewMode determines what the console is showing.
type reviewViewMode int

const (
	// viewDetail shows one request with its script.
	viewDetail reviewViewMode = iota

	// viewSummary shows the collected decisions before submission.
	viewSummary
)

// =============================================================================
// Decisions
// =============================================================================

// reviewAction is the operator's verdict collected for one request.
type reviewAction int

const (
	actionPending reviewAction = iota
	actionApprove
	actionDeny
	actionSkip
)

func (a reviewAction) String() string {
	switch a {
	case actionApprove:
		return "approve"
	case actionDeny:
		return "deny"
	case actionSkip:
		return "skip"
	default:
		return "pending"
	}
}

// reviewDecision is one collected verdict. Nothing is sent to the node
// until the whole session is confirmed.
type reviewDecision struct {
	RequestID string
	Action    reviewAction
	Notes     string
}

// reviewResult is the outcome of a review session.
type reviewResult struct {
	Decisions map[string]*reviewDecision
	Cancelled bool
}

// reviewDoneMsg signals the review is complete.
type reviewDoneMsg struct {
	Result *reviewResult
}

// =============================================================================
// Config
// =============================================================================

// reviewConfig configures the review console.
type reviewConfig struct {
	// Approver is the identity recorded on every decision.
	Approver string

	// Width overrides terminal width (0 = auto-detect).
	Width int

	// Height overrides terminal height (0 = auto-detect).
	Height int
}

// =============================================================================
// Model
// =============================================================================

// reviewModel is the bubbletea model for the pending-request console.
//
// Verdicts are collected locally; the runner submits them over HTTP
// after the program exits, so a cancelled session costs nothing.
type reviewModel struct {
	config reviewConfig

	// Requests under review, oldest first.
	requests []datatypes.AnalysisRequest

	// Collected verdicts keyed by request ID.
	decisions map[string]*reviewDecision

	// Navigation state.
	current  int
	viewMode reviewViewMode

	// Viewport for scrolling the request detail.
	viewport viewport.Model

	// Terminal dimensions.
	width  int
	height int

	// Note entry state: after y/n the operator types the decision notes.
	noteMode   bool
	noteAction reviewAction
	noteInput  string

	// State flags.
	ready    bool
	showHelp bool
	quitting bool

	result *reviewResult
}

// newReviewModel creates a review model over the given pending requests.
func newReviewModel(requests []datatypes.AnalysisRequest, config reviewConfig) reviewModel {
	decisions := make(map[string]*reviewDecision, len(requests))
	for _, r := range requests {
		decisions[r.ID] = &reviewDecision{RequestID: r.ID, Action: actionPending}
	}
	return reviewModel{
		config:    config,
		requests:  requests,
		decisions: decisions,
		viewMode:  viewDetail,
		result:    &reviewResult{},
	}
}

// Init implements tea.Model.
func (m reviewModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m reviewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 3
		footerHeight := 3
		viewportHeight := m.height - headerHeight - footerHeight

		if !m.ready {
			m.viewport = viewport.New(m.width, viewportHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = viewportHeight
		}

		m.updateViewportContent()

	case tea.KeyMsg:
		if m.noteMode {
			return m.handleNoteInput(msg)
		}

		if m.showHelp {
			if msg.String() == "q" || msg.String() == "?" || msg.String() == "esc" {
				m.showHelp = false
			}
			return m, nil
		}

		switch msg.String() {
		case "y", "Y":
			m.noteMode = true
			m.noteAction = actionApprove
			m.noteInput = ""

		case "n", "N":
			m.noteMode = true
			m.noteAction = actionDeny
			m.noteInput = ""

		case "s", "S":
			m.skipCurrent()
			return m.advanceRequest()

		case "?":
			m.showHelp = true

		case "q", "Q", "ctrl+c":
			m.result.Cancelled = true
			m.quitting = true
			return m, tea.Quit

		case "left", "h":
			return m.prevRequest()

		case "right", "l":
			return m.nextRequest()

		case "j", "down":
			m.viewport.LineDown(1)

		case "k", "up":
			m.viewport.LineUp(1)

		case "ctrl+d":
			m.viewport.HalfViewDown()

		case "ctrl+u":
			m.viewport.HalfViewUp()

		case "g", "home":
			m.viewport.GotoTop()

		case "G", "end":
			m.viewport.GotoBottom()

		case "tab":
			m.toggleViewMode()
			m.updateViewportContent()

		case "enter":
			if m.viewMode == viewSummary {
				return m.finish()
			}
		}

	case reviewDoneMsg:
		m.result = msg.Result
		return m, nil
	}

	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m reviewModel) View() string {
	if m.quitting {
		return "Review session closed.\n"
	}
	if !m.ready || len(m.requests) == 0 {
		return "Loading...\n"
	}

	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	if m.showHelp {
		b.WriteString(m.renderHelp())
	} else {
		b.WriteString(m.viewport.View())
	}

	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

// =============================================================================
// Note entry
// =============================================================================

func (m reviewModel) handleNoteInput(msg tea.KeyMsg) (reviewModel, tea.Cmd) {
	switch msg.String() {
	case "enter":
		m.noteMode = false
		decision := m.decisions[m.requests[m.current].ID]
		decision.Action = m.noteAction
		decision.Notes = strings.TrimSpace(m.noteInput)
		m.noteInput = ""
		return m.advanceRequest()

	case "esc":
		m.noteMode = false
		m.noteInput = ""
		return m, nil

	case "backspace":
		if len(m.noteInput) > 0 {
			runes := []rune(m.noteInput)
			m.noteInput = string(runes[:len(runes)-1])
		}
		return m, nil

	default:
		if msg.Type == tea.KeyRunes {
			m.noteInput += string(msg.Runes)
		} else if msg.Type == tea.KeySpace {
			m.noteInput += " "
		}
		return m, nil
	}
}

// =============================================================================
// Navigation
// =============================================================================

func (m *reviewModel) advanceRequest() (reviewModel, tea.Cmd) {
	for i := m.current + 1; i < len(m.requests); i++ {
		if m.decisions[m.requests[i].ID].Action == actionPending {
			m.current = i
			m.viewMode = viewDetail
			m.updateViewportContent()
			return *m, nil
		}
	}

	// Everything has a verdict: show the summary.
	m.viewMode = viewSummary
	m.updateViewportContent()
	return *m, nil
}

func (m *reviewModel) prevRequest() (reviewModel, tea.Cmd) {
	if m.current > 0 {
		m.current--
		m.viewMode = viewDetail
		m.updateViewportContent()
	}
	return *m, nil
}

func (m *reviewModel) nextRequest() (reviewModel, tea.Cmd) {
	if m.current < len(m.requests)-1 {
		m.current++
		m.viewMode = viewDetail
		m.updateViewportContent()
	}
	return *m, nil
}

func (m *reviewModel) toggleViewMode() {
	if m.viewMode == viewDetail {
		m.viewMode = viewSummary
	} else {
		m.viewMode = viewDetail
	}
}

func (m *reviewModel) skipCurrent() {
	m.decisions[m.requests[m.current].ID].Action = actionSkip
}

func (m reviewModel) finish() (reviewModel, tea.Cmd) {
	m.result.Decisions = m.decisions
	m.quitting = true
	return m, tea.Sequence(
		func() tea.Msg { return reviewDoneMsg{Result: m.result} },
		tea.Quit,
	)
}

// =============================================================================
// Rendering
// =============================================================================

func (m *reviewModel) updateViewportContent() {
	if !m.ready {
		return
	}
	if m.viewMode == viewSummary {
		m.viewport.SetContent(m.renderSummary())
	} else {
		m.viewport.SetContent(m.renderRequest(&m.requests[m.current]))
	}
	m.viewport.GotoTop()
}

func (m reviewModel) renderHeader() string {
	title := reviewTitleStyle.Render("DataSite Request Review")
	var position string
	if m.viewMode == viewSummary {
		position = reviewStatsStyle.Render("summary")
	} else {
		rec := m.requests[m.current]
		position = reviewStatsStyle.Render(fmt.Sprintf("%d/%d  %s",
			m.current+1, len(m.requests), rec.CatalogID))
	}
	line := title + "  " + position
	return line + "\n" + reviewRuleStyle.Render(strings.Repeat("─", max(1, m.width)))
}

func (m reviewModel) renderFooter() string {
	if m.noteMode {
		verb := "approval"
		if m.noteAction == actionDeny {
			verb = "denial"
		}
		prompt := fmt.Sprintf("notes for %s (enter to record, esc to cancel): %s█", verb, m.noteInput)
		return reviewRuleStyle.Render(strings.Repeat("─", max(1, m.width))) + "\n" +
			reviewPromptStyle.Render(prompt)
	}

	var keys string
	if m.viewMode == viewSummary {
		keys = "enter submit  tab back  q abandon"
	} else {
		keys = "y approve  n deny  s skip  ←/→ navigate  j/k scroll  tab summary  ? help  q abandon"
	}
	return reviewRuleStyle.Render(strings.Repeat("─", max(1, m.width))) + "\n" +
		reviewHelpStyle.Render(keys)
}

func (m reviewModel) renderHelp() string {
	rows := [][2]string{
		{"y", "approve the current request (prompts for notes)"},
		{"n", "deny the current request (prompts for notes)"},
		{"s", "skip; leave it pending"},
		{"←/h, →/l", "previous / next request"},
		{"j/k", "scroll the detail"},
		{"ctrl+d/u", "half-page scroll"},
		{"g/G", "top / bottom"},
		{"tab", "toggle decision summary"},
		{"enter", "on the summary: submit all decisions"},
		{"q", "abandon the session; nothing is sent"},
	}
	var b strings.Builder
	b.WriteString("\n")
	for _, row := range rows {
		b.WriteString(fmt.Sprintf("  %s  %s\n",
			reviewKeyStyle.Render(fmt.Sprintf("%-10s", row[0])),
			reviewHelpStyle.Render(row[1])))
	}
	return b.String()
}

func (m reviewModel) renderRequest(rec *datatypes.AnalysisRequest) string {
	var b strings.Builder

	b.WriteString(reviewFieldStyle.Render("Title:      ") + rec.Title + "\n")
	b.WriteString(reviewFieldStyle.Render("ID:         ") + rec.ID + "\n")
	b.WriteString(reviewFieldStyle.Render("Requester:  ") +
		fmt.Sprintf("%s <%s>, %s", rec.Requester.Name, rec.Requester.Email, rec.Requester.Institution) + "\n")
	b.WriteString(reviewFieldStyle.Render("Catalog:    ") + rec.CatalogID + "\n")
	b.WriteString(reviewFieldStyle.Render("Kind:       ") + string(rec.Kind) + "\n")
	b.WriteString(reviewFieldStyle.Render("Priority:   ") + string(rec.Priority) + "\n")
	b.WriteString(reviewFieldStyle.Render("Submitted:  ") + rec.CreatedAt.Local().Format(time.RFC822) + "\n")
	if !rec.ExpiresAt.IsZero() {
		b.WriteString(reviewFieldStyle.Render("Review by:  ") + rec.ExpiresAt.Local().Format(time.RFC822) + "\n")
	}
	if rec.Description != "" {
		b.WriteString("\n" + rec.Description + "\n")
	}
	if rec.ResearchQuestion != "" {
		b.WriteString("\n" + reviewFieldStyle.Render("Question:   ") + rec.ResearchQuestion + "\n")
	}
	if rec.Methodology != "" {
		b.WriteString(reviewFieldStyle.Render("Method:     ") + rec.Methodology + "\n")
	}

	if len(rec.Warnings) > 0 {
		b.WriteString("\n" + reviewWarnStyle.Render("Script warnings:") + "\n")
		for _, w := range rec.Warnings {
			b.WriteString(reviewWarnStyle.Render(fmt.Sprintf("  line %d: %s", w.Line, w.Message)) + "\n")
		}
	}

	if rec.ScriptBody != "" {
		b.WriteString("\n" + reviewScriptHeadStyle.Render(
			fmt.Sprintf("── script (%s) ──", rec.ScriptType)) + "\n")
		for i, line := range strings.Split(rec.ScriptBody, "\n") {
			b.WriteString(reviewLineNumStyle.Render(fmt.Sprintf("%4d ", i+1)))
			b.WriteString(line + "\n")
		}
	}

	return b.String()
}

func (m reviewModel) renderSummary() string {
	var b strings.Builder
	b.WriteString("\n" + reviewTitleStyle.Render("Decisions") + "\n\n")

	var approvals, denials, skips int
	for _, rec := range m.requests {
		d := m.decisions[rec.ID]
		var badge string
		switch d.Action {
		case actionApprove:
			approvals++
			badge = ux.Styles.Success.Render("approve")
		case actionDeny:
			denials++
			badge = ux.Styles.Error.Render("deny   ")
		case actionSkip:
			skips++
			badge = reviewStatsStyle.Render("skip   ")
		default:
			skips++
			badge = reviewStatsStyle.Render("pending")
		}
		b.WriteString(fmt.Sprintf("  %s  %s  %s\n", badge, rec.ID, rec.Title))
		if d.Notes != "" {
			b.WriteString(reviewStatsStyle.Render(fmt.Sprintf("           %s", d.Notes)) + "\n")
		}
	}

	b.WriteString(fmt.Sprintf("\n  %d to approve, %d to deny, %d left pending\n",
		approvals, denials, skips))
	b.WriteString("\n  Press " + reviewKeyStyle.Render("enter") + " to submit these decisions as " +
		reviewKeyStyle.Render(m.config.Approver) + ", or " + reviewKeyStyle.Render("q") + " to abandon.\n")
	return b.String()
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// =============================================================================
// Styles
// =============================================================================

var (
	reviewTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(ux.ColorTealBright)

	reviewStatsStyle = lipgloss.NewStyle().
				Foreground(ux.ColorSlate)

	reviewRuleStyle = lipgloss.NewStyle().
			Foreground(ux.ColorTealDeep)

	reviewFieldStyle = lipgloss.NewStyle().
				Foreground(ux.ColorTealPrimary)

	reviewWarnStyle = lipgloss.NewStyle().
			Foreground(ux.ColorWarning)

	reviewScriptHeadStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(ux.ColorTealDeep)

	reviewLineNumStyle = lipgloss.NewStyle().
				Foreground(ux.ColorSlate)

	reviewKeyStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(ux.ColorTealBright)

	reviewHelpStyle = lipgloss.NewStyle().
			Foreground(ux.ColorSlate)

	reviewPromptStyle = lipgloss.NewStyle().
				Foreground(ux.ColorWarning)
)
