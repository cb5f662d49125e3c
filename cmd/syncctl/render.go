package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/danmuck/sessync/internal/doc"
	"github.com/danmuck/sessync/internal/syncsession"
)

var (
	colorRed    = lipgloss.Color("#FF0000")
	colorGreen  = lipgloss.Color("#00FF00")
	colorYellow = lipgloss.Color("#FFFF00")
	colorCyan   = lipgloss.Color("#00FFFF")
	colorGray   = lipgloss.Color("#666666")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorCyan)

	onlineStyle = lipgloss.NewStyle().
			Foreground(colorGreen).
			Bold(true)

	retryStyle = lipgloss.NewStyle().
			Foreground(colorYellow)

	errorStyle = lipgloss.NewStyle().
			Foreground(colorRed).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(colorGray)
)

const barWidth = 24

// capabilityMarks abbreviates capabilities in device listings.
var capabilityMarks = []struct {
	cap  doc.Capability
	mark string
}{
	{doc.CapUpload, "U"},
	{doc.CapTranscribe, "T"},
	{doc.CapTranslate, "X"},
	{doc.CapDownload, "D"},
	{doc.CapConfigure, "C"},
}

func renderStatus(st syncsession.ConnectionStatus) string {
	var state string
	switch {
	case st.Connected:
		state = onlineStyle.Render("● connected")
	case st.State == "failed":
		state = errorStyle.Render("✕ failed")
	case st.State == "reconnecting":
		state = retryStyle.Render(fmt.Sprintf("○ reconnecting (attempt %d)", st.Attempt))
	default:
		state = dimStyle.Render("○ " + st.State)
	}
	parts := []string{state, dimStyle.Render(fmt.Sprintf("latency %.0fms", st.LatencyMS))}
	if st.Pending > 0 {
		parts = append(parts, retryStyle.Render(fmt.Sprintf("%d queued", st.Pending)))
	}
	if !st.LastSyncAt.IsZero() {
		parts = append(parts, dimStyle.Render("synced "+st.LastSyncAt.Format("15:04:05")))
	}
	if st.Error != "" {
		parts = append(parts, errorStyle.Render(st.Error))
	}
	return strings.Join(parts, "  ")
}

func renderTranscription(tr doc.TranscriptionState) string {
	filled := int(tr.Progress / 100 * barWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	line := fmt.Sprintf("%s %s %5.1f%%", titleStyle.Render(string(tr.Status)), bar, tr.Progress)
	if tr.CurrentStep != "" {
		line += " " + dimStyle.Render(tr.CurrentStep)
	}
	if tr.Error != "" {
		line += " " + errorStyle.Render(tr.Error)
	}
	return line
}

func renderDevices(devices []doc.Device) string {
	if len(devices) == 0 {
		return dimStyle.Render("no devices registered")
	}
	lines := make([]string, 0, len(devices))
	for _, d := range devices {
		name := d.Name
		if name == "" {
			name = d.ID
		}
		role := string(d.Role)
		if d.Role == doc.RolePrimary {
			role = onlineStyle.Render(role)
		}
		lines = append(lines, fmt.Sprintf("  %s %s %s %s", name, dimStyle.Render("("+string(d.Type)+")"), role, dimStyle.Render(capabilities(d))))
	}
	return strings.Join(lines, "\n")
}

func capabilities(d doc.Device) string {
	var b strings.Builder
	for _, m := range capabilityMarks {
		if d.Can(m.cap) {
			b.WriteString(m.mark)
		} else {
			b.WriteString("-")
		}
	}
	return b.String()
}

// renderExpiry reports the session lifetime; ok is false once it has elapsed.
func renderExpiry(d doc.SessionDocument, now time.Time) (line string, ok bool) {
	if d.Expired(now) {
		return errorStyle.Render("session expired"), false
	}
	if d.ExpiresAt == 0 {
		return "", true
	}
	left := time.UnixMilli(d.ExpiresAt).Sub(now).Round(time.Minute)
	return dimStyle.Render(fmt.Sprintf("expires in %s", left)), true
}
