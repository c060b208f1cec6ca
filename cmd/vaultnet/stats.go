package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"vaultnet/pkg/transport"
	"vaultnet/pkg/types"
	"vaultnet/pkg/utils"
	"vaultnet/pkg/vault"
)

var (
	primaryColor   = lipgloss.Color("#FF79C6")
	secondaryColor = lipgloss.Color("#8BE9FD")
	accentColor    = lipgloss.Color("#50FA7B")
	warningColor   = lipgloss.Color("#FFB86C")
	dangerColor    = lipgloss.Color("#FF5555")
	mutedColor     = lipgloss.Color("#6272A4")
	bgLightColor   = lipgloss.Color("#44475A")
	fgColor        = lipgloss.Color("#F8F8F2")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	promptStyle = lipgloss.NewStyle().
			Foreground(secondaryColor).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(dangerColor)

	labelStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Width(16)

	valueStyle = lipgloss.NewStyle().
			Foreground(fgColor).
			Bold(true)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(secondaryColor).
			Background(bgLightColor).
			Padding(0, 1)

	rowStyle = lipgloss.NewStyle().
			Padding(0, 1)
)

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(bgLightColor)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return rowStyle.Copy().Foreground(fgColor)
		}).
		Headers(headers...)
}

// renderRPCStats shows one row per RPC method the client has called.
func renderRPCStats(stats []transport.MethodStats) string {
	if len(stats) == 0 {
		return mutedStyle.Render("No RPCs executed yet.")
	}
	t := newTable("METHOD", "CALLS", "ERRORS", "MEAN", "MAX")
	for _, s := range stats {
		failed := fmt.Sprintf("%d", s.Errors)
		if s.Errors > 0 {
			failed = lipgloss.NewStyle().Foreground(warningColor).Render(failed)
		}
		t.Row(s.Method, fmt.Sprintf("%d", s.Calls), failed, formatDuration(s.Mean), formatDuration(s.Max))
	}
	return t.Render()
}

func renderVaults(vaults []*vault.Vault) string {
	if len(vaults) == 0 {
		return mutedStyle.Render("No vaults running.")
	}
	t := newTable("#", "VAULT ID", "ADDRESS", "STATE", "CHUNKS", "USED", "USAGE")
	for i, v := range vaults {
		info := v.Info()
		state := info.State
		switch info.State {
		case vault.Started.String():
			state = lipgloss.NewStyle().Foreground(accentColor).Render(state)
		case vault.Starting.String(), vault.Stopping.String():
			state = lipgloss.NewStyle().Foreground(warningColor).Render(state)
		default:
			state = lipgloss.NewStyle().Foreground(dangerColor).Render(state)
		}
		usage := 0.0
		if info.Capacity > 0 {
			usage = float64(info.Used) / float64(info.Capacity) * 100
		}
		t.Row(
			fmt.Sprintf("%d", i),
			info.ID.Short(),
			info.Address,
			state,
			fmt.Sprintf("%d", info.ChunkCount),
			fmt.Sprintf("%s / %s", utils.FormatDataSize(info.Used), utils.FormatDataSize(info.Capacity)),
			renderProgressBar(usage, 12),
		)
	}
	return t.Render()
}

func renderChunks(rows [][]string) string {
	t := newTable("NAME", "CHUNK", "SIZE", "LOCAL")
	for _, row := range rows {
		t.Row(row...)
	}
	return t.Render()
}

func renderAccount(status types.AccountStatus) string {
	lines := []string{
		titleStyle.Render("Account"),
		labelStyle.Render("Space offered:") + valueStyle.Render(utils.FormatDataSize(int64(status.Offered))),
		labelStyle.Render("Space given:") + valueStyle.Render(utils.FormatDataSize(int64(status.Given))),
		labelStyle.Render("Space taken:") + valueStyle.Render(utils.FormatDataSize(int64(status.Taken))),
		labelStyle.Render("Available:") + valueStyle.Render(utils.FormatDataSize(int64(status.Available()))),
	}
	return strings.Join(lines, "\n")
}

func renderProgressBar(percent float64, width int) string {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	filled := int(float64(width) * percent / 100)
	empty := width - filled

	bar := lipgloss.NewStyle().Foreground(accentColor).Render(strings.Repeat("█", filled))
	bar += lipgloss.NewStyle().Foreground(bgLightColor).Render(strings.Repeat("░", empty))

	return fmt.Sprintf("%s %.1f%%", bar, percent)
}

func formatDuration(d time.Duration) string {
	switch {
	case d == 0:
		return "-"
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%.1fms", float64(d)/float64(time.Millisecond))
	}
	return fmt.Sprintf("%.2fs", d.Seconds())
}
