// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

// Package tui is the terminal cache inspector: buckets, their entries and
// single entries, read straight from cache storage.
package tui

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/casjay-forks/cascache/src/storage"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	subtitleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	focusedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)

	blurredStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("205")).
			Padding(0, 1)
)

// Run opens the inspector on s until the user quits.
func Run(ctx context.Context, s storage.Storage) error {
	p := tea.NewProgram(New(ctx, s), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("inspector: %w", err)
	}
	return nil
}

// Fprint writes a plain listing of every bucket and entry, for pipes and
// dumb terminals.
func Fprint(ctx context.Context, w io.Writer, s storage.Storage) error {
	stats, err := s.Stats(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, st := range stats {
		fmt.Fprintf(tw, "%s\t%d entries\t%s\n", st.Name, st.Entries, humanBytes(st.Bytes))

		b, err := s.Open(ctx, st.Name)
		if err != nil {
			return err
		}
		entries, err := b.Entries(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(tw, "  %s\t%d\t%s\t%s\n", e.URL, e.Status, humanBytes(e.Size()), e.Header.Get("Content-Type"))
		}
	}
	return tw.Flush()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
