// This file is part of CasCache.

// CasCache is free software released under the MIT License.
// See LICENSE.md file for details.

package tui

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/casjay-forks/cascache/src/storage"
	tea "github.com/charmbracelet/bubbletea"
)

type screen int

const (
	screenBuckets screen = iota
	screenEntries
	screenEntry
)

// previewBytes caps the body shown on the entry screen
const previewBytes = 2048

type bucketsMsg struct {
	stats []storage.BucketStats
	err   error
}

type entriesMsg struct {
	bucket  string
	entries []*storage.Entry
	err     error
}

// Model is the bubbletea model of the inspector.
type Model struct {
	ctx   context.Context
	store storage.Storage

	screen  screen
	buckets []storage.BucketStats
	bucket  string
	entries []*storage.Entry
	cursor  int
	// cursor position on the bucket list while browsing entries
	bucketCursor int

	err    error
	width  int
	height int
}

func New(ctx context.Context, s storage.Storage) Model {
	return Model{ctx: ctx, store: s}
}

func (m Model) Init() tea.Cmd {
	return m.loadBuckets
}

func (m Model) loadBuckets() tea.Msg {
	stats, err := m.store.Stats(m.ctx)
	return bucketsMsg{stats: stats, err: err}
}

func (m Model) loadEntries(name string) tea.Cmd {
	return func() tea.Msg {
		b, err := m.store.Open(m.ctx, name)
		if err != nil {
			return entriesMsg{bucket: name, err: err}
		}
		entries, err := b.Entries(m.ctx)
		return entriesMsg{bucket: name, entries: entries, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case bucketsMsg:
		m.err = msg.err
		m.buckets = msg.stats
		m.cursor = clamp(m.cursor, len(m.buckets))

	case entriesMsg:
		m.err = msg.err
		if msg.err == nil {
			m.bucket = msg.bucket
			m.entries = msg.entries
			sort.SliceStable(m.entries, func(i, j int) bool { return m.entries[i].URL < m.entries[j].URL })
			m.screen = screenEntries
			m.cursor = 0
		}

	case tea.KeyMsg:
		return m.key(msg.String())
	}
	return m, nil
}

func (m Model) key(k string) (tea.Model, tea.Cmd) {
	switch k {
	case "ctrl+c", "q":
		return m, tea.Quit

	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < m.rows()-1 {
			m.cursor++
		}

	case "enter", "right", "l":
		switch m.screen {
		case screenBuckets:
			if len(m.buckets) > 0 {
				m.bucketCursor = m.cursor
				return m, m.loadEntries(m.buckets[m.cursor].Name)
			}
		case screenEntries:
			if len(m.entries) > 0 {
				m.screen = screenEntry
			}
		}

	case "esc", "backspace", "left", "h":
		switch m.screen {
		case screenEntry:
			m.screen = screenEntries
		case screenEntries:
			m.screen = screenBuckets
			m.cursor = m.bucketCursor
		}

	case "r":
		m.screen = screenBuckets
		return m, m.loadBuckets
	}
	return m, nil
}

func (m Model) rows() int {
	if m.screen == screenBuckets {
		return len(m.buckets)
	}
	return len(m.entries)
}

func clamp(i, n int) int {
	if i >= n {
		i = n - 1
	}
	if i < 0 {
		i = 0
	}
	return i
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(boxStyle.Render(titleStyle.Render("CASCACHE") + subtitleStyle.Render(" • cache storage")))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(errorStyle.Render("Error: "+m.err.Error()) + "\n")
	}

	switch m.screen {
	case screenBuckets:
		m.bucketsView(&b)
	case screenEntries:
		m.entriesView(&b)
	case screenEntry:
		m.entryView(&b)
	}

	b.WriteString(helpStyle.Render("↑/↓: move • enter: open • esc: back • r: reload • q: quit"))
	return b.String()
}

func (m Model) bucketsView(b *strings.Builder) {
	b.WriteString(titleStyle.Render("Buckets") + "\n")
	if len(m.buckets) == 0 {
		b.WriteString(subtitleStyle.Render("No buckets yet") + "\n")
		return
	}
	for i, st := range m.buckets {
		line := fmt.Sprintf("%-40s %6d entries %10s", st.Name, st.Entries, humanBytes(st.Bytes))
		b.WriteString(m.row(i, line) + "\n")
	}
}

func (m Model) entriesView(b *strings.Builder) {
	b.WriteString(titleStyle.Render(m.bucket) + "\n")
	if len(m.entries) == 0 {
		b.WriteString(subtitleStyle.Render("Bucket is empty") + "\n")
		return
	}
	for i, e := range m.entries {
		line := fmt.Sprintf("%-50s %3d %10s", e.URL, e.Status, humanBytes(e.Size()))
		b.WriteString(m.row(i, line) + "\n")
	}
}

func (m Model) entryView(b *strings.Builder) {
	e := m.entries[clamp(m.cursor, len(m.entries))]
	b.WriteString(titleStyle.Render(e.URL) + "\n")
	fmt.Fprintf(b, "Status:  %d\n", e.Status)
	fmt.Fprintf(b, "Stored:  %s\n", e.StoredAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(b, "Size:    %s\n", humanBytes(e.Size()))

	names := make([]string, 0, len(e.Header))
	for name := range e.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	b.WriteString("\n")
	for _, name := range names {
		fmt.Fprintf(b, "%s: %s\n", name, strings.Join(e.Header[name], ", "))
	}

	if isText(e.Header.Get("Content-Type")) {
		body := e.Body
		if len(body) > previewBytes {
			body = body[:previewBytes]
		}
		b.WriteString("\n" + blurredStyle.Render(string(body)) + "\n")
	}
}

func (m Model) row(i int, line string) string {
	if i == m.cursor {
		return focusedStyle.Render("> " + line)
	}
	return blurredStyle.Render("  " + line)
}

func isText(contentType string) bool {
	return strings.HasPrefix(contentType, "text/") ||
		strings.Contains(contentType, "json") ||
		strings.Contains(contentType, "javascript") ||
		strings.Contains(contentType, "xml")
}
