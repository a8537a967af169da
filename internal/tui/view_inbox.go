package tui

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"

	"cloudidian/internal/highlight"
)

// rowItem wraps a highlighted inbox row for the list.
type rowItem struct {
	highlight.Row
	color string
}

func (r rowItem) FilterValue() string { return r.From + " " + r.Subject + " " + r.Category() }

// rowDelegate draws a category pill in front of highlighted rows.
type rowDelegate struct{}

func (rowDelegate) Height() int { return 2 }
func (rowDelegate) Spacing() int { return 1 }
func (rowDelegate) Update(tea.Msg, *list.Model) tea.Cmd { return nil }

func (rowDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	r, ok := item.(rowItem)
	if !ok {
		return
	}
	cursor := "  "
	title := r.From
	if index == m.Index() {
		cursor = accentStyle.Render("> ")
		title = titleStyle.Render(title)
	}
	tag := ""
	if cat := r.Category(); cat != "" {
		tag = pill(cat, r.color) + " "
	}
	desc := r.Subject
	if d := trimDate(r.Date); d != "" {
		desc += mutedStyle.Render("  " + d)
	}
	fmt.Fprintf(w, "%s%s%s\n  %s", cursor, tag, title, desc)
}

func rowsToItems(rows []highlight.Row, t *highlight.Tracker) []list.Item {
	items := make([]list.Item, len(rows))
	for i, r := range rows {
		color := ""
		if len(r.Classes) > 0 {
			color = t.Color(r.Classes[0])
		}
		items[i] = rowItem{Row: r, color: color}
	}
	return items
}

func countHighlighted(rows []highlight.Row) int {
	n := 0
	for _, r := range rows {
		if len(r.Classes) > 0 {
			n++
		}
	}
	return n
}

func rowDetail(r highlight.Row, t *highlight.Tracker) string {
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("From: %s <%s>\nSubject: %s\nDate: %s", r.From, r.Sender, r.Subject, trimDate(r.Date))))
	b.WriteString("\n")
	b.WriteString("Labels: " + strings.Join(r.Labels, ", ") + "\n")
	if len(r.Classes) == 0 {
		b.WriteString(mutedStyle.Render("Not sorted by Cloudidian yet."))
		return b.String()
	}
	b.WriteString("Highlight: ")
	for _, c := range r.Classes {
		b.WriteString(pill(strings.TrimPrefix(c, highlight.ClassPrefix), t.Color(c)) + " ")
	}
	return strings.TrimRight(b.String(), " ")
}

func inboxFooter() string {
	return footerStyle.Render("enter: details  r: reload  /: filter  esc: back  q: quit")
}

func detailFooter() string {
	return footerStyle.Render("o: open in gmail  esc: back  q: quit")
}
