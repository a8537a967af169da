package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"cloudidian/internal/highlight"
	"cloudidian/internal/model"
)

// View renders the appropriate view based on current state.
func (m *AppModel) View() string {
	var b strings.Builder
	switch m.view {
	case viewInbox:
		if m.inboxLoading && len(m.inboxList.Items()) == 0 {
			b.WriteString(m.spinner.View() + " Loading inbox...\n")
		} else {
			b.WriteString(m.inboxList.View())
		}
		b.WriteString("\n")
		b.WriteString(inboxFooter())
	case viewDetail:
		b.WriteString(m.detail.View())
		b.WriteString("\n")
		b.WriteString(detailFooter())
	default:
		b.WriteString(m.dashboardView())
	}
	if n := m.noticeView(); n != "" {
		b.WriteString("\n")
		b.WriteString(n)
	}
	return b.String()
}

func (m *AppModel) dashboardView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Cloudidian"))
	b.WriteString("\n\n")

	switch m.sess.state {
	case stateVerifying:
		b.WriteString(m.spinner.View() + " " + m.status + "\n")
		return b.String()
	case stateUnauthenticated:
		b.WriteString("Not connected.\n")
		if m.status != "" {
			b.WriteString("\n" + m.spinner.View() + " " + m.status + "\n")
		}
		b.WriteString(footerStyle.Render("l: sign in with Google  q: quit"))
		return b.String()
	}

	u := m.sess.cred.User
	b.WriteString(fmt.Sprintf("Signed in as %s %s\n\n", displayUser(u), mutedStyle.Render("<"+u.Email+">")))

	b.WriteString(panelStyle.Render(m.jobView()))
	b.WriteString("\n")
	b.WriteString(panelStyle.Render(m.statsView()))
	b.WriteString("\n")
	b.WriteString(footerStyle.Render(dashboardFooter(m.sess.jobInProgress)))
	return b.String()
}

func (m *AppModel) jobView() string {
	j := m.sess.currentJob
	if !m.sess.jobInProgress && j.JobID == "" {
		return "No job yet. Press s to sort unread mail."
	}
	var b strings.Builder
	status := string(j.Status)
	if status == "" {
		status = string(model.StatusPending)
	}
	b.WriteString(fmt.Sprintf("Job %s  %s\n", shortID(j.JobID), status))
	b.WriteString(m.progress.ViewAs(float64(j.ProgressPercent()) / 100))
	b.WriteString("\n")
	b.WriteString(progressLine(j))
	if j.ErrorCount > 0 {
		b.WriteString(errorStyle.Render(fmt.Sprintf("  %d errors", j.ErrorCount)))
	}
	return b.String()
}

// progressLine is "processed/total (pct%)".
func progressLine(j model.Job) string {
	return fmt.Sprintf("%d/%d (%d%%)", j.ProcessedEmails, j.TotalEmails, j.ProgressPercent())
}

func (m *AppModel) statsView() string {
	if !m.haveStats {
		return mutedStyle.Render("Stats loading...")
	}
	s := m.stats
	var b strings.Builder
	b.WriteString(headerStyle.Render("Stats"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("Processed: %d   Unread: %d   Last run: %s\n", s.TotalProcessed, s.UnreadCount, formatRunTime(s.LastRunTime)))

	colors := make(map[string]string, len(m.categories))
	for _, c := range m.categories {
		colors[c.Name] = c.Color
	}
	for _, name := range sortedCategories(s.CategoryCounts) {
		col := colors[name]
		if col == "" {
			col = highlight.DefaultColors[name]
		}
		b.WriteString(fmt.Sprintf("%s %d\n", pill(name, col), s.CategoryCounts[name]))
	}
	return strings.TrimRight(b.String(), "\n")
}

// sortedCategories orders by count, then name.
func sortedCategories(counts map[string]int) []string {
	names := make([]string, 0, len(counts))
	for n := range counts {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] == counts[names[j]] {
			return names[i] < names[j]
		}
		return counts[names[i]] > counts[names[j]]
	})
	return names
}

func formatRunTime(s string) string {
	if s == "" {
		return "never"
	}
	if t, ok := model.ParseTimestamp(s); ok {
		return t.Local().Format("Jan 2, 15:04")
	}
	return s
}

func (m *AppModel) noticeView() string {
	if m.notice.text == "" {
		return ""
	}
	if m.notice.err {
		return errorStyle.Render(m.notice.text) + mutedStyle.Render("  (esc to dismiss)")
	}
	return noticeStyle.Render(m.notice.text)
}

func dashboardFooter(jobRunning bool) string {
	if jobRunning {
		return "c: cancel job  h: inbox  r: refresh  o: sign out  q: quit"
	}
	return "s: sort unread  b: sort all  i: sort inbox  h: inbox  r: refresh  o: sign out  q: quit"
}

// trimDate converts an RFC3339 timestamp to a short date string.
func trimDate(rfc3339 string) string {
	if rfc3339 == "" {
		return ""
	}
	if t, err := time.Parse(time.RFC3339, rfc3339); err == nil {
		return t.Format("Jan 2, 2006")
	}
	return rfc3339
}
