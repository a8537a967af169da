package tui

import "github.com/charmbracelet/lipgloss"

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingTop(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			PaddingBottom(1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)

	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// pill renders text on a category color.
func pill(text, hex string) string {
	if hex == "" {
		return mutedStyle.Render("[" + text + "]")
	}
	fg := lipgloss.Color("#ffffff")
	if hex == "#fbbc04" {
		fg = lipgloss.Color("#000000")
	}
	return lipgloss.NewStyle().
		Background(lipgloss.Color(hex)).
		Foreground(fg).
		Padding(0, 1).
		Render(text)
}
