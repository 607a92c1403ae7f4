package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/veritaslabs/veritas/cli/reader"
)

// StatsModel is a Bubble Tea model for the stats view.
type StatsModel struct {
	viewType string
	data     any
	width    int
	height   int
	quitting bool
}

// NewStatsModel creates a stats model.
func NewStatsModel(viewType string, data any) StatsModel {
	return StatsModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m StatsModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m StatsModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}
	}

	return m, nil
}

// View implements tea.Model.
func (m StatsModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case "stats_audits":
		content = m.renderStatsAudits()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return content + "\n" + help
}

func (m StatsModel) renderStatsAudits() string {
	data, ok := m.data.(*reader.StatsView)
	if !ok {
		return "Invalid data type for stats_audits"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Audit Statistics"))
	b.WriteString("\n\n")

	boxes := []string{
		m.renderStatBox("Total", data.Total, highlightColor),
		m.renderStatBox("Completed", data.Completed, successColor),
		m.renderStatBox("Running", data.ByStatus["running"], warningColor),
		m.renderStatBox("Errors", data.ByStatus["error"], errorColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))

	b.WriteString("\n\n")
	b.WriteString(TitleStyle.Render("By Tier"))
	b.WriteString("\n")
	for _, tier := range sortedKeys(data.ByTier) {
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render(tier+":"),
			ValueStyle.Render(fmt.Sprintf("%d", data.ByTier[tier]))))
	}

	b.WriteString("\n")
	b.WriteString(TitleStyle.Render("Averages"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s %s\n",
		LabelStyle.Render("Trust Score:"),
		ValueStyle.Render(fmt.Sprintf("%.1f", data.AvgTrustScore))))
	b.WriteString(fmt.Sprintf("%s %s\n",
		LabelStyle.Render("Elapsed:"),
		ValueStyle.Render(fmt.Sprintf("%.1fs", data.AvgElapsedSeconds))))
	if data.Degraded > 0 {
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render("Degraded:"),
			WarningStyle.Render(fmt.Sprintf("%d", data.Degraded))))
	}

	return b.String()
}

func (m StatsModel) renderStatBox(label string, value int64, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)

	valueStr := StatValueStyle.Foreground(color).Render(fmt.Sprintf("%d", value))
	labelStr := StatLabelStyle.Render(label)

	content := lipgloss.JoinVertical(lipgloss.Center, valueStr, labelStr)

	return boxStyle.Render(content)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RunStatsTUI runs the stats TUI.
func RunStatsTUI(viewType string, data any) error {
	model := NewStatsModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderStatsStatic renders stats data without the full TUI loop.
func RenderStatsStatic(viewType string, data any) string {
	model := NewStatsModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
