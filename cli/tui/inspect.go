package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/veritaslabs/veritas/cli/reader"
)

// InspectModel is a Bubble Tea model for the audit inspect view.
type InspectModel struct {
	viewType string
	data     any
	width    int
	height   int
	quitting bool
}

// NewInspectModel creates an inspect model.
func NewInspectModel(viewType string, data any) InspectModel {
	return InspectModel{
		viewType: viewType,
		data:     data,
	}
}

// Init implements tea.Model.
func (m InspectModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m InspectModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
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
func (m InspectModel) View() string {
	if m.quitting {
		return ""
	}

	var content string
	switch m.viewType {
	case "inspect_audit":
		content = m.renderInspectAudit()
	default:
		content = fmt.Sprintf("Unknown view type: %s", m.viewType)
	}

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return content + "\n" + help
}

func (m InspectModel) renderInspectAudit() string {
	data, ok := m.data.(*reader.AuditDetail)
	if !ok {
		return "Invalid data type for inspect_audit"
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Audit Details"))
	b.WriteString("\n\n")

	rows := [][]string{
		{"Audit ID", data.AuditID},
		{"URL", data.URL},
		{"Status", data.Status},
		{"Tier", data.Tier},
		{"Verdict Mode", data.VerdictMode},
		{"IPC Mode", data.IPCMode},
		{"Attempt", fmt.Sprintf("%d", data.Attempt)},
		{"Started At", data.StartedAt},
	}
	if data.CompletedAt != nil {
		rows = append(rows, []string{"Completed At", *data.CompletedAt})
	}

	for _, row := range rows {
		label := LabelStyle.Render(row[0] + ":")
		value := row[1]
		if row[0] == "Status" {
			value = StatusStyle(data.Status).Render(value)
		} else {
			value = ValueStyle.Render(value)
		}
		b.WriteString(fmt.Sprintf("%s %s\n", label, value))
	}

	b.WriteString("\n")
	b.WriteString(TitleStyle.Render("Verdict"))
	b.WriteString("\n")
	if data.TrustScore != nil {
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render("Trust Score:"),
			ScoreStyle(*data.TrustScore).Render(fmt.Sprintf("%d / 100", *data.TrustScore))))
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render("Risk Level:"),
			ValueStyle.Render(data.RiskLevel)))
	} else {
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render("Trust Score:"),
			ValueStyle.Render("(none)")))
	}
	if data.Summary != "" {
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render("Summary:"),
			ValueStyle.Render(data.Summary)))
	}
	if data.SiteType != "" {
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render("Site Type:"),
			ValueStyle.Render(data.SiteType)))
	}
	if data.Degraded {
		b.WriteString(fmt.Sprintf("%s %s\n",
			LabelStyle.Render("Degraded:"),
			WarningStyle.Render("yes")))
	}

	b.WriteString("\n")
	b.WriteString(TitleStyle.Render("Evidence"))
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("%s %s\n",
		LabelStyle.Render("Pages:"),
		ValueStyle.Render(fmt.Sprintf("%d", data.PagesScanned))))
	b.WriteString(fmt.Sprintf("%s %s\n",
		LabelStyle.Render("Screenshots:"),
		ValueStyle.Render(fmt.Sprintf("%d", data.ScreenshotsTaken))))
	b.WriteString(fmt.Sprintf("%s %s\n",
		LabelStyle.Render("Events:"),
		ValueStyle.Render(fmt.Sprintf("%d", data.EventCount))))

	if len(data.Findings) > 0 {
		b.WriteString("\n")
		b.WriteString(TitleStyle.Render("Findings"))
		b.WriteString("\n")
		for _, f := range data.Findings {
			sev := severityStyle(f.Severity).Render(f.Severity)
			b.WriteString(fmt.Sprintf("  • [%s] %s: %s\n", sev, f.PatternType, f.Description))
		}
	}

	if len(data.Errors) > 0 {
		b.WriteString("\n")
		b.WriteString(TitleStyle.Render("Errors"))
		b.WriteString("\n")
		for _, e := range data.Errors {
			b.WriteString(fmt.Sprintf("  • %s: %s\n",
				ErrorStyle.Render(e.Kind), ValueStyle.Render(e.Message)))
		}
	}

	return BoxStyle.Render(b.String())
}

func severityStyle(severity string) lipgloss.Style {
	switch severity {
	case "high", "critical":
		return ErrorStyle
	case "medium":
		return WarningStyle
	default:
		return ValueStyle
	}
}

// keyMap defines key bindings.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// RunInspectTUI runs the inspect TUI.
func RunInspectTUI(viewType string, data any) error {
	model := NewInspectModel(viewType, data)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// RenderInspectStatic renders inspect data without the full TUI loop.
func RenderInspectStatic(viewType string, data any) string {
	model := NewInspectModel(viewType, data)
	model.width = 80
	model.height = 24
	return lipgloss.NewStyle().Padding(1, 2).Render(model.View())
}
