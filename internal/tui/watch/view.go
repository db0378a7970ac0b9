package watch

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

func (m *Model) View() string {
	width := m.width
	if width <= 0 {
		width = 80
	}

	sections := []string{
		m.renderHeader(width),
		m.renderJobs(width),
	}
	if m.lastError != "" {
		sections = append(sections, m.theme.StatusFailed.Render("  "+m.lastError))
	}
	sections = append(sections, m.theme.Dim.Render("  q to quit"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m *Model) renderHeader(width int) string {
	var status string
	switch {
	case !m.connected:
		status = m.theme.StatusFailed.Render("CONNECTING")
	case m.runDone:
		status = m.theme.StatusOK.Render("DONE")
	default:
		status = m.theme.StatusRunning.Render(m.spinner.View() + "DISPATCHING")
	}

	runID := m.runID
	if runID == "" {
		runID = "?"
	}

	var done, total int
	for _, row := range m.jobs {
		total++
		switch row.status {
		case "succeeded", "failed", "launch_failed", "timed_out":
			done++
		}
	}

	line := fmt.Sprintf("%s  run %s  %d/%d jobs done", status, runID, done, total)
	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("FANQ WATCH"),
		lipgloss.NewStyle().Padding(0, 1).Render(line),
	)
	return m.theme.Border.Width(width - 4).Render(content)
}

func (m *Model) renderJobs(width int) string {
	if len(m.order) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			m.theme.Title.Render("JOBS"),
			m.theme.Dim.Render("  Waiting for jobs..."),
		)
		return m.theme.Border.Width(width - 4).Render(content)
	}

	var lines []string
	for _, id := range m.order {
		row := m.jobs[id]
		status := m.theme.styleFor(row.status).Render(fmt.Sprintf("%-13s", row.status))
		line := fmt.Sprintf("%s %s", status, row.input)
		if row.errMsg != "" {
			line += m.theme.Dim.Render("  (" + row.errMsg + ")")
		}
		lines = append(lines, line)
	}

	content := lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("JOBS"),
		lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n")),
	)
	return m.theme.Border.Width(width - 4).Render(content)
}
