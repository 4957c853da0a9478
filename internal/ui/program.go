package ui

import (
	"io"

	tea "github.com/charmbracelet/bubbletea"
)

// RunOnceModel is a Bubble Tea model that renders once and exits.
type RunOnceModel struct {
	content string
}

// NewRunOnceModel creates a model that will render the given content and exit
func NewRunOnceModel(content string) RunOnceModel {
	return RunOnceModel{content: content}
}

// Init implements tea.Model
func (m RunOnceModel) Init() tea.Cmd {
	return tea.Quit
}

// Update implements tea.Model
func (m RunOnceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	return m, nil
}

// View implements tea.Model
func (m RunOnceModel) View() string {
	return m.content
}

// RenderOnce renders content through Bubble Tea and exits immediately.
func RenderOnce(w io.Writer, content string) error {
	p := tea.NewProgram(NewRunOnceModel(content), tea.WithOutput(w), tea.WithInput(nil))
	_, err := p.Run()
	return err
}
