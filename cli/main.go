package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Styling
var (
	docStyle = lipgloss.NewStyle().Margin(1, 2)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#30d158")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#ff453a")).
			Padding(0, 1)
)

// Model defines the application state
type Model struct {
	mainMenu    list.Model
	sweepView   table.Model
	taskInput   textinput.Model
	agentInput  textinput.Model
	spinner     spinner.Model
	client      *ApiClient
	loading     bool
	currentView string
	result      string
	error       string
}

// item represents a list item
type item struct {
	title, desc string
}

// FilterValue implements list.Item interface
func (i item) FilterValue() string { return i.title }

// Title implements list.Item interface
func (i item) Title() string { return i.title }

// Description implements list.Item interface
func (i item) Description() string { return i.desc }

// Async operation results
type execDoneMsg struct {
	resp *ExecutionResponse
	err  error
}

type sweepDoneMsg struct {
	resp *SweepResponse
	err  error
}

type learnDoneMsg struct {
	resp *LearningResponse
	err  error
}

// Initialize the model
func initialModel() Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	items := []list.Item{
		item{title: "Run Task", desc: "Execute an agent against a task"},
		item{title: "Monitor Sweep", desc: "Evaluate all active monitors"},
		item{title: "Learning Analysis", desc: "Mine an agent's execution history"},
		item{title: "Exit", desc: "Exit the application"},
	}

	mainMenu := list.New(items, list.NewDefaultDelegate(), 0, 0)
	mainMenu.Title = "opspilot CLI"

	columns := []table.Column{
		{Title: "Monitor", Width: 24},
		{Title: "Trigger", Width: 18},
		{Title: "Outcome", Width: 30},
	}
	sweepTable := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	taskInput := textinput.New()
	taskInput.Placeholder = "Describe the task"
	taskInput.CharLimit = 500
	taskInput.Width = 60

	agentInput := textinput.New()
	agentInput.Placeholder = "Agent ID"
	agentInput.CharLimit = 10
	agentInput.Width = 12

	return Model{
		mainMenu:    mainMenu,
		sweepView:   sweepTable,
		taskInput:   taskInput,
		agentInput:  agentInput,
		spinner:     s,
		client:      NewApiClient(),
		currentView: "menu",
	}
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m, tea.Quit
		case "esc":
			if m.currentView != "menu" {
				m.currentView = "menu"
				m.error = ""
				m.result = ""
				return m, nil
			}
		case "enter":
			return m.handleEnter()
		}

	case tea.WindowSizeMsg:
		h, v := docStyle.GetFrameSize()
		m.mainMenu.SetSize(msg.Width-h, msg.Height-v)

	case execDoneMsg:
		m.loading = false
		if msg.err != nil {
			m.error = msg.err.Error()
		} else {
			m.result = formatExecution(msg.resp)
		}
		m.currentView = "result"
		return m, nil

	case sweepDoneMsg:
		m.loading = false
		if msg.err != nil {
			m.error = msg.err.Error()
			m.currentView = "result"
			return m, nil
		}
		m.sweepView.SetRows(sweepRows(msg.resp))
		m.result = fmt.Sprintf("%d monitors checked, %d triggered", msg.resp.MonitorsChecked, msg.resp.TriggersActivated)
		m.currentView = "sweep"
		return m, nil

	case learnDoneMsg:
		m.loading = false
		if msg.err != nil {
			m.error = msg.err.Error()
		} else {
			m.result = fmt.Sprintf("%s\n\n%s", msg.resp.Message, string(msg.resp.Learning))
		}
		m.currentView = "result"
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	switch m.currentView {
	case "menu":
		m.mainMenu, cmd = m.mainMenu.Update(msg)
	case "task", "learn":
		if m.agentInput.Focused() {
			m.agentInput, cmd = m.agentInput.Update(msg)
		} else {
			m.taskInput, cmd = m.taskInput.Update(msg)
		}
	case "sweep":
		m.sweepView, cmd = m.sweepView.Update(msg)
	}
	return m, cmd
}

func (m Model) handleEnter() (tea.Model, tea.Cmd) {
	switch m.currentView {
	case "menu":
		selected, ok := m.mainMenu.SelectedItem().(item)
		if !ok {
			return m, nil
		}
		switch selected.title {
		case "Run Task":
			m.currentView = "task"
			m.agentInput.Focus()
			return m, nil
		case "Monitor Sweep":
			m.loading = true
			return m, tea.Batch(m.spinner.Tick, func() tea.Msg {
				resp, err := m.client.RunSweep()
				return sweepDoneMsg{resp, err}
			})
		case "Learning Analysis":
			m.currentView = "learn"
			m.agentInput.Focus()
			return m, nil
		case "Exit":
			return m, tea.Quit
		}

	case "task":
		if m.agentInput.Focused() {
			m.agentInput.Blur()
			m.taskInput.Focus()
			return m, nil
		}
		agentID := parseAgentID(m.agentInput.Value())
		task := strings.TrimSpace(m.taskInput.Value())
		if agentID == 0 || task == "" {
			m.error = "agent id and task are both required"
			return m, nil
		}
		m.loading = true
		m.error = ""
		return m, tea.Batch(m.spinner.Tick, func() tea.Msg {
			resp, err := m.client.ExecuteTask(agentID, task)
			return execDoneMsg{resp, err}
		})

	case "learn":
		agentID := parseAgentID(m.agentInput.Value())
		if agentID == 0 {
			m.error = "agent id is required"
			return m, nil
		}
		m.loading = true
		m.error = ""
		return m, tea.Batch(m.spinner.Tick, func() tea.Msg {
			resp, err := m.client.RunLearning(agentID, "full")
			return learnDoneMsg{resp, err}
		})
	}
	return m, nil
}

// View implements tea.Model
func (m Model) View() string {
	if m.loading {
		return docStyle.Render(fmt.Sprintf("%s Working...", m.spinner.View()))
	}

	switch m.currentView {
	case "menu":
		return docStyle.Render(m.mainMenu.View())

	case "task":
		return docStyle.Render(fmt.Sprintf("%s\n\nAgent: %s\nTask:  %s\n\n%s(enter to continue, esc for menu)",
			titleStyle.Render("Run Task"), m.agentInput.View(), m.taskInput.View(), errorLine(m.error)))

	case "learn":
		return docStyle.Render(fmt.Sprintf("%s\n\nAgent: %s\n\n%s(enter to run, esc for menu)",
			titleStyle.Render("Learning Analysis"), m.agentInput.View(), errorLine(m.error)))

	case "sweep":
		return docStyle.Render(fmt.Sprintf("%s\n\n%s\n\n%s\n\n(esc for menu)",
			titleStyle.Render("Monitor Sweep"), successStyle.Render(m.result), m.sweepView.View()))

	case "result":
		if m.error != "" {
			return docStyle.Render(fmt.Sprintf("%s\n\n(esc for menu)", errorStyle.Render(m.error)))
		}
		return docStyle.Render(fmt.Sprintf("%s\n\n(esc for menu)", m.result))
	}
	return ""
}

func errorLine(err string) string {
	if err == "" {
		return ""
	}
	return errorStyle.Render(err) + "\n\n"
}

func parseAgentID(raw string) uint {
	id, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
	if err != nil {
		return 0
	}
	return uint(id)
}

func formatExecution(resp *ExecutionResponse) string {
	var b strings.Builder
	header := fmt.Sprintf("Execution #%d - %s (confidence %.0f)", resp.ExecutionID, resp.Status, resp.Confidence)
	if resp.Status == "completed" {
		b.WriteString(successStyle.Render(header))
	} else {
		b.WriteString(errorStyle.Render(header))
	}
	b.WriteString("\n\n")

	outcomes := make(map[int]StepResult, len(resp.Results))
	for _, r := range resp.Results {
		outcomes[r.StepNumber] = r
	}
	for _, step := range resp.Plan {
		line := fmt.Sprintf("  %d. %s [%s]", step.Number, step.Description, step.Tool)
		if outcome, ok := outcomes[step.Number]; ok {
			line += " - " + outcome.Status
			if outcome.Error != "" {
				line += ": " + outcome.Error
			}
		} else {
			line += " - not reached"
		}
		b.WriteString(line + "\n")
	}
	if resp.ErrorMessage != "" {
		b.WriteString("\n" + resp.ErrorMessage + "\n")
	}
	return b.String()
}

func sweepRows(resp *SweepResponse) []table.Row {
	rows := make([]table.Row, 0, len(resp.Results))
	for _, r := range resp.Results {
		outcome := "not triggered"
		switch {
		case r.Error != "":
			outcome = "error: " + r.Error
		case r.Skipped != "":
			outcome = "skipped: " + r.Skipped
		case r.Triggered:
			outcome = fmt.Sprintf("triggered (execution #%d)", r.ExecutionID)
		}
		rows = append(rows, table.Row{r.Name, r.TriggerType, outcome})
	}
	return rows
}

func main() {
	p := tea.NewProgram(initialModel(), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Error running CLI: %v\n", err)
		os.Exit(1)
	}
}
