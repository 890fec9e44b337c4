package main

import (
	"context"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/titan-scrape/titan/internal/types"
)

var tuiOperator string

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Interactive grid of pending CAPTCHA tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		if tuiOperator == "" {
			tuiOperator = envOr("USER", "operator")
		}
		p := tea.NewProgram(newTUIModel(client(), tuiOperator))
		_, err := p.Run()
		return err
	},
}

func init() {
	tuiCmd.Flags().StringVar(&tuiOperator, "operator", "", "operator name used when claiming a task (defaults to $USER)")
}

const tuiRefreshInterval = 4 * time.Second

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("212")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type tasksMsg struct {
	tasks []types.TaskView
	err   error
}

type actionMsg struct {
	notice string
	err    error
}

type tuiModel struct {
	client   *resolverClient
	operator string
	tasks    []types.TaskView
	cursor   int
	status   string
	fatal    error
}

func newTUIModel(c *resolverClient, operator string) tuiModel {
	return tuiModel{client: c, operator: operator}
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(m.fetchTasks(), tickEvery(tuiRefreshInterval))
}

func (m tuiModel) fetchTasks() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		tasks, err := m.client.listTasks(ctx, "pending")
		return tasksMsg{tasks: tasks, err: err}
	}
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(time.Time) tea.Msg { return refreshMsg{} })
}

type refreshMsg struct{}

func (m tuiModel) claimSelected() tea.Cmd {
	if m.cursor >= len(m.tasks) {
		return nil
	}
	task := m.tasks[m.cursor]
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, err := m.client.assignTask(ctx, task.UUID, m.operator)
		if err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{notice: fmt.Sprintf("claimed %s", task.UUID)}
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.tasks)-1 {
				m.cursor++
			}
		case "r":
			return m, m.fetchTasks()
		case "c", "enter":
			return m, m.claimSelected()
		}
	case refreshMsg:
		return m, tea.Batch(m.fetchTasks(), tickEvery(tuiRefreshInterval))
	case tasksMsg:
		if msg.err != nil {
			m.fatal = msg.err
			return m, nil
		}
		m.fatal = nil
		m.tasks = msg.tasks
		if m.cursor >= len(m.tasks) {
			m.cursor = max(0, len(m.tasks)-1)
		}
	case actionMsg:
		if msg.err != nil {
			m.status = "error: " + msg.err.Error()
		} else {
			m.status = msg.notice
		}
		return m, m.fetchTasks()
	}
	return m, nil
}

func (m tuiModel) View() string {
	b := headerStyle.Render(fmt.Sprintf("titan-resolver — %d pending task(s) — operator %s", len(m.tasks), m.operator)) + "\n\n"

	if m.fatal != nil {
		return b + errorStyle.Render("failed to reach server: "+m.fatal.Error()) + "\n"
	}
	if len(m.tasks) == 0 {
		b += dimStyle.Render("no pending tasks") + "\n"
	}
	for i, t := range m.tasks {
		line := fmt.Sprintf("%-36s  %-20s  %-16s  pri=%d  attempts=%d", t.UUID, t.Domain, t.ChallengeType, t.Priority, t.Attempts)
		if i == m.cursor {
			b += selectedStyle.Render("> "+line) + "\n"
		} else {
			b += dimStyle.Render("  "+line) + "\n"
		}
	}
	b += "\n" + dimStyle.Render("↑/↓ move · enter/c claim · r refresh · q quit")
	if m.status != "" {
		b += "\n" + m.status
	}
	return b
}

