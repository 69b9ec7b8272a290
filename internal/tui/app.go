package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mpataki/gun/internal/models"
	"github.com/mpataki/gun/internal/storage"
)

// Source is what the watch UI reads from and acts on.
type Source interface {
	ListExecutions(ctx context.Context, f storage.Filter, limit int) ([]*models.Execution, error)
	GetExecution(ctx context.Context, id int64) (*models.Execution, error)
	ReadOutput(ctx context.Context, unitID int64) (string, error)
	Start(ctx context.Context, executionID int64) error
	Cancel(executionID int64) bool
	DeleteExecution(ctx context.Context, id int64) error
	Fail(ctx context.Context, id int64, force bool) error
}

type View int

const (
	ViewExecutionList View = iota
	ViewExecutionDetail
	ViewOutput
)

const listLimit = 20

// unitRow is one line of the detail view.
type unitRow struct {
	command *models.ExecutionCommand
	unit    *models.ExecutionCommandServer
}

type App struct {
	source Source
	filter storage.Filter

	view        View
	executions  []*models.Execution
	selectedIdx int
	selected    *models.Execution
	rows        []unitRow
	selectedRow int
	output      viewport.Model
	outputUnit  *models.ExecutionCommandServer

	width  int
	height int
	notice string
	err    error
}

func NewApp(source Source, filter storage.Filter) *App {
	return &App{
		source: source,
		filter: filter,
		view:   ViewExecutionList,
		output: viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadExecutions, a.tickCmd())
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActive() bool {
	for _, exec := range a.executions {
		if !exec.Status.Terminal() {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.output.Width = msg.Width
		a.output.Height = max(msg.Height-4, 1)
		return a, nil

	case executionsLoadedMsg:
		a.executions = msg.executions
		a.err = msg.err
		if a.selectedIdx >= len(a.executions) {
			a.selectedIdx = max(len(a.executions)-1, 0)
		}
		return a, nil

	case tickMsg:
		return a, tea.Batch(a.refresh(), a.tickCmd())

	case executionDetailMsg:
		a.err = msg.err
		if msg.err != nil {
			return a, nil
		}
		a.selected = msg.execution
		a.rows = rowsOf(msg.execution)
		if a.selectedRow >= len(a.rows) {
			a.selectedRow = max(len(a.rows)-1, 0)
		}
		if a.view == ViewExecutionList {
			a.view = ViewExecutionDetail
		}
		return a, nil

	case outputLoadedMsg:
		a.err = msg.err
		if msg.err != nil {
			return a, nil
		}
		atBottom := a.output.AtBottom()
		a.output.SetContent(msg.content)
		if atBottom || a.view != ViewOutput {
			a.output.GotoBottom()
		}
		a.view = ViewOutput
		return a, nil

	case startedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.notice = fmt.Sprintf("execution #%d started", msg.id)
		}
		return a, a.loadExecutions

	case cancelledMsg:
		if msg.ok {
			a.notice = fmt.Sprintf("execution #%d will stop after its current command", msg.id)
		} else {
			a.notice = fmt.Sprintf("execution #%d is not running in this process", msg.id)
		}
		return a, nil

	case failedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.notice = fmt.Sprintf("execution #%d marked failed", msg.id)
		}
		return a, a.loadExecutions

	case executionDeletedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.notice = fmt.Sprintf("execution #%d deleted", msg.id)
		}
		return a, a.loadExecutions
	}

	if a.view == ViewOutput {
		var cmd tea.Cmd
		a.output, cmd = a.output.Update(msg)
		return a, cmd
	}
	return a, nil
}

// refresh reloads whatever the current view shows while it can still change.
func (a *App) refresh() tea.Cmd {
	switch a.view {
	case ViewExecutionList:
		if a.hasActive() {
			return a.loadExecutions
		}
	case ViewExecutionDetail:
		if a.selected != nil && !a.selected.Status.Terminal() {
			return a.loadExecutionDetail(a.selected.ID)
		}
	case ViewOutput:
		if a.outputUnit != nil && a.selected != nil && !a.selected.Status.Terminal() {
			return tea.Batch(a.loadOutput(a.outputUnit.ID), a.loadExecutionDetail(a.selected.ID))
		}
	}
	return nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		return a, tea.Quit
	}
	switch a.view {
	case ViewExecutionList:
		return a.handleListKey(msg)
	case ViewExecutionDetail:
		return a.handleDetailKey(msg)
	case ViewOutput:
		return a.handleOutputKey(msg)
	}
	return a, nil
}

func (a *App) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.executions)-1 {
			a.selectedIdx++
		}

	case "enter":
		if exec := a.current(); exec != nil {
			a.selectedRow = 0
			return a, a.loadExecutionDetail(exec.ID)
		}

	case "r":
		return a, a.loadExecutions

	case "s":
		if exec := a.current(); exec != nil && exec.Status == models.StatusPending {
			return a, a.start(exec.ID)
		}

	case "x":
		if exec := a.current(); exec != nil {
			return a, a.cancel(exec.ID)
		}

	case "f":
		if exec := a.current(); exec != nil && !exec.Status.Terminal() {
			return a, a.fail(exec.ID)
		}

	case "d":
		if exec := a.current(); exec != nil {
			return a, a.deleteExecution(exec.ID)
		}
	}

	return a, nil
}

func (a *App) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewExecutionList
		a.selected = nil
		a.rows = nil
		a.selectedRow = 0
		return a, a.loadExecutions

	case "up", "k":
		if a.selectedRow > 0 {
			a.selectedRow--
		}

	case "down", "j":
		if a.selectedRow < len(a.rows)-1 {
			a.selectedRow++
		}

	case "enter", "o":
		if a.selectedRow < len(a.rows) {
			a.outputUnit = a.rows[a.selectedRow].unit
			return a, a.loadOutput(a.outputUnit.ID)
		}

	case "x":
		if a.selected != nil {
			return a, a.cancel(a.selected.ID)
		}
	}

	return a, nil
}

func (a *App) handleOutputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewExecutionDetail
		a.outputUnit = nil
		a.output.SetContent("")
		return a, nil
	}

	var cmd tea.Cmd
	a.output, cmd = a.output.Update(msg)
	return a, cmd
}

func (a *App) current() *models.Execution {
	if a.selectedIdx < len(a.executions) {
		return a.executions[a.selectedIdx]
	}
	return nil
}

func rowsOf(exec *models.Execution) []unitRow {
	var rows []unitRow
	for _, cmd := range exec.Commands {
		for _, u := range cmd.Servers {
			rows = append(rows, unitRow{command: cmd, unit: u})
		}
	}
	return rows
}

func (a *App) View() string {
	switch a.view {
	case ViewExecutionList:
		return a.viewExecutionList()
	case ViewExecutionDetail:
		return a.viewExecutionDetail()
	case ViewOutput:
		return a.viewOutput()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusPending = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) header() string {
	var s string
	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}
	if a.notice != "" {
		s += dimStyle.Render(a.notice) + "\n"
	}
	return s
}

func (a *App) viewExecutionList() string {
	s := titleStyle.Render("gun") + "\n\n" + a.header()

	if len(a.executions) == 0 {
		s += "No executions yet. Start one with 'gun run'.\n"
	} else {
		s += "Recent Executions\n"
		s += "─────────────────\n"

		for i, exec := range a.executions {
			line := formatExecutionLine(exec)
			switch {
			case i == a.selectedIdx:
				line = selectedStyle.Render("▶ " + line)
			case exec.Status.Terminal():
				line = "  " + dimStyle.Render(line)
			default:
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [s] start  [x] cancel  [f] fail  [d] delete  [r] refresh  [q] quit")
	return s
}

func formatExecutionLine(exec *models.Execution) string {
	target := truncate(exec.Application+"/"+exec.TaskName+"@"+exec.EnvironmentName, 32)
	return fmt.Sprintf("#%-4d %-32s %s  %-4s  %s",
		exec.ID, target, formatStatus(exec.Status), formatAge(exec.TimeCreated), truncate(exec.User, 24))
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatStatus(status models.Status) string {
	switch status {
	case models.StatusRunning:
		return statusRunning.Render("● running")
	case models.StatusSuccess:
		return statusSuccess.Render("✓ success")
	case models.StatusFailed:
		return statusFailed.Render("✗ failed ")
	default:
		return statusPending.Render("○ pending")
	}
}

func statusIcon(status models.Status) string {
	switch status {
	case models.StatusRunning:
		return statusRunning.Render("●")
	case models.StatusSuccess:
		return statusSuccess.Render("✓")
	case models.StatusFailed:
		return statusFailed.Render("✗")
	default:
		return statusPending.Render("○")
	}
}

func (a *App) viewExecutionDetail() string {
	exec := a.selected
	if exec == nil {
		return "No execution selected"
	}

	title := fmt.Sprintf("Execution #%d: %s/%s @ %s", exec.ID, exec.Application, exec.TaskName, exec.EnvironmentName)
	s := titleStyle.Render(title) + "  " + formatStatus(exec.Status) + "\n\n" + a.header()

	s += labelStyle.Render("User: ") + exec.User + "\n"
	if d := elapsed(exec.TimeStart, exec.TimeEnd); d != "" {
		s += labelStyle.Render("Duration: ") + d + "\n"
	}
	if len(exec.Parameters) > 0 {
		var ps []string
		for _, p := range exec.Parameters {
			ps = append(ps, p.Name+"="+p.Value)
		}
		s += labelStyle.Render("Parameters: ") + dimStyle.Render(strings.Join(ps, " ")) + "\n"
	}
	s += "\n"

	row := 0
	for _, cmd := range exec.Commands {
		s += fmt.Sprintf("%s %d. %s  %s\n", statusIcon(cmd.Status), cmd.Rank, cmd.Command,
			dimStyle.Render("["+strings.Join(cmd.Roles, ",")+"]"))
		if len(cmd.Servers) == 0 {
			s += "    " + dimStyle.Render("(no matching servers)") + "\n"
		}
		for _, u := range cmd.Servers {
			line := fmt.Sprintf("%s %-20s", statusIcon(u.Status), u.ServerName)
			if u.ReturnCode != nil {
				if *u.ReturnCode == 0 {
					line += "  " + dimStyle.Render("exit:0")
				} else {
					line += "  " + statusFailed.Render(fmt.Sprintf("exit:%d", *u.ReturnCode))
				}
			}
			if d := elapsed(u.TimeStart, u.TimeEnd); d != "" {
				line += "  " + dimStyle.Render(d)
			}

			if row == a.selectedRow {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += "  " + line + "\n"
			row++
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [enter] output  [x] cancel  [esc] back")
	return s
}

func elapsed(start, end *time.Time) string {
	switch {
	case start != nil && end != nil:
		return formatDuration(end.Sub(*start))
	case start != nil:
		return formatDuration(time.Since(*start)) + "..."
	}
	return ""
}

func (a *App) viewOutput() string {
	title := "Output"
	if a.outputUnit != nil {
		title = "Output: " + a.outputUnit.ServerName
	}
	s := titleStyle.Render(title) + "\n\n"
	s += a.output.View() + "\n"
	s += helpStyle.Render("[↑/↓/pgup/pgdn] scroll  [esc] back")
	return s
}

// Messages

type executionsLoadedMsg struct {
	executions []*models.Execution
	err        error
}

type executionDetailMsg struct {
	execution *models.Execution
	err       error
}

type outputLoadedMsg struct {
	content string
	err     error
}

type startedMsg struct {
	id  int64
	err error
}

type cancelledMsg struct {
	id int64
	ok bool
}

type failedMsg struct {
	id  int64
	err error
}

type executionDeletedMsg struct {
	id  int64
	err error
}

// Commands

func (a *App) loadExecutions() tea.Msg {
	execs, err := a.source.ListExecutions(context.Background(), a.filter, listLimit)
	return executionsLoadedMsg{executions: execs, err: err}
}

func (a *App) loadExecutionDetail(id int64) tea.Cmd {
	return func() tea.Msg {
		exec, err := a.source.GetExecution(context.Background(), id)
		return executionDetailMsg{execution: exec, err: err}
	}
}

func (a *App) loadOutput(unitID int64) tea.Cmd {
	return func() tea.Msg {
		content, err := a.source.ReadOutput(context.Background(), unitID)
		if err == nil && content == "" {
			content = "(no output)"
		}
		return outputLoadedMsg{content: content, err: err}
	}
}

func (a *App) start(id int64) tea.Cmd {
	return func() tea.Msg {
		return startedMsg{id: id, err: a.source.Start(context.Background(), id)}
	}
}

func (a *App) cancel(id int64) tea.Cmd {
	return func() tea.Msg {
		return cancelledMsg{id: id, ok: a.source.Cancel(id)}
	}
}

func (a *App) deleteExecution(id int64) tea.Cmd {
	return func() tea.Msg {
		return executionDeletedMsg{id: id, err: a.source.DeleteExecution(context.Background(), id)}
	}
}

// fail settles an execution left running by a process that is gone.
func (a *App) fail(id int64) tea.Cmd {
	return func() tea.Msg {
		return failedMsg{id: id, err: a.source.Fail(context.Background(), id, false)}
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
