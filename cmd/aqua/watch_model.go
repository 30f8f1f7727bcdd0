package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fsnotify/fsnotify"

	"aqua/pkg/coordinator"
	"aqua/pkg/protocol"
	"aqua/pkg/store"
)

// tickMsg is sent by Bubble Tea on every tick interval, triggering a
// snapshot refresh even when no file change fired.
type tickMsg time.Time

// fsChangeMsg is sent when a file change is detected in the .aqua
// directory.
type fsChangeMsg struct{}

// snapshotMsg carries one consistent read of the quorum state.
type snapshotMsg struct {
	leader *protocol.Leader
	agents []protocol.Agent
	counts map[protocol.TaskStatus]int
	tasks  []protocol.Task
	locks  []protocol.FileLock
	events []protocol.Event
	err    error
}

// watchTheme defines the visual styling for the aqua dashboard.
type watchTheme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
}

func defaultWatchTheme() watchTheme {
	return watchTheme{
		Primary: lipgloss.Color("12"),
		Success: lipgloss.Color("10"),
		Warning: lipgloss.Color("11"),
		Error:   lipgloss.Color("9"),
		Muted:   lipgloss.Color("240"),
	}
}

// tickCmd returns a command that sends a tickMsg after 2 seconds.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchSnapshotCmd returns a tea.Cmd that reads the quorum state.
func fetchSnapshotCmd(c *coordinator.Coordinator) tea.Cmd {
	return func() tea.Msg {
		return fetchSnapshot(context.Background(), c)
	}
}

func fetchSnapshot(ctx context.Context, c *coordinator.Coordinator) snapshotMsg {
	var snap snapshotMsg
	var err error
	snap.leader, err = c.Store.GetLeader(ctx)
	if err != nil {
		snap.err = err
		return snap
	}
	if snap.agents, err = c.Store.ListAgents(ctx, false); err != nil {
		snap.err = err
		return snap
	}
	if snap.counts, err = c.Store.CountsByStatus(ctx); err != nil {
		snap.err = err
		return snap
	}
	if snap.tasks, err = c.Store.ListTasks(ctx, store.TaskFilter{}); err != nil {
		snap.err = err
		return snap
	}
	if snap.locks, err = c.Store.ListLocks(ctx); err != nil {
		snap.err = err
		return snap
	}
	snap.events, err = c.Store.QueryEvents(ctx, store.EventFilter{Limit: 8})
	if err != nil {
		snap.err = err
	}
	return snap
}

// watchAquaDir creates a file system watcher for the .aqua directory.
// Returns nil if the directory doesn't exist or watcher creation
// fails; the dashboard then runs in polling-only mode.
func watchAquaDir(aquaDir string) tea.Cmd {
	watcher := initWatcher(aquaDir)
	if watcher == nil {
		return nil
	}
	return runWatcher(watcher)
}

func initWatcher(aquaDir string) *fsnotify.Watcher {
	if _, err := os.Stat(aquaDir); err != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("fsnotify: failed to create watcher: %v (falling back to polling)", err)
		return nil
	}
	if err := watcher.Add(aquaDir); err != nil {
		_ = watcher.Close()
		log.Printf("fsnotify: failed to watch %s: %v (falling back to polling)", aquaDir, err)
		return nil
	}
	return watcher
}

// runWatcher returns a tea.Cmd that waits for file system events,
// debouncing bursts so one database write produces one refresh.
func runWatcher(watcher *fsnotify.Watcher) tea.Cmd {
	return func() tea.Msg {
		debounce := time.NewTimer(0)
		if !debounce.Stop() {
			<-debounce.C
		}
		defer debounce.Stop()

		for {
			select {
			case _, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(100 * time.Millisecond)

			case <-debounce.C:
				_ = watcher.Close()
				return fsChangeMsg{}

			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				log.Printf("fsnotify: watcher error: %v", err)
				return nil
			}
		}
	}
}

// watchModel is the Bubble Tea model for aqua watch.
type watchModel struct {
	c       *coordinator.Coordinator
	aquaDir string

	snap       snapshotMsg
	agentTable table.Model
	width      int
	height     int
}

func newWatchModel(c *coordinator.Coordinator, aquaDir string) watchModel {
	columns := []table.Column{
		{Title: "NAME", Width: 14},
		{Title: "KIND", Width: 8},
		{Title: "STATUS", Width: 8},
		{Title: "ROLE", Width: 10},
		{Title: "HEARTBEAT", Width: 10},
		{Title: "TASK", Width: 30},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	theme := defaultWatchTheme()
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(theme.Primary)
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("#ffffff")).Background(theme.Primary)
	t.SetStyles(styles)

	return watchModel{c: c, aquaDir: aquaDir, agentTable: t}
}

// Init implements tea.Model.
func (m watchModel) Init() tea.Cmd {
	cmds := []tea.Cmd{fetchSnapshotCmd(m.c), tickCmd()}
	if w := watchAquaDir(m.aquaDir); w != nil {
		cmds = append(cmds, w)
	}
	return tea.Batch(cmds...)
}

// Update implements tea.Model.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchSnapshotCmd(m.c)
		}
		var cmd tea.Cmd
		m.agentTable, cmd = m.agentTable.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case snapshotMsg:
		m.snap = msg
		m.agentTable.SetRows(agentRows(msg.agents, msg.tasks))

	case fsChangeMsg:
		// Re-arm the watcher; the old one closed after firing.
		cmds := []tea.Cmd{fetchSnapshotCmd(m.c)}
		if w := watchAquaDir(m.aquaDir); w != nil {
			cmds = append(cmds, w)
		}
		return m, tea.Batch(cmds...)

	case tickMsg:
		return m, tea.Batch(fetchSnapshotCmd(m.c), tickCmd())
	}

	return m, nil
}

// agentRows converts agents into table rows, resolving each agent's
// current task title.
func agentRows(agents []protocol.Agent, tasks []protocol.Task) []table.Row {
	titles := make(map[string]string, len(tasks))
	for _, t := range tasks {
		titles[t.ID] = t.Title
	}
	rows := make([]table.Row, 0, len(agents))
	for _, a := range agents {
		task := "-"
		if a.CurrentTaskID != "" {
			task = titles[a.CurrentTaskID]
			if task == "" {
				task = shortRef(a.CurrentTaskID)
			}
		}
		rows = append(rows, table.Row{
			a.Name, string(a.Kind), string(a.Status), orDash(a.Role),
			age(a.LastHeartbeat), task,
		})
	}
	return rows
}

// View implements tea.Model.
func (m watchModel) View() string {
	theme := defaultWatchTheme()

	sections := []string{
		m.renderStatusBar(theme),
		"",
		m.agentTable.View(),
		"",
		m.renderTaskColumns(theme),
	}
	if extra := m.renderLocksAndEvents(theme); extra != "" {
		sections = append(sections, "", extra)
	}
	help := lipgloss.NewStyle().Foreground(theme.Muted).
		Render("j/k navigate  r refresh  q quit")
	sections = append(sections, "", help)
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// renderStatusBar renders leadership and aggregate counts.
func (m watchModel) renderStatusBar(theme watchTheme) string {
	var leaderStatus string
	l := m.snap.leader
	if l == nil || l.Expired(time.Now()) {
		leaderStatus = lipgloss.NewStyle().Foreground(theme.Error).Render("leader: none")
	} else {
		leaderStatus = lipgloss.NewStyle().Foreground(theme.Success).
			Render(fmt.Sprintf("leader: %s (term %d)", shortRef(l.AgentID), l.Term))
	}

	counts := m.snap.counts
	bar := lipgloss.JoinHorizontal(
		lipgloss.Left,
		leaderStatus,
		lipgloss.NewStyle().Render(" | agents: "),
		lipgloss.NewStyle().Foreground(theme.Primary).Render(fmt.Sprintf("%d", len(m.snap.agents))),
		lipgloss.NewStyle().Render(" | pending: "),
		lipgloss.NewStyle().Foreground(theme.Warning).Render(fmt.Sprintf("%d", counts[protocol.TaskPending])),
		lipgloss.NewStyle().Render(" | claimed: "),
		lipgloss.NewStyle().Foreground(theme.Primary).Render(fmt.Sprintf("%d", counts[protocol.TaskClaimed])),
		lipgloss.NewStyle().Render(" | done: "),
		lipgloss.NewStyle().Foreground(theme.Success).Render(fmt.Sprintf("%d", counts[protocol.TaskDone])),
	)
	if m.snap.err != nil {
		errLine := lipgloss.NewStyle().Foreground(theme.Error).
			Render("refresh error: " + m.snap.err.Error())
		return bar + "\n" + errLine
	}
	return bar
}

// renderTaskColumns renders pending, claimed, and done tasks
// side-by-side, the done column limited to its first 10 tasks in
// snapshot order (highest priority, then oldest); it does not pick the
// most recently completed ones.
func (m watchModel) renderTaskColumns(theme watchTheme) string {
	buckets := map[protocol.TaskStatus][]protocol.Task{}
	for _, t := range m.snap.tasks {
		buckets[t.Status] = append(buckets[t.Status], t)
	}

	colWidth := 30
	columnStyle := lipgloss.NewStyle().Width(colWidth).Padding(0, 1)
	cardStyle := lipgloss.NewStyle().Width(colWidth - 2).Padding(0, 1)
	idStyle := lipgloss.NewStyle().Foreground(theme.Muted)

	specs := []struct {
		title  string
		status protocol.TaskStatus
		color  lipgloss.Color
	}{
		{"Pending", protocol.TaskPending, theme.Warning},
		{"Claimed", protocol.TaskClaimed, theme.Primary},
		{"Done", protocol.TaskDone, theme.Success},
	}

	rendered := make([]string, 0, len(specs))
	for _, spec := range specs {
		tasks := buckets[spec.status]
		total := len(tasks)
		if spec.status == protocol.TaskDone && len(tasks) > 10 {
			tasks = tasks[:10]
		}

		headerText := spec.title
		if total > len(tasks) {
			headerText = fmt.Sprintf("%s (%d/%d)", spec.title, len(tasks), total)
		}
		header := lipgloss.NewStyle().
			Bold(true).
			Foreground(spec.color).
			Width(colWidth).
			Align(lipgloss.Center).
			BorderBottom(true).
			BorderStyle(lipgloss.NormalBorder()).
			Render(headerText)

		var cards strings.Builder
		for _, t := range tasks {
			title := t.Title
			if t.IsCheckpoint {
				title = "* " + title
			}
			cards.WriteString(cardStyle.Render(
				fmt.Sprintf("%s\n%s", title, idStyle.Render(shortRef(t.ID)))))
			cards.WriteString("\n")
		}
		rendered = append(rendered, columnStyle.Render(header+"\n"+cards.String()))
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, rendered...)
}

// renderLocksAndEvents renders held locks and the recent event tail.
func (m watchModel) renderLocksAndEvents(theme watchTheme) string {
	mutedStyle := lipgloss.NewStyle().Foreground(theme.Muted)
	var lines []string
	for _, l := range m.snap.locks {
		lines = append(lines, fmt.Sprintf("lock %s held by %s for %s",
			l.Path, shortRef(l.AgentID), age(l.AcquiredAt)))
	}
	for _, ev := range m.snap.events {
		lines = append(lines, mutedStyle.Render(fmt.Sprintf("%s %s %s",
			age(ev.CreatedAt), ev.Type, orDash(shortRef(ev.AgentID)))))
	}
	return strings.Join(lines, "\n")
}
