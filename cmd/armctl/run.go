package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/session"
)

type RunCommand struct {
	LoopFlags
}

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

var jointColors = map[robot.JointName]string{
	robot.ShoulderPan:  "196", // red
	robot.ShoulderLift: "208", // orange
	robot.ElbowFlex:    "226", // yellow
	robot.WristFlex:    "46",  // green
	robot.WristRoll:    "51",  // cyan
	robot.Gripper:      "201", // magenta
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type runModel struct {
	s        *session.Session
	chart    *streamlinechart.Model
	width    int
	height   int
	logs     []string
	state    session.State
	quitting bool
	last     *robot.JointAngles // freeze the chart while the arm holds still
}

func (m *runModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

type stateMsg session.State
type logMsg string

func waitForState(s *session.Session) tea.Cmd {
	return func() tea.Msg {
		return stateMsg(<-s.States())
	}
}

func waitForLog(s *session.Session) tea.Cmd {
	return func() tea.Msg {
		return logMsg(<-s.Logs())
	}
}

func emergencyStop(s *session.Session) tea.Cmd {
	return func() tea.Msg {
		if err := s.EmergencyStop(context.Background()); err != nil {
			return logMsg("emergency stop: " + err.Error())
		}
		return nil
	}
}

func (m *runModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20
	}
	width = max(m.width-borderSize-2, 40)
	height = max(m.height-headerHeight-legendHeight-footerHeight-borderSize, 10)
	return width, height
}

func newRunModel(s *session.Session) runModel {
	chart := streamlinechart.New(80, 20, streamlinechart.WithYRange(-180, 180))
	for _, name := range robot.AllJoints() {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(jointColors[name]))
		chart.SetDataSetStyles(string(name), runes.ThinLineStyle, style)
	}
	return runModel{s: s, chart: &chart}
}

func (m runModel) Init() tea.Cmd {
	return tea.Batch(waitForState(m.s), waitForLog(m.s))
}

func (m runModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.chart.Resize(m.chartSize())
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "x":
			return m, emergencyStop(m.s)
		}

	case stateMsg:
		m.state = session.State(msg)
		if m.state.Err != nil {
			m.addLog(m.state.Err.Error())
		}
		angles := m.state.Pose.Angles
		if m.state.Pose.Node != "" && (m.last == nil || *m.last != angles) {
			for i, name := range robot.AllJoints() {
				m.chart.PushDataSet(string(name), angles[i])
			}
			m.chart.DrawAll()
			m.last = &angles
		}
		return m, waitForState(m.s)

	case logMsg:
		m.addLog(string(msg))
		return m, waitForLog(m.s)
	}
	return m, nil
}

func (m runModel) View() string {
	if m.quitting {
		return "Pose loop stopped, parking the arm.\n"
	}

	var sb strings.Builder
	sb.WriteString(titleStyle.Render("armctl run"))
	sb.WriteString(fmt.Sprintf(" - %d Hz - %s", m.s.Hz(), m.state.Lifecycle))
	if node := m.s.Scheduler().NodeName(); node != "" {
		sb.WriteString(" - " + node)
	}
	if !m.state.Healthy {
		sb.WriteString(errorStyle.Render("  link down"))
	}
	sb.WriteString("\n\n")

	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")
	sb.WriteString(renderLegend())
	sb.WriteString("\n")

	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(max(m.width-4, 20))
	logLines := statusStyle.Render("Press 'q' to quit, 'x' for an emergency stop")
	if len(m.logs) > 0 {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")
	return sb.String()
}

func renderLegend() string {
	var items []string
	for _, name := range robot.AllJoints() {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(jointColors[name])).Bold(true)
		items = append(items, style.Render("━━")+" "+string(name))
	}
	return strings.Join(items, "  ")
}

func (c *RunCommand) Execute(args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	l, err := c.open(ctx)
	if err != nil {
		return err
	}
	loopCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- l.run(loopCtx) }()

	_, tuiErr := tea.NewProgram(newRunModel(l.s), tea.WithAltScreen()).Run()
	stop()
	return firstErr(tuiErr, <-done, l.shutdown())
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
