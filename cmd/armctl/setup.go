package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hipsterbrown/feetech-servo/feetech"

	"github.com/gwillem/armctl/pkg/robot"
)

type SetupCommand struct {
	SkipCalibration bool `long:"skip-calibration" description:"Only assign ports, keep the default calibration"`
}

func (c *SetupCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("armctl setup"))
	fmt.Println(dimStyle.Render("━━━━━━━━━━━━"))
	fmt.Println()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	found, err := scanPorts(robot.NumJoints)
	if err != nil {
		return err
	}
	var arms []busPort
	for _, f := range found {
		if isArm(f.servos) {
			fmt.Printf("  Found arm on %s\n", f.port)
			arms = append(arms, f)
		} else {
			f.bus.Close()
		}
	}
	if len(arms) == 0 {
		fmt.Println("No servo arms found. Make sure they are connected and powered on.")
		os.Exit(1)
	}

	for _, arm := range arms {
		role := identifyArm(arm, cfg.Servo.Port == "", cfg.Leader.Port == "")
		switch role {
		case "servo":
			cfg.Servo.Port = arm.port
		case "leader":
			cfg.Leader.Port = arm.port
		}
	}
	if cfg.Servo.Port != "" {
		cfg.Link = robot.LinkConfig{Kind: robot.LinkServo, Port: cfg.Servo.Port}
	}

	for _, a := range []struct {
		name string
		arm  *robot.ArmConfig
	}{{"servo", &cfg.Servo}, {"leader", &cfg.Leader}} {
		if a.arm.Port == "" {
			continue
		}
		if c.SkipCalibration {
			a.arm.Calibration = robot.DefaultCalibration()
			continue
		}
		fmt.Println()
		fmt.Println(subHeaderStyle.Render(fmt.Sprintf("━━━ Calibrating %s arm ━━━", a.name)))
		fmt.Println()
		cal, err := calibrateArm(a.arm.Port)
		if err != nil {
			return err
		}
		a.arm.Calibration = cal
	}

	if err := cfg.SaveTo(opts.Config); err != nil {
		return err
	}
	fmt.Println()
	fmt.Println(successStyle.Render("Setup complete!"))
	fmt.Printf("Configuration saved to %s\n", opts.Config)
	fmt.Println("Home the arm with: " + headerStyle.Render("armctl startup"))
	return nil
}

// identifyArm wiggles the shoulder of arm and asks what it is.
func identifyArm(arm busPort, needServo, needLeader bool) string {
	defer arm.bus.Close()
	ctx := context.Background()

	var servo *feetech.Servo
	for _, s := range arm.servos {
		if s.ID == 1 {
			servo = feetech.NewServo(arm.bus, s.ID, s.Model)
			break
		}
	}
	if servo == nil {
		return ""
	}

	origin, err := servo.Position(ctx)
	if err != nil {
		fmt.Printf("  Error reading position: %v\n", err)
		return ""
	}
	if err := servo.Enable(ctx); err != nil {
		fmt.Printf("  Error enabling servo: %v\n", err)
		return ""
	}
	fmt.Printf("\n  Wiggling arm on %s...\n", arm.port)
	const amount, moveMs = 30, 500
	for _, target := range []int{origin + amount, origin - amount, origin} {
		servo.SetPositionWithTime(ctx, target, moveMs)
		time.Sleep((moveMs + 100) * time.Millisecond)
	}
	servo.Disable(ctx)

	var options []huh.Option[string]
	if needServo {
		options = append(options, huh.NewOption("Driven arm (controlled by armctl)", "servo"))
	}
	if needLeader {
		options = append(options, huh.NewOption("Leader (the one you move by hand)", "leader"))
	}
	options = append(options, huh.NewOption("Skip this arm", "skip"))

	var role string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title(fmt.Sprintf("Which arm is on %s?", arm.port)).
				Description("The arm that just wiggled").
				Options(options...).
				Value(&role),
		),
	)
	if err := form.Run(); err != nil {
		fmt.Println()
		os.Exit(0)
	}
	if role == "skip" {
		return ""
	}
	return role
}

// calibrateArm records the range of every joint while the user moves the
// released arm by hand.
func calibrateArm(port string) (robot.Calibration, error) {
	bus, err := openBus(port)
	if err != nil {
		return nil, err
	}
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	servos, err := bus.Scan(ctx, 1, robot.NumJoints)
	cancel()
	if err != nil {
		return nil, err
	}
	if !isArm(servos) {
		return nil, fmt.Errorf("%s: expected %d servos with IDs 1-%d", port, robot.NumJoints, robot.NumJoints)
	}

	m := newCalibrationModel(bus, servos)
	for _, s := range m.servos {
		s.Disable(context.Background())
	}
	m.poll()
	for i := range m.lo {
		m.lo[i], m.hi[i] = m.cur[i], m.cur[i]
	}

	fmt.Println(subHeaderStyle.Render("Record range of motion"))
	fmt.Println("Move each joint to its minimum AND maximum positions.")
	fmt.Println()

	final, err := tea.NewProgram(m).Run()
	if err != nil {
		return nil, err
	}
	cm := final.(calibrationModel)

	cal := make(robot.Calibration, robot.NumJoints)
	for i, name := range robot.AllJoints() {
		cal[name] = robot.JointCalibration{ID: i + 1, RangeMin: cm.lo[i], RangeMax: cm.hi[i]}
	}
	fmt.Printf("Arm on %s calibrated.\n", port)
	return cal, nil
}

// calibrationModel tracks the raw range of each joint.
type calibrationModel struct {
	servos   [robot.NumJoints]*feetech.Servo
	cur      *[robot.NumJoints]int
	lo       *[robot.NumJoints]int
	hi       *[robot.NumJoints]int
	quitting bool
}

type tickMsg time.Time

func newCalibrationModel(bus *feetech.Bus, found []feetech.FoundServo) calibrationModel {
	m := calibrationModel{
		cur: new([robot.NumJoints]int),
		lo:  new([robot.NumJoints]int),
		hi:  new([robot.NumJoints]int),
	}
	for _, s := range found {
		m.servos[s.ID-1] = feetech.NewServo(bus, s.ID, s.Model)
	}
	return m
}

func (m calibrationModel) poll() {
	ctx := context.Background()
	for i, servo := range m.servos {
		pos, err := servo.Position(ctx)
		if err != nil {
			continue
		}
		m.cur[i] = pos
		m.lo[i] = min(m.lo[i], pos)
		m.hi[i] = max(m.hi[i], pos)
	}
}

func tick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m calibrationModel) Init() tea.Cmd {
	return tick()
}

func (m calibrationModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter", "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
	case tickMsg:
		m.poll()
		return m, tick()
	}
	return m, nil
}

func (m calibrationModel) View() string {
	if m.quitting {
		return ""
	}

	cellStyle := lipgloss.NewStyle().Padding(0, 1)
	ranges := make([]int, robot.NumJoints)
	rows := make([][]string, 0, robot.NumJoints)
	for i, name := range robot.AllJoints() {
		ranges[i] = m.hi[i] - m.lo[i]
		rows = append(rows, []string{
			string(name),
			fmt.Sprint(m.cur[i]),
			fmt.Sprint(m.lo[i]),
			fmt.Sprint(m.hi[i]),
			fmt.Sprint(ranges[i]),
		})
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Joint", "Current", "Min", "Max", "Range").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return headerStyle.Padding(0, 1)
			case col == 0:
				return cellStyle.Foreground(lipgloss.Color("14"))
			case col == 1:
				return cellStyle.Foreground(lipgloss.Color("11"))
			case col == 4 && row >= 0 && row < len(ranges) && ranges[row] > 500:
				return cellStyle.Foreground(lipgloss.Color("10"))
			case col == 4:
				return cellStyle.Foreground(lipgloss.Color("9"))
			}
			return cellStyle
		})

	var sb strings.Builder
	sb.WriteString(t.Render())
	sb.WriteString("\n\n")
	sb.WriteString(dimStyle.Render("Press Enter when done"))
	return sb.String()
}
