package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/session"
)

type InfoCommand struct{}

func (c *InfoCommand) Execute(args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	s, cfg, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	link := s.Link()
	status, err := link.Info(ctx)
	if err != nil {
		return err
	}
	states, err := link.Angles(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("%s %s  powered=%v setup=%v enabled=%v zombie=%v\n",
		headerStyle.Render("Link:"), cfg.Link.Kind, status.Powered, status.Setup, status.Enabled, status.Zombie())
	rows := make([][]string, 0, robot.NumJoints)
	for i, name := range robot.AllJoints() {
		rows = append(rows, []string{
			string(name),
			fmt.Sprintf("%.2f", states[i].CurrentAngle),
			fmt.Sprintf("%.2f", cfg.Homing.DefaultPose[i]),
			states[i].Status,
		})
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Joint", "Angle", "Default", "Status").
		Rows(rows...)
	fmt.Println(t.Render())
	return nil
}

type StartupCommand struct {
	Yes bool `long:"yes" short:"y" description:"Do not ask for confirmation"`
}

func (c *StartupCommand) Execute(args []string) error {
	if !c.Yes && !confirm("Power up and home the arm?", "The arm moves to its default pose.") {
		return nil
	}
	return lifecycleOp("startup", (*session.Session).Startup)
}

type TeardownCommand struct{}

func (c *TeardownCommand) Execute(args []string) error {
	return lifecycleOp("teardown", (*session.Session).Teardown)
}

type EstopCommand struct{}

func (c *EstopCommand) Execute(args []string) error {
	return lifecycleOp("emergency stop", (*session.Session).EmergencyStop)
}

type HomeCommand struct{}

func (c *HomeCommand) Execute(args []string) error {
	return lifecycleOp("homing", (*session.Session).Home)
}

func lifecycleOp(name string, op func(*session.Session, context.Context) error) error {
	ctx, cancel := signalContext()
	defer cancel()
	s, _, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if err := withTimeout(ctx, func(ctx context.Context) error { return op(s, ctx) }); err != nil {
		return err
	}
	fmt.Println(successStyle.Render(name + " done") + dimStyle.Render(" ("+s.Lifecycle().State().String()+")"))
	return nil
}

type DirectCommand struct {
	Args struct {
		Command []string `positional-arg-name:"command" required:"1" description:"Raw board command"`
	} `positional-args:"yes"`
}

func (c *DirectCommand) Execute(args []string) error {
	ctx, cancel := signalContext()
	defer cancel()
	s, _, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	out, err := s.DirectAccess(ctx, strings.Join(c.Args.Command, " "))
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func confirm(title, description string) bool {
	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	)
	if err := form.Run(); err != nil {
		return false
	}
	return ok
}
