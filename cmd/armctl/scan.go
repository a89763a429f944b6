package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/hipsterbrown/feetech-servo/feetech"
	"go.bug.st/serial"

	"github.com/gwillem/armctl/pkg/robot"
)

var (
	headerStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	subHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	successStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

type ScanCommand struct {
	MaxID int `long:"max-id" default:"10" description:"Highest servo ID to scan"`
}

// busPort is a serial port with the servos that answered on it.
type busPort struct {
	port   string
	servos []feetech.FoundServo
	bus    *feetech.Bus
}

func openBus(port string) (*feetech.Bus, error) {
	return feetech.NewBus(feetech.BusConfig{
		Port:     port,
		BaudRate: 1_000_000,
		Protocol: feetech.ProtocolSTS,
		Timeout:  100 * time.Millisecond,
	})
}

// scanPorts scans every serial port for servos with IDs 1..maxID. The buses
// of ports with servos are left open.
func scanPorts(maxID int) ([]busPort, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	sort.Strings(ports)

	var found []busPort
	for _, port := range ports {
		// Skip Bluetooth ports on macOS
		if strings.Contains(port, "Bluetooth") {
			continue
		}
		bus, err := openBus(port)
		if err != nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		servos, err := bus.Scan(ctx, 1, maxID)
		cancel()
		if err != nil || len(servos) == 0 {
			bus.Close()
			continue
		}
		found = append(found, busPort{port: port, servos: servos, bus: bus})
	}
	return found, nil
}

// isArm reports whether servos carries one servo per joint with IDs 1-6.
func isArm(servos []feetech.FoundServo) bool {
	if len(servos) != robot.NumJoints {
		return false
	}
	ids := make(map[int]bool)
	for _, s := range servos {
		ids[s.ID] = true
	}
	for i := 1; i <= robot.NumJoints; i++ {
		if !ids[i] {
			return false
		}
	}
	return true
}

func (c *ScanCommand) Execute(args []string) error {
	fmt.Println(headerStyle.Render("Scanning serial ports..."))
	found, err := scanPorts(c.MaxID)
	if err != nil {
		return err
	}
	if len(found) == 0 {
		fmt.Println("No servos found.")
		return nil
	}

	rows := make([][]string, 0, len(found))
	for _, f := range found {
		ids := make([]string, 0, len(f.servos))
		for _, s := range f.servos {
			ids = append(ids, strconv.Itoa(s.ID))
		}
		kind := dimStyle.Render("servos")
		if isArm(f.servos) {
			kind = successStyle.Render("arm")
		}
		rows = append(rows, []string{f.port, strings.Join(ids, ","), kind})
		f.bus.Close()
	}

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(dimStyle).
		Headers("Port", "Servo IDs", "Kind").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	fmt.Println(t.Render())
	return nil
}
