package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/jessevdk/go-flags"
)

type Options struct {
	Config   string `long:"config" short:"c" default:"armctl.json" description:"Configuration file"`
	LogLevel string `long:"log-level" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`

	Setup    SetupCommand    `command:"setup" description:"Scan for servo arms and calibrate them"`
	Scan     ScanCommand     `command:"scan" description:"List serial ports and the servos behind them"`
	Info     InfoCommand     `command:"info" description:"Show lifecycle flags and joint angles"`
	Startup  StartupCommand  `command:"startup" description:"Power up and home the arm"`
	Teardown TeardownCommand `command:"teardown" description:"Park the arm and power it off"`
	Estop    EstopCommand    `command:"estop" alias:"stop" description:"Cut actuator power immediately"`
	Home     HomeCommand     `command:"home" description:"Send the running arm to its default pose"`
	Direct   DirectCommand   `command:"direct" description:"Send a raw command to the board"`
	Run      RunCommand      `command:"run" description:"Run the pose loop with a live chart"`
	Serve    ServeCommand    `command:"serve" description:"Run the pose loop headless behind the telemetry server"`
	Board    BoardCommand    `command:"board" description:"Serve a simulated board over TCP"`
}

var opts Options
var parser = flags.NewParser(&opts, flags.Default)

func main() {
	parser.LongDescription = "armctl - motion control for stepper and servo robot arms"
	parser.CommandHandler = func(cmd flags.Commander, args []string) error {
		if lvl, err := log.ParseLevel(opts.LogLevel); err == nil {
			log.SetLevel(lvl)
		}
		if cmd == nil {
			return nil
		}
		return cmd.Execute(args)
	}

	_, err := parser.Parse()
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok {
			if flagsErr.Type == flags.ErrHelp {
				os.Exit(0)
			}
		}
		os.Exit(1)
	}
}
