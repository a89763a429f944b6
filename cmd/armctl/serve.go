package main

import (
	"github.com/charmbracelet/log"
	"go.uber.org/multierr"
)

type ServeCommand struct {
	LoopFlags
}

func (c *ServeCommand) Execute(args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	if c.HTTP == "" {
		c.HTTP = ":8080"
	}
	l, err := c.open(ctx)
	if err != nil {
		return err
	}
	log.Info("pose loop running", "telemetry", l.addr, "link", l.cfg.Link.Kind)
	err = l.run(ctx)
	log.Info("shutting down")
	return multierr.Append(err, l.shutdown())
}
