package main

import (
	"context"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/gwillem/armctl/pkg/board"
)

type BoardCommand struct {
	Listen   string `long:"listen" short:"l" default:":7000" description:"TCP listen address"`
	TickRate int    `long:"tick-rate" default:"10000" description:"Step generation rate in Hz"`
}

func (c *BoardCommand) Execute(args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	b := board.New(cfg.Joints, board.WithTickRate(c.TickRate), board.WithLogger(log.Default()))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(ctx) })
	g.Go(func() error { return b.ListenAndServe(ctx, c.Listen) })
	log.Info("simulated board listening", "addr", c.Listen, "tick_rate", c.TickRate)
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
