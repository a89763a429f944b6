package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/gwillem/armctl/pkg/pose"
	"github.com/gwillem/armctl/pkg/robot"
)

func TestLoopFlags_Source(t *testing.T) {
	dir := t.TempDir()
	trajFile := filepath.Join(dir, "wave.json")
	traj := pose.Trajectory{Nodes: []pose.Node{
		{Name: "rest"},
		{Name: "up", Angles: robot.JointAngles{0, 30}, Duration: time.Second},
	}}
	if err := traj.Save(trajFile); err != nil {
		t.Fatal(err)
	}

	cfg := robot.DefaultConfig()
	cfg.Poses = map[string]robot.JointAngles{"wave": {10, 20, 30, 0, 0, 0}}
	ctx := context.Background()

	src, err := (&LoopFlags{Pose: "wave"}).source(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	want := pose.Static{Angles: robot.JointAngles{10, 20, 30, 0, 0, 0}, Node: "wave"}
	if diff := cmp.Diff(pose.Source(want), src); diff != "" {
		t.Errorf("named pose mismatch (-want +got):\n%s", diff)
	}

	src, err = (&LoopFlags{Pose: "1,2,3,4,5,6"}).source(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if p, _, _ := src.Sample(ctx, time.Now()); p.Angles != (robot.JointAngles{1, 2, 3, 4, 5, 6}) {
		t.Errorf("literal pose = %v", p.Angles)
	}

	src, err = (&LoopFlags{Trajectory: trajFile}).source(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := src.(*pose.Player); !ok {
		t.Errorf("trajectory source is %T", src)
	}

	if src, err := (&LoopFlags{}).source(ctx, cfg); src != nil || err != nil {
		t.Errorf("no flags = %v, %v; want no source", src, err)
	}
	if _, err := (&LoopFlags{Pose: "stretch"}).source(ctx, cfg); !errors.Is(err, robot.ErrParse) {
		t.Errorf("unknown pose = %v, want ErrParse", err)
	}
	if _, err := (&LoopFlags{Leader: true}).source(ctx, cfg); !errors.Is(err, robot.ErrConfiguration) {
		t.Errorf("leader without port = %v, want ErrConfiguration", err)
	}
}
