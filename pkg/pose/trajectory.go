// Package pose provides pose sources: recorded trajectories, a fixed pose and
// a leader arm moved by hand.
package pose

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/gwillem/armctl/pkg/robot"
)

// Source produces the pose to follow at a given time.
type Source interface {
	// Sample returns the pose at t. ok is false once the source has reached
	// its end; the pose returned with it is the final one to hold.
	Sample(ctx context.Context, t time.Time) (p robot.Pose, ok bool, err error)
}

// Node is one waypoint of a trajectory.
type Node struct {
	Name   string            `json:"name"`
	Angles robot.JointAngles `json:"angles"`
	// Duration is the time to reach the node from the previous one. For the
	// first node it is a hold at the start.
	Duration time.Duration `json:"-"`
}

type nodeJSON struct {
	Name       string            `json:"name"`
	Angles     robot.JointAngles `json:"angles"`
	DurationMs int64             `json:"duration_ms"`
}

// MarshalJSON writes the duration in milliseconds.
func (n Node) MarshalJSON() ([]byte, error) {
	return json.Marshal(nodeJSON{Name: n.Name, Angles: n.Angles, DurationMs: n.Duration.Milliseconds()})
}

// UnmarshalJSON reads the duration in milliseconds.
func (n *Node) UnmarshalJSON(b []byte) error {
	var j nodeJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	*n = Node{Name: j.Name, Angles: j.Angles, Duration: time.Duration(j.DurationMs) * time.Millisecond}
	return nil
}

// Trajectory is a sequence of nodes joined by linear joint interpolation.
type Trajectory struct {
	Nodes []Node `json:"nodes"`
}

// Validate checks the trajectory can be played.
func (t Trajectory) Validate() error {
	if len(t.Nodes) == 0 {
		return errors.Wrap(robot.ErrParse, "trajectory has no nodes")
	}
	for i, n := range t.Nodes {
		if n.Duration < 0 {
			return errors.Wrapf(robot.ErrParse, "node %d (%s): negative duration", i, n.Name)
		}
		for _, a := range n.Angles {
			if math.IsNaN(a) || math.IsInf(a, 0) {
				return errors.Wrapf(robot.ErrParse, "node %d (%s): bad angle", i, n.Name)
			}
		}
	}
	return nil
}

// Duration is the play time of the whole trajectory.
func (t Trajectory) Duration() time.Duration {
	var d time.Duration
	for _, n := range t.Nodes {
		d += n.Duration
	}
	return d
}

// At returns the pose elapsed into the trajectory. The node reported is the
// one being approached. Past the end the last node is held.
func (t Trajectory) At(elapsed time.Duration) robot.Pose {
	if len(t.Nodes) == 0 {
		return robot.Pose{}
	}
	elapsed = max(elapsed, 0)
	var reached time.Duration
	prev := t.Nodes[0].Angles
	for _, n := range t.Nodes {
		if elapsed < reached+n.Duration {
			f := float64(elapsed-reached) / float64(n.Duration)
			var a robot.JointAngles
			for i := range a {
				a[i] = prev[i] + f*(n.Angles[i]-prev[i])
			}
			return robot.Pose{Angles: a, Node: n.Name}
		}
		reached += n.Duration
		prev = n.Angles
	}
	last := t.Nodes[len(t.Nodes)-1]
	return robot.Pose{Angles: last.Angles, Node: last.Name}
}

// String formats the trajectory the way ParseTrajectory reads it.
func (t Trajectory) String() string {
	parts := make([]string, len(t.Nodes))
	for i, n := range t.Nodes {
		parts[i] = n.Name + " " + strconv.FormatInt(n.Duration.Milliseconds(), 10) + " " + n.Angles.String()
	}
	return strings.Join(parts, "; ")
}

// ParseTrajectory reads nodes separated by ';', each "<name> <ms> <a0,...,a5>".
// Any malformed node rejects the whole trajectory.
func ParseTrajectory(s string) (Trajectory, error) {
	var t Trajectory
	for i, part := range strings.Split(s, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		f := strings.Fields(part)
		if len(f) != 3 {
			return Trajectory{}, errors.Wrapf(robot.ErrParse, "node %d %q: want <name> <ms> <angles>", i, part)
		}
		ms, err := strconv.ParseInt(f[1], 10, 64)
		if err != nil {
			return Trajectory{}, errors.Wrapf(robot.ErrParse, "node %d %q: bad duration", i, part)
		}
		angles, err := robot.ParseJointAngles(f[2])
		if err != nil {
			return Trajectory{}, errors.Wrapf(err, "node %d", i)
		}
		t.Nodes = append(t.Nodes, Node{Name: f[0], Angles: angles, Duration: time.Duration(ms) * time.Millisecond})
	}
	if err := t.Validate(); err != nil {
		return Trajectory{}, err
	}
	return t, nil
}

// LoadTrajectory reads a JSON trajectory file.
func LoadTrajectory(path string) (Trajectory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Trajectory{}, errors.Wrap(err, "read trajectory")
	}
	var t Trajectory
	if err := json.Unmarshal(data, &t); err != nil {
		return Trajectory{}, errors.Wrapf(robot.ErrParse, "trajectory %s: %v", path, err)
	}
	if err := t.Validate(); err != nil {
		return Trajectory{}, errors.Wrap(err, path)
	}
	return t, nil
}

// Save writes t as JSON.
func (t Trajectory) Save(path string) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal trajectory")
	}
	return errors.Wrap(os.WriteFile(path, data, 0o644), "write trajectory")
}

// Player plays a trajectory from the first Sample call on.
type Player struct {
	traj Trajectory

	mu      sync.Mutex
	started bool
	start   time.Time
	node    string
}

// NewPlayer returns a player for t.
func NewPlayer(t Trajectory) *Player {
	return &Player{traj: t}
}

// Sample implements Source.
func (p *Player) Sample(ctx context.Context, t time.Time) (robot.Pose, bool, error) {
	if err := ctx.Err(); err != nil {
		return robot.Pose{}, false, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		p.started, p.start = true, t
	}
	elapsed := t.Sub(p.start)
	pose := p.traj.At(elapsed)
	p.node = pose.Node
	return pose, elapsed < p.traj.Duration(), nil
}

// NodeName returns the node being played.
func (p *Player) NodeName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.node
}

// Static holds one pose forever.
type Static robot.Pose

// Sample implements Source.
func (s Static) Sample(ctx context.Context, _ time.Time) (robot.Pose, bool, error) {
	if err := ctx.Err(); err != nil {
		return robot.Pose{}, false, err
	}
	return robot.Pose(s), true, nil
}
