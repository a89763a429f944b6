package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/go-cmp/cmp"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/sampler"
)

var t0 = time.Unix(1_700_000_000, 0).UTC()

func sample(v float64, sent bool) sampler.Sample {
	s := sampler.Sample{
		Time:     t0,
		Angles:   robot.JointAngles{v, 0, 0, 0, 0, -v},
		Duration: 100 * time.Millisecond,
		Node:     "reach",
		Sent:     sent,
	}
	if !sent {
		s.Err = errors.Wrap(robot.ErrCommunication, "link unhealthy")
	}
	return s
}

func TestHub_Record(t *testing.T) {
	h := NewHub(func() (string, bool) { return "running", true })
	h.Record(sample(1, true))
	h.Record(sample(2, true))
	h.Record(sample(3, false))

	want := Snapshot{
		Time:       t0,
		Angles:     robot.JointAngles{3, 0, 0, 0, 0, -3},
		DurationMs: 100,
		Node:       "reach",
		SentCount:  2,
		Failures:   1,
		Lifecycle:  "running",
		Healthy:    true,
	}
	got := h.Snapshot()
	want.Error = got.Error
	if !strings.Contains(got.Error, "link unhealthy") {
		t.Errorf("Error = %q", got.Error)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("snapshot mismatch (-want +got):\n%s", diff)
	}
}

func TestHub_Subscribe(t *testing.T) {
	h := NewHub(nil)
	ch, cancel := h.Subscribe()

	if first := <-ch; first.SentCount != 0 {
		t.Errorf("initial snapshot %+v", first)
	}
	h.Record(sample(1, true))
	h.Record(sample(2, true))
	if got := <-ch; got.SentCount != 2 {
		t.Errorf("latest snapshot has %d sends, want the newest value", got.SentCount)
	}

	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel open after cancel")
	}

	ch2, _ := h.Subscribe()
	h.Close()
	<-ch2
	if _, ok := <-ch2; ok {
		t.Error("channel open after Close")
	}
	ch3, _ := h.Subscribe()
	<-ch3
	if _, ok := <-ch3; ok {
		t.Error("subscription after Close not closed")
	}
}

type fakeController struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (c *fakeController) record(call string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, call)
	return c.err
}

func (c *fakeController) Startup(context.Context) error       { return c.record("startup") }
func (c *fakeController) Teardown(context.Context) error      { return c.record("teardown") }
func (c *fakeController) EmergencyStop(context.Context) error { return c.record("estop") }
func (c *fakeController) Home(context.Context) error          { return c.record("home") }
func (c *fakeController) SetPose(a string) error {
	if _, err := robot.ParseJointAngles(a); err != nil {
		return err
	}
	return c.record("pose " + a)
}
func (c *fakeController) RunTrajectory(s string) error { return c.record("trajectory " + s) }
func (c *fakeController) DirectAccess(_ context.Context, cmd string) (string, error) {
	return "echo " + cmd, c.record("direct " + cmd)
}

func (c *fakeController) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.calls...)
}

func newTestServer(t *testing.T, ctl Controller) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub(nil)
	srv := httptest.NewServer(NewServer(hub, ctl, log.Default()).Router())
	t.Cleanup(srv.Close)
	return srv, hub
}

func TestServer_Status(t *testing.T) {
	srv, hub := newTestServer(t, nil)
	hub.Record(sample(4, true))

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var got Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(hub.Snapshot(), got); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}

	resp, err = http.Post(srv.URL+"/api/estop", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		t.Error("read-only server accepted a command")
	}
}

func TestServer_Commands(t *testing.T) {
	ctl := &fakeController{}
	srv, _ := newTestServer(t, ctl)

	tests := []struct {
		path, body string
		code       int
	}{
		{"/api/startup", "", http.StatusOK},
		{"/api/pose", "1,2,3,4,5,6", http.StatusOK},
		{"/api/pose", "1,2", http.StatusBadRequest},
		{"/api/direct", "status", http.StatusOK},
		{"/api/estop", "", http.StatusOK},
		{"/api/home", "", http.StatusOK},
		{"/api/fly", "", http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, err := http.Post(srv.URL+tt.path, "text/plain", strings.NewReader(tt.body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != tt.code {
			t.Errorf("POST %s %q = %d, want %d", tt.path, tt.body, resp.StatusCode, tt.code)
		}
	}
	want := []string{"startup", "pose 1,2,3,4,5,6", "direct status", "estop", "home"}
	if diff := cmp.Diff(want, ctl.Calls()); diff != "" {
		t.Errorf("calls mismatch (-want +got):\n%s", diff)
	}

	ctl.err = errors.Wrap(robot.ErrSafetyViolation, "not homed")
	resp, err := http.Post(srv.URL+"/api/startup", "text/plain", nil)
	if err != nil {
		t.Fatal(err)
	}
	var reply Reply
	json.NewDecoder(resp.Body).Decode(&reply)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict || reply.OK || !strings.Contains(reply.Error, "not homed") {
		t.Errorf("failed startup = %d %+v", resp.StatusCode, reply)
	}
}

func TestServer_WebSocket(t *testing.T) {
	ctl := &fakeController{}
	srv, hub := newTestServer(t, ctl)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var first Snapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatal(err)
	}

	hub.Record(sample(7, true))
	var next Snapshot
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatal(err)
	}
	if next.Angles[0] != 7 || next.SentCount != 1 {
		t.Errorf("pushed snapshot %+v", next)
	}

	if err := conn.WriteJSON(Command{Command: "direct", Arg: "status"}); err != nil {
		t.Fatal(err)
	}
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatal(err)
		}
		if msg["command"] == "direct" {
			if msg["ok"] != true || msg["result"] != "echo status" {
				t.Errorf("reply %v", msg)
			}
			break
		}
	}
}

func TestInfluxSink_Record(t *testing.T) {
	type point struct {
		m      string
		tags   map[string]string
		fields map[string]interface{}
		ts     time.Time
	}
	var got []point
	s := &InfluxSink{log: log.Default(), write: func(m string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
		got = append(got, point{m, tags, fields, ts})
	}}

	s.Record(sample(5, true))
	s.Record(sample(6, false))
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	if len(got) != 2 {
		t.Fatalf("wrote %d points, want 2", len(got))
	}
	p := got[0]
	if p.m != Measurement || p.tags["node"] != "reach" || !p.ts.Equal(t0) {
		t.Errorf("point = %+v", p)
	}
	wantFields := map[string]interface{}{
		"shoulder_pan": 5.0, "shoulder_lift": 0.0, "elbow_flex": 0.0,
		"wrist_flex": 0.0, "wrist_roll": 0.0, "gripper": -5.0,
		"duration_ms": int64(100), "sent": true,
	}
	if diff := cmp.Diff(wantFields, p.fields); diff != "" {
		t.Errorf("fields mismatch (-want +got):\n%s", diff)
	}
	if _, ok := got[1].fields["error"]; !ok || got[1].fields["sent"] != false {
		t.Errorf("failed sample fields = %v", got[1].fields)
	}
}
