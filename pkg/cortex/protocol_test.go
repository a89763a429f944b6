package cortex

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"

	"github.com/gwillem/armctl/pkg/robot"
)

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest("  move 500   1,2,3,4,5,6 \n")
	if err != nil {
		t.Fatal(err)
	}
	want := Request{Cmd: "move", Args: []string{"500", "1,2,3,4,5,6"}}
	if diff := cmp.Diff(want, req); diff != "" {
		t.Errorf("request mismatch (-want +got):\n%s", diff)
	}
	if got := req.String(); got != "move 500 1,2,3,4,5,6" {
		t.Errorf("String() = %q", got)
	}
	if _, err := ParseRequest("   "); !errors.Is(err, robot.ErrParse) {
		t.Errorf("empty request = %v, want ErrParse", err)
	}
}

func TestMove(t *testing.T) {
	line := MoveRequest(robot.JointAngles{1.5, -2, 0, 0, 90, 0.25}, 1250*time.Millisecond)
	if line != "move 1250 1.5,-2,0,0,90,0.25" {
		t.Fatalf("MoveRequest() = %q", line)
	}
	req, err := ParseRequest(line)
	if err != nil {
		t.Fatal(err)
	}
	angles, d, err := ParseMove(req.Args)
	if err != nil {
		t.Fatal(err)
	}
	if angles != (robot.JointAngles{1.5, -2, 0, 0, 90, 0.25}) || d != 1250*time.Millisecond {
		t.Errorf("ParseMove() = %v, %v", angles, d)
	}

	for _, args := range [][]string{
		nil,
		{"100"},
		{"-1", "0,0,0,0,0,0"},
		{"x", "0,0,0,0,0,0"},
		{"100", "0,0,0"},
	} {
		if _, _, err := ParseMove(args); !errors.Is(err, robot.ErrParse) {
			t.Errorf("ParseMove(%q) = %v, want ErrParse", args, err)
		}
	}
}

func TestParseResponse(t *testing.T) {
	tests := []struct {
		line    string
		payload string
		wantErr bool
	}{
		{"ok\n", "", false},
		{"ok 1 0 1\r\n", "1 0 1", false},
		{"err not powered\n", "", true},
		{"what\n", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseResponse(tt.line)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseResponse(%q) err = %v, wantErr %v", tt.line, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, robot.ErrCommunication) {
			t.Errorf("ParseResponse(%q) = %v, want ErrCommunication", tt.line, err)
		}
		if got != tt.payload {
			t.Errorf("ParseResponse(%q) = %q, want %q", tt.line, got, tt.payload)
		}
	}
}

func TestFormatAnswers(t *testing.T) {
	if got := FormatOK(""); got != "ok" {
		t.Errorf("FormatOK(\"\") = %q", got)
	}
	if got := FormatErr(errors.New("two\nlines")); got != "err two lines" {
		t.Errorf("FormatErr() = %q", got)
	}
}

func TestStatus(t *testing.T) {
	s := robot.LifecycleStatus{Powered: true, Enabled: true}
	if got := FormatStatus(s); got != "1 0 1" {
		t.Fatalf("FormatStatus() = %q", got)
	}
	back, err := ParseStatus("1 0 1")
	if err != nil || back != s {
		t.Errorf("ParseStatus() = %+v, %v", back, err)
	}
	for _, bad := range []string{"", "1 0", "1 0 2", "1 0 1 1"} {
		if _, err := ParseStatus(bad); !errors.Is(err, robot.ErrParse) {
			t.Errorf("ParseStatus(%q) = %v, want ErrParse", bad, err)
		}
	}
}

func TestStates(t *testing.T) {
	var states [robot.NumJoints]robot.ActuatorState
	for i := range states {
		states[i] = robot.ActuatorState{CurrentAngle: float64(i) * 1.5, Status: "idle"}
	}
	states[2].Status = ""

	payload := FormatStates(states)
	if payload != "0,1.5,3,4.5,6,7.5 idle,idle,-,idle,idle,idle" {
		t.Fatalf("FormatStates() = %q", payload)
	}
	back, err := ParseStates(payload)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(states, back); diff != "" {
		t.Errorf("states mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []string{"", "0,0,0,0,0,0", "0,0,0,0,0,0 a,b", "0,0,x,0,0,0 a,b,c,d,e,f"} {
		if _, err := ParseStates(bad); !errors.Is(err, robot.ErrParse) {
			t.Errorf("ParseStates(%q) = %v, want ErrParse", bad, err)
		}
	}
}
