// Package armctl drives a six-joint robot arm from a stream of poses.
//
// A pose source (a trajectory, a held pose or a leader arm) is sampled by the
// pose loop. The sample scheduler forwards one pose per sample period to the
// actuator link as a timed move, and the lifecycle controller powers, homes
// and parks the arm. The link is either the in-process simulated stepper
// board, a Feetech servo bus, or a remote board speaking the line protocol.
//
// # Installation
//
//	go install github.com/gwillem/armctl/cmd/armctl@latest
//
// # Usage
//
// Detect and calibrate servo arms, or skip this to use the simulated board:
//
//	armctl setup
//
// Home the arm and play a trajectory with a live chart:
//
//	armctl run --trajectory wave.json
//
// Serve a simulated board for remote clients, and drive it headless:
//
//	armctl board --listen :7000
//	armctl serve --http :8080
//
// # Packages
//
//   - cmd/armctl: CLI
//   - pkg/stepper: step generation and sensor correction for one joint
//   - pkg/board: simulated stepper board and its line protocol server
//   - pkg/cortex: line protocol and the remote board client
//   - pkg/sampler: sample scheduler
//   - pkg/lifecycle: startup, teardown and emergency stop
//   - pkg/pose: pose sources
//   - pkg/session: the pose loop tying the above together
//   - pkg/telemetry: status server and InfluxDB sink
//   - pkg/robot: joints, configuration, calibration and the servo link
package armctl
