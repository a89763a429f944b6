package telemetry

import (
	"time"

	"github.com/charmbracelet/log"
	influxdb2 "github.com/influxdata/influxdb-client-go"
	"github.com/influxdata/influxdb-client-go/api"

	"github.com/gwillem/armctl/pkg/robot"
	"github.com/gwillem/armctl/pkg/sampler"
)

// Measurement is the InfluxDB measurement samples are written to.
const Measurement = "armctl.sample"

type pointWriter func(measurement string, tags map[string]string, fields map[string]interface{}, ts time.Time)

// InfluxSink writes every sample that reached the link as a point.
type InfluxSink struct {
	client influxdb2.Client
	writer api.WriteApi
	write  pointWriter
	log    *log.Logger
}

var _ sampler.Recorder = (*InfluxSink)(nil)

// NewInfluxSink connects a non-blocking writer to the bucket.
func NewInfluxSink(url, token, org, bucket string, logger *log.Logger) *InfluxSink {
	if logger == nil {
		logger = log.Default()
	}
	client := influxdb2.NewClient(url, token)
	writer := client.WriteApi(org, bucket)
	s := &InfluxSink{
		client: client,
		writer: writer,
		log:    logger.With("component", "influx", "bucket", bucket),
	}
	s.write = func(m string, tags map[string]string, fields map[string]interface{}, ts time.Time) {
		writer.WritePoint(influxdb2.NewPoint(m, tags, fields, ts))
	}
	go func() {
		for err := range writer.Errors() {
			s.log.Warn("write failed", "err", err)
		}
	}()
	return s
}

// Record implements sampler.Recorder.
func (s *InfluxSink) Record(sample sampler.Sample) {
	s.write(Measurement, sampleTags(sample), sampleFields(sample), sample.Time)
}

func sampleTags(sample sampler.Sample) map[string]string {
	tags := map[string]string{}
	if sample.Node != "" {
		tags["node"] = sample.Node
	}
	return tags
}

func sampleFields(sample sampler.Sample) map[string]interface{} {
	fields := make(map[string]interface{}, robot.NumJoints+3)
	for i, name := range robot.AllJoints() {
		fields[string(name)] = sample.Angles[i]
	}
	fields["duration_ms"] = sample.Duration.Milliseconds()
	fields["sent"] = sample.Sent
	if sample.Err != nil {
		fields["error"] = sample.Err.Error()
	}
	return fields
}

// Close flushes pending points and closes the client.
func (s *InfluxSink) Close() error {
	if s.writer != nil {
		s.writer.Flush()
		s.writer.Close()
	}
	if s.client != nil {
		s.client.Close()
	}
	return nil
}
