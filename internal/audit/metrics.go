package audit

import (
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// Metrics emits structured measurements for SLA tracking.
type Metrics interface {
	Emit(measurement string, tags map[string]string, fields map[string]interface{})
	Close()
}

// InfluxMetrics writes measurements to InfluxDB through the non-blocking
// write API; dropped points on broker outage are acceptable for metrics.
type InfluxMetrics struct {
	client influxdb2.Client
	write  api.WriteAPI
}

// NewInfluxMetrics connects a metrics sink to InfluxDB.
func NewInfluxMetrics(url, token, org, bucket string) *InfluxMetrics {
	client := influxdb2.NewClient(url, token)
	return &InfluxMetrics{
		client: client,
		write:  client.WriteAPI(org, bucket),
	}
}

// Emit writes one measurement point.
func (m *InfluxMetrics) Emit(measurement string, tags map[string]string, fields map[string]interface{}) {
	m.write.WritePoint(influxdb2.NewPoint(measurement, tags, fields, time.Now()))
}

// Close flushes and shuts the client down.
func (m *InfluxMetrics) Close() {
	m.write.Flush()
	m.client.Close()
}

// NopMetrics discards measurements; used when no InfluxDB is configured.
type NopMetrics struct{}

// Emit implements Metrics.
func (NopMetrics) Emit(string, map[string]string, map[string]interface{}) {}

// Close implements Metrics.
func (NopMetrics) Close() {}
