// Package metrics exposes prometheus collectors for the acquisition pipeline.
//
// All methods are safe to call on a nil *Metrics, so packages can accept an
// optional collector without checking for it.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared by the sequencer, file server client
// and scheduler
type Metrics struct {
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	action   *prometheus.GaugeVec
}

// counter and gauge names
const (
	ImagesAcquired    = "lauecollect_images_acquired_total"
	PacketsCompiled   = "lauecollect_packets_compiled_total"
	PacketsUploaded   = "lauecollect_packets_uploaded_total"
	UploadBytes       = "lauecollect_upload_bytes_total"
	CacheHits         = "lauecollect_packet_cache_hits_total"
	PacketsDeleted    = "lauecollect_remote_packets_deleted_total"
	FileServerRetries = "lauecollect_fileserver_retries_total"
	FileServerErrors  = "lauecollect_fileserver_failures_total"
	LastImageNumber   = "lauecollect_last_image_number"
	QueueLength       = "lauecollect_acquisition_queue_length"
)

var help = map[string]string{
	ImagesAcquired:    "Images whose FPGA image_number advance has been observed.",
	PacketsCompiled:   "Packets produced by the compiler (cache misses).",
	PacketsUploaded:   "Packets written to the FPGA file system.",
	UploadBytes:       "Bytes written to the FPGA file system.",
	CacheHits:         "Packets served from the local packet cache.",
	PacketsDeleted:    "Unreferenced packets removed from the FPGA file system.",
	FileServerRetries: "File server requests that needed a retry.",
	FileServerErrors:  "File server requests that failed after the retry.",
}

var gaugeHelp = map[string]string{
	LastImageNumber: "Last image number reported by the FPGA.",
	QueueLength:     "Number of packets in the acquisition queue.",
}

// New creates the collectors and registers them with reg.  If reg is nil, the
// default registerer is used.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		counters: make(map[string]prometheus.Counter),
		gauges:   make(map[string]prometheus.Gauge),
	}
	for name, h := range help {
		c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: h})
		reg.MustRegister(c)
		m.counters[name] = c
	}
	for name, h := range gaugeHelp {
		g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: h})
		reg.MustRegister(g)
		m.gauges[name] = g
	}
	m.action = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lauecollect_action_running",
		Help: "1 while the named supervisor action is running.",
	}, []string{"action"})
	reg.MustRegister(m.action)
	return m
}

// Add increments the named counter by v
func (m *Metrics) Add(name string, v float64) {
	if m == nil {
		return
	}
	if c, ok := m.counters[name]; ok {
		c.Add(v)
	}
}

// Inc increments the named counter by one
func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

// Set sets the named gauge
func (m *Metrics) Set(name string, v float64) {
	if m == nil {
		return
	}
	if g, ok := m.gauges[name]; ok {
		g.Set(v)
	}
}

// ActionStarted marks action as running
func (m *Metrics) ActionStarted(action string) {
	if m == nil {
		return
	}
	m.action.WithLabelValues(action).Set(1)
}

// ActionFinished marks action as idle
func (m *Metrics) ActionFinished(action string) {
	if m == nil {
		return
	}
	m.action.WithLabelValues(action).Set(0)
}

// Counter returns the named counter, or nil
func (m *Metrics) Counter(name string) prometheus.Counter {
	if m == nil {
		return nil
	}
	return m.counters[name]
}

// Gauge returns the named gauge, or nil
func (m *Metrics) Gauge(name string) prometheus.Gauge {
	if m == nil {
		return nil
	}
	return m.gauges[name]
}

// Action returns the gauge for the named action
func (m *Metrics) Action(action string) prometheus.Gauge {
	return m.action.WithLabelValues(action)
}
