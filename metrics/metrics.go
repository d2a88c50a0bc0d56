package metrics

// metrics.go holds the prometheus counters of the upload pipeline. A nil
// *Metrics is valid and records nothing.

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bktest"

type Metrics struct {
	registry *prometheus.Registry

	handshakes     *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	framesReceived *prometheus.CounterVec
	results        *prometheus.CounterVec
	filesUploaded  prometheus.Counter
	dropped        *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshakes with the analytics service by outcome",
		}, []string{"outcome"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_frames_sent_total",
			Help:      "Frames written to the analytics socket by command",
		}, []string{"command"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_frames_received_total",
			Help:      "Frames read from the analytics socket by type",
		}, []string{"type"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_normalized_total",
			Help:      "Normalized test results by outcome",
		}, []string{"result"}),
		filesUploaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_uploaded_total",
			Help:      "Per-file result batches handed to the transport",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "socket_frames_dropped_total",
			Help:      "Sends skipped because no socket or no subscription existed",
		}, []string{"command"}),
	}
	m.registry.MustRegister(m.handshakes, m.framesSent, m.framesReceived, m.results, m.filesUploaded, m.dropped)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordHandshake(outcome string) {
	if m == nil {
		return
	}
	m.handshakes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordFrameSent(command string) {
	if m == nil {
		return
	}
	m.framesSent.WithLabelValues(command).Inc()
}

func (m *Metrics) RecordFrameReceived(frameType string) {
	if m == nil {
		return
	}
	m.framesReceived.WithLabelValues(frameType).Inc()
}

func (m *Metrics) RecordDropped(command string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(command).Inc()
}

func (m *Metrics) RecordResult(result string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordFileUploaded() {
	if m == nil {
		return
	}
	m.filesUploaded.Inc()
}

// WriteTextfile writes all metrics in the text exposition format, for
// pickup by the node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
