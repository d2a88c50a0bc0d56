package metrics

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordHandshake("ok")
	m.RecordFrameSent("subscribe")
	m.RecordFrameReceived("ping")
	m.RecordDropped("message")
	m.RecordResult("passed")
	m.RecordFileUploaded()
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestCounters(t *testing.T) {
	m := New()
	m.RecordFrameSent("subscribe")
	m.RecordFrameSent("subscribe")
	m.RecordFrameSent("message")
	m.RecordResult("failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.framesSent.WithLabelValues("subscribe")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.framesSent.WithLabelValues("message")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.results.WithLabelValues("failed")))
}

func TestWriteTextfile(t *testing.T) {
	m := New()
	m.RecordHandshake("ok")
	m.RecordFileUploaded()

	path := filepath.Join(t.TempDir(), "bktest.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `bktest_handshakes_total{outcome="ok"} 1`)
	assert.Contains(t, string(data), "bktest_files_uploaded_total 1")
}
