package metrics

import (
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// value returns the value of the series of family name with the given labels.
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if matches(metric, labels) {
				switch family.GetType() {
				case dto.MetricType_COUNTER:
					return metric.GetCounter().GetValue()
				case dto.MetricType_GAUGE:
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	t.Fatalf("series not found, name: %s, labels: %v", name, labels)
	return 0
}

func matches(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) != len(labels) {
		return false
	}
	for _, pair := range metric.GetLabel() {
		if labels[pair.GetName()] != pair.GetValue() {
			return false
		}
	}
	return true
}

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.PollCompleted("up_to_date")
	m.PollCompleted("up_to_date")
	m.PollCompleted("error")
	m.UpdateDetected()
	m.WarningSent()
	m.WarningSent()
	m.WarningSent()
	m.NotificationFailed("discord")
	m.UpdateApplied("failure")

	assert.Equal(t, 2.0, value(t, reg, "hsu_autoupdate_polls_total", map[string]string{"result": "up_to_date"}))
	assert.Equal(t, 1.0, value(t, reg, "hsu_autoupdate_polls_total", map[string]string{"result": "error"}))
	assert.Equal(t, 1.0, value(t, reg, "hsu_autoupdate_updates_detected_total", nil))
	assert.Equal(t, 3.0, value(t, reg, "hsu_autoupdate_warnings_sent_total", nil))
	assert.Equal(t, 1.0, value(t, reg, "hsu_autoupdate_notification_failures_total", map[string]string{"channel": "discord"}))
	assert.Equal(t, 1.0, value(t, reg, "hsu_autoupdate_updates_applied_total", map[string]string{"result": "failure"}))
}

func TestMetrics_StateGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.StateChanged("idle")
	assert.Equal(t, 1.0, value(t, reg, "hsu_autoupdate_state", map[string]string{"state": "idle"}))

	m.StateChanged("counting_down")
	assert.Equal(t, 0.0, value(t, reg, "hsu_autoupdate_state", map[string]string{"state": "idle"}))
	assert.Equal(t, 1.0, value(t, reg, "hsu_autoupdate_state", map[string]string{"state": "counting_down"}))
}

func TestServer_ServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.WarningSent()

	s, err := Listen("127.0.0.1:0", reg, nil)
	require.NoError(t, err)

	resp, err := http.Get("http://" + s.Addr() + MetricsPath)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "hsu_autoupdate_warnings_sent_total 1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}

func TestListen_InvalidAddress(t *testing.T) {
	_, err := Listen("256.0.0.1:bad", prometheus.NewRegistry(), nil)
	assert.Error(t, err)
}
