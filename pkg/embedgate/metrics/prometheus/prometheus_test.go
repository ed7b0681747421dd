package prommetrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/embedhq/embedgate/pkg/embedgate"
)

func TestPrometheusMetrics_NewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	if metrics == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestPrometheusMetrics_RecordUsage(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordUsageCheck("app1", embedgate.ReasonActive, 5*time.Millisecond)
	metrics.RecordUsageRecord("app1", embedgate.ReasonActive, true)
	metrics.RecordUsageRecord("app1", embedgate.ReasonLimitReached, false)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("Expected usage metrics to be recorded")
	}
}

func TestPrometheusMetrics_RecordMessages(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordMessage("getUsage", 2*time.Millisecond)
	metrics.RecordMessage("incrementUsage", 3*time.Millisecond)
	metrics.RecordMessageDropped("origin_mismatch")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var messagesTotal *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "test_messages_total" {
			messagesTotal = f
			break
		}
	}
	if messagesTotal == nil {
		t.Fatal("Expected to find messages_total metric")
	}
	if len(messagesTotal.Metric) != 2 {
		t.Errorf("Expected 2 time series by type, got %d", len(messagesTotal.Metric))
	}
}

func TestPrometheusMetrics_RecordState(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg, "test")

	metrics.RecordStateSave("app1", 1600, 2, 10*time.Millisecond, nil)
	metrics.RecordStateSave("app1", 0, 0, 5*time.Millisecond, errors.New("write failed"))
	metrics.RecordStateLoad("app1", "chunked", 4*time.Millisecond, nil)
	metrics.RecordStateLoad("app1", "legacy", 4*time.Millisecond, nil)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	var errorsTotal *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == "test_state_operation_errors_total" {
			errorsTotal = f
			break
		}
	}
	if errorsTotal == nil {
		t.Fatal("Expected to find state_operation_errors_total metric")
	}
	if got := errorsTotal.Metric[0].GetCounter().GetValue(); got != 1 {
		t.Errorf("Expected 1 recorded save error, got %v", got)
	}
}

func TestPrometheusMetrics_DefaultMetrics(t *testing.T) {
	metrics := DefaultMetrics("test_default")
	if metrics == nil {
		t.Fatal("DefaultMetrics returned nil")
	}

	// Verify it works against the default registerer
	metrics.RecordMessageDropped("retired")
	metrics.RecordUsageCheck("app1", embedgate.ReasonActive, time.Millisecond)
}
