package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsInitialization(t *testing.T) {
	assert.NotNil(t, ShardsLocatedTotal)
	assert.NotNil(t, ConversionFailuresTotal)
	assert.NotNil(t, LocateDurationSeconds)
	assert.NotNil(t, HandleContextsOpen)
	assert.NotNil(t, HandleOpsTotal)
	assert.NotNil(t, FitTotal)
	assert.NotNil(t, FitDurationSeconds)
	assert.NotNil(t, Coordinators)
	assert.NotNil(t, QueryTotal)
	assert.NotNil(t, QueryDurationSeconds)
	assert.NotNil(t, TasksTotal)
	assert.NotNil(t, StoredResults)
	assert.NotNil(t, DeviceBytesAllocatedTotal)
	assert.NotNil(t, DeviceBytesFreedTotal)
	assert.NotNil(t, DeviceAllocationsActive)
}

func TestLabelledCounters(t *testing.T) {
	before := testutil.ToFloat64(HandleOpsTotal.WithLabelValues("export", "success"))
	HandleOpsTotal.WithLabelValues("export", "success").Inc()
	assert.InDelta(t, before+1, testutil.ToFloat64(HandleOpsTotal.WithLabelValues("export", "success")), 1e-9)

	Coordinators.Set(3)
	assert.InDelta(t, 3.0, testutil.ToFloat64(Coordinators), 1e-9)

	g := DeviceAllocationsActive.WithLabelValues("metrics-test/dev0")
	g.Inc()
	g.Dec()
	assert.InDelta(t, 0.0, testutil.ToFloat64(g), 1e-9)
}
