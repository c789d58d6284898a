package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/aios/gpu-grabd/internal/metrics"
)

func TestCountersIncrement(t *testing.T) {
	m := metrics.New()

	m.TasksSubmitted.Inc()
	m.TasksAdmitted.Inc()
	m.TasksAdmitted.Inc()
	m.GPUsInUse.Add(2)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.TasksSubmitted))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.TasksAdmitted))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.GPUsInUse))
}

func TestEachInstanceHasItsOwnRegistry(t *testing.T) {
	a := metrics.New()
	b := metrics.New()

	a.TasksCompleted.Inc()

	assert.Equal(t, float64(1), testutil.ToFloat64(a.TasksCompleted))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.TasksCompleted))
	assert.NotSame(t, a.Registry(), b.Registry())
}
