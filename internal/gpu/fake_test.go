package gpu_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aios/gpu-grabd/internal/gpu"
	"github.com/aios/gpu-grabd/pkg/models"
)

func TestFakeProbeAll(t *testing.T) {
	probe := gpu.NewFakeProbe(
		models.GPUStatus{Index: 0, FreeMB: 24000, UtilPercent: 0},
		models.GPUStatus{Index: 1, FreeMB: 1000, UtilPercent: 95},
	)

	devices := probe.All()
	require.Len(t, devices, 2)
	assert.Equal(t, uint64(24000), devices[0].FreeMB)

	count, err := probe.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestFakeProbeFailureYieldsEmptyAll(t *testing.T) {
	probe := gpu.NewFakeProbe(models.GPUStatus{Index: 0, FreeMB: 24000})
	probe.SetFailing(true)

	assert.Empty(t, probe.All())

	_, err := probe.Count()
	assert.Error(t, err)

	_, err = probe.Status(0)
	assert.Error(t, err)
}

func TestFakeProbeSetDevicesRelaxesAvailability(t *testing.T) {
	probe := gpu.NewFakeProbe(models.GPUStatus{Index: 0, FreeMB: 1000, UtilPercent: 95})
	require.Len(t, probe.All(), 1)

	probe.SetDevices([]models.GPUStatus{{Index: 0, FreeMB: 24000, UtilPercent: 10}})
	devices := probe.All()
	require.Len(t, devices, 1)
	assert.Equal(t, 10.0, devices[0].UtilPercent)
}
