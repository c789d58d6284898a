// Package gpu wraps NVML to produce per-device telemetry snapshots
// for the scheduler's admission check. Initialization is lazy and
// idempotent; a backend failure degrades to an empty device list
// rather than propagating, since the scheduler treats "no GPUs right
// now" and "NVML unavailable" identically.
package gpu

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/sirupsen/logrus"

	"github.com/aios/gpu-grabd/pkg/models"
)

// Probe is the GPU telemetry contract consulted by the scheduler and
// by the "status" request handler.
type Probe interface {
	Count() (int, error)
	Status(index int) (models.GPUStatus, error)
	All() []models.GPUStatus
}

// nvmlProbe is the production Probe backed by the NVIDIA Management
// Library.
type nvmlProbe struct {
	logger *logrus.Logger

	once    sync.Once
	initErr error
}

// NewNVMLProbe returns a Probe backed by NVML. The library is not
// initialized until the first call to Count/Status/All.
func NewNVMLProbe(logger *logrus.Logger) Probe {
	return &nvmlProbe{logger: logger}
}

func (p *nvmlProbe) ensureInit() error {
	p.once.Do(func() {
		if ret := nvml.Init(); ret != nvml.SUCCESS {
			p.initErr = fmt.Errorf("nvml init failed: %s", nvml.ErrorString(ret))
		}
	})
	return p.initErr
}

func (p *nvmlProbe) Count() (int, error) {
	if err := p.ensureInit(); err != nil {
		return 0, err
	}
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("nvml device count: %s", nvml.ErrorString(ret))
	}
	return count, nil
}

func (p *nvmlProbe) Status(index int) (models.GPUStatus, error) {
	if err := p.ensureInit(); err != nil {
		return models.GPUStatus{}, err
	}

	dev, ret := nvml.DeviceGetHandleByIndex(index)
	if ret != nvml.SUCCESS {
		return models.GPUStatus{}, fmt.Errorf("nvml handle for device %d: %s", index, nvml.ErrorString(ret))
	}

	name, ret := dev.GetName()
	if ret != nvml.SUCCESS {
		return models.GPUStatus{}, fmt.Errorf("nvml name for device %d: %s", index, nvml.ErrorString(ret))
	}

	mem, ret := dev.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return models.GPUStatus{}, fmt.Errorf("nvml memory for device %d: %s", index, nvml.ErrorString(ret))
	}

	util, ret := dev.GetUtilizationRates()
	if ret != nvml.SUCCESS {
		return models.GPUStatus{}, fmt.Errorf("nvml utilization for device %d: %s", index, nvml.ErrorString(ret))
	}

	temp, ret := dev.GetTemperature(nvml.TEMPERATURE_GPU)
	if ret != nvml.SUCCESS {
		return models.GPUStatus{}, fmt.Errorf("nvml temperature for device %d: %s", index, nvml.ErrorString(ret))
	}

	const mb = 1024 * 1024
	return models.GPUStatus{
		Index:       index,
		Name:        name,
		TotalMB:     mem.Total / mb,
		UsedMB:      mem.Used / mb,
		FreeMB:      mem.Free / mb,
		UtilPercent: float64(util.Gpu),
		Temperature: float64(temp),
	}, nil
}

// All snapshots every device. A backend failure (at any point) is
// logged and yields an empty slice — callers must treat this the
// same as "no GPUs available right now", never as a reason to error
// out of a scheduler tick.
func (p *nvmlProbe) All() []models.GPUStatus {
	count, err := p.Count()
	if err != nil {
		p.logger.WithError(err).Warn("gpu probe: failed to read device count")
		return nil
	}

	statuses := make([]models.GPUStatus, 0, count)
	for i := 0; i < count; i++ {
		status, err := p.Status(i)
		if err != nil {
			p.logger.WithError(err).WithField("index", i).Warn("gpu probe: failed to read device status")
			return nil
		}
		statuses = append(statuses, status)
	}
	return statuses
}
