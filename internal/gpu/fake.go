package gpu

import (
	"fmt"
	"sync"

	"github.com/aios/gpu-grabd/pkg/models"
)

// FakeProbe is an in-memory Probe used by scheduler and ipc tests
// to drive deterministic GPU telemetry without NVML or real hardware.
type FakeProbe struct {
	mu      sync.Mutex
	devices []models.GPUStatus
	failing bool
}

// NewFakeProbe seeds a FakeProbe with the given device snapshots.
func NewFakeProbe(devices ...models.GPUStatus) *FakeProbe {
	return &FakeProbe{devices: devices}
}

// SetDevices atomically replaces the simulated device snapshots,
// letting a test relax or tighten GPU availability mid-run (e.g. S2's
// "relax the GPU to 10% util" step).
func (f *FakeProbe) SetDevices(devices []models.GPUStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices = devices
}

// SetFailing makes every subsequent call return an error, simulating
// an NVML backend outage.
func (f *FakeProbe) SetFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

func (f *FakeProbe) Count() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return 0, fmt.Errorf("simulated nvml failure")
	}
	return len(f.devices), nil
}

func (f *FakeProbe) Status(index int) (models.GPUStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return models.GPUStatus{}, fmt.Errorf("simulated nvml failure")
	}
	for _, d := range f.devices {
		if d.Index == index {
			return d, nil
		}
	}
	return models.GPUStatus{}, fmt.Errorf("no such device: %d", index)
}

func (f *FakeProbe) All() []models.GPUStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil
	}
	out := make([]models.GPUStatus, len(f.devices))
	copy(out, f.devices)
	return out
}
