// Package xpu documents the narrow interface this module needs from the
// vendor accelerator driver and fleet-management library, treating the
// driver as an external collaborator specified only at its interface.
// Manager is that interface, and Simulator is an in-memory stand-in
// used by tests and the demo harness.
package xpu

import (
	"fmt"
	"sync"
)

// MaxDeviceCount is the upper bound on accelerator devices per host.
const MaxDeviceCount = 16

// InvalidDeviceIndex is the sentinel for "no device". Simulator never
// returns it: its CurrentDevice reports 0 until SetCurrentDevice.
const InvalidDeviceIndex = -1

// Manager is the subset of the vendor driver / fleet-management library
// this module calls into. A real implementation binds these to cgo
// calls against the accelerator runtime (out of scope here); Simulator
// below is the in-process stand-in.
type Manager interface {
	// Init initializes the driver binding. Failure here is init-fatal.
	Init() error
	DeviceCount() (int, error)
	CurrentDevice() (int, error)
	// ProcessMemoryUsed returns bytes of accelerator memory currently
	// attributed to hostPid by the driver's fleet-management query.
	ProcessMemoryUsed(hostPid int) (uint64, error)
	// TotalMemory returns the physical device's total memory, for the
	// info-class ABI calls when memory limiting is disabled.
	TotalMemory() (uint64, error)
	ConfigBase() string
}

// CheckDeviceIndex reports whether idx names a real device given n.
func CheckDeviceIndex(idx, n int) bool {
	return idx >= 0 && idx < n
}

// Simulator is an in-memory Manager used by tests and
// cmd/xpuquota-harness: it has no real hardware, just a map of
// attributed process usage that callers can mutate to script scenarios.
type Simulator struct {
	mu          sync.Mutex
	deviceCount int
	current     int
	total       uint64
	configBase  string
	used        map[int]uint64 // hostPid -> bytes
}

// NewSimulator returns a Simulator with the given device count and
// total device memory.
func NewSimulator(deviceCount int, totalMemory uint64, configBase string) *Simulator {
	return &Simulator{
		deviceCount: deviceCount,
		total:       totalMemory,
		configBase:  configBase,
		used:        make(map[int]uint64),
	}
}

func (s *Simulator) Init() error { return nil }

func (s *Simulator) DeviceCount() (int, error) {
	if s.deviceCount > MaxDeviceCount {
		return 0, fmt.Errorf("xpu: simulated device count %d exceeds MaxDeviceCount", s.deviceCount)
	}
	return s.deviceCount, nil
}

func (s *Simulator) CurrentDevice() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current, nil
}

func (s *Simulator) SetCurrentDevice(idx int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = idx
}

func (s *Simulator) ProcessMemoryUsed(hostPid int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used[hostPid], nil
}

// SetProcessMemoryUsed scripts a process's attributed usage, for tests.
func (s *Simulator) SetProcessMemoryUsed(hostPid int, bytes uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.used[hostPid] = bytes
}

func (s *Simulator) TotalMemory() (uint64, error) {
	return s.total, nil
}

func (s *Simulator) ConfigBase() string { return s.configBase }

var _ Manager = (*Simulator)(nil)
