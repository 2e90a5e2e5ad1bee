package xpu

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimulatorTracksPerProcessUsage(t *testing.T) {
	s := NewSimulator(2, 16<<30, "/config/base")

	used, err := s.ProcessMemoryUsed(1234)
	require.NoError(t, err)
	require.Equal(t, uint64(0), used)

	s.SetProcessMemoryUsed(1234, 512)
	used, err = s.ProcessMemoryUsed(1234)
	require.NoError(t, err)
	require.Equal(t, uint64(512), used)

	n, err := s.DeviceCount()
	require.NoError(t, err)
	require.Equal(t, 2, n)

	total, err := s.TotalMemory()
	require.NoError(t, err)
	require.Equal(t, uint64(16<<30), total)

	require.Equal(t, "/config/base", s.ConfigBase())
}

func TestSimulatorDeviceCountAboveMaxErrors(t *testing.T) {
	s := NewSimulator(MaxDeviceCount+1, 0, "")
	_, err := s.DeviceCount()
	require.Error(t, err)
}

func TestCheckDeviceIndex(t *testing.T) {
	require.True(t, CheckDeviceIndex(0, 4))
	require.True(t, CheckDeviceIndex(3, 4))
	require.False(t, CheckDeviceIndex(4, 4))
	require.False(t, CheckDeviceIndex(-1, 4))
}

func TestSimulatorCurrentDevice(t *testing.T) {
	s := NewSimulator(2, 0, "")
	idx, err := s.CurrentDevice()
	require.NoError(t, err)
	require.Equal(t, 0, idx)

	s.SetCurrentDevice(1)
	idx, err = s.CurrentDevice()
	require.NoError(t, err)
	require.Equal(t, 1, idx)
}
