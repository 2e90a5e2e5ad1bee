package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0644))
}

func TestLoadContainerizedMode(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "vnpu.config", "UsedMem:4096\nUsedCores:50\n")
	writeFile(t, dir, "vnpu-ids.config", "die-7-3\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.True(t, cfg.Containerized)
	require.Equal(t, uint64(4096), cfg.UsedMemMB)
	require.Equal(t, 50, cfg.QuotaPercent)
	require.Equal(t, "die-7", cfg.DieID)
	require.Equal(t, 3, cfg.NodeIdx)
}

func TestLoadHostModeWhenQuotaConfigAbsent(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "vnpu-ids.config", "die0-0\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.False(t, cfg.Containerized)
	require.Equal(t, uint64(0), cfg.UsedMemMB)
	require.Equal(t, 0, cfg.QuotaPercent)
}

func TestLoadAcceptsVgpuConfigName(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "vgpu.config", "UsedMem:1024\nUsedCores:100\n")
	writeFile(t, dir, "vnpu-ids.config", "die0-0\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	require.True(t, cfg.Containerized)
	require.Equal(t, 100, cfg.QuotaPercent)
}

func TestLoadRejectsQuotaPercentNotMultipleOfFive(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "vnpu.config", "UsedMem:1024\nUsedCores:42\n")
	writeFile(t, dir, "vnpu-ids.config", "die0-0\n")

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadRequiresIDsConfig(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoadRejectsMalformedIDsConfig(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "vnpu-ids.config", "not-a-valid-line-at-all\n")

	_, err := Load(dir)
	require.Error(t, err)
}
