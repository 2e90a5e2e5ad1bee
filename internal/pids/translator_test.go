package pids

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir string, lines ...string) {
	t.Helper()
	data := ""
	for _, l := range lines {
		data += l + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, ConfigName), []byte(data), 0644))
}

// fixedWidthLine builds a pids.config line of the exact 11+1+11 width
// the translator expects.
func fixedWidthLine(hostPid, containerPid int) string {
	return pad(hostPid) + " " + pad(containerPid)
}

func pad(v int) string {
	s := itoa(v)
	for len(s) < 11 {
		s = " " + s
	}
	return s
}

func itoa(v int) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var digits []byte
	for v > 0 {
		digits = append([]byte{byte('0' + v%10)}, digits...)
		v /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func TestRefreshLoadsValidLines(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, fixedWidthLine(1001, 5), fixedWidthLine(1002, 6))

	tr := New(Options{ConfigDir: dir})
	require.NoError(t, tr.Refresh())

	require.Equal(t, 5, tr.GetContainerPID(1001))
	require.Equal(t, 6, tr.GetContainerPID(1002))
	require.Equal(t, InvalidPID, tr.GetContainerPID(9999))

	owned := tr.OwnedHostPIDs()
	require.ElementsMatch(t, []int{1001, 1002}, owned)
}

// TestRefreshSkipsMalformedLines exercises B5: wrong width, negative,
// zero, and >INT_MAX values are all skipped while valid lines still
// load.
func TestRefreshSkipsMalformedLines(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir,
		fixedWidthLine(1001, 5),
		"too short",
		pad(-1)+" "+pad(5),
		pad(1002)+" "+pad(0),
		pad(9999999999)+" "+pad(6),
		pad(1003)+" "+pad(9999999999),
	)

	tr := New(Options{ConfigDir: dir})
	require.NoError(t, tr.Refresh())

	require.Equal(t, 5, tr.GetContainerPID(1001))
	require.Equal(t, InvalidPID, tr.GetContainerPID(1002))
	require.Equal(t, InvalidPID, tr.GetContainerPID(9999999999))
	require.Equal(t, InvalidPID, tr.GetContainerPID(1003))
	require.Len(t, tr.OwnedHostPIDs(), 1)
}

// TestRefreshIdempotent exercises R1.
func TestRefreshIdempotent(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, fixedWidthLine(1001, 5), fixedWidthLine(1002, 6))

	tr := New(Options{ConfigDir: dir})
	require.NoError(t, tr.Refresh())
	first := tr.OwnedHostPIDs()

	require.NoError(t, tr.Refresh())
	second := tr.OwnedHostPIDs()

	require.ElementsMatch(t, first, second)
}

func TestSanitizeArgRejectsBlacklistedBytes(t *testing.T) {
	require.Error(t, sanitizeArg("/kubepods/burstable/pod;rm -rf /"))
	require.NoError(t, sanitizeArg("/kubepods/burstable/pod123abc"))
}

type recordingObserver struct {
	refreshed, errs int
}

func (o *recordingObserver) ObservePIDRefresh()      { o.refreshed++ }
func (o *recordingObserver) ObservePIDRefreshError() { o.errs++ }

func TestRefreshReportsToObserver(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, fixedWidthLine(1001, 5))

	obs := &recordingObserver{}
	tr := New(Options{ConfigDir: dir, Observer: obs})
	require.NoError(t, tr.Refresh())
	require.Equal(t, 1, obs.refreshed)
	require.Equal(t, 0, obs.errs)

	tr2 := New(Options{ConfigDir: filepath.Join(dir, "missing"), Observer: obs})
	require.Error(t, tr2.Refresh())
	require.Equal(t, 1, obs.errs)
}
