package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestObserverUpdatesCollectors(t *testing.T) {
	c := NewCollectors()
	reg := prometheus.NewRegistry()
	c.MustRegister(reg)

	obs := NewObserver(c)
	obs.ObserveElected(0, 250*time.Millisecond)
	obs.ObserveIdleSleep(0, 50*time.Millisecond)
	obs.ObserveUsedUnits(42)
	obs.ObserveOverdraftClamped(0)

	require.InDelta(t, 0.25, testutil.ToFloat64(c.ElectedSeconds), 0.001)
	require.InDelta(t, 0.05, testutil.ToFloat64(c.IdleSleepSeconds), 0.001)
	require.Equal(t, float64(42), testutil.ToFloat64(c.UsedUnits))
	require.Equal(t, float64(1), testutil.ToFloat64(c.OverdraftClamped))
}
