package anomaly

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRollingWindowMeanStddev(t *testing.T) {
	w := NewRollingWindow(100, time.Hour)
	now := time.Unix(0, 0)
	for _, v := range []float64{10, 12, 14, 12, 10} {
		w.Append(now, v)
	}
	n, mean, stddev := w.Stats()
	assert.EqualValues(t, 5, n)
	assert.InDelta(t, 11.6, mean, 0.01)
	assert.Greater(t, stddev, 0.0)
}

func TestRollingWindowEvictsByCapacity(t *testing.T) {
	w := NewRollingWindow(3, time.Hour)
	now := time.Unix(0, 0)
	w.Append(now, 1)
	w.Append(now, 2)
	w.Append(now, 3)
	w.Append(now, 4)
	assert.Equal(t, 3, w.Len())
}

func TestRollingWindowEvictsByHorizon(t *testing.T) {
	w := NewRollingWindow(100, time.Minute)
	base := time.Unix(0, 0)
	w.Append(base, 1)
	w.Append(base.Add(2*time.Minute), 2)
	assert.Equal(t, 1, w.Len())
}

func TestRollingWindowSumSince(t *testing.T) {
	w := NewRollingWindow(100, 24*time.Hour)
	base := time.Unix(10_000, 0)
	w.Append(base.Add(-2*time.Hour), 100) // outside the trailing hour
	w.Append(base.Add(-30*time.Minute), 1)
	w.Append(base, 2)
	assert.InDelta(t, 3.0, w.SumSince(base, time.Hour), 1e-9)
}

func TestRollingWindowStatsBeforeTwoSamples(t *testing.T) {
	w := NewRollingWindow(10, time.Hour)
	n, _, stddev := w.Stats()
	assert.EqualValues(t, 0, n)
	assert.Equal(t, 0.0, stddev)
}
