package filter

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

var base = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func sampleAt(ms int, x, y, z float64) models.Sample {
	return models.Sample{X: x, Y: y, Z: z, T: base.Add(time.Duration(ms) * time.Millisecond)}
}

func TestFilter_Push(t *testing.T) {
	f := NewFilter(3)

	m, err := f.Push(sampleAt(0, 0, 0, 1))
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.Value)
	assert.Equal(t, []Point{{T: base, V: 1}}, m.Window)

	m, err = f.Push(sampleAt(100, 3, 4, 0))
	require.NoError(t, err)
	assert.InDelta(t, 5.0, m.Value, 1e-9)
	assert.Equal(t, base.Add(100*time.Millisecond), m.T)
	require.Len(t, m.Window, 2)
	assert.Equal(t, m.T, m.Window[1].T)

	// 窗口满后丢弃最旧的点
	_, err = f.Push(sampleAt(200, 0, 0, 2))
	require.NoError(t, err)
	m, err = f.Push(sampleAt(300, 0, 0, 3))
	require.NoError(t, err)
	require.Len(t, m.Window, 3)
	assert.Equal(t, base.Add(100*time.Millisecond), m.Window[0].T)
	assert.Equal(t, 3.0, m.Window[2].V)
}

func TestFilter_RejectsInvalidSamples(t *testing.T) {
	f := NewFilter(DefaultWindowSize)

	_, err := f.Push(sampleAt(0, math.NaN(), 0, 1))
	assert.ErrorIs(t, err, ErrInvalidSample)

	_, err = f.Push(sampleAt(0, 0, math.Inf(1), 1))
	assert.ErrorIs(t, err, ErrInvalidSample)

	_, err = f.Push(sampleAt(100, 0, 0, 1))
	require.NoError(t, err)

	// 相同时间戳
	_, err = f.Push(sampleAt(100, 0, 0, 1))
	assert.ErrorIs(t, err, ErrNonMonotonic)

	// 时间倒退
	_, err = f.Push(sampleAt(50, 0, 0, 1))
	assert.ErrorIs(t, err, ErrNonMonotonic)

	// 被拒绝的采样不影响后续
	m, err := f.Push(sampleAt(200, 0, 0, 0.5))
	require.NoError(t, err)
	require.Len(t, m.Window, 2)
	assert.Equal(t, 1.0, m.Window[0].V)
}

func TestFilter_Reset(t *testing.T) {
	f := NewFilter(DefaultWindowSize)
	_, err := f.Push(sampleAt(500, 0, 0, 1))
	require.NoError(t, err)

	f.Reset()

	// 重新订阅后时间基准重置，较早的时间戳可以接受
	m, err := f.Push(sampleAt(100, 0, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, []Point{{T: base.Add(100 * time.Millisecond), V: 2}}, m.Window)
}

func TestMagnitude_TrailingBelow(t *testing.T) {
	f := NewFilter(DefaultWindowSize)
	var m Magnitude
	for i, z := range []float64{1, 0.1, 1, 0.2, 0.05, 0.1} {
		var err error
		m, err = f.Push(sampleAt(i*100, 0, 0, z))
		require.NoError(t, err)
	}

	// 窗口 [0.1,1,0.2,0.05,0.1]，中间的 1 截断连续低值
	count, since, lowest := m.TrailingBelow(0.3, time.Time{})
	assert.Equal(t, 3, count)
	assert.Equal(t, base.Add(300*time.Millisecond), since)
	assert.Equal(t, 0.05, lowest)

	// 早于 notBefore 的点不计入
	count, since, lowest = m.TrailingBelow(0.3, base.Add(400*time.Millisecond))
	assert.Equal(t, 2, count)
	assert.Equal(t, base.Add(400*time.Millisecond), since)
	assert.Equal(t, 0.05, lowest)

	count, _, _ = m.TrailingBelow(0.01, time.Time{})
	assert.Zero(t, count)
}

func TestMagnitude_TrailingBelowBoundedByWindow(t *testing.T) {
	f := NewFilter(3)
	var m Magnitude
	for i := 0; i < 10; i++ {
		var err error
		m, err = f.Push(sampleAt(i*100, 0, 0, 0.1))
		require.NoError(t, err)
	}

	count, since, _ := m.TrailingBelow(0.3, time.Time{})
	assert.Equal(t, 3, count)
	assert.Equal(t, base.Add(700*time.Millisecond), since)
}

func TestExtremes(t *testing.T) {
	var e Extremes
	assert.True(t, e.Empty())

	e.Add(0.1)
	e.Add(0.05)
	e.Add(0.2)
	assert.Equal(t, 0.05, e.Min)
	assert.Equal(t, 0.2, e.Max)
	assert.Equal(t, 3, e.Count)

	e.Reset()
	assert.True(t, e.Empty())
	e.Add(3)
	assert.Equal(t, 3.0, e.Min)
	assert.Equal(t, 3.0, e.Max)
}
