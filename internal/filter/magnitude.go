package filter

import (
	"errors"
	"math"
	"time"

	"github.com/MarcelMaron2k/evercare/internal/models"
)

// DefaultWindowSize 默认滚动窗口大小（100ms 采样约 500ms）
const DefaultWindowSize = 5

var (
	// ErrInvalidSample 采样包含 NaN 或 Inf
	ErrInvalidSample = errors.New("invalid sample")
	// ErrNonMonotonic 采样时间戳未严格递增
	ErrNonMonotonic = errors.New("non-monotonic sample timestamp")
)

// Point 窗口中的一个合加速度点
type Point struct {
	T time.Time
	V float64
}

// Magnitude 单个采样的合加速度及其所在的滚动窗口（g 单位）
type Magnitude struct {
	T     time.Time
	Value float64 // 瞬时合加速度 sqrt(x²+y²+z²)
	// Window 最近的采样点，最旧在前，最后一个即当前采样
	Window []Point
}

// TrailingBelow 从最新的点向前统计连续低于 threshold 的点
// 早于 notBefore 的点不计入。返回点数、最早点的时间与最小值。
func (m Magnitude) TrailingBelow(threshold float64, notBefore time.Time) (count int, since time.Time, lowest float64) {
	for i := len(m.Window) - 1; i >= 0; i-- {
		p := m.Window[i]
		if !(p.V < threshold) || p.T.Before(notBefore) {
			break
		}
		if count == 0 || p.V < lowest {
			lowest = p.V
		}
		since = p.T
		count++
	}
	return count, since, lowest
}

// Filter 合加速度滤波器
// 非线程安全，由监测循环独占使用
type Filter struct {
	window  *Ring[Point]
	lastT   time.Time
	started bool
}

// NewFilter 创建滤波器
func NewFilter(windowSize int) *Filter {
	if windowSize < 1 {
		windowSize = DefaultWindowSize
	}
	return &Filter{window: NewRing[Point](windowSize)}
}

// Push 处理一个采样
// 被拒绝的采样不会进入窗口，也不会推进时间戳
func (f *Filter) Push(s models.Sample) (Magnitude, error) {
	if !finite(s.X) || !finite(s.Y) || !finite(s.Z) {
		return Magnitude{}, ErrInvalidSample
	}
	if f.started && !s.T.After(f.lastT) {
		return Magnitude{}, ErrNonMonotonic
	}

	m := Compute(s)
	f.window.Push(Point{T: s.T, V: m})
	f.lastT = s.T
	f.started = true

	return Magnitude{T: s.T, Value: m, Window: f.window.Snapshot()}, nil
}

// Reset 清空窗口与时间基准（新订阅开始时调用）
func (f *Filter) Reset() {
	f.window.Reset()
	f.lastT = time.Time{}
	f.started = false
}

// Compute 计算合加速度
func Compute(s models.Sample) float64 {
	return math.Sqrt(s.X*s.X + s.Y*s.Y + s.Z*s.Z)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Extremes 最小/最大值累加器
type Extremes struct {
	Min   float64
	Max   float64
	Count int
}

// Add 累加一个值
func (e *Extremes) Add(v float64) {
	if e.Count == 0 || v < e.Min {
		e.Min = v
	}
	if e.Count == 0 || v > e.Max {
		e.Max = v
	}
	e.Count++
}

// Empty 是否尚无数据
func (e *Extremes) Empty() bool {
	return e.Count == 0
}

// Reset 清空
func (e *Extremes) Reset() {
	*e = Extremes{}
}
