package filter

// Ring 固定容量的环形缓冲区，满时覆盖最旧的元素
type Ring[T any] struct {
	data []T
	pos  int
	full bool
}

// NewRing 创建指定容量的环形缓冲区（容量最小为 1）
func NewRing[T any](capacity int) *Ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// Push 写入一个元素
func (r *Ring[T]) Push(v T) {
	r.data[r.pos] = v
	r.pos++
	if r.pos >= len(r.data) {
		r.pos = 0
		r.full = true
	}
}

// Len 当前元素个数
func (r *Ring[T]) Len() int {
	if r.full {
		return len(r.data)
	}
	return r.pos
}

// Snapshot 按写入顺序（最旧在前）返回内容副本
func (r *Ring[T]) Snapshot() []T {
	out := make([]T, r.Len())
	if r.full {
		n := copy(out, r.data[r.pos:])
		copy(out[n:], r.data[:r.pos])
	} else {
		copy(out, r.data[:r.pos])
	}
	return out
}

// Reset 清空缓冲区
func (r *Ring[T]) Reset() {
	r.pos = 0
	r.full = false
}
