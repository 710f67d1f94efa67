// Package ring provides a growable circular deque used for per-pool sample buffers
// and monotonic extreme windows.
package ring

// Deque is a growable circular buffer. Pushes and pops at both ends are O(1) amortized.
// The zero value is not usable; call New.
type Deque[T any] struct {
	buf  []T
	head int
	size int
}

// New returns a deque with the given initial capacity.
func New[T any](capacity int) *Deque[T] {
	if capacity < 4 {
		capacity = 4
	}
	return &Deque[T]{buf: make([]T, capacity)}
}

func (d *Deque[T]) Len() int { return d.size }

func (d *Deque[T]) idx(i int) int {
	return (d.head + i) % len(d.buf)
}

// At returns the i-th element counted from the front.
func (d *Deque[T]) At(i int) T {
	if i < 0 || i >= d.size {
		panic("ring: index out of range")
	}
	return d.buf[d.idx(i)]
}

// Set overwrites the i-th element counted from the front.
func (d *Deque[T]) Set(i int, v T) {
	if i < 0 || i >= d.size {
		panic("ring: index out of range")
	}
	d.buf[d.idx(i)] = v
}

func (d *Deque[T]) Front() T { return d.At(0) }

func (d *Deque[T]) Back() T { return d.At(d.size - 1) }

func (d *Deque[T]) PushBack(v T) {
	if d.size == len(d.buf) {
		d.grow()
	}
	d.buf[d.idx(d.size)] = v
	d.size++
}

func (d *Deque[T]) PopFront() T {
	if d.size == 0 {
		panic("ring: pop from empty deque")
	}
	var zero T
	v := d.buf[d.head]
	d.buf[d.head] = zero
	d.head = (d.head + 1) % len(d.buf)
	d.size--
	return v
}

func (d *Deque[T]) PopBack() T {
	if d.size == 0 {
		panic("ring: pop from empty deque")
	}
	var zero T
	i := d.idx(d.size - 1)
	v := d.buf[i]
	d.buf[i] = zero
	d.size--
	return v
}

// Insert places v at position i, shifting later elements towards the back.
func (d *Deque[T]) Insert(i int, v T) {
	if i < 0 || i > d.size {
		panic("ring: insert out of range")
	}
	d.PushBack(v)
	for j := d.size - 1; j > i; j-- {
		d.buf[d.idx(j)] = d.buf[d.idx(j-1)]
	}
	d.buf[d.idx(i)] = v
}

func (d *Deque[T]) Clear() {
	var zero T
	for i := 0; i < d.size; i++ {
		d.buf[d.idx(i)] = zero
	}
	d.head = 0
	d.size = 0
}

// Slice copies the contents front to back.
func (d *Deque[T]) Slice() []T {
	out := make([]T, d.size)
	for i := 0; i < d.size; i++ {
		out[i] = d.buf[d.idx(i)]
	}
	return out
}

func (d *Deque[T]) grow() {
	next := make([]T, len(d.buf)*2)
	for i := 0; i < d.size; i++ {
		next[i] = d.buf[d.idx(i)]
	}
	d.buf = next
	d.head = 0
}
