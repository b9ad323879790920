// Package deque provides a typed double-ended queue.
package deque

// Deque holds items from front to rear. The zero value is an empty deque.
type Deque[T comparable] struct {
	items []T
	head  int
}

func (d *Deque[T]) Len() int     { return len(d.items) - d.head }
func (d *Deque[T]) Empty() bool  { return d.Len() == 0 }
func (d *Deque[T]) Clear()       { d.items, d.head = d.items[:0], 0 }
func (d *Deque[T]) PushRear(v T) { d.items = append(d.items, v) }

func (d *Deque[T]) PushFront(v T) {
	if d.head > 0 {
		d.head--
		d.items[d.head] = v
		return
	}
	d.items = append(d.items, v)
	copy(d.items[1:], d.items[:len(d.items)-1])
	d.items[0] = v
}

func (d *Deque[T]) PeekFront() (T, bool) {
	var zero T
	if d.Empty() {
		return zero, false
	}
	return d.items[d.head], true
}

func (d *Deque[T]) PeekRear() (T, bool) {
	var zero T
	if d.Empty() {
		return zero, false
	}
	return d.items[len(d.items)-1], true
}

func (d *Deque[T]) PopFront() (T, bool) {
	var zero T
	if d.Empty() {
		return zero, false
	}
	v := d.items[d.head]
	d.items[d.head] = zero
	d.head++
	if d.head == len(d.items) {
		d.Clear()
	} else if d.head > 32 && d.head*2 > len(d.items) {
		n := copy(d.items, d.items[d.head:])
		d.items = d.items[:n]
		d.head = 0
	}
	return v, true
}

func (d *Deque[T]) PopRear() (T, bool) {
	var zero T
	if d.Empty() {
		return zero, false
	}
	last := len(d.items) - 1
	v := d.items[last]
	d.items[last] = zero
	d.items = d.items[:last]
	if d.Empty() {
		d.Clear()
	}
	return v, true
}

func (d *Deque[T]) Contains(v T) bool {
	for _, it := range d.items[d.head:] {
		if it == v {
			return true
		}
	}
	return false
}

// Items returns a copy of the queue contents, front first.
func (d *Deque[T]) Items() []T {
	out := make([]T, d.Len())
	copy(out, d.items[d.head:])
	return out
}
