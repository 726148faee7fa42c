// SPDX-License-Identifier: GPL-3.0-or-later

package reactor

import (
	"container/heap"
	"time"
)

// timer is a scheduled one-shot callback.
type timer struct {
	callback func() error
	index    int // position in the heap or -1 when not scheduled
	seq      uint64
	when     time.Time
}

// timerHeap orders timers by deadline, then by scheduling order.
type timerHeap []*timer

var _ heap.Interface = &timerHeap{}

// Len implements [heap.Interface].
func (h timerHeap) Len() int {
	return len(h)
}

// Less implements [heap.Interface].
func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

// Swap implements [heap.Interface].
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

// Push implements [heap.Interface].
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

// Pop implements [heap.Interface].
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

func (h *timerHeap) push(t *timer) {
	heap.Push(h, t)
}

func (h *timerHeap) peek() *timer {
	if len(*h) <= 0 {
		return nil
	}
	return (*h)[0]
}

// remove is a no-op for timers that are not scheduled.
func (h *timerHeap) remove(t *timer) {
	if t.index < 0 {
		return
	}
	heap.Remove(h, t.index)
}
