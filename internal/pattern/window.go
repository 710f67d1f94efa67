package pattern

import (
	"time"

	"dex-sonar/internal/domain"
	"dex-sonar/internal/ring"
)

// extremeWindow is a monotonic deque holding the running maximum (or minimum) price over a
// sliding time span. Each sample is pushed and popped at most once, so updates are O(1)
// amortized. On equal prices the newest sample wins.
type extremeWindow struct {
	keepMax bool
	// span of zero keeps every sample until reset.
	span  time.Duration
	items *ring.Deque[domain.Sample]
}

func newMaxWindow(span time.Duration) *extremeWindow {
	return &extremeWindow{keepMax: true, span: span, items: ring.New[domain.Sample](16)}
}

func newMinWindow(span time.Duration) *extremeWindow {
	return &extremeWindow{keepMax: false, span: span, items: ring.New[domain.Sample](16)}
}

func (w *extremeWindow) push(s domain.Sample) {
	for w.items.Len() > 0 && w.dominates(s, w.items.Back()) {
		w.items.PopBack()
	}
	w.items.PushBack(s)
	w.expire(s.Timestamp)
}

func (w *extremeWindow) dominates(a, b domain.Sample) bool {
	if w.keepMax {
		return a.Price.GreaterThanOrEqual(b.Price)
	}
	return a.Price.LessThanOrEqual(b.Price)
}

func (w *extremeWindow) expire(now time.Time) {
	if w.span <= 0 {
		return
	}
	cutoff := now.Add(-w.span)
	for w.items.Len() > 1 && w.items.Front().Timestamp.Before(cutoff) {
		w.items.PopFront()
	}
}

// best returns the current extreme.
func (w *extremeWindow) best() (domain.Sample, bool) {
	if w.items.Len() == 0 {
		return domain.Sample{}, false
	}
	return w.items.Front(), true
}

func (w *extremeWindow) reset() {
	w.items.Clear()
}
