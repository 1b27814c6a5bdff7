package tuner

import "sync"

// Observable holds a value and notifies subscribers of the latest one.
// Slow subscribers skip intermediate values; they always see the newest.
type Observable[T any] struct {
	mu    sync.RWMutex
	value T
	subs  map[int]chan T
	next  int
	equal func(a, b T) bool
}

// NewObservable creates an Observable holding initial
func NewObservable[T any](initial T) *Observable[T] {
	return &Observable[T]{value: initial, subs: make(map[int]chan T)}
}

// NewObservableFunc is like NewObservable but suppresses notifications when
// equal reports the new value unchanged.
func NewObservableFunc[T any](initial T, equal func(a, b T) bool) *Observable[T] {
	o := NewObservable(initial)
	o.equal = equal
	return o
}

// Get returns the current value
func (o *Observable[T]) Get() T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.value
}

// Set stores v and notifies subscribers
func (o *Observable[T]) Set(v T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.setLocked(v)
}

func (o *Observable[T]) setLocked(v T) {
	if o.equal != nil && o.equal(o.value, v) {
		return
	}
	o.value = v
	for _, ch := range o.subs {
		// Replace any undelivered value with the newest one
		select {
		case <-ch:
		default:
		}
		ch <- v
	}
}

// Update applies fn to the current value under the write lock
func (o *Observable[T]) Update(fn func(T) T) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.setLocked(fn(o.value))
}

// Subscribe returns a channel that receives the current value immediately
// and every later change. Call cancel to stop receiving; the channel is
// closed.
func (o *Observable[T]) Subscribe() (<-chan T, func()) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan T, 1)
	ch <- o.value
	id := o.next
	o.next++
	o.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}
