package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// AsyncObserver hands events to a background goroutine so a slow sink (a
// file, a remote collector) never delays a chat request. Events are dropped
// when the buffer is full; the drop count is reported once on Close.
type AsyncObserver struct {
	inner     Observer
	events    chan MetricsEvent
	delivered atomic.Int64
	dropped   atomic.Int64
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
	drained   chan struct{}
}

func NewAsyncObserver(inner Observer, buffer int) *AsyncObserver {
	if buffer <= 0 {
		buffer = 256
	}
	a := &AsyncObserver{
		inner:   OrNoop(inner),
		events:  make(chan MetricsEvent, buffer),
		drained: make(chan struct{}),
	}
	go a.deliver()
	return a
}

func (a *AsyncObserver) RecordEvent(ev MetricsEvent) {
	if a == nil {
		return
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.events <- ev:
	default:
		a.dropped.Add(1)
	}
}

// Stats reports how many events reached the inner observer and how many were
// dropped.
func (a *AsyncObserver) Stats() (delivered, dropped int64) {
	return a.delivered.Load(), a.dropped.Load()
}

// Close stops accepting events, waits until the buffer is delivered and then
// closes the inner observer. Later calls return the first result.
func (a *AsyncObserver) Close() error {
	if a == nil {
		return nil
	}
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.events)
		a.mu.Unlock()
		<-a.drained
		if n := a.dropped.Load(); n > 0 {
			a.inner.RecordEvent(MetricsEvent{Name: EventMetricsDropped, Time: time.Now(), Value: float64(n)})
		}
		a.closeErr = CloseObserver(a.inner)
	})
	return a.closeErr
}

func (a *AsyncObserver) deliver() {
	defer close(a.drained)
	for ev := range a.events {
		a.inner.RecordEvent(ev)
		a.delivered.Add(1)
	}
}

var _ Closer = (*AsyncObserver)(nil)
