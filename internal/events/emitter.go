package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Emitter delivers events to a single observer without ever blocking the
// caller. Events are dropped when the buffer is full.
type Emitter struct {
	ch     chan Event
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	observer Observer

	dropped   atomic.Int64
	startOnce sync.Once
}

func NewEmitter(buffer int, logger *slog.Logger) *Emitter {
	if buffer < 1 {
		buffer = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{
		ch:     make(chan Event, buffer),
		logger: logger,
		now:    time.Now,
	}
}

// SetObserver replaces the observer. A nil observer discards events.
func (emitter *Emitter) SetObserver(observer Observer) {
	emitter.mu.Lock()
	defer emitter.mu.Unlock()
	emitter.observer = observer
}

func (emitter *Emitter) currentObserver() Observer {
	emitter.mu.RLock()
	defer emitter.mu.RUnlock()
	return emitter.observer
}

func (emitter *Emitter) start() {
	emitter.startOnce.Do(func() {
		go func() {
			for event := range emitter.ch {
				if observer := emitter.currentObserver(); observer != nil {
					observer(event)
				}
			}
		}()
	})
}

// Emit stamps the event if needed and queues it for the observer.
func (emitter *Emitter) Emit(event Event) {
	if emitter == nil || emitter.currentObserver() == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = emitter.now()
	}
	if event.Severity == "" {
		event.Severity = SeverityInfo
	}
	emitter.start()
	select {
	case emitter.ch <- event:
	default:
		count := emitter.dropped.Add(1)
		if count == 1 || count%1000 == 0 {
			emitter.logger.Debug("event emitter dropped events (buffer full)", "dropped", count, "phase", event.Phase)
		}
	}
}

func (emitter *Emitter) Dropped() int64 {
	return emitter.dropped.Load()
}
