package events

import "sync"

// Broadcaster fans events out to any number of subscribers and keeps a
// short history for late joiners. Slow subscribers lose events instead of
// stalling the publisher.
type Broadcaster struct {
	mu          sync.Mutex
	nextID      int
	subscribers map[int]chan Event
	history     []Event
	historySize int
}

func NewBroadcaster(historySize int) *Broadcaster {
	if historySize < 1 {
		historySize = 200
	}
	return &Broadcaster{
		subscribers: map[int]chan Event{},
		historySize: historySize,
	}
}

// Publish has the Observer signature so it can be registered on an Emitter.
func (broadcaster *Broadcaster) Publish(event Event) {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	broadcaster.history = append(broadcaster.history, event)
	if overflow := len(broadcaster.history) - broadcaster.historySize; overflow > 0 {
		broadcaster.history = append([]Event{}, broadcaster.history[overflow:]...)
	}
	for _, subscriber := range broadcaster.subscribers {
		select {
		case subscriber <- event:
		default:
		}
	}
}

// Subscribe returns a channel of future events and a function that
// unsubscribes and closes it.
func (broadcaster *Broadcaster) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 64
	}
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	id := broadcaster.nextID
	broadcaster.nextID++
	channel := make(chan Event, buffer)
	broadcaster.subscribers[id] = channel

	var once sync.Once
	return channel, func() {
		once.Do(func() {
			broadcaster.mu.Lock()
			defer broadcaster.mu.Unlock()
			delete(broadcaster.subscribers, id)
			close(channel)
		})
	}
}

// Recent returns up to limit of the latest events, oldest first, optionally
// filtered by project.
func (broadcaster *Broadcaster) Recent(projectKey string, limit int) []Event {
	broadcaster.mu.Lock()
	defer broadcaster.mu.Unlock()
	result := []Event{}
	for index := len(broadcaster.history) - 1; index >= 0 && (limit <= 0 || len(result) < limit); index-- {
		event := broadcaster.history[index]
		if projectKey != "" && event.ProjectKey != projectKey {
			continue
		}
		result = append(result, event)
	}
	for left, right := 0, len(result)-1; left < right; left, right = left+1, right-1 {
		result[left], result[right] = result[right], result[left]
	}
	return result
}
