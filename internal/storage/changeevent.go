package storage

import "github.com/gobby-dev/gobby/internal/gobbylog"

// ChangeEvent is emitted by every entity manager after a successful
// mutation. Subscribers use it to schedule debounced JSONL export and
// to mark search indices dirty.
type ChangeEvent struct {
	Entity    string // "task" | "session" | "workflow_state" | "artifact" | ...
	EntityID  string
	Operation string // "create" | "update" | "delete"
	ProjectID string
}

// listenerBufferSize bounds each subscriber's channel.
const listenerBufferSize = 256

// ChangeBus fans change events out to bounded per-subscriber channels. A
// full channel drops the oldest event with a warning rather than
// blocking the writer — engine responsiveness takes priority over
// delivering every change event to every slow subscriber.
type ChangeBus struct {
	log         *gobbylog.Logger
	subscribers []*subscriber
}

type subscriber struct {
	name string
	ch   chan ChangeEvent
}

// NewChangeBus creates an empty ChangeBus.
func NewChangeBus(log *gobbylog.Logger) *ChangeBus {
	return &ChangeBus{log: log}
}

// Subscribe registers a new listener and returns its receive channel. The
// channel is closed when the bus has no further use for it — callers
// should range over it until closed rather than assuming it stays open
// forever across a daemon restart.
func (b *ChangeBus) Subscribe(name string) <-chan ChangeEvent {
	ch := make(chan ChangeEvent, listenerBufferSize)
	b.subscribers = append(b.subscribers, &subscriber{name: name, ch: ch})
	return ch
}

// Publish fans ev out to every subscriber, non-blocking. If a
// subscriber's channel is full, the oldest buffered event is dropped to
// make room, and a warning is logged — this keeps a slow or stuck
// subscriber from ever backpressuring the storage layer.
func (b *ChangeBus) Publish(ev ChangeEvent) {
	for _, sub := range b.subscribers {
		select {
		case sub.ch <- ev:
		default:
			select {
			case dropped := <-sub.ch:
				if b.log != nil {
					b.log.Warn("change bus: subscriber %q full, dropping event %s/%s", sub.name, dropped.Entity, dropped.EntityID)
				}
			default:
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
}

// Close closes every subscriber channel. Call once at daemon shutdown.
func (b *ChangeBus) Close() {
	for _, sub := range b.subscribers {
		close(sub.ch)
	}
}
