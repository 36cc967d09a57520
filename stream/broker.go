package stream

import (
	"context"
	"sync"

	acp "github.com/agentcomm/acp"
)

const defaultBuffer = 64

type (
	// Broker is an in-process Sink that multiplexes run events to
	// per-run subscriptions. SSE handlers subscribe before starting or
	// resuming a run so no event is missed, then forward events until the
	// terminal one arrives.
	//
	// Slow subscribers do not block the publisher: when a subscription
	// buffer is full the event is dropped for that subscriber, except the
	// terminal run event which evicts the oldest buffered event instead.
	// The run snapshot is always available via the run read operation for
	// subscribers that missed intermediate events.
	Broker struct {
		mu     sync.Mutex
		subs   map[string]map[int]chan acp.Event
		next   int
		closed bool
	}

	// Subscription is a live event feed for one run.
	Subscription struct {
		// C receives the run's events in publish order.
		C <-chan acp.Event

		cancel func()
	}
)

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[int]chan acp.Event)}
}

// Subscribe registers a subscription for the given run. The buffer bounds
// how many undelivered events are held before drops occur; zero selects a
// default.
func (b *Broker) Subscribe(runID string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan acp.Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return &Subscription{C: ch, cancel: func() {}}
	}
	id := b.next
	b.next++
	if b.subs[runID] == nil {
		b.subs[runID] = make(map[int]chan acp.Event)
	}
	b.subs[runID][id] = ch

	return &Subscription{
		C: ch,
		cancel: func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if chans, ok := b.subs[runID]; ok {
				if c, ok := chans[id]; ok {
					delete(chans, id)
					close(c)
				}
				if len(chans) == 0 {
					delete(b.subs, runID)
				}
			}
		},
	}
}

// Cancel tears down the subscription and closes its channel.
func (s *Subscription) Cancel() { s.cancel() }

// Send implements Sink. Terminal events close all subscriptions for the run
// after delivery. A terminal event is never dropped: when a subscriber's
// buffer is full the oldest buffered event is evicted to make room, so every
// subscription ends with the terminal run event.
func (b *Broker) Send(_ context.Context, event acp.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	chans := b.subs[event.RunID]
	for _, ch := range chans {
		select {
		case ch <- event:
			continue
		default:
		}
		if !event.Terminal() {
			continue
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- event:
		default:
		}
	}
	if event.Terminal() && chans != nil {
		for _, ch := range chans {
			close(ch)
		}
		delete(b.subs, event.RunID)
	}
	return nil
}

// Close implements Sink. All open subscriptions are closed.
func (b *Broker) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, chans := range b.subs {
		for _, ch := range chans {
			close(ch)
		}
	}
	b.subs = make(map[string]map[int]chan acp.Event)
	return nil
}
