package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cuerelay/internal/scoreboard"
)

const (
	StreamEventState      = "stream-state"
	StreamEventInactive   = "stream-inactive"
	streamEventHeartbeat  = "heartbeat"
	streamSourceRelay     = "cuerelay"
	streamSubscriberQueue = 16
)

// StreamMessage is one viewer feed event for a stream.
type StreamMessage struct {
	StreamID  string
	EventType string
	State     *scoreboard.State
	Timestamp time.Time
}

// StreamDispatcher fans out stream events to viewer subscriptions keyed by stream id.
// Slow subscribers drop messages instead of blocking publishers.
type StreamDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*streamSubscriber
	nextID      int64
	bufferSize  int
	clock       func() time.Time
}

type streamSubscriber struct {
	id     int64
	stream chan StreamMessage
}

// NewStreamDispatcher constructs an empty dispatcher.
func NewStreamDispatcher() *StreamDispatcher {
	return &StreamDispatcher{
		subscribers: make(map[string]map[int64]*streamSubscriber),
		bufferSize:  streamSubscriberQueue,
		clock:       time.Now,
	}
}

// Subscribe registers a subscription that lasts until ctx ends or the returned cleanup runs.
func (d *StreamDispatcher) Subscribe(ctx context.Context, streamID string) (<-chan StreamMessage, func()) {
	if streamID == "" {
		ch := make(chan StreamMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &streamSubscriber{
		id:     d.nextSequence(),
		stream: make(chan StreamMessage, d.bufferSize),
	}
	d.registerSubscriber(streamID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(streamID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// PublishState delivers an accepted scoreboard state to the stream's viewers.
func (d *StreamDispatcher) PublishState(streamID string, state scoreboard.State) {
	d.Publish(StreamMessage{
		StreamID:  streamID,
		EventType: StreamEventState,
		State:     &state,
		Timestamp: d.clock().UTC(),
	})
}

// PublishInactive tells the stream's viewers that the broadcaster went away.
func (d *StreamDispatcher) PublishInactive(streamID string) {
	d.Publish(StreamMessage{
		StreamID:  streamID,
		EventType: StreamEventInactive,
		Timestamp: d.clock().UTC(),
	})
}

// Publish delivers message to every subscriber of its stream.
func (d *StreamDispatcher) Publish(message StreamMessage) {
	if message.StreamID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.StreamID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*streamSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount returns the number of open subscriptions.
func (d *StreamDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	total := 0
	for _, subscribers := range d.subscribers {
		total += len(subscribers)
	}
	return total
}

func (d *StreamDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *StreamDispatcher) registerSubscriber(streamID string, subscriber *streamSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[streamID]; !ok {
		d.subscribers[streamID] = make(map[int64]*streamSubscriber)
	}
	d.subscribers[streamID][subscriber.id] = subscriber
}

func (d *StreamDispatcher) unregisterSubscriber(streamID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[streamID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, streamID)
		}
	}
	d.mu.Unlock()
}
