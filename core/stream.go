package core

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"meridian/core/types"
)

const streamHistoryLimit = 2048

// StreamUpdate carries one settlement event to stream subscribers. Sequence
// numbers are assigned in publish order and double as resume cursors.
type StreamUpdate struct {
	Sequence   uint64
	Cursor     string
	Type       string
	Attributes map[string]string
	Timestamp  int64
}

func cloneStreamUpdate(update StreamUpdate) StreamUpdate {
	cloned := update
	if len(update.Attributes) > 0 {
		attrs := make(map[string]string, len(update.Attributes))
		for key, value := range update.Attributes {
			attrs[key] = value
		}
		cloned.Attributes = attrs
	}
	return cloned
}

// EventStream fans settlement events out to live subscribers and keeps a
// bounded replay history so reconnecting consumers can resume from a cursor.
type EventStream struct {
	mu      sync.Mutex
	seq     uint64
	nextID  uint64
	subs    map[uint64]chan StreamUpdate
	history []StreamUpdate
}

// NewEventStream returns an empty broadcaster.
func NewEventStream() *EventStream {
	return &EventStream{subs: make(map[uint64]chan StreamUpdate)}
}

// Publish assigns the next sequence number to the event and delivers it to
// every subscriber. Slow subscribers miss updates rather than block the
// publisher; the replay history lets them catch up.
func (s *EventStream) Publish(evt *types.Event, timestamp int64) {
	if s == nil || evt == nil || strings.TrimSpace(evt.Type) == "" {
		return
	}
	update := StreamUpdate{Type: evt.Type, Attributes: evt.Attributes, Timestamp: timestamp}

	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[uint64]chan StreamUpdate)
	}
	s.seq++
	update.Sequence = s.seq
	update.Cursor = strconv.FormatUint(update.Sequence, 10)
	stored := cloneStreamUpdate(update)
	s.history = append(s.history, stored)
	if len(s.history) > streamHistoryLimit {
		excess := len(s.history) - streamHistoryLimit
		trimmed := make([]StreamUpdate, streamHistoryLimit)
		copy(trimmed, s.history[excess:])
		s.history = trimmed
	}
	subscribers := make([]chan StreamUpdate, 0, len(s.subs))
	for _, ch := range s.subs {
		subscribers = append(subscribers, ch)
	}
	s.mu.Unlock()

	broadcast := cloneStreamUpdate(update)
	for _, ch := range subscribers {
		select {
		case ch <- broadcast:
		default:
		}
	}
}

// Subscribe registers a consumer for settlement events published after the
// supplied cursor. It returns the live channel, a cancel function that must be
// called when the consumer is done, and the replayable backlog.
func (s *EventStream) Subscribe(ctx context.Context, cursor string) (<-chan StreamUpdate, func(), []StreamUpdate, error) {
	if s == nil {
		return nil, nil, nil, fmt.Errorf("event stream not initialised")
	}
	updates := make(chan StreamUpdate, 32)

	var since uint64
	if trimmed := strings.TrimSpace(cursor); trimmed != "" {
		parsed, err := strconv.ParseUint(trimmed, 10, 64)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("invalid stream cursor %q", cursor)
		}
		since = parsed
	}

	s.mu.Lock()
	if s.subs == nil {
		s.subs = make(map[uint64]chan StreamUpdate)
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = updates
	history := make([]StreamUpdate, len(s.history))
	copy(history, s.history)
	s.mu.Unlock()

	backlog := make([]StreamUpdate, 0, len(history))
	for _, entry := range history {
		if entry.Sequence > since {
			backlog = append(backlog, cloneStreamUpdate(entry))
		}
	}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			sub, ok := s.subs[id]
			if ok {
				delete(s.subs, id)
				close(sub)
			}
			s.mu.Unlock()
		})
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}

	return updates, cancel, backlog, nil
}
