// Package events fans engine notifications out to subscribers without ever
// blocking the publisher.
package events

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	FrameReady         Type = "frame_ready"
	FocusMoveCompleted Type = "focus_move_completed"
	CaptureFinished    Type = "capture_finished"
	CaptureCancelled   Type = "capture_cancelled"
	MotionScoreUpdated Type = "motion_score_updated"
	SystemMessage      Type = "system_message"
	StackingProgress   Type = "stacking_progress"
	StackingFinished   Type = "stacking_finished"
	PhotoStored        Type = "photo_stored"
)

// Frame is the payload of a FrameReady event.
type Frame struct {
	JPEG      []byte
	Preview   []byte
	Width     int
	Height    int
	Rotation  int
	Histogram *Histogram
}

// Histogram holds 256-bin counts for display.
type Histogram struct {
	Luminance [256]int `json:"luminance"`
	Red       [256]int `json:"red"`
	Green     [256]int `json:"green"`
	Blue      [256]int `json:"blue"`
}

type Event struct {
	Type    Type      `json:"type"`
	Time    time.Time `json:"time"`
	ID      string    `json:"id,omitempty"`
	Message string    `json:"message,omitempty"`
	Value   float64   `json:"value,omitempty"`
	Counter int       `json:"counter,omitempty"`
	Count   int       `json:"count,omitempty"`
	Frame   *Frame    `json:"-"`
}

// Publisher is what engine components need from the bus.
type Publisher interface {
	Publish(e Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event.
var Discard Publisher = discard{}

var (
	ErrBusClosed        = errors.New("event bus closed")
	ErrSubscriberExists = errors.New("subscriber already exists")
)

type subscriber struct {
	ch      chan Event
	types   map[Type]bool
	sent    uint64
	dropped uint64
}

// SubscriberStats counts deliveries for one subscriber.
type SubscriberStats struct {
	Sent    uint64
	Dropped uint64
}

type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	published   atomic.Uint64
	closed      bool
}

func NewBus() *Bus {
	return &Bus{subscribers: make(map[string]*subscriber)}
}

// Subscribe registers id with a buffered channel. When types is non-empty
// only those event types are delivered.
func (b *Bus) Subscribe(id string, buffer int, types ...Type) (<-chan Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if _, exists := b.subscribers[id]; exists {
		return nil, ErrSubscriberExists
	}
	if buffer < 1 {
		buffer = 1
	}

	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.types = make(map[Type]bool, len(types))
		for _, t := range types {
			s.types[t] = true
		}
	}
	b.subscribers[id] = s
	return s.ch, nil
}

// Unsubscribe removes id and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(s.ch)
	}
}

// Publish delivers e to every interested subscriber, dropping it for those
// whose buffer is full.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	b.published.Add(1)

	for _, s := range b.subscribers {
		if s.types != nil && !s.types[e.Type] {
			continue
		}
		select {
		case s.ch <- e:
			atomic.AddUint64(&s.sent, 1)
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
	}
}

// Stats returns per-subscriber delivery counts.
func (b *Bus) Stats() map[string]SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]SubscriberStats, len(b.subscribers))
	for id, s := range b.subscribers {
		out[id] = SubscriberStats{
			Sent:    atomic.LoadUint64(&s.sent),
			Dropped: atomic.LoadUint64(&s.dropped),
		}
	}
	return out
}

func (b *Bus) Published() uint64 {
	return b.published.Load()
}

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subscribers {
		close(s.ch)
		delete(b.subscribers, id)
	}
}
