package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/sharenotes/internal/notes"
	"go.uber.org/zap"
)

const (
	// RealtimeEventNotesUpdated carries the full note list after every mutation and on connect.
	RealtimeEventNotesUpdated = "notes_updated"
	realtimeEventHeartbeat    = "heartbeat"
	defaultRealtimeBuffer     = 16
)

// RealtimeMessage is one full-list snapshot. Timestamp is sent as the SSE event id in Unix milliseconds.
type RealtimeMessage struct {
	EventType string
	Notes     []notes.Note
	Timestamp time.Time
}

// RealtimeDispatcher fans the latest full note list out to every connected observer.
// A subscriber whose buffer is full loses its oldest queued snapshot, never the newest.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	latest      []notes.Note
	nextID      int64
	bufferSize  int
	logger      *zap.Logger
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

type RealtimeConfig struct {
	BufferSize int
	Logger     *zap.Logger
}

func NewRealtimeDispatcher(cfg RealtimeConfig) *RealtimeDispatcher {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultRealtimeBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		latest:      []notes.Note{},
		bufferSize:  bufferSize,
		logger:      logger,
	}
}

// Seed sets the state sent to observers before the first mutation.
func (d *RealtimeDispatcher) Seed(current []notes.Note) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latest = cloneNotes(current)
}

// Subscribe registers an observer and queues the current note list for it alone.
// The subscription ends when ctx is done or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{
		stream: make(chan RealtimeMessage, d.bufferSize),
	}

	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
	d.subscribers[subscriber.id] = subscriber
	subscriber.stream <- RealtimeMessage{
		EventType: RealtimeEventNotesUpdated,
		Notes:     d.latest,
		Timestamp: time.Now().UTC(),
	}
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// HandleNotesChanged is the notes.ChangeListener that broadcasts each committed change.
func (d *RealtimeDispatcher) HandleNotesChanged(event notes.ChangeEvent) {
	d.Publish(RealtimeMessage{
		EventType: RealtimeEventNotesUpdated,
		Notes:     event.Notes,
		Timestamp: event.OccurredAt,
	})
}

// Publish records the message as the latest state and delivers it to every subscriber without blocking.
// Published note slices are shared between subscribers and must be treated as read-only.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	message.Notes = cloneNotes(message.Notes)
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.latest = message.Notes
	// Sends happen under the lock so every subscriber observes publishes in emission order.
	for _, subscriber := range d.subscribers {
		d.deliverLocked(subscriber, message)
	}
}

// deliverLocked replaces the oldest queued snapshot when the buffer is full.
// Only publishers holding the lock send, so a freed slot cannot be taken by another writer.
func (d *RealtimeDispatcher) deliverLocked(subscriber *realtimeSubscriber, message RealtimeMessage) {
	select {
	case subscriber.stream <- message:
		return
	default:
	}
	select {
	case <-subscriber.stream:
		d.logger.Debug("realtime subscriber buffer full, replacing oldest message",
			zap.Int64("subscriber_id", subscriber.id))
	default:
	}
	select {
	case subscriber.stream <- message:
	default:
		d.logger.Warn("realtime subscriber message dropped",
			zap.Int64("subscriber_id", subscriber.id))
	}
}

// SubscriberCount reports the number of connected observers.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}

func cloneNotes(source []notes.Note) []notes.Note {
	cloned := make([]notes.Note, len(source))
	copy(cloned, source)
	return cloned
}
