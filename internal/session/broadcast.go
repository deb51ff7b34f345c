package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Lukeus/context-kit-engine/internal/observability"
	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// subscriberBuffer bounds per-subscriber event queues. A subscriber that
// falls this far behind is dropped rather than stalling the stream.
const subscriberBuffer = 256

// Stream is the single-writer, multi-reader fan-out for one in-flight
// completion. Events carry monotonically increasing sequence numbers and end
// with exactly one terminal event, after which subscriber channels close.
type Stream struct {
	SessionID string
	TaskID    string

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	subs     map[int]chan *models.StreamEvent
	history  []*models.StreamEvent
	nextSub  int
	seq      int
	finished bool

	metrics *observability.Metrics
	onEnd   func(*Stream)
}

// Context returns the stream's context. The provider call runs under it, so
// cancelling the stream abandons the call at its next safe point.
func (s *Stream) Context() context.Context {
	return s.ctx
}

// Subscribe registers a reader and returns its event channel plus an
// unsubscribe function. Events published before subscription are replayed
// first, so every subscriber observes the same ordered sequence from seq 0;
// a finished stream replays its history and closes immediately.
func (s *Stream) Subscribe() (<-chan *models.StreamEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *models.StreamEvent, len(s.history)+subscriberBuffer)
	for _, event := range s.history {
		ch <- event
	}
	if s.finished {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
}

// PublishChunk delivers a content chunk to all subscribers.
func (s *Stream) PublishChunk(text string) {
	s.publish(&models.StreamEvent{Type: models.StreamChunk, Text: text})
}

// PublishStatus delivers a status event, e.g. a tool starting or a pending
// action opening.
func (s *Stream) PublishStatus(status string) {
	s.publish(&models.StreamEvent{Type: models.StreamStatus, Status: status})
}

// Complete emits the terminal completed event and closes the stream.
func (s *Stream) Complete() {
	s.finish(&models.StreamEvent{Type: models.StreamCompleted})
}

// Fail emits the terminal error event and closes the stream.
func (s *Stream) Fail(err error) {
	event := &models.StreamEvent{Type: models.StreamError}
	if err != nil {
		event.Error = err.Error()
	}
	s.finish(event)
}

// CancelStream requests cooperative cancellation: the provider context is
// cancelled first so no new chunks are produced, then the terminal cancelled
// event is emitted.
func (s *Stream) CancelStream() {
	s.cancel()
	s.finish(&models.StreamEvent{Type: models.StreamCancelled})
}

func (s *Stream) publish(event *models.StreamEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.deliverLocked(event)
}

func (s *Stream) finish(event *models.StreamEvent) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.deliverLocked(event)
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()

	s.cancel()
	if s.onEnd != nil {
		s.onEnd(s)
	}
}

// deliverLocked stamps and fans out one event. Caller holds s.mu.
func (s *Stream) deliverLocked(event *models.StreamEvent) {
	event.SessionID = s.SessionID
	event.TaskID = s.TaskID
	event.Seq = s.seq
	event.Timestamp = time.Now()
	s.seq++
	s.history = append(s.history, event)

	if s.metrics != nil {
		s.metrics.StreamEventCounter.WithLabelValues(string(event.Type)).Inc()
	}
	for id, ch := range s.subs {
		select {
		case ch <- event:
		default:
			// Lagging subscriber: drop it instead of blocking the writer.
			delete(s.subs, id)
			close(ch)
		}
	}
}

// Broadcaster tracks the one in-flight stream each session may have.
type Broadcaster struct {
	mu      sync.Mutex
	streams map[string]*Stream
	metrics *observability.Metrics
}

// NewBroadcaster creates an empty broadcaster.
func NewBroadcaster(metrics *observability.Metrics) *Broadcaster {
	return &Broadcaster{streams: make(map[string]*Stream), metrics: metrics}
}

// Start opens a stream for the session, failing with ErrStreamActive when one
// is already in flight.
func (b *Broadcaster) Start(ctx context.Context, sessionID, taskID string) (*Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.streams[sessionID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrStreamActive, sessionID)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	stream := &Stream{
		SessionID: sessionID,
		TaskID:    taskID,
		ctx:       streamCtx,
		cancel:    cancel,
		subs:      make(map[int]chan *models.StreamEvent),
		metrics:   b.metrics,
	}
	stream.onEnd = func(s *Stream) {
		b.mu.Lock()
		if b.streams[s.SessionID] == s {
			delete(b.streams, s.SessionID)
		}
		b.mu.Unlock()
	}
	b.streams[sessionID] = stream
	return stream, nil
}

// Get returns the session's in-flight stream, if any.
func (b *Broadcaster) Get(sessionID string) (*Stream, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	stream, ok := b.streams[sessionID]
	return stream, ok
}

// Cancel cancels the session's in-flight stream. Task id, when non-empty,
// must match the stream being cancelled.
func (b *Broadcaster) Cancel(sessionID, taskID string) error {
	b.mu.Lock()
	stream, ok := b.streams[sessionID]
	b.mu.Unlock()
	if !ok || (taskID != "" && stream.TaskID != taskID) {
		return fmt.Errorf("%w: session %s", ErrStreamNotFound, sessionID)
	}
	stream.CancelStream()
	return nil
}

// Shutdown cancels every in-flight stream.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	streams := make([]*Stream, 0, len(b.streams))
	for _, s := range b.streams {
		streams = append(streams, s)
	}
	b.mu.Unlock()
	for _, s := range streams {
		s.CancelStream()
	}
}
