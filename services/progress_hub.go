package services

import (
	"sync"
	"time"
)

// Event types sent to progress subscribers
const (
	EventProgress  = "progress"
	EventComplete  = "complete"
	EventError     = "error"
	EventCancelled = "cancelled"
)

// ProgressEvent is one progress update for a job
type ProgressEvent struct {
	Type           string    `json:"type"`
	JobID          string    `json:"job_id"`
	Stage          string    `json:"stage"`
	StagePercent   int       `json:"stage_percent"`
	OverallPercent int       `json:"overall_percent"`
	Message        string    `json:"message"`
	ErrorKind      string    `json:"error_kind,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// IsTerminal reports whether no further events follow this one.
func (e ProgressEvent) IsTerminal() bool {
	return e.Type == EventComplete || e.Type == EventError || e.Type == EventCancelled
}

// Notifier fans progress events out to subscribers of a job. Publish never
// blocks; a slow subscriber loses its oldest buffered events.
type Notifier interface {
	Publish(jobID string, event ProgressEvent)
	Subscribe(jobID string) (<-chan ProgressEvent, func())
}

const subscriberBuffer = 32

type subscriber struct {
	mu     sync.Mutex
	ch     chan ProgressEvent
	closed bool
}

func (s *subscriber) send(ev ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	// full: drop the oldest event and retry once
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// ProgressHub is the in-process Notifier
type ProgressHub struct {
	mu     sync.RWMutex
	subs   map[string]map[*subscriber]struct{}
	buffer int
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{
		subs:   make(map[string]map[*subscriber]struct{}),
		buffer: subscriberBuffer,
	}
}

func (h *ProgressHub) Publish(jobID string, event ProgressEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[jobID] {
		s.send(event)
	}
}

// Subscribe registers a channel for jobID. The returned func unsubscribes
// and closes the channel; it is safe to call more than once.
func (h *ProgressHub) Subscribe(jobID string) (<-chan ProgressEvent, func()) {
	s := &subscriber{ch: make(chan ProgressEvent, h.buffer)}

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*subscriber]struct{})
	}
	h.subs[jobID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[jobID], s)
			if len(h.subs[jobID]) == 0 {
				delete(h.subs, jobID)
			}
			h.mu.Unlock()
			s.close()
		})
	}
}

// SubscriberCount returns the number of live subscribers for a job.
func (h *ProgressHub) SubscriberCount(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
