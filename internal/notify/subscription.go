package notify

import (
	"time"

	"github.com/jo-hoe/mediajobs/internal/jobs"
)

// Subscription receives ordered updates for one job. The channel is closed
// when the subscription is closed, the hub shuts down, or the subscriber
// falls behind by more than the buffer.
type Subscription struct {
	hub   *Hub
	jobID string
	ch    chan jobs.View

	// guarded by hub.mu
	last       time.Time
	overflowed bool
}

// Updates returns the delivery channel.
func (s *Subscription) Updates() <-chan jobs.View {
	return s.ch
}

// JobID returns the subscribed job.
func (s *Subscription) JobID() string {
	return s.jobID
}

// Overflowed reports whether the hub dropped this subscription for being slow.
func (s *Subscription) Overflowed() bool {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.overflowed
}

// Close releases the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.hub.removeLocked(s)
}
