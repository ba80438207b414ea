// Package notify relays job state changes to live subscribers.
package notify

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jo-hoe/mediajobs/internal/jobs"
)

const defaultBuffer = 32

var ErrHubClosed = errors.New("notify hub closed")

// Hub fans job updates out to per-job subscriptions.
type Hub struct {
	log    *slog.Logger
	buffer int

	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	closed bool
}

// NewHub creates a hub whose subscriptions buffer up to buffer updates.
func NewHub(log *slog.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		log:    log,
		buffer: buffer,
		subs:   make(map[string]map[*Subscription]struct{}),
	}
}

// Subscribe registers interest in jobID. Only updates published afterwards are delivered.
func (h *Hub) Subscribe(jobID string) (*Subscription, error) {
	if jobID == "" {
		return nil, errors.New("job id is required")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	sub := &Subscription{
		hub:   h,
		jobID: jobID,
		ch:    make(chan jobs.View, h.buffer),
	}
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[*Subscription]struct{})
	}
	h.subs[jobID][sub] = struct{}{}
	return sub, nil
}

// Publish decodes a job change record and delivers it to the job's subscribers.
// Records that fail to decode are logged and dropped.
func (h *Hub) Publish(raw []byte) {
	v, err := decode(raw)
	if err != nil {
		h.log.Warn("dropping malformed job update", "err", err, "bytes", len(raw))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs[v.ID] {
		if !sub.last.IsZero() && v.UpdatedAt.Before(sub.last) {
			continue
		}
		select {
		case sub.ch <- v:
			sub.last = v.UpdatedAt
		default:
			h.log.Warn("subscriber too slow; closing subscription", "job_id", v.ID)
			sub.overflowed = true
			h.removeLocked(sub)
		}
	}
}

// PublishJob publishes a snapshot of j.
func (h *Hub) PublishJob(j *jobs.Job) {
	raw, err := json.Marshal(j.View())
	if err != nil {
		h.log.Error("encode job update", "job_id", j.ID, "err", err)
		return
	}
	h.Publish(raw)
}

// Subscribers returns the number of live subscriptions for jobID.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[jobID])
}

// Close ends every subscription and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, set := range h.subs {
		for sub := range set {
			h.removeLocked(sub)
		}
	}
}

func (h *Hub) removeLocked(sub *Subscription) {
	set, ok := h.subs[sub.jobID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.jobID)
	}
	close(sub.ch)
}

func decode(raw []byte) (jobs.View, error) {
	var v jobs.View
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode update: %w", err)
	}
	if v.ID == "" {
		return v, errors.New("update has no job id")
	}
	switch v.Status {
	case jobs.StatusPending, jobs.StatusProcessing, jobs.StatusCompleted, jobs.StatusFailed:
	default:
		return v, fmt.Errorf("update has unknown status %q", v.Status)
	}
	if v.Progress < 0 || v.Progress > 100 {
		return v, fmt.Errorf("update progress %d out of range", v.Progress)
	}
	return v, nil
}
