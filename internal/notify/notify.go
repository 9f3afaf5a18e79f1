// Package notify fans mailbox-change events out to live sessions in this
// process and, through a redis bridge, to sessions in other processes.
package notify

import (
	"sync"
	"sync/atomic"

	"github.com/emersion/go-imap/v2"
)

// EventType classifies a mailbox change.
type EventType string

const (
	// EventExists signals new messages in a mailbox (APPEND, COPY, MOVE).
	EventExists EventType = "exists"
	// EventExpunge signals permanent removals.
	EventExpunge EventType = "expunge"
	// EventMailbox signals structural mailbox changes (create, delete,
	// rename, subscription).
	EventMailbox EventType = "mailbox"
)

// Event is one mailbox-change notification.
type Event struct {
	UserID    string     `json:"user_id"`
	MailboxID string     `json:"mailbox_id"`
	Path      string     `json:"path"`
	Type      EventType  `json:"type"`
	UIDs      []imap.UID `json:"uids,omitempty"`
	ModSeq    uint64     `json:"modseq,omitempty"`
}

// Hub distributes events to subscribed sessions. Delivery is non-blocking:
// a session that does not drain its channel loses events, counted in
// Dropped.
type Hub struct {
	mu      sync.RWMutex
	subs    map[string]map[chan Event]struct{} // userID -> subscriber channels
	closed  atomic.Bool
	dropped atomic.Int64
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// Subscribe registers a session for a user's events.
func (h *Hub) Subscribe(userID string) chan Event {
	ch := make(chan Event, 256)
	if h.closed.Load() {
		close(ch)
		return ch
	}
	h.mu.Lock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[chan Event]struct{})
	}
	h.subs[userID][ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(userID string, ch chan Event) {
	h.mu.Lock()
	set, ok := h.subs[userID]
	if ok {
		if _, ok = set[ch]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, userID)
			}
		}
	}
	h.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish delivers the event to every subscriber of the user.
func (h *Hub) Publish(ev Event) {
	if h.closed.Load() {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs[ev.UserID] {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events lost to full subscriber channels.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// Close shuts the hub down and closes all subscriber channels.
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, set := range h.subs {
		for ch := range set {
			close(ch)
		}
		delete(h.subs, userID)
	}
}
