// Package events fans out job and identity transitions to live subscribers
// such as the websocket feed.
package events

import (
	"strconv"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
)

const (
	TypeJobClaimed               = "job.claimed"
	TypeJobCompleted             = "job.completed"
	TypeJobRetry                 = "job.retry"
	TypeJobThrottled             = "job.throttled"
	TypeJobFailed                = "job.failed"
	TypeJobRecovered             = "job.recovered"
	TypeIdentityActivated        = "identity.activated"
	TypeIdentityActivationFailed = "identity.activation_failed"
	TypeIdentityCaptured         = "identity.captured"
)

const (
	defaultSubscriberBuffer       = 64
	defaultSnowflakeNode    int64 = 1
)

type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	Subject string    `json:"subject"`
	State   string    `json:"state,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Publisher is what producers depend on; a nil Publisher is never required.
type Publisher interface {
	Publish(event Event)
}

type Hub struct {
	mu          sync.Mutex
	node        *snowflake.Node
	subscribers map[int]chan Event
	nextID      int
	dropped     uint64
}

func NewHub(nodeID int64) *Hub {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		node, _ = snowflake.NewNode(defaultSnowflakeNode)
	}
	return &Hub{node: node, subscribers: map[int]chan Event{}}
}

// Publish never blocks: a subscriber whose buffer is full misses the event.
func (h *Hub) Publish(event Event) {
	if h == nil {
		return
	}
	if event.ID == "" {
		event.ID = h.node.Generate().String()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- event:
		default:
			h.dropped++
		}
	}
}

// Subscribe returns a channel of future events and a cancel func that closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subscribers[id] = ch
	h.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *Hub) Dropped() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subscribers)
}

// ParseID returns the millisecond timestamp embedded in an event id.
func ParseID(id string) (time.Time, bool) {
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(snowflake.ID(n).Time()), true
}
