// Package notify keeps the notifications the worker has shown so that
// clients can poll for them.
package notify

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"offline_cache_proxy/internal/obs"
)

const DefaultCapacity = 64

type Action struct {
	Action string `json:"action"`
	Title  string `json:"title"`
	Icon   string `json:"icon,omitempty"`
}

type Data struct {
	DateOfArrival int64 `json:"dateOfArrival"`
	PrimaryKey    int   `json:"primaryKey"`
}

type Notification struct {
	Title   string    `json:"title"`
	Body    string    `json:"body"`
	Icon    string    `json:"icon,omitempty"`
	Badge   string    `json:"badge,omitempty"`
	Vibrate []int     `json:"vibrate,omitempty"`
	Data    Data      `json:"data"`
	Actions []Action  `json:"actions,omitempty"`
	ShownAt time.Time `json:"shown_at"`
}

// Center is a bounded, in-memory notification tray.
type Center struct {
	mu       sync.Mutex
	items    []Notification
	next     int
	full     bool
	metrics  *obs.Metrics
	capacity int
}

func NewCenter(capacity int, metrics *obs.Metrics) *Center {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Center{items: make([]Notification, capacity), capacity: capacity, metrics: metrics}
}

func (c *Center) Show(_ context.Context, n Notification) error {
	if c == nil {
		return errors.New("notification center not initialized")
	}
	if n.Title == "" {
		return errors.New("notification title is required")
	}
	if n.ShownAt.IsZero() {
		n.ShownAt = time.Now().UTC()
	}

	c.mu.Lock()
	c.items[c.next] = n
	c.next = (c.next + 1) % c.capacity
	if c.next == 0 {
		c.full = true
	}
	c.mu.Unlock()

	c.metrics.RecordNotification()
	log.Printf("notification shown title=%q body=%q actions=%d", n.Title, n.Body, len(n.Actions))
	return nil
}

// Recent returns up to limit notifications, newest first.
func (c *Center) Recent(limit int) []Notification {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	count := c.next
	if c.full {
		count = c.capacity
	}
	if limit <= 0 || limit > count {
		limit = count
	}
	result := make([]Notification, 0, limit)
	for i := 0; i < limit; i++ {
		index := (c.next - 1 - i + c.capacity) % c.capacity
		result = append(result, c.items[index])
	}
	return result
}
