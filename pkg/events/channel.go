// Package events provides bounded, per-subscription message channels.
//
// Every subscriber owns its own Channel with a fixed capacity and a
// backpressure policy chosen when it is created. Publishers never block.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrChannelFull is returned by Publish on a RejectNew channel at capacity
var ErrChannelFull = errors.New("event channel full")

// ErrChannelClosed is returned when publishing to or receiving from a closed channel
var ErrChannelClosed = errors.New("event channel closed")

// Policy decides what happens when a message arrives at a full channel
type Policy int

const (
	// DropOldest discards the oldest queued message to make room
	DropOldest Policy = iota
	// RejectNew refuses the incoming message
	RejectNew
)

func (p Policy) String() string {
	switch p {
	case DropOldest:
		return "drop-oldest"
	case RejectNew:
		return "reject-new"
	default:
		return "unknown"
	}
}

// ParsePolicy converts a configuration string into a Policy
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "drop-oldest", "":
		return DropOldest, nil
	case "reject-new":
		return RejectNew, nil
	default:
		return DropOldest, errors.New("unknown backpressure policy: " + s)
	}
}

// Message is a named event with a structured payload
type Message struct {
	Type      string                 `json:"type"`
	Source    string                 `json:"source,omitempty"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Channel is a bounded FIFO of messages
type Channel struct {
	mu       sync.Mutex
	queue    []Message
	capacity int
	policy   Policy
	notify   chan struct{}
	closed   bool
	dropped  uint64
}

// NewChannel creates a channel holding at most capacity messages
func NewChannel(capacity int, policy Policy) *Channel {
	if capacity <= 0 {
		capacity = 1
	}
	return &Channel{
		queue:    make([]Message, 0, capacity),
		capacity: capacity,
		policy:   policy,
		notify:   make(chan struct{}, 1),
	}
}

// Publish enqueues msg according to the channel's policy. It never blocks.
func (c *Channel) Publish(msg Message) error {
	_, err := c.offer(msg)
	return err
}

// offer is Publish that also reports whether a queued message was evicted
// to make room
func (c *Channel) offer(msg Message) (evicted bool, err error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrChannelClosed
	}
	if len(c.queue) >= c.capacity {
		if c.policy == RejectNew {
			c.dropped++
			c.mu.Unlock()
			return false, ErrChannelFull
		}
		c.queue = c.queue[1:]
		c.dropped++
		evicted = true
	}
	c.queue = append(c.queue, msg)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	c.mu.Unlock()
	return evicted, nil
}

// TryReceive dequeues the oldest message without waiting
func (c *Channel) TryReceive() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return Message{}, false
	}
	msg := c.queue[0]
	c.queue = c.queue[1:]
	return msg, true
}

// Receive waits for the next message until ctx is done or the channel closes
func (c *Channel) Receive(ctx context.Context) (Message, error) {
	for {
		if msg, ok := c.TryReceive(); ok {
			return msg, nil
		}

		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return Message{}, ErrChannelClosed
		}

		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-c.notify:
		}
	}
}

// Drain returns and removes every queued message
func (c *Channel) Drain() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = make([]Message, 0, c.capacity)
	return out
}

// Len returns the number of queued messages
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Dropped returns how many messages were discarded or rejected
func (c *Channel) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Policy returns the backpressure policy
func (c *Channel) Policy() Policy {
	return c.policy
}

// Close stops accepting messages and wakes any waiting receiver. Queued
// messages can still be read with TryReceive or Drain.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.notify)
	c.mu.Unlock()
}
