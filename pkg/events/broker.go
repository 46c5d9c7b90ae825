package events

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Broker fans a message out to every subscribed Channel. Each subscription
// applies its own backpressure policy, so a slow subscriber only loses its
// own messages.
type Broker struct {
	mu     sync.RWMutex
	subs   map[*Channel]subscription
	logger *logrus.Logger
}

type subscription struct {
	name  string
	types map[string]bool
}

// wants reports whether the subscription takes messages of type t
func (s subscription) wants(t string) bool {
	return len(s.types) == 0 || s.types[t]
}

// Delivery summarizes one Publish call
type Delivery struct {
	// Delivered counts subscribers that queued the message
	Delivered int
	// Rejected counts subscribers that refused it, full or closed
	Rejected int
	// Evicted counts subscribers that dropped an older message to queue it
	Evicted int
}

// Lost is how many messages the publish cost across all subscribers
func (d Delivery) Lost() int {
	return d.Rejected + d.Evicted
}

// NewBroker creates a broker with no subscribers
func NewBroker(logger *logrus.Logger) *Broker {
	if logger == nil {
		logger = logrus.New()
	}
	return &Broker{
		subs:   make(map[*Channel]subscription),
		logger: logger,
	}
}

// Subscribe registers a new bounded channel under name. With types given,
// only messages of those types reach it, so unrelated traffic can never
// push them out.
func (b *Broker) Subscribe(name string, capacity int, policy Policy, types ...string) *Channel {
	sub := subscription{name: name}
	if len(types) > 0 {
		sub.types = make(map[string]bool, len(types))
		for _, t := range types {
			sub.types[t] = true
		}
	}

	ch := NewChannel(capacity, policy)
	b.mu.Lock()
	b.subs[ch] = sub
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes ch
func (b *Broker) Unsubscribe(ch *Channel) {
	b.mu.Lock()
	_, ok := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ok {
		ch.Close()
	}
}

// Publish delivers msg to every subscriber that takes its type
func (b *Broker) Publish(msg Message) Delivery {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var d Delivery
	for ch, sub := range b.subs {
		if !sub.wants(msg.Type) {
			continue
		}
		evicted, err := ch.offer(msg)
		if err != nil {
			b.logger.Warnf("Subscriber %s did not accept %s event: %v", sub.name, msg.Type, err)
			d.Rejected++
			continue
		}
		if evicted {
			b.logger.Warnf("Subscriber %s dropped its oldest event to take %s", sub.name, msg.Type)
			d.Evicted++
		}
		d.Delivered++
	}
	return d
}

// Subscribers returns the current subscription count
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		ch.Close()
	}
	b.subs = make(map[*Channel]subscription)
}
