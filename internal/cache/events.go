package cache

import (
	"time"

	evbus "github.com/asaskevich/EventBus"
)

// TopicStatusChange is the event bus topic for peer status transitions.
const TopicStatusChange = "peer:status"

// StatusChange describes a peer moving from one status to another.
type StatusChange struct {
	Peer      string    `json:"peer"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Available uint64    `json:"available"`
	At        time.Time `json:"at"`
}

// Subscribe registers fn for status change events. Handlers run synchronously
// on the goroutine that applied the status, after the cache lock is released.
// They may query the cache but must not call SetStatus.
func (c *Cache) Subscribe(fn func(StatusChange)) error {
	return c.bus.Subscribe(TopicStatusChange, fn)
}

// Unsubscribe removes a handler registered with Subscribe.
func (c *Cache) Unsubscribe(fn func(StatusChange)) error {
	return c.bus.Unsubscribe(TopicStatusChange, fn)
}

func newBus() evbus.Bus {
	return evbus.New()
}
