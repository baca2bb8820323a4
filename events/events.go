// Package events mirrors committed text updates across server processes.
//
// A single process needs none of this: the in-process hub already reaches
// every subscriber. When several processes sit behind a load balancer, each
// one publishes its commits to NATS and re-broadcasts what the others commit,
// so browsers connected anywhere see every edit.
package events

import "context"

// TopicTextUpdated carries one committed Set per message.
const TopicTextUpdated = "gugnag.text.updated"

// TextUpdated is the payload published for every committed write. Origin
// identifies the publishing process so it can skip its own messages when
// subscribed.
type TextUpdated struct {
	Origin string `json:"origin"`
	Key    string `json:"key"`
	Value  string `json:"value"`
}

// Publisher publishes events to the event bus.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) error
	Close() error
}

// Subscriber receives events from the event bus.
type Subscriber interface {
	// Subscribe delivers raw event payloads on the returned channel.
	// Call the returned cancel function to unsubscribe and close the channel.
	Subscribe(topic string) (<-chan []byte, func(), error)
	Close() error
}
