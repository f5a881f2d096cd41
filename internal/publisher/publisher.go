// Package publisher defines the message publishing contract used to mirror
// results to external aggregation. Implementations live in subpackages.
package publisher

import "context"

// Publisher sends one JSON-encodable payload to a topic and returns the
// broker-assigned message id.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}
