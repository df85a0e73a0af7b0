// Package queue defines the work queue that carries accepted tasks from the
// dispatcher to the consumer. Implementations live in the memory and pubsub
// subpackages.
package queue

import (
	"github.com/JakeFAU/keypick-gateway/internal/gateway"
)

// Queue is a publisher and subscriber sharing one set of resources.
type Queue interface {
	gateway.Publisher
	gateway.Subscriber
	// Close releases client connections and stops redelivery.
	Close() error
}
