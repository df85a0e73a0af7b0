package queue

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/JakeFAU/keypick-gateway/internal/gateway"
)

// MockPublisher is a testify mock of gateway.Publisher.
type MockPublisher struct {
	mock.Mock
}

// Publish records the call and returns the configured error.
func (m *MockPublisher) Publish(ctx context.Context, msg gateway.QueueMessage) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}
