package notify

import (
	"context"
	"time"
)

const (
	EventLowStock = "low_stock"
	EventLowCups  = "low_cups"
)

// Event is a threshold signal emitted after a stock mutation has committed.
// Delivery is best effort: a failed publish is logged by the caller and never
// affects the committed movement.
type Event struct {
	Kind        string    `json:"kind"`
	ProductID   string    `json:"product_id"`
	ProductName string    `json:"product_name,omitempty"`
	LocationID  string    `json:"location_id"`
	Remaining   int       `json:"remaining"`
	Threshold   int       `json:"threshold"`
	At          time.Time `json:"at"`
}

type Dispatcher interface {
	Publish(ctx context.Context, event Event) error
}

type NoopDispatcher struct{}

func (NoopDispatcher) Publish(_ context.Context, _ Event) error {
	return nil
}
