// Package broker defines the outbound broker surface and a simulated
// implementation used for paper trading and tests.
package broker

import (
	"context"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

// Order is a capital order handed to the broker.
type Order struct {
	PositionID string
	Symbol     string
	Side       contracts.Side
	Size       float64
}

// Broker is the connectivity surface. All calls honor context
// cancellation; the connectivity supervisor owns retry and breaker
// policy, implementations just fail fast.
type Broker interface {
	// SubmitOrder places an order and returns the broker order id.
	SubmitOrder(ctx context.Context, order Order) (string, error)

	// CancelOrder cancels a previously submitted order.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// Positions returns the broker's view of open positions, used by
	// the reconciliation pass. Read-only.
	Positions(ctx context.Context) ([]contracts.BrokerPosition, error)

	// Ping is the supervisor probe.
	Ping(ctx context.Context) error
}
