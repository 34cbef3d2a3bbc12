package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/phoenix-trading/phoenix/pkg/contracts"
)

// SimBroker is an in-memory broker used for paper mode and tests. It
// fills market orders at a single mutable mark price and its failure
// behavior is scriptable per call.
type SimBroker struct {
	mu        sync.Mutex
	mark      float64
	latency   time.Duration
	failNext  error
	failPings int
	orders    map[string]Order
	positions map[string]contracts.BrokerPosition
}

// NewSimBroker creates a simulated broker with the given mark price.
func NewSimBroker(markPrice float64) *SimBroker {
	return &SimBroker{
		mark:      markPrice,
		orders:    make(map[string]Order),
		positions: make(map[string]contracts.BrokerPosition),
	}
}

// SetMark moves the simulated market price.
func (s *SimBroker) SetMark(price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mark = price
}

// SetLatency makes every call sleep before responding.
func (s *SimBroker) SetLatency(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latency = d
}

// FailNext makes the next order call return err.
func (s *SimBroker) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// FailPings makes the next n probes fail.
func (s *SimBroker) FailPings(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPings = n
}

// Seed injects a broker-side position directly, bypassing order flow.
// Reconciler tests use this to manufacture drift.
func (s *SimBroker) Seed(pos contracts.BrokerPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.positions[uuid.New().String()] = pos
}

// Mark returns the current simulated price.
func (s *SimBroker) Mark() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mark
}

func (s *SimBroker) wait(ctx context.Context) error {
	s.mu.Lock()
	d := s.latency
	s.mu.Unlock()
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// takeFailure pops the scripted error, if any. Callers hold s.mu.
func (s *SimBroker) takeFailure() error {
	err := s.failNext
	s.failNext = nil
	return err
}

func (s *SimBroker) SubmitOrder(ctx context.Context, order Order) (string, error) {
	if err := s.wait(ctx); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return "", err
	}
	if order.Size <= 0 {
		return "", fmt.Errorf("sim: order size must be positive, got %v", order.Size)
	}
	id := uuid.New().String()
	s.orders[id] = order
	s.positions[id] = contracts.BrokerPosition{
		Symbol:      order.Symbol,
		Side:        order.Side,
		Size:        order.Size,
		Status:      "open",
		FilledRatio: 1.0,
	}
	return id, nil
}

func (s *SimBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return err
	}
	if _, ok := s.orders[brokerOrderID]; !ok {
		return fmt.Errorf("sim: unknown order %q", brokerOrderID)
	}
	delete(s.orders, brokerOrderID)
	delete(s.positions, brokerOrderID)
	return nil
}

func (s *SimBroker) Positions(ctx context.Context) ([]contracts.BrokerPosition, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(); err != nil {
		return nil, err
	}
	out := make([]contracts.BrokerPosition, 0, len(s.positions))
	for _, pos := range s.positions {
		out = append(out, pos)
	}
	return out, nil
}

func (s *SimBroker) Ping(ctx context.Context) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPings > 0 {
		s.failPings--
		return fmt.Errorf("sim: probe failed")
	}
	return nil
}
