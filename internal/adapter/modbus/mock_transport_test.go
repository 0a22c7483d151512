package modbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// mockTransport is a scriptable Transport.
type mockTransport struct {
	mu sync.Mutex

	ConnectFunc func(ctx context.Context) error
	ReadFunc    func(ctx context.Context, req ReadRequest) ([]uint16, error)
	ReadLatency time.Duration

	ConnectCalls int
	CloseCalls   int
	Requests     []ReadRequest

	connected   atomic.Bool
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (m *mockTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	m.ConnectCalls++
	fn := m.ConnectFunc
	m.mu.Unlock()

	if fn != nil {
		if err := fn(ctx); err != nil {
			return err
		}
	}
	m.connected.Store(true)
	return nil
}

func (m *mockTransport) ReadHoldingRegisters(ctx context.Context, req ReadRequest) ([]uint16, error) {
	n := m.inFlight.Add(1)
	defer m.inFlight.Add(-1)
	for {
		cur := m.maxInFlight.Load()
		if n <= cur || m.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if m.ReadLatency > 0 {
		time.Sleep(m.ReadLatency)
	}

	m.mu.Lock()
	m.Requests = append(m.Requests, req)
	fn := m.ReadFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, req)
	}
	return make([]uint16, req.Count), nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.CloseCalls++
	m.mu.Unlock()
	m.connected.Store(false)
	return nil
}

func (m *mockTransport) IsConnected() bool {
	return m.connected.Load()
}

func (m *mockTransport) requests() []ReadRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ReadRequest, len(m.Requests))
	copy(out, m.Requests)
	return out
}
