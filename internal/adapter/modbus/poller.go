package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/06benste/FoxEss-PVOutput/internal/domain"
	"github.com/06benste/FoxEss-PVOutput/internal/metrics"
	"github.com/rs/zerolog"
)

// PollerConfig holds configuration for the device poller.
type PollerConfig struct {
	// UnitID is the Modbus unit id requests are addressed to
	UnitID byte

	// ProbeAddress is the register read while negotiating the call shape
	ProbeAddress uint16

	// RequestDelay is waited after every exchange so the device is never
	// sent back-to-back requests
	RequestDelay time.Duration

	// FailureThreshold is the number of consecutive failed exchanges after
	// which the device is marked disconnected
	FailureThreshold int
}

// DefaultPollerConfig returns a PollerConfig with the inverter defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		UnitID:           247,
		ProbeAddress:     DefaultProbeAddress,
		RequestDelay:     30 * time.Millisecond,
		FailureThreshold: 5,
	}
}

// PollerStats tracks poller exchange counts.
type PollerStats struct {
	ReadCount      atomic.Uint64
	ErrorCount     atomic.Uint64
	SkippedCount   atomic.Uint64
	ConnectCount   atomic.Uint64
	TotalReadNanos atomic.Int64
}

// Poller owns the transport and serializes every exchange with the device.
// It tracks connection state, negotiates the call shape once, and refuses
// ranges the device has rejected before.
type Poller struct {
	config     PollerConfig
	transport  Transport
	negotiator *Negotiator
	invalid    *InvalidRanges
	logger     zerolog.Logger
	metrics    *metrics.Registry
	opMu       sync.Mutex // one exchange in flight
	state      atomic.Int32
	failures   atomic.Int32
	errMu      sync.RWMutex
	lastError  string
	lastErrAt  time.Time
	stats      *PollerStats
	sleep      func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a poller over transport. The transport is connected
// lazily on the first read.
func NewPoller(transport Transport, config PollerConfig, logger zerolog.Logger, metricsReg *metrics.Registry) *Poller {
	defaults := DefaultPollerConfig()
	if config.ProbeAddress == 0 {
		config.ProbeAddress = defaults.ProbeAddress
	}
	if config.RequestDelay < 0 {
		config.RequestDelay = 0
	}
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}

	p := &Poller{
		config:     config,
		transport:  transport,
		negotiator: NewNegotiator(logger),
		invalid:    NewInvalidRanges(),
		logger:     logger.With().Str("component", "modbus-poller").Uint8("unit_id", config.UnitID).Logger(),
		metrics:    metricsReg,
		stats:      &PollerStats{},
		sleep:      sleepContext,
	}
	p.state.Store(int32(domain.StateInitial))
	return p
}

// ReadHoldingRegisters reads count registers starting at address.
// Ranges already known to be invalid fail with domain.ErrSkipped without any
// exchange taking place.
func (p *Poller) ReadHoldingRegisters(ctx context.Context, address, count uint16) ([]uint16, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if p.invalid.Overlaps(address, count) {
		p.stats.SkippedCount.Add(1)
		if p.metrics != nil {
			p.metrics.RecordRead("skipped", 0)
		}
		return nil, fmt.Errorf("%w: %d+%d", domain.ErrSkipped, address, count)
	}

	shape, err := p.ensureReady(ctx)
	if err != nil {
		p.recordFailure(err)
		return nil, err
	}

	startTime := time.Now()
	words, err := p.exchange(ctx, ReadRequest{
		Address: address,
		Count:   count,
		UnitID:  p.config.UnitID,
		Shape:   shape,
	})
	elapsed := time.Since(startTime)
	p.stats.ReadCount.Add(1)
	p.stats.TotalReadNanos.Add(elapsed.Nanoseconds())

	if err != nil {
		p.stats.ErrorCount.Add(1)
		if p.metrics != nil {
			p.metrics.RecordRead(readResult(err), elapsed.Seconds())
		}
		// A device exception proves the link works.
		if errors.Is(err, domain.ErrProtocol) {
			p.recordSuccess()
		} else {
			p.recordFailure(err)
		}
		return nil, err
	}

	if p.metrics != nil {
		p.metrics.RecordRead("ok", elapsed.Seconds())
	}
	p.recordSuccess()
	return words, nil
}

// ensureReady connects if needed and returns the negotiated call shape.
func (p *Poller) ensureReady(ctx context.Context) (CallShape, error) {
	if err := p.connect(ctx); err != nil {
		return 0, err
	}
	return p.negotiator.Negotiate(ctx, func(ctx context.Context, shape CallShape) error {
		if err := p.connect(ctx); err != nil {
			return err
		}
		_, err := p.exchange(ctx, ReadRequest{
			Address: p.config.ProbeAddress,
			Count:   1,
			UnitID:  p.config.UnitID,
			Shape:   shape,
		})
		return err
	})
}

func (p *Poller) connect(ctx context.Context) error {
	if p.transport.IsConnected() {
		return nil
	}
	startTime := time.Now()
	err := p.transport.Connect(ctx)
	p.stats.ConnectCount.Add(1)
	if p.metrics != nil {
		p.metrics.RecordConnection(err == nil, time.Since(startTime).Seconds())
	}
	if err != nil {
		if !errors.Is(err, domain.ErrConnectionFailed) {
			err = fmt.Errorf("%w: %w", domain.ErrConnectionFailed, err)
		}
		return err
	}
	return nil
}

// exchange performs one transport read followed by the pacing delay.
func (p *Poller) exchange(ctx context.Context, req ReadRequest) ([]uint16, error) {
	words, err := p.transport.ReadHoldingRegisters(ctx, req)
	if delayErr := p.sleep(ctx, p.config.RequestDelay); delayErr != nil && err == nil {
		p.logger.Debug().Err(delayErr).Msg("Request delay interrupted")
	}
	return words, err
}

func (p *Poller) recordSuccess() {
	p.failures.Store(0)
	prev := domain.ConnectionState(p.state.Swap(int32(domain.StateConnected)))
	if prev == domain.StateDisconnected {
		p.logger.Info().Msg("Connection to inverter recovered")
		p.errMu.Lock()
		p.lastError = ""
		p.errMu.Unlock()
	}
	if prev != domain.StateConnected && p.metrics != nil {
		p.metrics.SetConnectionState(int(domain.StateConnected))
	}
}

func (p *Poller) recordFailure(err error) {
	n := int(p.failures.Add(1))

	p.errMu.Lock()
	p.lastError = err.Error()
	p.lastErrAt = time.Now()
	p.errMu.Unlock()

	if n < p.config.FailureThreshold {
		p.logger.Debug().Err(err).Int("consecutive_failures", n).Msg("Exchange failed")
		return
	}
	prev := domain.ConnectionState(p.state.Swap(int32(domain.StateDisconnected)))
	if prev != domain.StateDisconnected {
		p.logger.Warn().Err(err).Int("consecutive_failures", n).Msg("Inverter marked disconnected")
		if p.metrics != nil {
			p.metrics.SetConnectionState(int(domain.StateDisconnected))
		}
	}
}

// MarkInvalid adds a range to the invalid set. Subsequent reads overlapping
// it are skipped for the lifetime of the poller. It waits for any exchange
// in flight.
func (p *Poller) MarkInvalid(address, count uint16) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	if !p.invalid.Add(address, count) {
		return
	}
	p.logger.Warn().Uint16("address", address).Uint16("count", count).Msg("Register range marked invalid")
	if p.metrics != nil {
		p.metrics.SetInvalidRanges(p.invalid.Len())
	}
}

// InvalidRanges returns the merged invalid ranges.
func (p *Poller) InvalidRanges() []AddressRange {
	return p.invalid.Ranges()
}

// State returns the connection state.
func (p *Poller) State() domain.ConnectionState {
	return domain.ConnectionState(p.state.Load())
}

// Available reports whether the device should be presented as reachable.
func (p *Poller) Available() bool {
	return p.State().Available()
}

// ConsecutiveFailures returns the current failure streak.
func (p *Poller) ConsecutiveFailures() int {
	return int(p.failures.Load())
}

// LastError returns the most recent failure message and when it happened.
func (p *Poller) LastError() (string, time.Time) {
	p.errMu.RLock()
	defer p.errMu.RUnlock()
	return p.lastError, p.lastErrAt
}

// Shape returns the negotiated call shape, if any.
func (p *Poller) Shape() (CallShape, bool) {
	return p.negotiator.Shape()
}

// Close waits for any in-flight exchange and releases the transport.
func (p *Poller) Close() error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.transport.Close()
}

func readResult(err error) string {
	switch {
	case errors.Is(err, domain.ErrProtocol):
		return "protocol"
	case errors.Is(err, domain.ErrConventionUnsupported):
		return "convention"
	default:
		return "transport"
	}
}
