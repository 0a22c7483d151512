package modbus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/06benste/FoxEss-PVOutput/internal/domain"
	"github.com/rs/zerolog"
	mbs "github.com/simonvetter/modbus"
)

// exceptionErrors maps simonvetter exception errors to exception codes.
var exceptionErrors = []struct {
	err  error
	code byte
}{
	{mbs.ErrIllegalFunction, 0x01},
	{mbs.ErrIllegalDataAddress, 0x02},
	{mbs.ErrIllegalDataValue, 0x03},
	{mbs.ErrServerDeviceFailure, 0x04},
	{mbs.ErrAcknowledge, 0x05},
	{mbs.ErrServerDeviceBusy, 0x06},
	{mbs.ErrMemoryParityError, 0x08},
	{mbs.ErrGWPathUnavailable, 0x0A},
	{mbs.ErrGWTargetFailedToRespond, 0x0B},
}

// SimonvetterTransport is the alternative driver built on
// github.com/simonvetter/modbus. It accepts tcp://host:port and
// rtu:///dev/ttyX URLs; a bare host:port is treated as TCP.
type SimonvetterTransport struct {
	config    TransportConfig
	url       string
	client    *mbs.ModbusClient
	logger    zerolog.Logger
	mu        sync.Mutex
	connected atomic.Bool
}

// NewSimonvetterTransport creates a disconnected transport.
func NewSimonvetterTransport(config TransportConfig, logger zerolog.Logger) (*SimonvetterTransport, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("%w: modbus address is required", domain.ErrConfiguration)
	}
	config.applyDefaults()

	url := config.Address
	if !strings.Contains(url, "://") {
		url = "tcp://" + url
	}

	client, err := mbs.NewClient(&mbs.ClientConfiguration{
		URL:     url,
		Timeout: config.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}

	return &SimonvetterTransport{
		config: config,
		url:    url,
		client: client,
		logger: logger.With().Str("component", "modbus-transport").Str("url", url).Logger(),
	}, nil
}

// Connect opens the link and waits for the settle delay. The library dials
// through net.Dialer, which leaves TCP_NODELAY enabled.
func (t *SimonvetterTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected.Load() {
		return nil
	}

	if err := t.client.Open(); err != nil {
		return fmt.Errorf("%w: %w: %v", domain.ErrTransport, domain.ErrConnectionFailed, err)
	}
	if err := sleepContext(ctx, t.config.ConnectDelay); err != nil {
		t.client.Close()
		return fmt.Errorf("%w: %w: %v", domain.ErrTransport, domain.ErrConnectionFailed, err)
	}

	t.connected.Store(true)
	t.logger.Info().Msg("Connected to Modbus device")
	return nil
}

// ReadHoldingRegisters performs one read exchange.
func (t *SimonvetterTransport) ReadHoldingRegisters(ctx context.Context, req ReadRequest) ([]uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.config.supports(req.Shape) {
		return nil, fmt.Errorf("%w: %s", domain.ErrConventionUnsupported, req.Shape)
	}
	if !t.connected.Load() {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, domain.ErrConnectionClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}

	if err := t.client.SetUnitId(t.config.unitFor(req)); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}

	words, err := t.client.ReadRegisters(req.Address, req.Count, mbs.HOLDING_REGISTER)
	if err != nil {
		for _, ex := range exceptionErrors {
			if errors.Is(err, ex.err) {
				return nil, fmt.Errorf("%w: %w", domain.ErrProtocol, domain.ModbusExceptionToError(ex.code))
			}
		}
		t.closeLocked()
		return nil, fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	if len(words) != int(req.Count) {
		t.closeLocked()
		return nil, fmt.Errorf("%w: %w: expected %d words, got %d",
			domain.ErrTransport, domain.ErrInvalidResponse, req.Count, len(words))
	}
	return words, nil
}

// Close releases the link.
func (t *SimonvetterTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *SimonvetterTransport) closeLocked() error {
	if !t.connected.Load() {
		return nil
	}
	t.connected.Store(false)
	if err := t.client.Close(); err != nil {
		t.logger.Warn().Err(err).Msg("Error closing Modbus connection")
		return err
	}
	return nil
}

// IsConnected returns true if the link is open.
func (t *SimonvetterTransport) IsConnected() bool {
	return t.connected.Load()
}
