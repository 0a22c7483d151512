// Package modbus provides the Modbus TCP link to the inverter: transports,
// call convention negotiation, and the serialized poller built on them.
package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/06benste/FoxEss-PVOutput/internal/domain"
	"github.com/goburrow/modbus"
	"github.com/rs/zerolog"
)

const (
	// tcpHeaderSize is the MBAP header including the unit id.
	tcpHeaderSize = 7
	// tcpMaxLength is the largest ADU accepted.
	tcpMaxLength = 260
)

// ReadRequest is one holding register read.
type ReadRequest struct {
	Address uint16
	Count   uint16
	UnitID  byte
	Shape   CallShape
}

// Transport is a single request/response link to one device. It is not
// safe for concurrent exchanges; the Poller serializes access.
type Transport interface {
	// Connect opens the link. It is a no-op when already connected.
	Connect(ctx context.Context) error

	// ReadHoldingRegisters returns exactly req.Count words or an error
	// wrapping domain.ErrTransport, domain.ErrProtocol or
	// domain.ErrConventionUnsupported.
	ReadHoldingRegisters(ctx context.Context, req ReadRequest) ([]uint16, error)

	// Close releases the link. It is safe to call when not connected.
	Close() error

	// IsConnected reports whether the link is open.
	IsConnected() bool
}

// TransportConfig holds configuration for a Modbus transport.
type TransportConfig struct {
	// Address is host:port for TCP, or a tcp:// / rtu:// URL for the
	// simonvetter driver
	Address string

	// UnitID is the unit bound to the transport. Requests negotiated as
	// ShapeNoUnit are addressed to it instead of the poller's unit; TCP
	// gateways usually answer for themselves on 0 or 255.
	UnitID byte

	// Timeout bounds the dial and each request/response exchange
	Timeout time.Duration

	// ConnectDelay is waited after a fresh connection before the first
	// request. Some inverter gateways drop frames sent too early.
	ConnectDelay time.Duration

	// Shapes restricts the call shapes the transport accepts. Empty means
	// all. A refused shape fails locally without any frame being sent.
	Shapes []CallShape
}

func (c *TransportConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ConnectDelay < 0 {
		c.ConnectDelay = 0
	}
}

func (c *TransportConfig) supports(shape CallShape) bool {
	if len(c.Shapes) == 0 {
		return true
	}
	for _, s := range c.Shapes {
		if s == shape {
			return true
		}
	}
	return false
}

// unitFor resolves the unit id a request is addressed to.
func (c *TransportConfig) unitFor(req ReadRequest) byte {
	if req.Shape.CarriesUnit() {
		return req.UnitID
	}
	return c.UnitID
}

// TCPTransport speaks Modbus TCP. Framing and response validation come from
// the goburrow packager; the socket is owned here so TCP_NODELAY and the
// settle delay can be applied on every connect.
type TCPTransport struct {
	config      TransportConfig
	handler     *modbus.TCPClientHandler
	transporter *tcpTransporter
	client      modbus.Client
	logger      zerolog.Logger
	mu          sync.Mutex
	connected   atomic.Bool
	dialer      net.Dialer
}

// NewTCPTransport creates a disconnected TCP transport.
func NewTCPTransport(config TransportConfig, logger zerolog.Logger) (*TCPTransport, error) {
	if config.Address == "" {
		return nil, fmt.Errorf("%w: modbus address is required", domain.ErrConfiguration)
	}
	config.applyDefaults()

	handler := modbus.NewTCPClientHandler(config.Address)
	handler.Timeout = config.Timeout
	handler.SlaveId = config.UnitID

	transporter := &tcpTransporter{timeout: config.Timeout}

	return &TCPTransport{
		config:      config,
		handler:     handler,
		transporter: transporter,
		client:      modbus.NewClient2(handler, transporter),
		logger:      logger.With().Str("component", "modbus-transport").Str("address", config.Address).Logger(),
		dialer:      net.Dialer{Timeout: config.Timeout},
	}, nil
}

// Connect dials the device, disables Nagle and waits for the settle delay.
func (t *TCPTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected.Load() {
		return nil
	}

	t.logger.Debug().Msg("Connecting to Modbus device")

	conn, err := t.dialer.DialContext(ctx, "tcp", t.config.Address)
	if err != nil {
		return fmt.Errorf("%w: %w: %v", domain.ErrTransport, domain.ErrConnectionFailed, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			t.logger.Debug().Err(err).Msg("Failed to set TCP_NODELAY")
		}
	}

	if t.config.ConnectDelay > 0 {
		if err := sleepContext(ctx, t.config.ConnectDelay); err != nil {
			conn.Close()
			return fmt.Errorf("%w: %w: %v", domain.ErrTransport, domain.ErrConnectionFailed, err)
		}
	}

	t.transporter.setConn(conn)
	t.connected.Store(true)

	t.logger.Info().Msg("Connected to Modbus device")
	return nil
}

// ReadHoldingRegisters performs one read exchange.
func (t *TCPTransport) ReadHoldingRegisters(ctx context.Context, req ReadRequest) ([]uint16, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.config.supports(req.Shape) {
		return nil, fmt.Errorf("%w: %s", domain.ErrConventionUnsupported, req.Shape)
	}
	if !t.connected.Load() {
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, domain.ErrConnectionClosed)
	}

	t.handler.SlaveId = t.config.unitFor(req)
	t.transporter.setContext(ctx)

	data, err := t.client.ReadHoldingRegisters(req.Address, req.Count)
	if err != nil {
		return nil, t.translateError(err)
	}

	words, err := bytesToWords(data)
	if err != nil {
		t.closeLocked()
		return nil, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	if len(words) != int(req.Count) {
		t.closeLocked()
		return nil, fmt.Errorf("%w: %w: expected %d words, got %d",
			domain.ErrTransport, domain.ErrInvalidResponse, req.Count, len(words))
	}
	return words, nil
}

// translateError converts goburrow errors to domain errors. Anything other
// than a device exception leaves the stream in an unknown state, so the
// connection is dropped and re-dialed on the next exchange.
func (t *TCPTransport) translateError(err error) error {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return fmt.Errorf("%w: %w", domain.ErrProtocol, domain.ModbusExceptionToError(mbErr.ExceptionCode))
	}
	t.closeLocked()
	return fmt.Errorf("%w: %v", domain.ErrTransport, err)
}

// Close releases the socket.
func (t *TCPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeLocked()
}

func (t *TCPTransport) closeLocked() error {
	if !t.connected.Load() {
		return nil
	}
	t.connected.Store(false)
	err := t.transporter.close()
	if err != nil {
		t.logger.Warn().Err(err).Msg("Error closing Modbus connection")
	}
	t.logger.Debug().Msg("Disconnected from Modbus device")
	return err
}

// IsConnected returns true if the socket is open.
func (t *TCPTransport) IsConnected() bool {
	return t.connected.Load()
}

// tcpTransporter implements modbus.Transporter over a caller-owned socket.
type tcpTransporter struct {
	timeout time.Duration
	conn    net.Conn
	ctx     context.Context
}

func (t *tcpTransporter) setConn(conn net.Conn) {
	t.conn = conn
}

func (t *tcpTransporter) setContext(ctx context.Context) {
	t.ctx = ctx
}

func (t *tcpTransporter) close() error {
	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// Send writes one ADU and reads the matching response frame.
func (t *tcpTransporter) Send(aduRequest []byte) ([]byte, error) {
	if t.conn == nil {
		return nil, domain.ErrConnectionClosed
	}

	deadline := time.Now().Add(t.timeout)
	if t.ctx != nil {
		if d, ok := t.ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
	}
	if err := t.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	if _, err := t.conn.Write(aduRequest); err != nil {
		return nil, err
	}

	var header [tcpHeaderSize]byte
	if _, err := io.ReadFull(t.conn, header[:]); err != nil {
		return nil, err
	}
	length := int(binary.BigEndian.Uint16(header[4:6]))
	if length < 2 || length+tcpHeaderSize-1 > tcpMaxLength {
		return nil, fmt.Errorf("%w: MBAP length %d", domain.ErrInvalidResponse, length)
	}

	adu := make([]byte, tcpHeaderSize+length-1)
	copy(adu, header[:])
	if _, err := io.ReadFull(t.conn, adu[tcpHeaderSize:]); err != nil {
		return nil, err
	}
	return adu, nil
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
