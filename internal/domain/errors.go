// Package domain contains core business entities.
package domain

import "errors"

// Error categories. Every error surfaced by the poller, assembler or
// uploader wraps exactly one of these.
var (
	// ErrTransport covers connect failures, timeouts, broken pipes and
	// malformed responses.
	ErrTransport = errors.New("transport error")
	// ErrProtocol is a device-returned exception response.
	ErrProtocol = errors.New("protocol error")
	// ErrSkipped is returned without touching the wire when the requested
	// range is known to be unreadable.
	ErrSkipped = errors.New("register range skipped")
	// ErrConfiguration is fatal at startup.
	ErrConfiguration = errors.New("configuration error")
	// ErrUpload is a failed upload attempt.
	ErrUpload = errors.New("upload error")
)

// Connection errors.
var (
	ErrConnectionFailed      = errors.New("connection failed")
	ErrConnectionClosed      = errors.New("connection closed")
	ErrInvalidResponse       = errors.New("invalid response")
	ErrConventionUnsupported = errors.New("call convention not supported by transport")
	ErrCircuitBreakerOpen    = errors.New("circuit breaker is open")
)

// Register map errors.
var (
	ErrEmptyKey            = errors.New("register key is required")
	ErrDuplicateKey        = errors.New("duplicate register key")
	ErrUnknownEntryKind    = errors.New("unknown register entry type")
	ErrInvalidAddressCount = errors.New("register entry must have one or two addresses")
	ErrNonContiguousPair   = errors.New("register address pair must be contiguous")
	ErrNoSources           = errors.New("derived entry must name at least one source")
	ErrUnknownSource       = errors.New("derived entry references unknown key")
	ErrDerivationCycle     = errors.New("derived entries form a cycle")
	ErrUnknownProfile      = errors.New("unknown inverter profile")
)

// Modbus-specific errors.
var (
	ErrModbusIllegalFunction        = errors.New("modbus: illegal function")
	ErrModbusIllegalAddress         = errors.New("modbus: illegal data address")
	ErrModbusIllegalValue           = errors.New("modbus: illegal data value")
	ErrModbusDeviceFailure          = errors.New("modbus: slave device failure")
	ErrModbusAcknowledge            = errors.New("modbus: acknowledge - long operation in progress")
	ErrModbusBusy                   = errors.New("modbus: slave device busy")
	ErrModbusNegativeAck            = errors.New("modbus: negative acknowledge")
	ErrModbusMemoryParityError      = errors.New("modbus: memory parity error")
	ErrModbusGatewayPathUnavailable = errors.New("modbus: gateway path unavailable")
	ErrModbusGatewayTargetFailed    = errors.New("modbus: gateway target device failed to respond")
	ErrModbusUnknownException       = errors.New("modbus: unknown exception")
)

// MQTT errors.
var (
	ErrMQTTConnectionFailed = errors.New("MQTT connection failed")
	ErrMQTTPublishFailed    = errors.New("MQTT publish failed")
	ErrMQTTNotConnected     = errors.New("MQTT client not connected")
)

// Service errors.
var (
	ErrServiceNotStarted = errors.New("service not started")
	ErrServiceStopped    = errors.New("service has been stopped")
	ErrNoSample          = errors.New("no sample collected yet")
)

// ModbusExceptionToError converts a Modbus exception code to a domain error.
func ModbusExceptionToError(code byte) error {
	switch code {
	case 0x01:
		return ErrModbusIllegalFunction
	case 0x02:
		return ErrModbusIllegalAddress
	case 0x03:
		return ErrModbusIllegalValue
	case 0x04:
		return ErrModbusDeviceFailure
	case 0x05:
		return ErrModbusAcknowledge
	case 0x06:
		return ErrModbusBusy
	case 0x07:
		return ErrModbusNegativeAck
	case 0x08:
		return ErrModbusMemoryParityError
	case 0x0A:
		return ErrModbusGatewayPathUnavailable
	case 0x0B:
		return ErrModbusGatewayTargetFailed
	default:
		return ErrModbusUnknownException
	}
}

// IsPersistentDeviceFault reports whether err is a device exception that will
// repeat on every read of the same range. Busy and gateway exceptions are
// transient and do not qualify.
func IsPersistentDeviceFault(err error) bool {
	if !errors.Is(err, ErrProtocol) {
		return false
	}
	return errors.Is(err, ErrModbusIllegalFunction) ||
		errors.Is(err, ErrModbusIllegalAddress) ||
		errors.Is(err, ErrModbusIllegalValue)
}
