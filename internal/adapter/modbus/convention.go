package modbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/06benste/FoxEss-PVOutput/internal/domain"
	"github.com/rs/zerolog"
)

// CallShape is the way a read request carries its unit id. Drivers and
// Modbus gateways disagree on which form they accept, so the poller probes
// them once per session.
type CallShape int

const (
	// ShapeDeviceID addresses the unit through a device-id field and passes
	// the register count by name.
	ShapeDeviceID CallShape = iota + 1
	// ShapeSlave addresses the unit through a slave field.
	ShapeSlave
	// ShapeUnit addresses the unit through a unit field.
	ShapeUnit
	// ShapePositional passes address, count and unit positionally.
	ShapePositional
	// ShapeNoUnit omits the unit and relies on the one bound to the transport.
	ShapeNoUnit
)

// probeOrder is the sequence tried during negotiation.
var probeOrder = []CallShape{ShapeDeviceID, ShapeSlave, ShapeUnit, ShapePositional, ShapeNoUnit}

// DefaultShape is used when every probe fails.
const DefaultShape = ShapeDeviceID

// DefaultProbeAddress is the register read while probing.
const DefaultProbeAddress uint16 = 31006

// String returns the shape name.
func (s CallShape) String() string {
	switch s {
	case ShapeDeviceID:
		return "device_id"
	case ShapeSlave:
		return "slave"
	case ShapeUnit:
		return "unit"
	case ShapePositional:
		return "positional"
	case ShapeNoUnit:
		return "no_unit"
	default:
		return "unknown"
	}
}

// ParseCallShape returns the shape with the given name.
func ParseCallShape(name string) (CallShape, error) {
	for _, shape := range probeOrder {
		if shape.String() == name {
			return shape, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown call shape %q", domain.ErrConfiguration, name)
}

// ParseCallShapes parses a list of shape names.
func ParseCallShapes(names []string) ([]CallShape, error) {
	shapes := make([]CallShape, 0, len(names))
	for _, name := range names {
		shape, err := ParseCallShape(name)
		if err != nil {
			return nil, err
		}
		shapes = append(shapes, shape)
	}
	return shapes, nil
}

// CarriesUnit reports whether the shape sends the caller's unit id.
func (s CallShape) CarriesUnit() bool {
	return s != ShapeNoUnit
}

// MarshalText implements encoding.TextMarshaler.
func (s CallShape) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// probeFunc performs one probe read using the given shape.
type probeFunc func(ctx context.Context, shape CallShape) error

// Negotiator decides which CallShape to use and caches the decision.
type Negotiator struct {
	logger  zerolog.Logger
	mu      sync.Mutex
	shape   CallShape
	decided bool
}

// NewNegotiator creates an undecided negotiator.
func NewNegotiator(logger zerolog.Logger) *Negotiator {
	return &Negotiator{
		logger: logger.With().Str("component", "modbus-negotiator").Logger(),
	}
}

// Shape returns the cached shape and whether negotiation has completed.
func (n *Negotiator) Shape() (CallShape, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.shape, n.decided
}

// Negotiate returns the cached shape, or probes each shape in order and
// caches the first that succeeds. When all of them fail the default shape is
// cached. An unreachable device aborts negotiation without caching anything,
// so it is retried on the next call.
func (n *Negotiator) Negotiate(ctx context.Context, probe probeFunc) (CallShape, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.decided {
		return n.shape, nil
	}

	for _, shape := range probeOrder {
		err := probe(ctx, shape)
		if err == nil {
			n.decide(shape)
			n.logger.Info().Str("shape", shape.String()).Msg("Call convention negotiated")
			return shape, nil
		}
		if errors.Is(err, domain.ErrConnectionFailed) {
			return 0, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, ctxErr
		}
		n.logger.Debug().Err(err).Str("shape", shape.String()).Msg("Call convention probe failed")
	}

	n.decide(DefaultShape)
	n.logger.Warn().Str("shape", DefaultShape.String()).Msg("All call convention probes failed, using default")
	return DefaultShape, nil
}

func (n *Negotiator) decide(shape CallShape) {
	n.shape = shape
	n.decided = true
}
