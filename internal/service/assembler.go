package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/06benste/FoxEss-PVOutput/internal/adapter/modbus"
	"github.com/06benste/FoxEss-PVOutput/internal/domain"
	"github.com/rs/zerolog"
)

// RegisterReader is the device access the assembler needs.
type RegisterReader interface {
	ReadHoldingRegisters(ctx context.Context, address, count uint16) ([]uint16, error)
	MarkInvalid(address, count uint16)
}

// Assembler turns one pass over the register map into a Sample.
type Assembler struct {
	registers *domain.RegisterMap
	reader    RegisterReader
	logger    zerolog.Logger
	now       func() time.Time
}

// NewAssembler creates an assembler for the given register map.
func NewAssembler(registers *domain.RegisterMap, reader RegisterReader, logger zerolog.Logger) *Assembler {
	return &Assembler{
		registers: registers,
		reader:    reader,
		logger:    logger.With().Str("component", "assembler").Logger(),
		now:       time.Now,
	}
}

// Collect reads every raw entry in declaration order, then evaluates derived
// entries. A failed read omits its key and the cycle continues; a device
// that cannot be reached at all aborts the cycle with an error.
func (a *Assembler) Collect(ctx context.Context) (*domain.Sample, error) {
	sample := domain.NewSample(a.now())

	for _, entry := range a.registers.Raw() {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("cycle aborted: %w", err)
		}

		words, err := a.reader.ReadHoldingRegisters(ctx, entry.StartAddress(), entry.Width())
		if err != nil {
			if errors.Is(err, domain.ErrConnectionFailed) {
				return nil, fmt.Errorf("cycle aborted: %w", err)
			}
			a.handleReadError(entry, err)
			continue
		}

		value, err := modbus.DecodeEntry(entry, words)
		if err != nil {
			a.logger.Warn().Err(err).Str("key", entry.Key).Msg("Failed to decode register value")
			continue
		}
		sample.Set(entry.Key, value)
	}

	a.derive(sample)
	return sample, nil
}

func (a *Assembler) handleReadError(entry domain.RegisterEntry, err error) {
	log := a.logger.With().
		Str("key", entry.Key).
		Uint16("address", entry.StartAddress()).
		Uint16("count", entry.Width()).
		Logger()

	switch {
	case errors.Is(err, domain.ErrSkipped):
		log.Debug().Msg("Skipping known invalid register range")
	case domain.IsPersistentDeviceFault(err):
		log.Warn().Err(err).Msg("Inverter rejected register range")
		a.reader.MarkInvalid(entry.StartAddress(), entry.Width())
	default:
		log.Warn().Err(err).Msg("Failed to read register")
	}
}

// derive evaluates derived entries in dependency order. An entry is omitted
// when any of its sources is absent.
func (a *Assembler) derive(sample *domain.Sample) {
	for _, entry := range a.registers.Derived() {
		if missing := sample.Missing(entry.Sources...); len(missing) > 0 {
			a.logger.Debug().Str("key", entry.Key).Strs("missing", missing).Msg("Derived value unavailable")
			continue
		}
		var sum float64
		for _, src := range entry.Sources {
			v, _ := sample.Get(src)
			sum += v
		}
		sample.Set(entry.Key, sum)
	}
}
