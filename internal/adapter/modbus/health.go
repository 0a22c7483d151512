package modbus

import (
	"context"
	"fmt"
	"time"

	"github.com/06benste/FoxEss-PVOutput/internal/domain"
)

// PollerSnapshot is a point-in-time view of the poller for status reporting.
type PollerSnapshot struct {
	State               domain.ConnectionState `json:"state"`
	Available           bool                   `json:"available"`
	Connected           bool                   `json:"transport_connected"`
	ConsecutiveFailures int                    `json:"consecutive_failures"`
	LastError           string                 `json:"last_error,omitempty"`
	LastErrorTime       *time.Time             `json:"last_error_time,omitempty"`
	Shape               string                 `json:"call_shape,omitempty"`
	InvalidRanges       []AddressRange         `json:"invalid_ranges"`
	ReadCount           uint64                 `json:"read_count"`
	ErrorCount          uint64                 `json:"error_count"`
	SkippedCount        uint64                 `json:"skipped_count"`
	ConnectCount        uint64                 `json:"connect_count"`
	AvgReadTimeMs       float64                `json:"avg_read_time_ms"`
}

// Snapshot returns the current poller diagnostics.
func (p *Poller) Snapshot() PollerSnapshot {
	readCount := p.stats.ReadCount.Load()
	var avgReadMs float64
	if readCount > 0 {
		avgReadMs = float64(p.stats.TotalReadNanos.Load()) / float64(readCount) / 1e6
	}

	s := PollerSnapshot{
		State:               p.State(),
		Available:           p.Available(),
		Connected:           p.transport.IsConnected(),
		ConsecutiveFailures: p.ConsecutiveFailures(),
		InvalidRanges:       p.InvalidRanges(),
		ReadCount:           readCount,
		ErrorCount:          p.stats.ErrorCount.Load(),
		SkippedCount:        p.stats.SkippedCount.Load(),
		ConnectCount:        p.stats.ConnectCount.Load(),
		AvgReadTimeMs:       avgReadMs,
	}
	if msg, at := p.LastError(); msg != "" {
		s.LastError = msg
		s.LastErrorTime = &at
	}
	if shape, ok := p.Shape(); ok {
		s.Shape = shape.String()
	}
	return s
}

// HealthCheck implements health.Checker. The device is unhealthy only once
// it has been marked disconnected.
func (p *Poller) HealthCheck(ctx context.Context) error {
	if p.Available() {
		return nil
	}
	msg, _ := p.LastError()
	return fmt.Errorf("%w: inverter disconnected after %d consecutive failures: %s",
		domain.ErrConnectionFailed, p.ConsecutiveFailures(), msg)
}
