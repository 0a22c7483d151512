// Package service provides the polling session that periodically reads the
// inverter and hands each sample to the uploader and other sinks.
package service

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/06benste/FoxEss-PVOutput/internal/domain"
	"github.com/06benste/FoxEss-PVOutput/internal/metrics"
	"github.com/rs/zerolog"
)

// Collector builds one sample per call.
type Collector interface {
	Collect(ctx context.Context) (*domain.Sample, error)
}

// Uploader delivers a sample to the remote service. It reports the outcome
// instead of failing.
type Uploader interface {
	Upload(ctx context.Context, sample *domain.Sample) domain.UploadResult
}

// SampleSink receives every sample after a successful cycle.
type SampleSink interface {
	PublishSample(ctx context.Context, sample *domain.Sample) error
}

// SessionConfig holds configuration for the polling session.
type SessionConfig struct {
	// Interval is the delay between the end of one cycle and the start of
	// the next
	Interval time.Duration

	// CycleTimeout bounds a single cycle
	CycleTimeout time.Duration
}

// SessionStats tracks cycle statistics.
type SessionStats struct {
	TotalCycles       atomic.Uint64
	SuccessCycles     atomic.Uint64
	FailedCycles      atomic.Uint64
	UploadsDispatched atomic.Uint64
}

// Session owns the poller for its lifetime and drives the poll/upload loop.
type Session struct {
	config    SessionConfig
	collector Collector
	device    io.Closer
	uploader  Uploader
	sinks     []SampleSink
	logger    zerolog.Logger
	metrics   *metrics.Registry

	mu        sync.RWMutex
	last      *domain.Sample
	lastCycle time.Time
	lastErr   error

	started atomic.Bool
	stopped atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stats   *SessionStats
}

// NewSession creates a session. uploader may be nil to disable uploads.
// device is closed when the session stops.
func NewSession(
	config SessionConfig,
	collector Collector,
	device io.Closer,
	uploader Uploader,
	logger zerolog.Logger,
	metricsReg *metrics.Registry,
	sinks ...SampleSink,
) *Session {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.CycleTimeout <= 0 {
		config.CycleTimeout = 2 * time.Minute
	}

	return &Session{
		config:    config,
		collector: collector,
		device:    device,
		uploader:  uploader,
		sinks:     sinks,
		logger:    logger.With().Str("component", "polling-session").Logger(),
		metrics:   metricsReg,
		stats:     &SessionStats{},
	}
}

// Start runs the first cycle immediately and schedules each following one
// Interval after the previous cycle completes.
func (s *Session) Start(ctx context.Context) error {
	if s.stopped.Load() {
		return domain.ErrServiceStopped
	}
	if !s.started.CompareAndSwap(false, true) {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info().
		Dur("interval", s.config.Interval).
		Bool("upload_enabled", s.uploader != nil).
		Int("sinks", len(s.sinks)).
		Msg("Starting polling session")

	s.wg.Add(1)
	go s.run()
	return nil
}

func (s *Session) run() {
	defer s.wg.Done()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
			s.runCycle()
			timer.Reset(s.config.Interval)
		}
	}
}

// runCycle performs one cycle and dispatches the result. Failures are
// logged; the schedule continues regardless.
func (s *Session) runCycle() {
	defer func() {
		if r := recover(); r != nil {
			s.stats.FailedCycles.Add(1)
			s.logger.Error().Interface("panic", r).Msg("Poll cycle panicked")
			s.setResult(nil, fmt.Errorf("poll cycle panicked: %v", r))
		}
	}()

	cycleCtx, cancel := context.WithTimeout(s.ctx, s.config.CycleTimeout)
	defer cancel()

	sample, err := s.PollOnce(cycleCtx)
	if err != nil {
		if s.ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("Poll cycle failed")
		}
		return
	}
	s.dispatch(sample)
}

// PollOnce runs a single cycle synchronously and stores its sample.
func (s *Session) PollOnce(ctx context.Context) (*domain.Sample, error) {
	s.stats.TotalCycles.Add(1)
	startTime := time.Now()

	sample, err := s.collector.Collect(ctx)
	duration := time.Since(startTime)

	if err != nil {
		s.stats.FailedCycles.Add(1)
		if s.metrics != nil {
			s.metrics.RecordCycle("failed", duration.Seconds(), 0)
		}
		s.setResult(nil, err)
		return nil, err
	}

	s.stats.SuccessCycles.Add(1)
	if s.metrics != nil {
		s.metrics.RecordCycle("success", duration.Seconds(), sample.Len())
	}
	s.setResult(sample, nil)

	s.logger.Debug().
		Int("values", sample.Len()).
		Dur("duration", duration).
		Msg("Poll cycle completed")
	return sample, nil
}

func (s *Session) setResult(sample *domain.Sample, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCycle = time.Now()
	s.lastErr = err
	if sample != nil {
		s.last = sample
	}
}

// dispatch hands the sample to the uploader and sinks without blocking the
// next cycle.
func (s *Session) dispatch(sample *domain.Sample) {
	if s.uploader != nil {
		s.stats.UploadsDispatched.Add(1)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.uploader.Upload(s.ctx, sample)
		}()
	}

	for _, sink := range s.sinks {
		sink := sink
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := sink.PublishSample(s.ctx, sample); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to publish sample")
			}
		}()
	}
}

// UploadNow uploads the most recent sample immediately, collecting one
// first if none exists yet.
func (s *Session) UploadNow(ctx context.Context) (domain.UploadResult, error) {
	if s.uploader == nil {
		return domain.UploadResult{}, fmt.Errorf("%w: uploads are disabled", domain.ErrUpload)
	}

	sample := s.LastSample()
	if sample == nil {
		var err error
		sample, err = s.PollOnce(ctx)
		if err != nil {
			return domain.UploadResult{}, err
		}
	}

	s.logger.Info().Msg("Manual upload requested")
	return s.uploader.Upload(ctx, sample), nil
}

// Stop cancels the schedule, waits for in-flight work, then closes the
// device connection. A session that was never started still closes its
// device. Repeated calls are no-ops and a stopped session cannot restart.
func (s *Session) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	if s.started.CompareAndSwap(true, false) {
		s.logger.Info().Msg("Stopping polling session")
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			s.logger.Info().Msg("Polling session stopped")
		case <-ctx.Done():
			s.logger.Warn().Msg("Timeout waiting for polling session to stop")
		}
	}

	if s.device != nil {
		if err := s.device.Close(); err != nil {
			return fmt.Errorf("closing device: %w", err)
		}
	}
	return nil
}

// LastSample returns the most recent successful sample, or nil.
func (s *Session) LastSample() *domain.Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// SessionStatus is a point-in-time view of the session.
type SessionStatus struct {
	Running       bool          `json:"running"`
	Interval      string        `json:"interval"`
	LastCycle     *time.Time    `json:"last_cycle,omitempty"`
	LastError     string        `json:"last_error,omitempty"`
	LastSample    *time.Time    `json:"last_sample,omitempty"`
	TotalCycles   uint64        `json:"total_cycles"`
	SuccessCycles uint64        `json:"success_cycles"`
	FailedCycles  uint64        `json:"failed_cycles"`
	Uploads       uint64        `json:"uploads_dispatched"`
}

// Status returns the current session status.
func (s *Session) Status() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := SessionStatus{
		Running:       s.started.Load(),
		Interval:      s.config.Interval.String(),
		TotalCycles:   s.stats.TotalCycles.Load(),
		SuccessCycles: s.stats.SuccessCycles.Load(),
		FailedCycles:  s.stats.FailedCycles.Load(),
		Uploads:       s.stats.UploadsDispatched.Load(),
	}
	if !s.lastCycle.IsZero() {
		t := s.lastCycle
		st.LastCycle = &t
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if s.last != nil {
		t := s.last.Timestamp
		st.LastSample = &t
	}
	return st
}

// HealthCheck implements health.Checker.
func (s *Session) HealthCheck(ctx context.Context) error {
	if !s.started.Load() {
		return domain.ErrServiceNotStarted
	}
	return nil
}
