// Package pvoutput uploads live status samples to PVOutput.
package pvoutput

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/06benste/FoxEss-PVOutput/internal/domain"
	"github.com/06benste/FoxEss-PVOutput/internal/metrics"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/net/http2"
)

// DefaultURL is the live status endpoint.
const DefaultURL = "https://pvoutput.org/service/r2/addstatus.jsp"

// Config holds configuration for the uploader.
type Config struct {
	// URL is the addstatus endpoint
	URL string

	// APIKey and SystemID identify the PVOutput system. Uploads are skipped
	// while either is empty.
	APIKey   string
	SystemID string

	// Timeout bounds each request
	Timeout time.Duration

	// BreakerFailures is the number of consecutive failed uploads that
	// suspends uploading for BreakerTimeout
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Listener is notified after every attempted upload.
type Listener func(result domain.UploadResult, record domain.UploadRecord)

// Uploader posts samples to PVOutput. It never returns errors to its
// caller; every outcome is logged, counted and kept in the UploadRecord.
type Uploader struct {
	config  Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  zerolog.Logger
	metrics *metrics.Registry
	now     func() time.Time

	mu     sync.RWMutex
	record domain.UploadRecord

	listenersMu sync.RWMutex
	listeners   []Listener
}

// statusError is a non-200 answer.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%v: HTTP %d: %s", domain.ErrUpload, e.code, e.body)
}

func (e *statusError) Unwrap() error {
	return domain.ErrUpload
}

// New creates an uploader.
func New(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) (*Uploader, error) {
	if config.URL == "" {
		config.URL = DefaultURL
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = 5
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = 5 * time.Minute
	}
	if _, err := url.ParseRequestURI(config.URL); err != nil {
		return nil, fmt.Errorf("%w: pvoutput url: %v", domain.ErrConfiguration, err)
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   config.Timeout,
		ExpectContinueTimeout: time.Second,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		return nil, fmt.Errorf("configuring http2 transport: %w", err)
	}

	u := &Uploader{
		config: config,
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
		logger:  logger.With().Str("component", "pvoutput-uploader").Logger(),
		metrics: metricsReg,
		now:     time.Now,
	}
	u.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pvoutput",
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			u.logger.Info().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("PVOutput circuit breaker state changed")
		},
	})
	return u, nil
}

// Configured reports whether credentials are present.
func (u *Uploader) Configured() bool {
	return u.config.APIKey != "" && u.config.SystemID != ""
}

// Upload sends one status record built from sample.
func (u *Uploader) Upload(ctx context.Context, sample *domain.Sample) domain.UploadResult {
	now := u.now()
	result := domain.UploadResult{Time: now}

	if !u.Configured() {
		u.logger.Debug().Msg("PVOutput credentials not configured, skipping upload")
		result.Outcome = domain.UploadSkippedNoCredentials
		u.observe(result, 0)
		return result
	}

	form, missing := BuildStatus(sample, now)
	if len(missing) > 0 {
		u.logger.Warn().Strs("missing", missing).Msg("Sample incomplete, skipping upload")
		result.Outcome = domain.UploadSkippedMissingData
		result.Missing = missing
		u.observe(result, 0)
		return result
	}

	startTime := time.Now()
	_, err := u.breaker.Execute(func() (interface{}, error) {
		return nil, u.post(ctx, form)
	})
	latency := time.Since(startTime)

	var se *statusError
	switch {
	case err == nil:
		result.Outcome = domain.UploadSucceeded
		result.StatusCode = http.StatusOK
		u.logger.Info().
			Str("date", form.Get("d")).
			Str("time", form.Get("t")).
			Msg("Uploaded status to PVOutput")
	case errors.As(err, &se):
		result.Outcome = domain.UploadRejected
		result.StatusCode = se.code
		result.Message = se.body
		u.logger.Warn().Int("status", se.code).Str("body", se.body).Msg("PVOutput rejected upload")
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		result.Outcome = domain.UploadCircuitOpen
		result.Message = err.Error()
		u.logger.Debug().Msg("PVOutput upload suspended by circuit breaker")
	default:
		result.Outcome = domain.UploadFailed
		result.Message = err.Error()
		u.logger.Error().Err(err).Msg("PVOutput upload failed")
	}

	u.observe(result, latency)
	return result
}

func (u *Uploader) post(ctx context.Context, form url.Values) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.config.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpload, err)
	}
	req.Header.Set("X-Pvoutput-Apikey", u.config.APIKey)
	req.Header.Set("X-Pvoutput-SystemId", u.config.SystemID)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUpload, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode != http.StatusOK {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	return nil
}

// observe updates the record, metrics and listeners.
func (u *Uploader) observe(result domain.UploadResult, latency time.Duration) {
	if u.metrics != nil {
		u.metrics.RecordUpload(string(result.Outcome), latency.Seconds())
	}
	if !result.Outcome.Attempted() {
		return
	}

	u.mu.Lock()
	at := result.Time
	u.record.LastAttempt = &at
	if result.Outcome == domain.UploadSucceeded {
		u.record.LastSuccess = &at
	}
	if result.StatusCode != 0 {
		u.record.LastStatus = strconv.Itoa(result.StatusCode)
	} else {
		u.record.LastStatus = "Error"
	}
	record := u.record
	u.mu.Unlock()

	u.listenersMu.RLock()
	listeners := append([]Listener(nil), u.listeners...)
	u.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(result, record)
	}
}

// Record returns the current upload status.
func (u *Uploader) Record() domain.UploadRecord {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.record
}

// Subscribe registers fn to be called after each attempted upload.
func (u *Uploader) Subscribe(fn Listener) {
	u.listenersMu.Lock()
	defer u.listenersMu.Unlock()
	u.listeners = append(u.listeners, fn)
}

// BreakerState returns the circuit breaker state.
func (u *Uploader) BreakerState() string {
	return u.breaker.State().String()
}

// HealthCheck implements health.Checker. Uploads are unhealthy while the
// breaker is open.
func (u *Uploader) HealthCheck(ctx context.Context) error {
	if u.breaker.State() == gobreaker.StateOpen {
		return fmt.Errorf("%w: %w", domain.ErrUpload, domain.ErrCircuitBreakerOpen)
	}
	return nil
}
