package pvoutput

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/06benste/FoxEss-PVOutput/internal/domain"
	"github.com/rs/zerolog"
)

var fixedNow = time.Date(2024, 6, 1, 14, 5, 0, 0, time.Local)

func fullSample() *domain.Sample {
	s := domain.NewSample(fixedNow)
	s.Set(KeySolarEnergyToday, 1.234)
	s.Set(KeyPVPowerNow, 0.5)
	s.Set(KeyGridConsumedToday, 2.0)
	s.Set(KeyLoadPower, 0.75)
	s.Set(KeyInverterTemp, 35.2)
	s.Set("grid_voltage_R", 241.3)
	return s
}

// recordingServer captures every request it receives.
type recordingServer struct {
	*httptest.Server
	mu       sync.Mutex
	hits     atomic.Int32
	status   int
	lastForm url.Values
	lastHdr  http.Header
}

func newRecordingServer(t *testing.T, status int) *recordingServer {
	t.Helper()
	rs := &recordingServer{status: status}
	rs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rs.hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		form, _ := url.ParseQuery(string(body))
		rs.mu.Lock()
		rs.lastForm = form
		rs.lastHdr = r.Header.Clone()
		rs.mu.Unlock()
		w.WriteHeader(rs.status)
		io.WriteString(w, "OK 200: Added Status")
	}))
	t.Cleanup(rs.Close)
	return rs
}

func newTestUploader(t *testing.T, serverURL string, cfg Config) *Uploader {
	t.Helper()
	cfg.URL = serverURL
	u, err := New(cfg, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("new uploader: %v", err)
	}
	u.now = func() time.Time { return fixedNow }
	return u
}

func TestBuildStatus(t *testing.T) {
	form, missing := BuildStatus(fullSample(), fixedNow)
	if len(missing) != 0 {
		t.Fatalf("expected no missing keys, got %v", missing)
	}

	want := map[string]string{
		"d":  "20240601",
		"t":  "14:05",
		"v1": "1234",
		"v2": "500",
		"v3": "2000",
		"v4": "750",
		"v5": "35.2",
		"v6": "241.3",
	}
	for k, v := range want {
		if got := form.Get(k); got != v {
			t.Errorf("%s: expected %q, got %q", k, v, got)
		}
	}
}

func TestBuildStatus_Fields(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]float64
		want   map[string]string
	}{
		{
			name: "live sample",
			values: map[string]float64{
				KeySolarEnergyToday:  1.234,
				KeyPVPowerNow:        0.5,
				KeyGridConsumedToday: 2.0,
				KeyLoadPower:         1.1,
				KeyInverterTemp:      35.2,
				"rvolt":              230.4,
			},
			want: map[string]string{"v1": "1234", "v2": "500", "v3": "2000", "v4": "1100", "v5": "35.2", "v6": "230.4"},
		},
		{
			name: "rounded to hundredths",
			values: map[string]float64{
				KeySolarEnergyToday:  0.0004,
				KeyPVPowerNow:        0.0006,
				KeyGridConsumedToday: 0,
				KeyLoadPower:         2.3456,
				KeyInverterTemp:      41.256,
				"rvolt_A":            229,
			},
			want: map[string]string{"v1": "0", "v2": "1", "v3": "0", "v4": "2346", "v5": "41.26", "v6": "229"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := domain.NewSample(fixedNow)
			for k, v := range tt.values {
				s.Set(k, v)
			}
			form, missing := BuildStatus(s, fixedNow)
			if len(missing) != 0 {
				t.Fatalf("expected no missing keys, got %v", missing)
			}
			for k, v := range tt.want {
				if got := form.Get(k); got != v {
					t.Errorf("%s: expected %q, got %q", k, v, got)
				}
			}
		})
	}
}

func TestBuildStatus_VoltagePriority(t *testing.T) {
	s := fullSample()
	s.Set("rvolt_A", 230)
	s.Set("rvolt", 239.5)

	form, _ := BuildStatus(s, fixedNow)
	if got := form.Get("v6"); got != "239.5" {
		t.Errorf("expected rvolt to win, got %q", got)
	}
}

func TestBuildStatus_OptionalFields(t *testing.T) {
	s := domain.NewSample(fixedNow)
	for _, k := range RequiredKeys {
		s.Set(k, 1)
	}
	form, missing := BuildStatus(s, fixedNow)
	if len(missing) != 0 {
		t.Fatalf("unexpected missing %v", missing)
	}
	if form.Has("v5") || form.Has("v6") {
		t.Errorf("expected v5 and v6 omitted, got %v", form)
	}
}

func TestBuildStatus_Missing(t *testing.T) {
	s := fullSample()
	delete(s.Values, KeyLoadPower)

	form, missing := BuildStatus(s, fixedNow)
	if form != nil {
		t.Error("expected no form")
	}
	if len(missing) != 1 || missing[0] != KeyLoadPower {
		t.Errorf("expected [load_power], got %v", missing)
	}
}

func TestUploader_Success(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK)
	u := newTestUploader(t, srv.URL, Config{APIKey: "key", SystemID: "42"})

	var notified atomic.Int32
	u.Subscribe(func(result domain.UploadResult, record domain.UploadRecord) {
		notified.Add(1)
	})

	res := u.Upload(context.Background(), fullSample())
	if res.Outcome != domain.UploadSucceeded {
		t.Fatalf("expected success, got %s (%s)", res.Outcome, res.Message)
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()
	if got := srv.lastHdr.Get("X-Pvoutput-Apikey"); got != "key" {
		t.Errorf("expected api key header, got %q", got)
	}
	if got := srv.lastHdr.Get("X-Pvoutput-SystemId"); got != "42" {
		t.Errorf("expected system id header, got %q", got)
	}
	if got := srv.lastHdr.Get("Content-Type"); got != "application/x-www-form-urlencoded" {
		t.Errorf("unexpected content type %q", got)
	}
	if got := srv.lastForm.Get("v1"); got != "1234" {
		t.Errorf("expected v1=1234, got %q", got)
	}

	rec := u.Record()
	if rec.LastSuccess == nil || !rec.LastSuccess.Equal(fixedNow) {
		t.Errorf("expected last success %v, got %v", fixedNow, rec.LastSuccess)
	}
	if rec.LastStatus != "200" {
		t.Errorf("expected status 200, got %q", rec.LastStatus)
	}
	if notified.Load() != 1 {
		t.Errorf("expected 1 notification, got %d", notified.Load())
	}
}

func TestUploader_Rejected(t *testing.T) {
	srv := newRecordingServer(t, http.StatusUnauthorized)
	u := newTestUploader(t, srv.URL, Config{APIKey: "bad", SystemID: "42"})

	res := u.Upload(context.Background(), fullSample())
	if res.Outcome != domain.UploadRejected || res.StatusCode != 401 {
		t.Errorf("expected rejected 401, got %s %d", res.Outcome, res.StatusCode)
	}
	rec := u.Record()
	if rec.LastStatus != "401" {
		t.Errorf("expected last status 401, got %q", rec.LastStatus)
	}
	if rec.LastSuccess != nil {
		t.Errorf("expected no last success, got %v", rec.LastSuccess)
	}
}

func TestUploader_NetworkError(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK)
	addr := srv.URL
	srv.Close()

	u := newTestUploader(t, addr, Config{APIKey: "key", SystemID: "42", Timeout: time.Second})
	res := u.Upload(context.Background(), fullSample())
	if res.Outcome != domain.UploadFailed {
		t.Errorf("expected failed, got %s", res.Outcome)
	}
	if got := u.Record().LastStatus; got != "Error" {
		t.Errorf("expected last status Error, got %q", got)
	}
}

func TestUploader_SkipsWithoutNetwork(t *testing.T) {
	srv := newRecordingServer(t, http.StatusOK)

	tests := []struct {
		name    string
		cfg     Config
		sample  func() *domain.Sample
		outcome domain.UploadOutcome
	}{
		{
			name:    "missing api key",
			cfg:     Config{SystemID: "42"},
			sample:  fullSample,
			outcome: domain.UploadSkippedNoCredentials,
		},
		{
			name:    "missing system id",
			cfg:     Config{APIKey: "key"},
			sample:  fullSample,
			outcome: domain.UploadSkippedNoCredentials,
		},
		{
			name: "missing required value",
			cfg:  Config{APIKey: "key", SystemID: "42"},
			sample: func() *domain.Sample {
				s := fullSample()
				delete(s.Values, KeyPVPowerNow)
				return s
			},
			outcome: domain.UploadSkippedMissingData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := newTestUploader(t, srv.URL, tt.cfg)
			res := u.Upload(context.Background(), tt.sample())
			if res.Outcome != tt.outcome {
				t.Errorf("expected %s, got %s", tt.outcome, res.Outcome)
			}
			if u.Record().LastAttempt != nil {
				t.Error("expected record untouched")
			}
		})
	}

	if got := srv.hits.Load(); got != 0 {
		t.Errorf("expected no requests, got %d", got)
	}
}

func TestUploader_BreakerOpens(t *testing.T) {
	srv := newRecordingServer(t, http.StatusInternalServerError)
	u := newTestUploader(t, srv.URL, Config{APIKey: "key", SystemID: "42", BreakerFailures: 3, BreakerTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		if res := u.Upload(context.Background(), fullSample()); res.Outcome != domain.UploadRejected {
			t.Fatalf("attempt %d: expected rejected, got %s", i, res.Outcome)
		}
	}
	res := u.Upload(context.Background(), fullSample())
	if res.Outcome != domain.UploadCircuitOpen {
		t.Errorf("expected circuit open, got %s", res.Outcome)
	}
	if got := srv.hits.Load(); got != 3 {
		t.Errorf("expected 3 requests, got %d", got)
	}
	if err := u.HealthCheck(context.Background()); err == nil {
		t.Error("expected unhealthy while breaker is open")
	}
	if got := u.Record().LastStatus; got != strconv.Itoa(http.StatusInternalServerError) {
		t.Errorf("expected last status 500 kept, got %q", got)
	}
}
