package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/06benste/FoxEss-PVOutput/internal/adapter/modbus"
	"github.com/06benste/FoxEss-PVOutput/internal/domain"
	"github.com/06benste/FoxEss-PVOutput/internal/service"
	"github.com/rs/zerolog"
)

type fakeSession struct {
	sample  *domain.Sample
	result  domain.UploadResult
	err     error
	uploads int
}

func (f *fakeSession) Status() service.SessionStatus {
	return service.SessionStatus{Running: true, TotalCycles: 3, SuccessCycles: 2, FailedCycles: 1}
}

func (f *fakeSession) LastSample() *domain.Sample { return f.sample }

func (f *fakeSession) UploadNow(ctx context.Context) (domain.UploadResult, error) {
	f.uploads++
	return f.result, f.err
}

type fakeDevice struct{}

func (fakeDevice) Snapshot() modbus.PollerSnapshot {
	return modbus.PollerSnapshot{
		State:         domain.StateConnected,
		Available:     true,
		Shape:         "slave",
		InvalidRanges: []modbus.AddressRange{{Start: 31020, Count: 2}},
	}
}

type fakeUploads struct{ record domain.UploadRecord }

func (f fakeUploads) Record() domain.UploadRecord { return f.record }
func (f fakeUploads) BreakerState() string        { return "closed" }
func (f fakeUploads) Configured() bool            { return true }

func newTestServer(t *testing.T, session *fakeSession, apiKey string) *httptest.Server {
	t.Helper()
	at := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	h := NewAPIHandler("H1", session, fakeDevice{},
		fakeUploads{record: domain.UploadRecord{LastSuccess: &at, LastStatus: "200"}},
		[]string{"pv_power_now", "pv1_power"}, zerolog.Nop())

	mux := http.NewServeMux()
	h.Register(mux, NewMiddleware(MiddlewareConfig{APIKey: apiKey}, zerolog.Nop()))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestStatusHandler(t *testing.T) {
	srv := newTestServer(t, &fakeSession{}, "")

	resp, err := http.Get(srv.URL + "/api/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body struct {
		Inverter string `json:"inverter_type"`
		Device   struct {
			State         string `json:"state"`
			Shape         string `json:"call_shape"`
			InvalidRanges []struct {
				Start int `json:"start"`
			} `json:"invalid_ranges"`
		} `json:"device"`
		Session struct {
			FailedCycles int `json:"failed_cycles"`
		} `json:"session"`
		Upload UploadStatus `json:"upload"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if body.Inverter != "H1" {
		t.Errorf("unexpected inverter %q", body.Inverter)
	}
	if body.Device.State != "connected" || body.Device.Shape != "slave" {
		t.Errorf("unexpected device %+v", body.Device)
	}
	if len(body.Device.InvalidRanges) != 1 {
		t.Errorf("expected 1 invalid range, got %d", len(body.Device.InvalidRanges))
	}
	if body.Session.FailedCycles != 1 {
		t.Errorf("expected 1 failed cycle, got %d", body.Session.FailedCycles)
	}
	if !body.Upload.Enabled || body.Upload.LastStatus != "200" || body.Upload.LastUpload == nil {
		t.Errorf("unexpected upload status %+v", body.Upload)
	}
}

func TestSampleHandler(t *testing.T) {
	sample := domain.NewSample(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	sample.Set("pv1_power", 1.2345)
	sample.Set("pv_power_now", 2.46)
	sample.Set("rvolt", 241.333)

	srv := newTestServer(t, &fakeSession{sample: sample}, "")

	resp, err := http.Get(srv.URL + "/api/sample")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var body SampleResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}

	want := []SampleValue{
		{Key: "pv1_power", Value: 1.2, Unit: "kW", Reported: true},
		{Key: "pv_power_now", Value: 2.5, Unit: "kW", Reported: true},
		{Key: "rvolt", Value: 241.33, Unit: "V", Reported: false},
	}
	if len(body.Values) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(body.Values))
	}
	for i, w := range want {
		if body.Values[i] != w {
			t.Errorf("value %d: expected %+v, got %+v", i, w, body.Values[i])
		}
	}
}

func TestSampleHandler_NoSample(t *testing.T) {
	srv := newTestServer(t, &fakeSession{}, "")

	resp, err := http.Get(srv.URL + "/api/sample")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", resp.StatusCode)
	}
}

func TestUploadHandler(t *testing.T) {
	tests := []struct {
		name     string
		session  *fakeSession
		apiKey   string
		header   string
		method   string
		wantCode int
		wantCall bool
	}{
		{
			name:     "success",
			session:  &fakeSession{result: domain.UploadResult{Outcome: domain.UploadSucceeded, StatusCode: 200}},
			method:   http.MethodPost,
			wantCode: http.StatusOK,
			wantCall: true,
		},
		{
			name:     "rejected",
			session:  &fakeSession{result: domain.UploadResult{Outcome: domain.UploadRejected, StatusCode: 401}},
			method:   http.MethodPost,
			wantCode: http.StatusBadGateway,
			wantCall: true,
		},
		{
			name:     "missing data",
			session:  &fakeSession{result: domain.UploadResult{Outcome: domain.UploadSkippedMissingData}},
			method:   http.MethodPost,
			wantCode: http.StatusUnprocessableEntity,
			wantCall: true,
		},
		{
			name:     "uploads disabled",
			session:  &fakeSession{err: fmt.Errorf("%w: uploads are disabled", domain.ErrUpload)},
			method:   http.MethodPost,
			wantCode: http.StatusConflict,
			wantCall: true,
		},
		{
			name:     "inverter unreachable",
			session:  &fakeSession{err: fmt.Errorf("cycle aborted: %w", domain.ErrConnectionFailed)},
			method:   http.MethodPost,
			wantCode: http.StatusBadGateway,
			wantCall: true,
		},
		{
			name:     "wrong method",
			session:  &fakeSession{},
			method:   http.MethodGet,
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name:     "missing api key",
			session:  &fakeSession{},
			apiKey:   "secret",
			method:   http.MethodPost,
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "valid api key",
			session:  &fakeSession{result: domain.UploadResult{Outcome: domain.UploadSucceeded}},
			apiKey:   "secret",
			header:   "secret",
			method:   http.MethodPost,
			wantCode: http.StatusOK,
			wantCall: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, tt.session, tt.apiKey)

			req, _ := http.NewRequest(tt.method, srv.URL+"/api/upload", nil)
			if tt.header != "" {
				req.Header.Set("X-API-Key", tt.header)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()

			if resp.StatusCode != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, resp.StatusCode)
			}
			if called := tt.session.uploads > 0; called != tt.wantCall {
				t.Errorf("expected upload called=%v, got %v", tt.wantCall, called)
			}
		})
	}
}

func TestMiddleware_Preflight(t *testing.T) {
	mw := NewMiddleware(MiddlewareConfig{AllowedOrigins: []string{"http://ha.local"}}, zerolog.Nop())
	called := false
	handler := mw.Secure(func(w http.ResponseWriter, r *http.Request) { called = true })

	req := httptest.NewRequest(http.MethodOptions, "/api/upload", nil)
	req.Header.Set("Origin", "http://ha.local")
	rec := httptest.NewRecorder()
	handler(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://ha.local" {
		t.Errorf("unexpected allow origin %q", got)
	}
	if called {
		t.Error("expected preflight not to reach handler")
	}
}
