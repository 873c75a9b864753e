package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/payload"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/registry"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/replay"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/signing"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2030, 1, 1, 10, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *recorder) add(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) MarkRunning(ctx context.Context, uuid string) error {
	r.add("running:" + uuid)
	return nil
}

func (r *recorder) MarkCompleted(ctx context.Context, uuid string, result any) error {
	r.add("completed:" + uuid)
	return nil
}

func (r *recorder) MarkFailed(ctx context.Context, uuid string, reason string) error {
	r.add("failed:" + uuid)
	return errors.New("recorder offline")
}

type fixture struct {
	router   *gin.Engine
	runs     map[string]int
	guard    replay.Guard
	recorder *recorder
	builder  *payload.Builder
	mu       sync.Mutex
}

func (f *fixture) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[name]
}

func newFixture(t *testing.T, cfg Config, keys signing.KeySource) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &fixture{
		runs:     make(map[string]int),
		guard:    replay.NewMemoryGuard(replay.Options{Now: func() time.Time { return now }}),
		recorder: &recorder{},
		builder:  payload.NewBuilder(payload.Config{}),
	}

	jobs := registry.New()
	require.NoError(t, jobs.RegisterHandler("mail.Send@handle", func(ctx context.Context, data json.RawMessage) (any, error) {
		f.mu.Lock()
		f.runs["mail"]++
		f.mu.Unlock()
		return map[string]string{"sent": "ok"}, nil
	}))
	require.NoError(t, jobs.RegisterHandler("mail.Fail@handle", func(ctx context.Context, data json.RawMessage) (any, error) {
		f.mu.Lock()
		f.runs["fail"]++
		f.mu.Unlock()
		return nil, errors.New("smtp connection refused")
	}))
	require.NoError(t, jobs.RegisterHandler("mail.Verify@handle", func(ctx context.Context, data json.RawMessage) (any, error) {
		return nil, fmt.Errorf("mailbox provider rejected credentials: %w", domain.ErrAuthentication)
	}))
	require.NoError(t, jobs.RegisterClosure("explode", func(ctx context.Context) error {
		panic("boom")
	}))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(cfg, keys, f.guard, jobs, logger, WithClock(func() time.Time { return now }), WithStatusRecorder(f.recorder))

	f.router = gin.New()
	h.Register(f.router)
	return f
}

func (f *fixture) envelope(t *testing.T, job payload.JobDescriptor) []byte {
	t.Helper()
	env, err := f.builder.Build(job, domain.DefaultQueue)
	require.NoError(t, err)
	body, err := json.Marshal(env)
	require.NoError(t, err)
	return body
}

func digestRequest(body []byte, id, processedAt, key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, domain.CallbackPath, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(domain.HeaderJobID, id)
	req.Header.Set(domain.HeaderProcessedAt, processedAt)
	req.Header.Set(domain.HeaderDigest, signing.Digest(key, id, processedAt, body))
	return req
}

type response struct {
	UUID    string          `json:"uuid"`
	Success bool            `json:"success"`
	Error   string          `json:"error"`
	Result  json.RawMessage `json:"result"`
}

func serve(t *testing.T, router http.Handler, req *http.Request) (int, response) {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func TestHandler_DigestSuccessThenReplay(t *testing.T) {
	f := newFixture(t, Config{}, signing.StaticKeys{"primary", "conn-a"})
	body := f.envelope(t, payload.Named("mail.Send@handle", map[string]string{"to": "a@example.com"}))
	processedAt := now.Add(-30 * time.Second).Format(time.RFC3339)

	code, resp := serve(t, f.router, digestRequest(body, "job-1", processedAt, "conn-a"))
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, uuidOf(body), resp.UUID)
	assert.JSONEq(t, `{"sent":"ok"}`, string(resp.Result))

	// identical delivery two seconds later
	code, resp = serve(t, f.router, digestRequest(body, "job-1", processedAt, "conn-a"))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "already been received")

	assert.Equal(t, 1, f.count("mail"))
	assert.Equal(t, []string{"running:" + resp.UUID, "completed:" + resp.UUID}, f.recorder.events)
}

func TestHandler_DigestRejections(t *testing.T) {
	fresh := now.Add(-time.Minute).Format(time.RFC3339)

	tests := []struct {
		name      string
		request   func(body []byte) *http.Request
		wantCode  int
		errString string
	}{
		{
			name: "missing job id",
			request: func(body []byte) *http.Request {
				req := digestRequest(body, "job-1", fresh, "primary")
				req.Header.Del(domain.HeaderJobID)
				return req
			},
			wantCode:  http.StatusBadRequest,
			errString: "X-NF-JOB-ID header is missing",
		},
		{
			name: "missing digest",
			request: func(body []byte) *http.Request {
				req := digestRequest(body, "job-1", fresh, "primary")
				req.Header.Del(domain.HeaderDigest)
				return req
			},
			wantCode:  http.StatusBadRequest,
			errString: "X-NF-DIGEST header is missing",
		},
		{
			name: "unknown key",
			request: func(body []byte) *http.Request {
				return digestRequest(body, "job-1", fresh, "stolen")
			},
			wantCode:  http.StatusBadRequest,
			errString: "no candidate key matches",
		},
		{
			name: "stale",
			request: func(body []byte) *http.Request {
				return digestRequest(body, "job-1", now.Add(-6*time.Minute).Format(time.RFC3339), "primary")
			},
			wantCode:  http.StatusBadRequest,
			errString: "too old",
		},
		{
			name: "too far in the future",
			request: func(body []byte) *http.Request {
				return digestRequest(body, "job-1", now.Add(6*time.Minute).Format(time.RFC3339), "primary")
			},
			wantCode:  http.StatusBadRequest,
			errString: "too old",
		},
		{
			name: "unreadable processedAt",
			request: func(body []byte) *http.Request {
				return digestRequest(body, "job-1", "yesterday", "primary")
			},
			wantCode:  http.StatusBadRequest,
			errString: "too old",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{}, signing.StaticKeys{"primary"})
			body := f.envelope(t, payload.Named("mail.Send@handle", nil))

			code, resp := serve(t, f.router, tt.request(body))
			assert.Equal(t, tt.wantCode, code)
			assert.False(t, resp.Success)
			assert.Contains(t, resp.Error, tt.errString)
			assert.Equal(t, 0, f.count("mail"))
		})
	}
}

func TestHandler_StaleButValidDigestStillRecordsDelivery(t *testing.T) {
	f := newFixture(t, Config{}, signing.StaticKeys{"primary"})
	body := f.envelope(t, payload.Named("mail.Send@handle", nil))
	old := now.Add(-10 * time.Minute).Format(time.RFC3339)

	code, _ := serve(t, f.router, digestRequest(body, "job-1", old, "primary"))
	assert.Equal(t, http.StatusBadRequest, code)

	fresh, err := f.guard.CheckAndRecord(context.Background(), "job-1", old)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestHandler_NoKeysConfigured(t *testing.T) {
	f := newFixture(t, Config{}, signing.StaticKeys{})
	body := f.envelope(t, payload.Named("mail.Send@handle", nil))

	code, resp := serve(t, f.router, digestRequest(body, "job-1", now.Format(time.RFC3339), "primary"))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, resp.Error, "at least one possible key")
}

func TestHandler_FailingJobKeepsReplayRecord(t *testing.T) {
	f := newFixture(t, Config{}, signing.StaticKeys{"primary"})
	body := f.envelope(t, payload.Named("mail.Fail@handle", nil))
	processedAt := now.Format(time.RFC3339)

	code, resp := serve(t, f.router, digestRequest(body, "job-9", processedAt, "primary"))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.False(t, resp.Success)
	assert.Equal(t, "smtp connection refused", resp.Error)
	assert.Equal(t, uuidOf(body), resp.UUID)

	// redelivery must not run the failing job again
	code, resp = serve(t, f.router, digestRequest(body, "job-9", processedAt, "primary"))
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error, "already been received")
	assert.Equal(t, 1, f.count("fail"))
	assert.Equal(t, []string{"running:" + resp.UUID, "failed:" + resp.UUID}, f.recorder.events)
}

func TestHandler_JobErrorWrappingAuthFailureIsServerError(t *testing.T) {
	f := newFixture(t, Config{}, signing.StaticKeys{"primary"})
	body := f.envelope(t, payload.Named("mail.Verify@handle", nil))

	code, resp := serve(t, f.router, digestRequest(body, "job-3", now.Format(time.RFC3339), "primary"))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, "mailbox provider rejected credentials")
	assert.Equal(t, uuidOf(body), resp.UUID)
}

func TestHandler_UnknownHandlerIsDeserializationFailure(t *testing.T) {
	f := newFixture(t, Config{}, signing.StaticKeys{"primary"})
	body := f.envelope(t, payload.Named("billing.Charge@handle", nil))

	code, resp := serve(t, f.router, digestRequest(body, "job-1", now.Format(time.RFC3339), "primary"))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Contains(t, resp.Error, "no handler registered")
}

func TestHandler_PanicRecoveredOutsideLocal(t *testing.T) {
	f := newFixture(t, Config{Environment: "production"}, signing.StaticKeys{"primary"})
	body := f.envelope(t, payload.Closure("explode"))

	code, resp := serve(t, f.router, digestRequest(body, "job-1", now.Format(time.RFC3339), "primary"))
	assert.Equal(t, http.StatusInternalServerError, code)
	assert.Equal(t, "job panicked: boom", resp.Error)
}

func TestHandler_PanicPropagatesInLocal(t *testing.T) {
	f := newFixture(t, Config{Environment: "local"}, signing.StaticKeys{"primary"})
	body := f.envelope(t, payload.Closure("explode"))
	req := digestRequest(body, "job-1", now.Format(time.RFC3339), "primary")

	assert.PanicsWithValue(t, "boom", func() {
		f.router.ServeHTTP(httptest.NewRecorder(), req)
	})
}

func TestHandler_TokenMode(t *testing.T) {
	f := newFixture(t, Config{}, signing.StaticKeys{"primary", "conn-a"})

	env, err := f.builder.Build(payload.Named("mail.Send@handle", nil), domain.DefaultQueue)
	require.NoError(t, err)
	token, err := signing.NewTokenCodec(func() time.Time { return now.Add(-time.Minute) }).Sign(env, "conn-a", time.Hour)
	require.NoError(t, err)

	jsonBody, err := json.Marshal(map[string]string{"token": token, "uuid": env.UUID})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, domain.CallbackPath, bytes.NewReader(jsonBody))
	req.Header.Set("Content-Type", "application/json")

	code, resp := serve(t, f.router, req)
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, resp.Success)
	assert.Equal(t, env.UUID, resp.UUID)

	// same token posted as a form under the legacy "task" field
	form := url.Values{"task": {token}}
	req = httptest.NewRequest(http.MethodPost, domain.CallbackPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	code, resp = serve(t, f.router, req)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, resp.Error, "already been received")
	assert.Equal(t, 1, f.count("mail"))
}

func TestHandler_TokenModeRejections(t *testing.T) {
	f := newFixture(t, Config{Mode: domain.ModeToken}, signing.StaticKeys{"primary"})

	env, err := f.builder.Build(payload.Named("mail.Send@handle", nil), domain.DefaultQueue)
	require.NoError(t, err)

	expired, err := signing.NewTokenCodec(func() time.Time { return now.Add(-2 * time.Hour) }).Sign(env, "primary", time.Hour)
	require.NoError(t, err)
	foreign, err := signing.NewTokenCodec(func() time.Time { return now }).Sign(env, "other", time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name      string
		body      string
		errString string
	}{
		{name: "missing token", body: `{}`, errString: "token field is missing"},
		{name: "expired", body: `{"token":"` + expired + `"}`, errString: "token has expired"},
		{name: "unknown key", body: `{"token":"` + foreign + `"}`, errString: "no candidate key matches"},
		{name: "garbage", body: `{"token":"abc"}`, errString: "malformed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, domain.CallbackPath, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")

			code, resp := serve(t, f.router, req)
			assert.Equal(t, http.StatusBadRequest, code)
			assert.Contains(t, resp.Error, tt.errString)
		})
	}
	assert.Equal(t, 0, f.count("mail"))
}

func TestParseProcessedAt(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
		ok   bool
	}{
		{in: "2030-01-01T10:00:00+00:00", want: now, ok: true},
		{in: "2030-01-01T11:00:00+01:00", want: now, ok: true},
		{in: "2030-01-01T10:00:00.000000Z", want: now, ok: true},
		{in: "2030-01-01T10:00:00+0000", want: now, ok: true},
		{in: "2030-01-01 10:00:00", want: now, ok: true},
		{in: "1893492000", want: now, ok: true},
		{in: "soon", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := parseProcessedAt(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.True(t, tt.want.Equal(got), got.String())
			}
		})
	}
}
