package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/cuongbtq/remote-scheduler/internal/api/dto"
	"github.com/cuongbtq/remote-scheduler/internal/api/model"
	"github.com/cuongbtq/remote-scheduler/internal/api/storage"
	"github.com/cuongbtq/remote-scheduler/internal/scheduler/domain"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	jobs       map[string]model.Job
	byKey      map[string]string
	lastFilter storage.JobFilter
	listed     []model.Job
	err        error
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: map[string]model.Job{}, byKey: map[string]string{}}
}

func (s *fakeStore) CreateJob(_ context.Context, job *model.Job) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	if job.IdempotencyKey.Valid {
		if id, ok := s.byKey[job.IdempotencyKey.String]; ok {
			*job = s.jobs[id]
			return false, nil
		}
		s.byKey[job.IdempotencyKey.String] = job.JobID
	}
	s.jobs[job.JobID] = *job
	return true, nil
}

func (s *fakeStore) GetJobByID(_ context.Context, jobID string) (*model.Job, error) {
	if s.err != nil {
		return nil, s.err
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return &job, nil
}

func (s *fakeStore) ListJobs(_ context.Context, filter storage.JobFilter) ([]model.Job, error) {
	s.lastFilter = filter
	return s.listed, s.err
}

type fakePublisher struct {
	messages []dto.JobMessage
	err      error
}

func (p *fakePublisher) PublishJSON(_ context.Context, v any) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, v.(dto.JobMessage))
	return nil
}

type fakeQueues struct {
	size int
	err  error
}

func (q fakeQueues) QueueSize(context.Context, string) (int, error) {
	return q.size, q.err
}

var fixedNow = time.Date(2030, 6, 1, 10, 0, 0, 0, time.UTC)

type handlerFixture struct {
	store     *fakeStore
	publisher *fakePublisher
	engine    *gin.Engine
}

func newHandlerFixture(queues fakeQueues) *handlerFixture {
	gin.SetMode(gin.TestMode)

	f := &handlerFixture{
		store:     newFakeStore(),
		publisher: &fakePublisher{},
	}

	h := NewJobHandler(&Dependencies{
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Jobs:              f.store,
		Publisher:         f.publisher,
		Queues:            queues,
		DefaultConnection: "scheduler",
		Connections:       []string{"reports"},
		Now:               func() time.Time { return fixedNow },
	})

	f.engine = gin.New()
	f.engine.POST("/jobs", h.CreateJob)
	f.engine.GET("/jobs", h.ListJobs)
	f.engine.GET("/jobs/:job_id", h.GetJob)
	f.engine.GET("/queues/:connection/size", h.QueueSize)
	return f
}

func (f *handlerFixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func TestCreateJob(t *testing.T) {
	f := newHandlerFixture(fakeQueues{})

	rec := f.do(http.MethodPost, "/jobs", `{
		"handler": "mail.Send@handle",
		"data": {"to": "ops@example.com"},
		"delay_seconds": 90,
		"label": "Weekly digest"
	}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var got dto.JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "mail.Send@handle", got.Handler)
	assert.Equal(t, "scheduler", got.Connection)
	assert.Equal(t, domain.DefaultQueue, got.Queue)
	assert.Equal(t, "Weekly digest", got.Label)
	assert.Equal(t, domain.JobStatusPending, got.Status)
	assert.Equal(t, "2030-06-01T10:01:30Z", got.StartAt)
	assert.JSONEq(t, `{"to":"ops@example.com"}`, string(got.Data))

	require.Len(t, f.publisher.messages, 1)
	assert.Equal(t, got.JobID, f.publisher.messages[0].JobID)
}

func TestCreateJob_Idempotent(t *testing.T) {
	f := newHandlerFixture(fakeQueues{})
	body := `{"idempotency_key": "k-1", "handler": "mail.Send@handle"}`

	first := f.do(http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := f.do(http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusOK, second.Code)

	var a, b dto.JobDTO
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &a))
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &b))
	assert.Equal(t, a.JobID, b.JobID)
	// still PENDING, so the duplicate re-enqueues the same job
	require.Len(t, f.publisher.messages, 2)
	assert.Equal(t, a.JobID, f.publisher.messages[1].JobID)
}

func TestCreateJob_IdempotentRetryAfterPublishFailure(t *testing.T) {
	f := newHandlerFixture(fakeQueues{})
	body := `{"idempotency_key": "k-2", "handler": "mail.Send@handle"}`

	f.publisher.err = errors.New("broker unavailable")
	first := f.do(http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusInternalServerError, first.Code)
	assert.Contains(t, first.Body.String(), "Failed to enqueue job")
	require.Empty(t, f.publisher.messages)

	f.publisher.err = nil
	retry := f.do(http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusOK, retry.Code)

	var got dto.JobDTO
	require.NoError(t, json.Unmarshal(retry.Body.Bytes(), &got))
	require.Len(t, f.publisher.messages, 1)
	assert.Equal(t, got.JobID, f.publisher.messages[0].JobID)
}

func TestCreateJob_DuplicateOfDispatchedJobNotRepublished(t *testing.T) {
	f := newHandlerFixture(fakeQueues{})
	body := `{"idempotency_key": "k-3", "handler": "mail.Send@handle"}`

	first := f.do(http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusAccepted, first.Code)

	var created dto.JobDTO
	require.NoError(t, json.Unmarshal(first.Body.Bytes(), &created))
	job := f.store.jobs[created.JobID]
	job.Status = domain.JobStatusDispatched
	f.store.jobs[created.JobID] = job

	second := f.do(http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Len(t, f.publisher.messages, 1)
}

func TestCreateJob_StartAt(t *testing.T) {
	f := newHandlerFixture(fakeQueues{})

	rec := f.do(http.MethodPost, "/jobs", `{"handler": "h@x", "connection": "reports", "start_at": "2030-07-01T12:00:00+02:00"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	var got dto.JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "2030-07-01T10:00:00Z", got.StartAt)
	assert.Equal(t, "reports", got.Connection)
	assert.Equal(t, "null", string(got.Data))
}

func TestCreateJob_Rejected(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		errString string
	}{
		{
			name:      "missing handler",
			body:      `{"data": {}}`,
			errString: "Invalid request body",
		},
		{
			name:      "negative delay",
			body:      `{"handler": "h@x", "delay_seconds": -5}`,
			errString: "Invalid request body",
		},
		{
			name:      "unknown connection",
			body:      `{"handler": "h@x", "connection": "billing"}`,
			errString: "unknown connection: billing",
		},
		{
			name:      "delay and start_at",
			body:      `{"handler": "h@x", "delay_seconds": 5, "start_at": "2030-07-01T12:00:00Z"}`,
			errString: "mutually exclusive",
		},
		{
			name:      "bad start_at",
			body:      `{"handler": "h@x", "start_at": "tomorrow"}`,
			errString: "RFC 3339",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(fakeQueues{})

			rec := f.do(http.MethodPost, "/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.errString)
			assert.Empty(t, f.publisher.messages)
		})
	}
}

func TestCreateJob_Failures(t *testing.T) {
	t.Run("store error", func(t *testing.T) {
		f := newHandlerFixture(fakeQueues{})
		f.store.err = errors.New("connection refused")

		rec := f.do(http.MethodPost, "/jobs", `{"handler": "h@x"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "Failed to create job")
	})

	t.Run("publish error", func(t *testing.T) {
		f := newHandlerFixture(fakeQueues{})
		f.publisher.err = errors.New("channel closed")

		rec := f.do(http.MethodPost, "/jobs", `{"handler": "h@x"}`)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Contains(t, rec.Body.String(), "Failed to enqueue job")
	})
}

func TestGetJob(t *testing.T) {
	f := newHandlerFixture(fakeQueues{})
	id := "0b8f7a52-7c2b-4a39-9d44-6ab4f3c1d001"
	f.store.jobs[id] = model.Job{
		JobID:        id,
		Handler:      "h@x",
		Data:         `{"a":1}`,
		Status:       domain.JobStatusCompleted,
		EnvelopeUUID: "env-1",
		Result:       sql.NullString{String: `{"sent":true}`, Valid: true},
		CompletedAt:  sql.NullTime{Time: fixedNow, Valid: true},
	}

	rec := f.do(http.MethodGet, "/jobs/"+id, "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got dto.JobDTO
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "env-1", got.EnvelopeUUID)
	assert.JSONEq(t, `{"sent":true}`, string(got.Result))
	assert.Equal(t, "2030-06-01T10:00:00Z", got.CompletedAt)

	rec = f.do(http.MethodGet, "/jobs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/jobs/0b8f7a52-7c2b-4a39-9d44-6ab4f3c1d002", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobs(t *testing.T) {
	f := newHandlerFixture(fakeQueues{})
	for i := 0; i < 3; i++ {
		f.store.listed = append(f.store.listed, model.Job{
			JobID:     fmt.Sprintf("job-%d", i),
			CreatedAt: fixedNow.Add(-time.Duration(i) * time.Minute),
		})
	}

	rec := f.do(http.MethodGet, "/jobs?page_size=2&status=FAILED&handler=h%40x", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got dto.ListJobsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got.Jobs, 2)
	require.NotEmpty(t, got.NextCursor)

	assert.Equal(t, "FAILED", f.store.lastFilter.Status)
	assert.Equal(t, "h@x", f.store.lastFilter.Handler)
	assert.Equal(t, 2, f.store.lastFilter.PageSize)

	cursor, err := DecodeJobCursor(got.NextCursor)
	require.NoError(t, err)
	assert.Equal(t, "job-1", cursor.JobID)
	assert.True(t, cursor.CreatedAt.Equal(fixedNow.Add(-time.Minute)))

	rec = f.do(http.MethodGet, "/jobs?cursor="+got.NextCursor, "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, f.store.lastFilter.Cursor)
	assert.Equal(t, "job-1", f.store.lastFilter.Cursor.JobID)
	assert.Equal(t, 20, f.store.lastFilter.PageSize)
}

func TestListJobs_Rejected(t *testing.T) {
	f := newHandlerFixture(fakeQueues{})

	rec := f.do(http.MethodGet, "/jobs?status=LOST", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/jobs?cursor=!!!", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueueSize(t *testing.T) {
	tests := []struct {
		name       string
		queues     fakeQueues
		connection string
		wantStatus int
		wantBody   string
	}{
		{
			name:       "size",
			queues:     fakeQueues{size: 7},
			connection: "reports",
			wantStatus: http.StatusOK,
			wantBody:   `{"connection":"reports","size":7}`,
		},
		{
			name:       "unknown connection",
			connection: "billing",
			wantStatus: http.StatusNotFound,
		},
		{
			name:       "remote failure",
			queues:     fakeQueues{err: &domain.DispatchError{StatusCode: 503}},
			connection: "scheduler",
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newHandlerFixture(tt.queues)

			rec := f.do(http.MethodGet, "/queues/"+tt.connection+"/size", "")
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantBody != "" {
				assert.JSONEq(t, tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestJobCursor_RoundTrip(t *testing.T) {
	in := &storage.JobCursor{CreatedAt: time.Unix(0, 1893492000123456789), JobID: "job-9"}

	out, err := DecodeJobCursor(EncodeJobCursor(in))
	require.NoError(t, err)
	assert.Equal(t, in.JobID, out.JobID)
	assert.True(t, in.CreatedAt.Equal(out.CreatedAt))

	empty, err := DecodeJobCursor("")
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = DecodeJobCursor("bm8tc2VwYXJhdG9y") // "no-separator"
	assert.Error(t, err)
}
