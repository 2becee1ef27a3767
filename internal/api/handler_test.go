package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/remindr/internal/db"
	"github.com/lalithlochan/remindr/internal/redis"
	"github.com/lalithlochan/remindr/internal/scheduler"
)

// failingScheduler stands in for a store outage
type failingScheduler struct{}

func (failingScheduler) Generate(ctx context.Context, reg scheduler.Registration) (*scheduler.Result, error) {
	return nil, errors.New("connection refused")
}

func (failingScheduler) AwardCPD(ctx context.Context, reg scheduler.Registration, points float64) (*db.Job, error) {
	return nil, errors.New("connection refused")
}

func (failingScheduler) Cancel(ctx context.Context, registrationID string) (int, error) {
	return 0, errors.New("connection refused")
}

type testServer struct {
	router http.Handler
	store  *db.MemoryStore
}

func newTestServer(t *testing.T, withRedis bool) *testServer {
	t.Helper()
	store := db.NewMemoryStore(0)
	gen := scheduler.NewGenerator(store, scheduler.Config{DefaultTimeZone: "UTC"}, zap.NewNop())

	var h *Handler
	if withRedis {
		h = NewHandlerWithIdempotency(zap.NewNop(), gen, store, newTestIdempotency(t))
	} else {
		h = NewHandler(zap.NewNop(), gen, store)
	}
	return &testServer{
		router: NewRouter(h, RouterConfig{}, zap.NewNop()),
		store:  store,
	}
}

func newTestIdempotency(t *testing.T) *redis.Idempotency {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client, err := redis.New(context.Background(), redis.Config{URL: "redis://" + mr.Addr()}, zap.NewNop())
	if err != nil {
		t.Fatalf("redis client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return redis.NewIdempotency(client, time.Hour, zap.NewNop())
}

func (s *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func testRegistration() scheduler.Registration {
	return scheduler.Registration{
		RegistrationID:  "reg-42",
		EventID:         "event-7",
		RecipientUserID: "user-9",
		EventStart:      time.Now().Add(10 * 24 * time.Hour).UTC().Truncate(time.Minute),
		Recipient:       scheduler.Recipient{Email: "member@example.org", Name: "Alex"},
		Event:           scheduler.Event{Title: "Ethics in Practice", Link: "https://events.example.org/ethics"},
	}
}

func TestCreateRegistration(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(t, "POST", "/v1/registrations", testRegistration(), nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp RegistrationResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Created) != 6 {
		t.Errorf("expected 6 jobs, got %d", len(resp.Created))
	}
	if resp.RegistrationID != "reg-42" {
		t.Errorf("unexpected registration id %q", resp.RegistrationID)
	}
}

func TestCreateRegistration_RepeatIsIdempotent(t *testing.T) {
	s := newTestServer(t, false)

	s.do(t, "POST", "/v1/registrations", testRegistration(), nil)
	rec := s.do(t, "POST", "/v1/registrations", testRegistration(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on repeat, got %d", rec.Code)
	}

	var resp RegistrationResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if len(resp.Created) != 0 || len(resp.Existing) != 6 {
		t.Errorf("expected 0 created and 6 existing, got %d and %d", len(resp.Created), len(resp.Existing))
	}

	jobs, _ := s.store.ListByRegistration(context.Background(), "reg-42", 0, 0)
	if len(jobs) != 6 {
		t.Errorf("expected 6 stored jobs, got %d", len(jobs))
	}
}

func TestCreateRegistration_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*scheduler.Registration)
	}{
		{"missing registration id", func(r *scheduler.Registration) { r.RegistrationID = "" }},
		{"missing email", func(r *scheduler.Registration) { r.Recipient.Email = "" }},
		{"missing start", func(r *scheduler.Registration) { r.EventStart = time.Time{} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, false)
			reg := testRegistration()
			tt.mutate(&reg)

			rec := s.do(t, "POST", "/v1/registrations", reg, nil)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/problem+json" {
				t.Errorf("expected problem+json, got %q", ct)
			}
		})
	}
}

func TestCreateRegistration_MalformedJSON(t *testing.T) {
	s := newTestServer(t, false)

	req := httptest.NewRequest("POST", "/v1/registrations", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCreateRegistration_StoreFailure(t *testing.T) {
	h := NewHandler(zap.NewNop(), failingScheduler{}, db.NewMemoryStore(0))
	router := NewRouter(h, RouterConfig{}, zap.NewNop())

	body, _ := json.Marshal(testRegistration())
	req := httptest.NewRequest("POST", "/v1/registrations", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestCreateRegistration_IdempotencyKeyReplays(t *testing.T) {
	s := newTestServer(t, true)
	headers := map[string]string{"Idempotency-Key": "abc-123"}

	first := s.do(t, "POST", "/v1/registrations", testRegistration(), headers)
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}

	second := s.do(t, "POST", "/v1/registrations", testRegistration(), headers)
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replayed") != "true" {
		t.Error("expected replay header")
	}
	if !bytes.Equal(bytes.TrimSpace(first.Body.Bytes()), bytes.TrimSpace(second.Body.Bytes())) {
		t.Errorf("replayed body differs:\n%s\n%s", first.Body.String(), second.Body.String())
	}
}

func TestCancelRegistration(t *testing.T) {
	s := newTestServer(t, false)
	s.do(t, "POST", "/v1/registrations", testRegistration(), nil)

	rec := s.do(t, "POST", "/v1/registrations/reg-42/cancel", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var resp struct {
		Cancelled int `json:"cancelled"`
	}
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Cancelled != 6 {
		t.Errorf("expected 6 cancelled, got %d", resp.Cancelled)
	}
}

func TestAwardCPD(t *testing.T) {
	s := newTestServer(t, false)
	reg := testRegistration()
	reg.RegistrationID = ""

	rec := s.do(t, "POST", "/v1/registrations/reg-42/cpd-awards", CPDAwardRequest{Registration: reg, CPDPoints: 2}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	var job db.Job
	_ = json.NewDecoder(rec.Body).Decode(&job)
	if job.Kind != db.KindCPDAwarded || job.RegistrationID != "reg-42" {
		t.Errorf("unexpected job: %+v", job)
	}

	rec = s.do(t, "POST", "/v1/registrations/reg-42/cpd-awards", CPDAwardRequest{Registration: reg, CPDPoints: 2}, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for repeated award, got %d", rec.Code)
	}
}

func TestAwardCPD_Invalid(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(t, "POST", "/v1/registrations/reg-42/cpd-awards", CPDAwardRequest{Registration: testRegistration(), CPDPoints: 0}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero points, got %d", rec.Code)
	}

	rec = s.do(t, "POST", "/v1/registrations/other/cpd-awards", CPDAwardRequest{Registration: testRegistration(), CPDPoints: 1}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for mismatched id, got %d", rec.Code)
	}
}

func TestGetJob(t *testing.T) {
	s := newTestServer(t, false)
	rec := s.do(t, "POST", "/v1/registrations", testRegistration(), nil)

	var created RegistrationResponse
	_ = json.NewDecoder(rec.Body).Decode(&created)
	id := created.Created[0].ID

	rec = s.do(t, "GET", "/v1/jobs/"+id.String(), nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var job db.Job
	_ = json.NewDecoder(rec.Body).Decode(&job)
	if job.ID != id {
		t.Errorf("expected job %s, got %s", id, job.ID)
	}
}

func TestGetJob_Errors(t *testing.T) {
	s := newTestServer(t, false)

	if rec := s.do(t, "GET", "/v1/jobs/not-a-uuid", nil, nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
	if rec := s.do(t, "GET", "/v1/jobs/"+uuid.NewString(), nil, nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestListJobs(t *testing.T) {
	s := newTestServer(t, false)
	s.do(t, "POST", "/v1/registrations", testRegistration(), nil)

	tests := []struct {
		name   string
		query  string
		status int
		count  int
	}{
		{"by event", "?event_id=event-7", http.StatusOK, 6},
		{"by registration", "?registration_id=reg-42", http.StatusOK, 6},
		{"paged", "?event_id=event-7&limit=2&offset=1", http.StatusOK, 2},
		{"unknown event", "?event_id=nope", http.StatusOK, 0},
		{"no filter", "", http.StatusBadRequest, 0},
		{"both filters", "?event_id=event-7&registration_id=reg-42", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, "GET", "/v1/jobs"+tt.query, nil, nil)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, rec.Code)
			}
			if tt.status != http.StatusOK {
				return
			}
			var resp struct {
				Data  []db.Job `json:"data"`
				Count int      `json:"count"`
			}
			_ = json.NewDecoder(rec.Body).Decode(&resp)
			if resp.Count != tt.count || len(resp.Data) != tt.count {
				t.Errorf("expected %d jobs, got %d", tt.count, resp.Count)
			}
		})
	}
}

func TestRouter_Metrics(t *testing.T) {
	s := newTestServer(t, false)
	if rec := s.do(t, "GET", "/metrics", nil, nil); rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}
