package alertapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/workflow"
)

// fakeOrch is a canned-response Orchestrator.
type fakeOrch struct {
	startID   string
	startErr  error
	inst      *workflow.Instance
	getErr    error
	recent    []*workflow.Instance
	recentErr error
	cancelErr error

	lastAlert  *alert.Alert
	lastLimit  int
	lastCancel string
	lastReason string
}

func (f *fakeOrch) Start(_ context.Context, al *alert.Alert) (string, error) {
	f.lastAlert = al
	if f.startErr != nil {
		return "", f.startErr
	}
	if err := al.Validate(); err != nil {
		return "", err
	}
	return f.startID, nil
}

func (f *fakeOrch) Get(_ context.Context, id string) (*workflow.Instance, bool, error) {
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	if f.inst == nil || f.inst.ID != id {
		return nil, false, nil
	}
	return f.inst, true, nil
}

func (f *fakeOrch) Recent(_ context.Context, limit int) ([]*workflow.Instance, error) {
	f.lastLimit = limit
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	if limit > 0 && len(f.recent) > limit {
		return f.recent[:limit], nil
	}
	return f.recent, nil
}

func (f *fakeOrch) Cancel(_ context.Context, id, reason string) error {
	f.lastCancel = id
	f.lastReason = reason
	return f.cancelErr
}

func newTestRouter(t *testing.T, orch *fakeOrch) chi.Router {
	t.Helper()
	if orch.startID == "" {
		orch.startID = "01H5K3ABCDEFGHJKMNPQRS0000"
	}
	api := New(nil, orch)
	r := chi.NewRouter()
	api.RegisterRoutes(r)
	return r
}

func validAlertBody() string {
	return `{
		"alert_id": "A-1",
		"timestamp": "2026-08-20T10:00:00Z",
		"source_system": "test-siem",
		"alert_type": "brute_force",
		"description": "failed logins"
	}`
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, &fakeOrch{})
	if api == nil {
		t.Fatal("New(nil, orch) returned nil API")
	}
	if api.logger == nil {
		t.Fatal("New(nil, orch) left logger nil; expected Nop logger")
	}
}

func TestNew_WithLogger(t *testing.T) {
	t.Parallel()

	api := New(log.Nop(), &fakeOrch{})
	if api == nil {
		t.Fatal("New(logger, orch) returned nil API")
	}
}

func TestNew_NilOrchestrator_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("New(nil, nil) did not panic; expected panic for nil orchestrator")
		}
	}()
	New(nil, nil)
}

// Routing

func TestRegisterRoutes_Methods(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeOrch{})

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"POST valid alert", http.MethodPost, "/api/v1/alerts", validAlertBody(), http.StatusAccepted},
		{"POST invalid JSON", http.MethodPost, "/api/v1/alerts", `{bad`, http.StatusBadRequest},
		{"GET alerts not allowed", http.MethodGet, "/api/v1/alerts", "", http.StatusMethodNotAllowed},
		{"PUT alerts not allowed", http.MethodPut, "/api/v1/alerts", "", http.StatusMethodNotAllowed},
		{"DELETE workflow not allowed", http.MethodDelete, "/api/v1/workflows/abc", "", http.StatusMethodNotAllowed},
		{"GET cancel not allowed", http.MethodGet, "/api/v1/workflows/abc/cancel", "", http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_NotFound(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeOrch{})

	paths := []string{
		"/",
		"/api/v1",
		"/api/v2/alerts",
		"/api/v1/unknown",
	}

	for _, path := range paths {
		t.Run(path, func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, path, http.NoBody)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != http.StatusNotFound {
				t.Errorf("GET %s = %d, want %d", path, rec.Code, http.StatusNotFound)
			}
		})
	}
}

// Alert submission

func TestSubmitAlert_Accepted(t *testing.T) {
	t.Parallel()

	orch := &fakeOrch{startID: "wf-42"}
	r := newTestRouter(t, orch)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(validAlertBody()))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["workflow_id"] != "wf-42" {
		t.Errorf("workflow_id = %q, want wf-42", resp["workflow_id"])
	}
	if resp["state"] != string(workflow.StateInitiated) {
		t.Errorf("state = %q, want INITIATED", resp["state"])
	}
	if orch.lastAlert == nil || orch.lastAlert.ID != "A-1" {
		t.Errorf("orchestrator saw alert %+v", orch.lastAlert)
	}
}

func TestSubmitAlert_ValidationFailure(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeOrch{})

	body := `{"alert_id": "", "source_system": "siem", "alert_type": "malware", "timestamp": "2026-08-20T10:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	var resp map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !strings.Contains(resp["error"], "alert_id") {
		t.Errorf("error = %q, want field name in message", resp["error"])
	}
}

func TestSubmitAlert_TooManyWorkflows(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeOrch{startErr: workflow.ErrTooManyWorkflows})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(validAlertBody()))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTooManyRequests)
	}
}

func TestSubmitAlert_InternalError(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeOrch{startErr: errors.New("store is down")})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(validAlertBody()))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if strings.Contains(rec.Body.String(), "store is down") {
		t.Error("internal error details must not leak to the client")
	}
}

// Workflow retrieval

func TestGetWorkflow_Found(t *testing.T) {
	t.Parallel()

	inst := &workflow.Instance{
		ID:    "wf-1",
		State: workflow.StateCompleted,
		Verdict: &workflow.Verdict{
			Outcome:  workflow.OutcomeResolved,
			Severity: alert.SeverityHigh,
		},
		CreatedAt: time.Now(),
	}
	r := newTestRouter(t, &fakeOrch{inst: inst})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf-1", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var got workflow.Instance
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if got.State != workflow.StateCompleted {
		t.Errorf("state = %q, want COMPLETED", got.State)
	}
	if got.Verdict == nil || got.Verdict.Outcome != workflow.OutcomeResolved {
		t.Errorf("verdict = %+v", got.Verdict)
	}
}

func TestGetWorkflow_NotFound(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeOrch{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/nope", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestGetWorkflow_StoreError(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeOrch{getErr: errors.New("connection refused")})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows/wf-1", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
}

// Workflow listing

func TestListWorkflows_Summaries(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 8, 20, 10, 0, 0, 0, time.UTC)
	orch := &fakeOrch{recent: []*workflow.Instance{
		{
			ID:        "wf-2",
			Alert:     &alert.Alert{ID: "A-2"},
			State:     workflow.StateCompleted,
			CreatedAt: now.Add(time.Minute),
		},
		{
			ID:        "wf-1",
			Alert:     &alert.Alert{ID: "A-1"},
			State:     workflow.StateFailed,
			CreatedAt: now,
		},
	}}
	r := newTestRouter(t, orch)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body)
	}
	if orch.lastLimit != 50 {
		t.Errorf("default limit = %d, want 50", orch.lastLimit)
	}

	var resp struct {
		Workflows []struct {
			WorkflowID string `json:"workflow_id"`
			AlertID    string `json:"alert_id"`
			State      string `json:"state"`
			CreatedAt  string `json:"created_at"`
		} `json:"workflows"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Workflows) != 2 {
		t.Fatalf("got %d workflows, want 2", len(resp.Workflows))
	}
	if resp.Workflows[0].WorkflowID != "wf-2" || resp.Workflows[0].AlertID != "A-2" {
		t.Errorf("first summary = %+v", resp.Workflows[0])
	}
	if resp.Workflows[1].State != string(workflow.StateFailed) {
		t.Errorf("second state = %q, want FAILED", resp.Workflows[1].State)
	}
	if resp.Workflows[1].CreatedAt != "2026-08-20T10:00:00Z" {
		t.Errorf("created_at = %q", resp.Workflows[1].CreatedAt)
	}
}

func TestListWorkflows_Empty(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeOrch{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"workflows":[]`) {
		t.Errorf("body = %s, want empty workflows array", rec.Body)
	}
}

func TestListWorkflows_LimitValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		query      string
		wantStatus int
		wantLimit  int
	}{
		{"explicit limit", "?limit=10", http.StatusOK, 10},
		{"max limit", "?limit=500", http.StatusOK, 500},
		{"zero", "?limit=0", http.StatusBadRequest, 0},
		{"negative", "?limit=-5", http.StatusBadRequest, 0},
		{"over max", "?limit=501", http.StatusBadRequest, 0},
		{"not a number", "?limit=abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			orch := &fakeOrch{}
			r := newTestRouter(t, orch)

			req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows"+tt.query, http.NoBody)
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if tt.wantStatus == http.StatusOK && orch.lastLimit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", orch.lastLimit, tt.wantLimit)
			}
		})
	}
}

func TestListWorkflows_StoreError(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeOrch{recentErr: errors.New("connection refused")})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/workflows", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	if strings.Contains(rec.Body.String(), "connection refused") {
		t.Error("internal error details must not leak to the client")
	}
}

// Cancellation

func TestCancelWorkflow_Active(t *testing.T) {
	t.Parallel()

	orch := &fakeOrch{}
	r := newTestRouter(t, orch)

	body := `{"reason": "analyst closed the incident"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/wf-9/cancel", strings.NewReader(body))
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if orch.lastCancel != "wf-9" {
		t.Errorf("canceled id = %q, want wf-9", orch.lastCancel)
	}
	if orch.lastReason != "analyst closed the incident" {
		t.Errorf("reason = %q", orch.lastReason)
	}
}

func TestCancelWorkflow_EmptyBody(t *testing.T) {
	t.Parallel()

	orch := &fakeOrch{}
	r := newTestRouter(t, orch)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/wf-9/cancel", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestCancelWorkflow_NotActive(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, &fakeOrch{cancelErr: workflow.ErrNotActive})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/workflows/done/cancel", http.NoBody)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

// Fuzz

func FuzzAlertSubmission(f *testing.F) {
	api := New(nil, &fakeOrch{startID: "wf-fuzz"})
	r := chi.NewRouter()
	api.RegisterRoutes(r)

	seeds := []struct {
		body        []byte
		contentType string
	}{
		{nil, ""},
		{[]byte(""), "application/json"},
		{[]byte("{}"), "application/json"},
		{[]byte(validAlertBody()), "application/json"},
		{[]byte("{invalid json"), "application/json"},
		{[]byte("\x00\x01\x02\xff\xfe"), "application/octet-stream"},
		{[]byte("<xml>not json</xml>"), "text/xml"},
		{[]byte(strings.Repeat("a", 10000)), "text/plain"},
	}
	for _, s := range seeds {
		f.Add(s.body, s.contentType)
	}

	f.Fuzz(func(t *testing.T, body []byte, contentType string) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts", strings.NewReader(string(body)))
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		rec := httptest.NewRecorder()

		// Must not panic
		r.ServeHTTP(rec, req)

		if rec.Code != http.StatusAccepted && rec.Code != http.StatusBadRequest {
			t.Errorf("POST /api/v1/alerts with body len=%d content-type=%q = %d, want 202 or 400",
				len(body), contentType, rec.Code)
		}
	})
}
