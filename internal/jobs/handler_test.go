package jobs_test

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"

	"analyzer-backend/internal/bootstrap"
	"analyzer-backend/internal/dispatch"
	"analyzer-backend/internal/shared/config"
)

func newTestApp(t *testing.T) *bootstrap.App {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	cfg := config.Config{
		Env:             "dev",
		Port:            "0",
		ObjectStoreType: "local",
		LocalStoreDir:   t.TempDir(),
		RedisURL:        "redis://" + mr.Addr(),
		QueueName:       "document_analysis",
		DefaultQuery:    "Analyze this document for key findings and risks",
		CORSAllowOrigin: []string{"http://localhost:5173"},
	}

	app, err := bootstrap.Build(cfg)
	if err != nil {
		t.Fatalf("bootstrap build: %v", err)
	}
	t.Cleanup(app.Close)
	return app
}

func submitJob(t *testing.T, app *bootstrap.App, filename, query string) map[string]any {
	t.Helper()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write([]byte("annual report contents")); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if query != "" {
		if err := mw.WriteField("query", query); err != nil {
			t.Fatalf("write query field: %v", err)
		}
	}
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp := httptest.NewRecorder()
	app.Router.ServeHTTP(resp, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.Code, resp.Body.String())
	}

	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return body
}

func TestSubmitJobQueued(t *testing.T) {
	app := newTestApp(t)

	body := submitJob(t, app, "report.txt", "summarize cash flow")
	jobID, _ := body["job_id"].(string)
	if jobID == "" {
		t.Fatalf("expected job_id in response: %v", body)
	}
	if body["status"] != "queued" {
		t.Fatalf("expected queued, got %v", body["status"])
	}
	if body["query"] != "summarize cash flow" {
		t.Fatalf("expected query echoed, got %v", body["query"])
	}
	if body["file_name"] != "report.txt" {
		t.Fatalf("expected file_name echoed, got %v", body["file_name"])
	}
	endpoints, ok := body["endpoints"].(map[string]any)
	if !ok {
		t.Fatalf("expected tracking endpoints, got %v", body["endpoints"])
	}
	if endpoints["status"] != "/api/v1/jobs/"+jobID+"/status" {
		t.Fatalf("unexpected status endpoint: %v", endpoints["status"])
	}
	if endpoints["result"] != "/api/v1/jobs/"+jobID+"/result" {
		t.Fatalf("unexpected result endpoint: %v", endpoints["result"])
	}
}

func TestSubmitJobDefaultQuery(t *testing.T) {
	app := newTestApp(t)

	body := submitJob(t, app, "report.txt", "")
	if body["query"] != app.Config.DefaultQuery {
		t.Fatalf("expected default query, got %v", body["query"])
	}
}

func TestSubmitJobWithoutFile(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/analyze", nil)
	resp := httptest.NewRecorder()
	app.Router.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestGetStatusQueuedJob(t *testing.T) {
	app := newTestApp(t)
	body := submitJob(t, app, "report.txt", "q")
	jobID := body["job_id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID+"/status", nil)
	resp := httptest.NewRecorder()
	app.Router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var status map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["status"] != "queued" {
		t.Fatalf("expected queued, got %v", status["status"])
	}
	if created, _ := status["created_at"].(string); created == "" {
		t.Fatalf("expected created_at, got %v", status["created_at"])
	}
	// The record store answered, so no queue fields are merged in.
	if _, ok := status["position"]; ok {
		t.Fatalf("record-store status must not carry a position, got %v", status["position"])
	}
}

func TestGetStatusUnknownJob(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/no-such-job/status", nil)
	resp := httptest.NewRecorder()
	app.Router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["status"] != "not_found" {
		t.Fatalf("expected not_found status shape, got %v", body)
	}
	if body["job_id"] != "no-such-job" {
		t.Fatalf("expected job_id echoed, got %v", body)
	}
}

func TestGetResultPendingJob(t *testing.T) {
	app := newTestApp(t)
	body := submitJob(t, app, "report.txt", "q")
	jobID := body["job_id"].(string)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID+"/result", nil)
	resp := httptest.NewRecorder()
	app.Router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 for pending result, got %d", resp.Code)
	}
	var result map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result["status"] != "queued" {
		t.Fatalf("expected queued, got %v", result["status"])
	}
	if msg, _ := result["message"].(string); msg == "" {
		t.Fatalf("expected pending message, got %v", result["message"])
	}
}

func TestCancelJob(t *testing.T) {
	app := newTestApp(t)
	body := submitJob(t, app, "report.txt", "q")
	jobID := body["job_id"].(string)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+jobID, nil)
	resp := httptest.NewRecorder()
	app.Router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}

	// The job is now terminal; cancelling again is rejected.
	req = httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/"+jobID, nil)
	resp = httptest.NewRecorder()
	app.Router.ServeHTTP(resp, req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on double cancel, got %d", resp.Code)
	}

	// Status reflects the cancellation.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID+"/status", nil)
	resp = httptest.NewRecorder()
	app.Router.ServeHTTP(resp, req)
	var status map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["status"] != "cancelled" {
		t.Fatalf("expected cancelled, got %v", status["status"])
	}
}

func TestCancelUnknownJob(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/ghost", nil)
	resp := httptest.NewRecorder()
	app.Router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestQueueStats(t *testing.T) {
	app := newTestApp(t)
	submitJob(t, app, "a.txt", "q")
	submitJob(t, app, "b.txt", "q")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/queue/stats", nil)
	resp := httptest.NewRecorder()
	app.Router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var stats map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stats["queue_name"] != "document_analysis" {
		t.Fatalf("expected queue_name, got %v", stats["queue_name"])
	}
	if pending, _ := stats["pending"].(float64); pending != 2 {
		t.Fatalf("expected 2 pending, got %v", stats["pending"])
	}
	if workers, _ := stats["worker_count"].(float64); workers != 0 {
		t.Fatalf("expected 0 workers, got %v", stats["worker_count"])
	}
	if _, ok := stats["worker_ids"]; !ok {
		t.Fatalf("expected worker_ids key, got %v", stats)
	}
	if _, ok := stats["workers"]; ok {
		t.Fatalf("unexpected workers key, got %v", stats)
	}
}

func TestGetResultCompletedJob(t *testing.T) {
	app := newTestApp(t)
	body := submitJob(t, app, "report.txt", "summarize")
	jobID := body["job_id"].(string)

	// Run the job the way the worker would.
	payload := dispatch.Payload{
		JobID:    jobID,
		Query:    "summarize",
		FilePath: "uploads/job_" + jobID + ".txt",
		Filename: "report.txt",
	}
	if _, err := app.Runner.Run(context.Background(), payload); err != nil {
		t.Fatalf("run job: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+jobID+"/result", nil)
	resp := httptest.NewRecorder()
	app.Router.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	var result map[string]any
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result["status"] != "success" {
		t.Fatalf("expected success status, got %v", result["status"])
	}
	if result["job_id"] != jobID {
		t.Fatalf("expected job_id echoed, got %v", result["job_id"])
	}
	if analysis, _ := result["analysis"].(string); analysis == "" {
		t.Fatalf("expected flattened analysis, got %v", result["analysis"])
	}
	if _, ok := result["result"]; ok {
		t.Fatalf("success response must be flat, got nested result: %v", result)
	}
}
