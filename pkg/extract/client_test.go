package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func newTestClient(baseURL string, retries int) *Client {
	return NewClient(&Config{
		BaseURL:     baseURL,
		APIKey:      "test-key",
		CallbackURL: "http://core.local/api/pipeline/phase",
		Timeout:     5 * time.Second,
		MaxRetries:  retries,
	}, logrus.New())
}

func TestClient_SubmitExtraction(t *testing.T) {
	var gotReq SubmitRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/webpage/extract" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("missing api key header")
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(JobInfo{JobID: "job-1", Status: "accepted", AcceptedAt: time.Now()})
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	info, err := client.SubmitExtraction(context.Background(), &SubmitRequest{
		ItemID:     42,
		Source:     "webpage",
		ExternalID: "https://docs.test/a",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if info.JobID != "job-1" {
		t.Errorf("job id = %s", info.JobID)
	}
	// 未显式指定时应回填默认回调地址
	if gotReq.CallbackURL != "http://core.local/api/pipeline/phase" {
		t.Errorf("callback url = %s", gotReq.CallbackURL)
	}
}

func TestClient_EnqueueEmbedding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/file/embed" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req BatchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		json.NewEncoder(w).Encode(BatchInfo{BatchID: req.BatchID, Accepted: len(req.Items)})
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	info, err := client.EnqueueEmbedding(context.Background(), &BatchRequest{
		BatchID: "batch-7",
		Source:  "file",
		Items: []BatchItem{
			{ItemID: 1, ExternalID: "doc-1"},
			{ItemID: 2, ExternalID: "doc-2"},
		},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if info.BatchID != "batch-7" || info.Accepted != 2 {
		t.Errorf("batch info = %+v", info)
	}
}

func TestClient_RetriesUntilSuccess(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(JobInfo{JobID: "job-2", Status: "accepted"})
	}))
	defer server.Close()

	client := newTestClient(server.URL, 3)
	info, err := client.SubmitExtraction(context.Background(), &SubmitRequest{
		Source: "file", ExternalID: "doc-1",
	})
	if err != nil {
		t.Fatalf("submit after retries: %v", err)
	}
	if info.JobID != "job-2" {
		t.Errorf("job id = %s", info.JobID)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("server saw %d calls, want 3", got)
	}
}

func TestClient_APIErrorSurfacesCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(ErrorResponse{Error: "unsupported format", ErrorCode: "BAD_FORMAT"})
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	_, err := client.SubmitExtraction(context.Background(), &SubmitRequest{
		Source: "file", ExternalID: "doc-1",
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "BAD_FORMAT") {
		t.Errorf("error lacks service code: %v", err)
	}
}

func TestClient_HealthCheck(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	client := newTestClient(server.URL, 0)
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("health check: %v", err)
	}

	server.Close()
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("expected error after server shutdown")
	}
}
