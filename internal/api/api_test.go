package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	metricnoop "go.opentelemetry.io/otel/metric/noop"

	"github.com/sabiseeds/agentmesh/internal/coord"
	"github.com/sabiseeds/agentmesh/internal/decompose"
	"github.com/sabiseeds/agentmesh/internal/model"
	"github.com/sabiseeds/agentmesh/internal/planner"
	"github.com/sabiseeds/agentmesh/internal/registry"
	"github.com/sabiseeds/agentmesh/internal/store"
)

func newTestHandler(t *testing.T) http.Handler {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	cs := coord.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	meter := metricnoop.NewMeterProvider().Meter("test")
	ds, err := store.New(t.TempDir(), meter)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = ds.Close() })

	reg := registry.New(cs, 60*time.Second, 10*time.Second)
	dec := decompose.New(planner.NewEchoPlanner(), 2*time.Second)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return New(ds, cs, reg, dec, nil, model.PolicyIntersects, logger)
}

func TestSubmitTaskThenGetTaskRoundTrip(t *testing.T) {
	h := newTestHandler(t)

	body, _ := json.Marshal(submitRequest{Description: "scrape all the product listing pages today"})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var submitResp submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &submitResp); err != nil {
		t.Fatalf("decode submit response: %v", err)
	}
	if submitResp.TaskID == "" || submitResp.SubtasksCount == 0 || submitResp.InitialSubtasksQueued == 0 {
		t.Fatalf("unexpected submit response: %+v", submitResp)
	}

	getReq := httptest.NewRequest(http.MethodGet, "/tasks/"+submitResp.TaskID, nil)
	getRec := httptest.NewRecorder()
	h.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on get, got %d: %s", getRec.Code, getRec.Body.String())
	}
	var view taskView
	if err := json.Unmarshal(getRec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode task view: %v", err)
	}
	if view.Task.State != model.TaskRunning {
		t.Fatalf("expected RUNNING state, got %s", view.Task.State)
	}
}

func TestSubmitTaskRejectsShortDescription(t *testing.T) {
	h := newTestHandler(t)

	body, _ := json.Marshal(submitRequest{Description: "short"})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestGetUnknownTaskReturns404(t *testing.T) {
	h := newTestHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/tasks/does-not-exist", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCancelTaskTransitionsToCancelled(t *testing.T) {
	h := newTestHandler(t)

	body, _ := json.Marshal(submitRequest{Description: "a reasonably long description of work to do"})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var submitResp submitResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &submitResp)

	cancelReq := httptest.NewRequest(http.MethodPost, "/tasks/"+submitResp.TaskID+"/cancel", nil)
	cancelRec := httptest.NewRecorder()
	h.ServeHTTP(cancelRec, cancelReq)
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on cancel, got %d: %s", cancelRec.Code, cancelRec.Body.String())
	}

	var view taskView
	_ = json.Unmarshal(cancelRec.Body.Bytes(), &view)
	if view.Task.State != model.TaskCancelled {
		t.Fatalf("expected CANCELLED, got %s", view.Task.State)
	}

	// a second cancel attempt on an already-terminal task is rejected
	cancelRec2 := httptest.NewRecorder()
	h.ServeHTTP(cancelRec2, httptest.NewRequest(http.MethodPost, "/tasks/"+submitResp.TaskID+"/cancel", nil))
	if cancelRec2.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on double-cancel, got %d", cancelRec2.Code)
	}
}

func TestRegisterAndListWorkers(t *testing.T) {
	h := newTestHandler(t)

	regBody, _ := json.Marshal(registerRequest{WorkerID: "w1", Endpoint: "http://w1:9000", Capabilities: []model.Capability{model.CapabilityDataAnalysis}})
	regReq := httptest.NewRequest(http.MethodPost, "/workers/register", bytes.NewReader(regBody))
	regRec := httptest.NewRecorder()
	h.ServeHTTP(regRec, regReq)
	if regRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on register, got %d: %s", regRec.Code, regRec.Body.String())
	}

	listReq := httptest.NewRequest(http.MethodGet, "/workers", nil)
	listRec := httptest.NewRecorder()
	h.ServeHTTP(listRec, listReq)
	if listRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on list, got %d", listRec.Code)
	}
	var workers []model.Worker
	if err := json.Unmarshal(listRec.Body.Bytes(), &workers); err != nil {
		t.Fatalf("decode workers: %v", err)
	}
	if len(workers) != 1 || workers[0].ID != "w1" {
		t.Fatalf("expected registered worker in list, got %+v", workers)
	}

	availReq := httptest.NewRequest(http.MethodGet, "/workers/available?capability="+string(model.CapabilityDataAnalysis), nil)
	availRec := httptest.NewRecorder()
	h.ServeHTTP(availRec, availReq)
	if availRec.Code != http.StatusOK {
		t.Fatalf("expected 200 on available, got %d", availRec.Code)
	}
	if !strings.Contains(availRec.Body.String(), "w1") {
		t.Fatalf("expected w1 in available workers, got %s", availRec.Body.String())
	}
}
