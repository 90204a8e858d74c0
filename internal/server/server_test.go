package server

import (
	"context"
	"encoding/json"
	nethttp "net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/modelkeeper/modelkeeper/internal/transfer"
)

type fakeTasks struct {
	active    map[string]transfer.TaskRecord
	history   []transfer.TaskRecord
	cancelled []string
}

func (f *fakeTasks) ListActive() map[string]transfer.TaskRecord { return f.active }
func (f *fakeTasks) History() []transfer.TaskRecord             { return f.history }

func (f *fakeTasks) Task(id string) (transfer.TaskRecord, bool) {
	rec, ok := f.active[id]
	return rec, ok
}

func (f *fakeTasks) Cancel(id string) bool {
	if _, ok := f.active[id]; !ok {
		return false
	}
	f.cancelled = append(f.cancelled, id)
	return true
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{
		active: map[string]transfer.TaskRecord{
			"2_0": {ID: "2_0", URL: "https://x/b", State: transfer.TaskRunning},
			"1_0": {ID: "1_0", URL: "https://x/a", State: transfer.TaskPending},
		},
		history: []transfer.TaskRecord{
			{ID: "0_0", State: transfer.TaskCompleted, Completed: true, Success: true},
		},
	}
}

func serve(t *testing.T, tasks Tasks, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	NewRouter(tasks, nil).ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	w := serve(t, newFakeTasks(), nethttp.MethodGet, "/healthz")
	if w.Code != nethttp.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	if got := w.Body.String(); got != "ok" {
		t.Errorf("Expected body 'ok', got %q", got)
	}
}

func TestListActiveSorted(t *testing.T) {
	w := serve(t, newFakeTasks(), nethttp.MethodGet, "/v1/tasks")
	if w.Code != nethttp.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}

	var got []transfer.TaskRecord
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(got) != 2 || got[0].ID != "1_0" || got[1].ID != "2_0" {
		t.Errorf("Expected tasks sorted by id, got %+v", got)
	}
}

func TestHistory(t *testing.T) {
	w := serve(t, newFakeTasks(), nethttp.MethodGet, "/v1/tasks/history")

	var got []transfer.TaskRecord
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("Invalid JSON: %v", err)
	}
	if len(got) != 1 || got[0].State != transfer.TaskCompleted {
		t.Errorf("Unexpected history: %+v", got)
	}
}

func TestGetTask(t *testing.T) {
	tasks := newFakeTasks()

	if w := serve(t, tasks, nethttp.MethodGet, "/v1/tasks/1_0"); w.Code != nethttp.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if w := serve(t, tasks, nethttp.MethodGet, "/v1/tasks/nope"); w.Code != nethttp.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestCancelTask(t *testing.T) {
	tasks := newFakeTasks()

	if w := serve(t, tasks, nethttp.MethodDelete, "/v1/tasks/2_0"); w.Code != nethttp.StatusNoContent {
		t.Errorf("Expected 204, got %d", w.Code)
	}
	if len(tasks.cancelled) != 1 || tasks.cancelled[0] != "2_0" {
		t.Errorf("Expected 2_0 to be cancelled, got %v", tasks.cancelled)
	}
	if w := serve(t, tasks, nethttp.MethodDelete, "/v1/tasks/missing"); w.Code != nethttp.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	w := serve(t, newFakeTasks(), nethttp.MethodGet, "/metrics")
	if w.Code != nethttp.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, "127.0.0.1:0", newFakeTasks(), nil)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNilTasksServesOnlyHealthAndMetrics(t *testing.T) {
	if w := serve(t, nil, nethttp.MethodGet, "/healthz"); w.Code != nethttp.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	if w := serve(t, nil, nethttp.MethodGet, "/v1/tasks"); w.Code != nethttp.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}
