// Package server exposes background task state and Prometheus metrics over
// HTTP while a long-running command such as "queue" is active.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	nethttp "net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/modelkeeper/modelkeeper/internal/constants"
	"github.com/modelkeeper/modelkeeper/internal/logging"
	"github.com/modelkeeper/modelkeeper/internal/metrics"
	"github.com/modelkeeper/modelkeeper/internal/transfer"
)

// Tasks is the part of transfer.Manager the status endpoints read.
type Tasks interface {
	ListActive() map[string]transfer.TaskRecord
	History() []transfer.TaskRecord
	Task(id string) (transfer.TaskRecord, bool)
	Cancel(id string) bool
}

var _ Tasks = (*transfer.Manager)(nil)

type handler struct {
	tasks  Tasks
	logger *logging.Logger
}

// NewRouter sets up the status routes. The task routes are only added
// when tasks is non-nil.
func NewRouter(tasks Tasks, logger *logging.Logger) *mux.Router {
	h := &handler{tasks: tasks, logger: logging.OrNop(logger).Component("server")}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			h.logger.Error().Err(err).Msg("write healthz response")
		}
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.Use(h.log)

	if tasks == nil {
		return r
	}

	api := r.PathPrefix("/v1").Subrouter()

	get := api.Methods("GET").Subrouter()
	get.HandleFunc("/tasks", h.listActive)
	get.HandleFunc("/tasks/history", h.history)
	get.HandleFunc("/tasks/{id}", h.getTask)

	del := api.Methods("DELETE").Subrouter()
	del.HandleFunc("/tasks/{id}", h.cancelTask)

	return r
}

func (h *handler) listActive(w nethttp.ResponseWriter, r *nethttp.Request) {
	active := h.tasks.ListActive()
	list := make([]transfer.TaskRecord, 0, len(active))
	for _, rec := range active {
		list = append(list, rec)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	h.writeJSON(w, nethttp.StatusOK, list)
}

func (h *handler) history(w nethttp.ResponseWriter, r *nethttp.Request) {
	h.writeJSON(w, nethttp.StatusOK, h.tasks.History())
}

func (h *handler) getTask(w nethttp.ResponseWriter, r *nethttp.Request) {
	rec, ok := h.tasks.Task(mux.Vars(r)["id"])
	if !ok {
		nethttp.Error(w, "Not Found", nethttp.StatusNotFound)
		return
	}
	h.writeJSON(w, nethttp.StatusOK, rec)
}

func (h *handler) cancelTask(w nethttp.ResponseWriter, r *nethttp.Request) {
	if !h.tasks.Cancel(mux.Vars(r)["id"]) {
		nethttp.Error(w, "Not Found", nethttp.StatusNotFound)
		return
	}
	w.WriteHeader(nethttp.StatusNoContent)
}

func (h *handler) writeJSON(w nethttp.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("encode response")
	}
}

type statusRecorder struct {
	nethttp.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (h *handler) log(next nethttp.Handler) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: nethttp.StatusOK}
		next.ServeHTTP(rec, r)
		h.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

// Run serves the status routes on addr until ctx is cancelled, then shuts
// the server down gracefully.
func Run(ctx context.Context, addr string, tasks Tasks, logger *logging.Logger) error {
	metrics.Register()
	logger = logging.OrNop(logger)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &nethttp.Server{
		Handler:           NewRouter(tasks, logger),
		ReadHeaderTimeout: constants.MetricsReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", ln.Addr().String()).Msg("Status server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, nethttp.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.MetricsShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}
