package transfer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/modelkeeper/modelkeeper/internal/events"
	"github.com/modelkeeper/modelkeeper/internal/logging"
	"github.com/modelkeeper/modelkeeper/internal/metrics"
)

// Manager runs detached single-file downloads and keeps their bookkeeping.
//
// A task is in exactly one of two places: the active map while it is
// pending or running, and the history once it has finished or been
// cancelled. Task completion is silent; telling the user about it is up to
// whoever started the task.
type Manager struct {
	downloader Downloader
	bus        *events.EventBus
	logger     *logging.Logger

	mu      sync.Mutex
	active  map[string]*TaskRecord
	cancels map[string]context.CancelFunc
	history []TaskRecord

	// writers maps a destination to the task whose worker holds it. An entry
	// outlives a cancelled record until the worker goroutine has returned.
	writers map[string]string

	wg sync.WaitGroup
}

// NewManager creates a Manager running downloads through d. bus may be nil.
func NewManager(d Downloader, bus *events.EventBus, logger *logging.Logger) *Manager {
	return &Manager{
		downloader: d,
		bus:        bus,
		logger:     logging.OrNop(logger).Component("tasks"),
		active:     make(map[string]*TaskRecord),
		cancels:    make(map[string]context.CancelFunc),
		writers:    make(map[string]string),
	}
}

// Start registers a download of url into path and runs it in the background.
// It returns the task id immediately. The task stops when ctx is cancelled
// or when Cancel is called with its id.
//
// A path that another task's worker still holds is refused, even when that
// task was already cancelled: the new task goes straight to history as failed.
func (m *Manager) Start(ctx context.Context, url, path string, onProgress ProgressFunc) string {
	taskCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	id := m.newIDLocked()
	record := &TaskRecord{
		ID:    id,
		URL:   url,
		Path:  path,
		State: TaskPending,
	}

	if m.pathBusyLocked(path) {
		now := time.Now()
		record.State = TaskFailed
		record.Completed = true
		record.Error = ErrDestinationBusy.Error()
		record.StartTime = now
		record.EndTime = now
		m.history = append(m.history, *record)
		m.mu.Unlock()
		cancel()

		m.logger.Warn().Str("task_id", id).Str("path", path).Err(ErrDestinationBusy).Msg("Task refused")
		m.publish(events.EventTaskFailed, *record)
		return id
	}

	m.active[id] = record
	m.cancels[id] = cancel
	m.writers[path] = id
	m.wg.Add(1)
	m.mu.Unlock()

	metrics.ActiveTasks.Inc()
	go m.worker(taskCtx, id, url, path, onProgress)

	return id
}

// newIDLocked builds an id from the current time and the active count,
// suffixed if that id is somehow still in use.
func (m *Manager) newIDLocked() string {
	id := fmt.Sprintf("%d_%d", time.Now().UnixNano(), len(m.active))
	if _, taken := m.active[id]; !taken {
		return id
	}
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d", id, n)
		if _, taken := m.active[candidate]; !taken {
			return candidate
		}
	}
}

func (m *Manager) pathBusyLocked(path string) bool {
	_, busy := m.writers[path]
	return busy
}

// release frees path once the worker of task id has stopped touching it.
func (m *Manager) release(id, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writers[path] == id {
		delete(m.writers, path)
	}
}

func (m *Manager) worker(ctx context.Context, id, url, path string, onProgress ProgressFunc) {
	defer m.wg.Done()
	defer metrics.ActiveTasks.Dec()
	defer m.release(id, path)

	if snapshot, ok := m.update(id, func(r *TaskRecord) {
		r.State = TaskRunning
		r.StartTime = time.Now()
	}); ok {
		m.publish(events.EventTaskStarted, snapshot)
	}

	progress := func(downloaded, total int64, speed string) {
		snapshot, ok := m.update(id, func(r *TaskRecord) {
			r.Downloaded = downloaded
			r.Total = total
			r.Speed = speed
		})
		if ok {
			m.publish(events.EventTaskProgress, snapshot)
		}
		if onProgress != nil {
			onProgress(downloaded, total, speed)
		}
	}

	success, err := m.run(ctx, url, path, progress)
	if err != nil {
		m.logger.Error().Err(err).Str("task_id", id).Str("url", url).Msg("Background download failed")
	}

	m.finish(id, success, err)
}

// run calls the downloader, turning a panic into an error.
func (m *Manager) run(ctx context.Context, url, path string, progress ProgressFunc) (success bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			success = false
			err = fmt.Errorf("download panicked: %v", r)
		}
	}()
	return m.downloader.Download(ctx, url, path, progress, nil)
}

// update applies fn to an active record and returns a copy. It reports
// false when the task is no longer active.
func (m *Manager) update(id string, fn func(*TaskRecord)) (TaskRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.active[id]
	if !ok {
		return TaskRecord{}, false
	}
	fn(r)
	return *r, true
}

// finish moves a task from the active map to history. A task that was
// cancelled meanwhile is already in history and is left alone.
func (m *Manager) finish(id string, success bool, err error) {
	m.mu.Lock()
	r, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, id)
	cancel := m.cancels[id]
	delete(m.cancels, id)

	r.Completed = true
	r.Success = success
	r.EndTime = time.Now()
	if success {
		r.State = TaskCompleted
	} else {
		r.State = TaskFailed
	}
	if err != nil {
		r.Error = err.Error()
	}
	record := *r
	m.history = append(m.history, record)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	eventType := events.EventTaskCompleted
	if !success {
		eventType = events.EventTaskFailed
	}
	m.logger.Debug().Str("task_id", id).Bool("success", success).Dur("duration", record.Duration()).Msg("Task finished")
	m.publish(eventType, record)
}

// ListActive returns a snapshot of pending and running tasks keyed by id.
func (m *Manager) ListActive() map[string]TaskRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]TaskRecord, len(m.active))
	for id, r := range m.active {
		out[id] = *r
	}
	return out
}

// History returns finished and cancelled tasks in completion order.
func (m *Manager) History() []TaskRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TaskRecord, len(m.history))
	copy(out, m.history)
	return out
}

// Task looks a task up in the active map, then in history.
func (m *Manager) Task(id string) (TaskRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r, ok := m.active[id]; ok {
		return *r, true
	}
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].ID == id {
			return m.history[i], true
		}
	}
	return TaskRecord{}, false
}

// Cancel stops an active task and moves it to history as cancelled.
// The transfer observes the cancellation between chunks; a partial file is
// kept for a later resume. Cancel reports false for unknown or finished tasks.
func (m *Manager) Cancel(id string) bool {
	m.mu.Lock()
	r, ok := m.active[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.active, id)
	cancel := m.cancels[id]
	delete(m.cancels, id)

	r.State = TaskCancelled
	r.Completed = true
	r.EndTime = time.Now()
	if r.StartTime.IsZero() {
		r.StartTime = r.EndTime
	}
	record := *r
	m.history = append(m.history, record)
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	m.logger.Info().Str("task_id", id).Msg("Task cancelled")
	m.publish(events.EventTaskCancelled, record)
	return true
}

// Wait blocks until every started worker has returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) publish(eventType events.EventType, r TaskRecord) {
	if m.bus == nil {
		return
	}
	ev := &events.TaskEvent{
		BaseEvent:  events.BaseEvent{EventType: eventType, Time: time.Now()},
		TaskID:     r.ID,
		URL:        r.URL,
		Path:       r.Path,
		Downloaded: r.Downloaded,
		Total:      r.Total,
		Speed:      r.Speed,
	}
	if r.Error != "" {
		ev.Error = fmt.Errorf("%s", r.Error)
	}
	m.bus.Publish(ev)
}
