package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/modelkeeper/modelkeeper/internal/config"
	"github.com/modelkeeper/modelkeeper/internal/constants"
	"github.com/modelkeeper/modelkeeper/internal/http"
	"github.com/modelkeeper/modelkeeper/internal/logging"
	"github.com/modelkeeper/modelkeeper/internal/metrics"
	"github.com/modelkeeper/modelkeeper/internal/notify"
)

// errDuplicateDestination rejects a second batch item writing to the same path.
var errDuplicateDestination = errors.New("destination already used in this batch")

// FileDownloader performs a simple, non-resumable download of one file.
// *http.Session implements it.
type FileDownloader interface {
	DownloadFile(ctx context.Context, url, path string, onProgress func(downloaded, total int64)) (bool, error)
}

// Item is one batch entry.
type Item struct {
	URL  string
	Path string
}

// BatchProgressFunc receives the number of finished items, the batch size
// and a human readable description.
type BatchProgressFunc func(done, total int, description string)

// BatchDownloader fetches many small files, typically preview images,
// through a bounded worker pool.
type BatchDownloader struct {
	workers  int
	interval time.Duration
	sink     notify.Sink
	logger   *logging.Logger
}

// NewBatchDownloader creates a BatchDownloader. sink may be nil.
func NewBatchDownloader(settings config.TransferSettings, sink notify.Sink, logger *logging.Logger) *BatchDownloader {
	workers := settings.BatchWorkers
	if workers <= 0 {
		workers = constants.DefaultBatchWorkers
	}
	interval := settings.BatchProgressInterval
	if interval <= 0 {
		interval = constants.BatchProgressInterval
	}

	return &BatchDownloader{
		workers:  workers,
		interval: interval,
		sink:     sink,
		logger:   logging.OrNop(logger).Component("batch"),
	}
}

// batchState is the lock-guarded bookkeeping shared by workers and the
// flush ticker. Progress callbacks run under the lock, so they are
// serialized and never observe a decreasing count.
type batchState struct {
	mu         sync.Mutex
	total      int
	completed  int
	succeeded  int
	authErrs   []error
	pending    bool
	lastUpdate time.Time
	interval   time.Duration
	onProgress BatchProgressFunc
}

func (s *batchState) finish(ok bool, authErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.completed++
	if ok {
		s.succeeded++
	}
	if authErr != nil {
		s.authErrs = append(s.authErrs, authErr)
	}

	if time.Since(s.lastUpdate) >= s.interval || s.completed == s.total {
		s.broadcast()
	} else {
		s.pending = true
	}
}

// flush sends a coalesced update while the batch is still running.
func (s *batchState) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending && s.completed < s.total {
		s.broadcast()
	}
}

func (s *batchState) broadcast() {
	s.pending = false
	s.lastUpdate = time.Now()
	if s.onProgress != nil {
		s.onProgress(s.completed, s.total, fmt.Sprintf("Downloading image %d/%d", s.completed, s.total))
	}
}

// Download fetches every item with client and returns how many succeeded.
//
// Items never abort the batch. Authentication failures are collected and
// the first one is reported through the notification sink once the pool
// drains; other failures are logged. onProgress, when set, receives
// throttled intermediate updates and always one final
// "Downloaded n/total images" update.
func (b *BatchDownloader) Download(ctx context.Context, items []Item, onProgress BatchProgressFunc, client FileDownloader) int {
	if len(items) == 0 {
		return 0
	}

	state := &batchState{
		total:      len(items),
		lastUpdate: time.Now(),
		interval:   b.interval,
		onProgress: onProgress,
	}

	stop := make(chan struct{})
	var tickerDone sync.WaitGroup
	tickerDone.Add(1)
	go func() {
		defer tickerDone.Done()
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				state.flush()
			}
		}
	}()

	defer func() {
		close(stop)
		tickerDone.Wait()

		state.mu.Lock()
		defer state.mu.Unlock()
		if onProgress != nil {
			onProgress(state.succeeded, state.total, fmt.Sprintf("Downloaded %d/%d images", state.succeeded, state.total))
		}
	}()

	workers := b.workers
	if workers > len(items) {
		workers = len(items)
	}

	var g errgroup.Group
	g.SetLimit(workers)

	seen := make(map[string]struct{}, len(items))
	for _, item := range items {
		if _, dup := seen[item.Path]; dup {
			b.logger.Warn().Str("url", item.URL).Str("path", item.Path).Err(errDuplicateDestination).Msg("Skipping image")
			metrics.BatchItems.WithLabelValues(metrics.OutcomeFailure).Inc()
			state.finish(false, nil)
			continue
		}
		seen[item.Path] = struct{}{}

		item := item
		g.Go(func() error {
			ok, authErr := b.fetch(ctx, client, item)
			state.finish(ok, authErr)
			return nil
		})
	}
	_ = g.Wait()

	state.mu.Lock()
	authErrs := append([]error(nil), state.authErrs...)
	succeeded := state.succeeded
	state.mu.Unlock()

	if len(authErrs) > 0 {
		first := authErrs[0]
		if b.sink != nil {
			b.sink.ShowError("Authentication failed", first.Error())
		}
		b.logger.Error().
			Err(first).
			Int("count", len(authErrs)).
			Msg("Image downloads rejected by the server")
	}

	b.logger.Debug().
		Int("succeeded", succeeded).
		Int("total", len(items)).
		Msg("Batch finished")

	return succeeded
}

// fetch downloads one item. It returns whether the item succeeded and, for
// authentication failures, the error to aggregate. Panics count as failures.
func (b *BatchDownloader) fetch(ctx context.Context, client FileDownloader, item Item) (ok bool, authErr error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error().Str("url", item.URL).Interface("panic", r).Msg("Image download panicked")
			metrics.BatchItems.WithLabelValues(metrics.OutcomeFailure).Inc()
			ok, authErr = false, nil
		}
	}()

	if err := ctx.Err(); err != nil {
		metrics.BatchItems.WithLabelValues(metrics.OutcomeCancelled).Inc()
		return false, nil
	}

	ok, err := client.DownloadFile(ctx, item.URL, item.Path, nil)
	switch {
	case err != nil && http.IsAuthError(err):
		metrics.BatchItems.WithLabelValues(metrics.OutcomeAuth).Inc()
		return false, err
	case err != nil:
		b.logger.Warn().Err(err).Str("url", item.URL).Str("kind", http.Classify(err).String()).Msg("Image download failed")
		metrics.BatchItems.WithLabelValues(metrics.OutcomeFailure).Inc()
		return false, nil
	case !ok:
		b.logger.Warn().Str("url", item.URL).Msg("Image download failed")
		metrics.BatchItems.WithLabelValues(metrics.OutcomeFailure).Inc()
		return false, nil
	}

	metrics.BatchItems.WithLabelValues(metrics.OutcomeSuccess).Inc()
	return true, nil
}
