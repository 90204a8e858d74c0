// Package transfer implements the download engine: resumable single-file
// transfers, parallel image batches and detached background tasks.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/modelkeeper/modelkeeper/internal/config"
	"github.com/modelkeeper/modelkeeper/internal/constants"
	"github.com/modelkeeper/modelkeeper/internal/diskspace"
	"github.com/modelkeeper/modelkeeper/internal/http"
	"github.com/modelkeeper/modelkeeper/internal/logging"
	"github.com/modelkeeper/modelkeeper/internal/metrics"
	"github.com/modelkeeper/modelkeeper/internal/notify"
)

// Streamer opens streamed GET requests. *http.Session implements it.
type Streamer interface {
	OpenStream(ctx context.Context, url string, header nethttp.Header) (*http.Stream, error)
}

// ProgressFunc receives the bytes on disk so far, the expected total (0 when
// unknown) and the formatted speed since the previous call.
type ProgressFunc func(downloaded, total int64, speed string)

// Downloader runs one single-file download. Failures other than
// authentication are reported as false with a nil error.
type Downloader interface {
	Download(ctx context.Context, url, dest string, onProgress ProgressFunc, header nethttp.Header) (bool, error)
}

// FileTransfer downloads single files with resume support.
//
// It holds no per-download state, so one FileTransfer can serve concurrent
// downloads as long as their destinations differ.
type FileTransfer struct {
	streamer Streamer
	settings config.TransferSettings
	sink     notify.Sink
	logger   *logging.Logger
	policies []http.Policy
}

// NewFileTransfer creates a FileTransfer. sink may be nil, in which case
// warnings are only logged.
func NewFileTransfer(streamer Streamer, settings config.TransferSettings, sink notify.Sink, logger *logging.Logger) *FileTransfer {
	if settings.ChunkSize <= 0 {
		settings.ChunkSize = constants.DefaultChunkSize
	}
	if settings.FileProgressInterval <= 0 {
		settings.FileProgressInterval = constants.FileProgressInterval
	}

	t := &FileTransfer{
		streamer: streamer,
		settings: settings,
		sink:     sink,
		logger:   logging.OrNop(logger).Component("transfer"),
	}
	t.SetPolicies(http.DefaultPolicies()...)
	return t
}

// SetPolicies replaces the retry chain used by DownloadWithRetry.
func (t *FileTransfer) SetPolicies(policies ...http.Policy) {
	t.policies = make([]http.Policy, len(policies))
	for i, p := range policies {
		p.OnRetry = t.logRetry(p.Name)
		t.policies[i] = p
	}
}

func (t *FileTransfer) logRetry(policy string) func(int, error) {
	return func(attempt int, err error) {
		t.logger.Warn().
			Err(err).
			Str("policy", policy).
			Int("attempt", attempt+1).
			Msg("Retrying download")
	}
}

// Download makes one attempt to fetch url into dest.
//
// It returns true on success. Network, HTTP, local file and unknown
// failures are logged and reported as false with a nil error. An
// authentication failure is returned as an error matching
// http.ErrAuthentication so the caller can react to bad credentials.
func (t *FileTransfer) Download(ctx context.Context, url, dest string, onProgress ProgressFunc, header nethttp.Header) (bool, error) {
	err := t.Fetch(ctx, url, dest, onProgress, header)
	return t.settle(url, dest, err)
}

// DownloadWithRetry is Download guarded by the auth, network and file retry
// policies.
func (t *FileTransfer) DownloadWithRetry(ctx context.Context, url, dest string, onProgress ProgressFunc, header nethttp.Header) (bool, error) {
	op := func(ctx context.Context) (bool, error) {
		err := t.Fetch(ctx, url, dest, onProgress, header)
		return err == nil, err
	}

	ok, err := http.Chain(ctx, op, t.policies...)
	if err != nil {
		return t.settle(url, dest, err)
	}
	if ok {
		metrics.Transfers.WithLabelValues(metrics.OutcomeSuccess).Inc()
	} else {
		metrics.Transfers.WithLabelValues(metrics.OutcomeFailure).Inc()
		t.logger.Error().Str("url", url).Str("dest", dest).Msg("Download failed after retries")
	}
	return ok, nil
}

// Retrying returns a Downloader that uses DownloadWithRetry.
func (t *FileTransfer) Retrying() Downloader {
	return retrying{t}
}

type retrying struct{ t *FileTransfer }

func (r retrying) Download(ctx context.Context, url, dest string, onProgress ProgressFunc, header nethttp.Header) (bool, error) {
	return r.t.DownloadWithRetry(ctx, url, dest, onProgress, header)
}

// settle converts the result of Fetch into the Download contract.
func (t *FileTransfer) settle(url, dest string, err error) (bool, error) {
	if err == nil {
		metrics.Transfers.WithLabelValues(metrics.OutcomeSuccess).Inc()
		return true, nil
	}

	kind := http.Classify(err)
	switch kind {
	case http.KindAuth:
		metrics.Transfers.WithLabelValues(metrics.OutcomeAuth).Inc()
		t.logger.Error().Err(err).Str("url", url).Msg("Authentication failed")
		return false, err
	case http.KindCancelled:
		metrics.Transfers.WithLabelValues(metrics.OutcomeCancelled).Inc()
		t.logger.Info().Str("url", url).Str("dest", dest).Msg("Download cancelled")
		return false, nil
	}

	metrics.Transfers.WithLabelValues(metrics.OutcomeFailure).Inc()

	var event *zerolog.Event
	switch kind {
	case http.KindTimeout, http.KindConnection, http.KindHTTP:
		event = t.logger.Warn()
	case http.KindUnknown:
		event = t.logger.Error().Bool("unknown", true)
	default:
		event = t.logger.Error()
	}
	event.Err(err).
		Str("kind", kind.String()).
		Str("url", url).
		Str("dest", dest).
		Msg("Download failed")
	return false, nil
}

// Fetch makes a single attempt to download url into dest and returns the
// classified failure, if any. It is the primitive that retry policies wrap.
//
// When resume is enabled and dest already holds bytes, only the remainder is
// requested with a Range header and appended. A server that ignores the
// range gets a fresh download. A 416 answer whose Content-Range total equals
// the local size means dest is already complete.
//
// On failure a zero-byte dest is removed; partial content is kept for a
// later resume.
func (t *FileTransfer) Fetch(ctx context.Context, url, dest string, onProgress ProgressFunc, header nethttp.Header) error {
	header = header.Clone()
	if header == nil {
		header = nethttp.Header{}
	}

	var pos int64
	if t.settings.ResumeEnabled {
		if info, err := os.Stat(dest); err == nil && info.Mode().IsRegular() {
			pos = info.Size()
		}
	}
	if pos > 0 {
		header.Set("Range", fmt.Sprintf("bytes=%d-", pos))
	}

	stream, err := t.streamer.OpenStream(ctx, url, header)
	if err != nil {
		t.cleanup(dest)
		return http.Wrap("request", url, err)
	}
	defer stream.Close()

	switch stream.StatusCode {
	case nethttp.StatusRequestedRangeNotSatisfiable:
		if pos > 0 && rangeTotal(stream.Header.Get("Content-Range")) == pos {
			t.logger.Info().Str("dest", dest).Int64("bytes", pos).Msg("File already complete")
			if onProgress != nil {
				onProgress(pos, pos, FormatSpeed(0))
			}
			return nil
		}
		return http.Wrap("request", url, &http.StatusError{StatusCode: stream.StatusCode, URL: url})
	case nethttp.StatusPartialContent:
	default:
		if pos > 0 {
			t.logger.Info().Str("url", url).Int64("offset", pos).Msg("Server ignored range request, restarting download")
			pos = 0
		}
	}

	var total int64
	if stream.ContentLength >= 0 {
		total = stream.ContentLength + pos
	}

	if err := os.MkdirAll(filepath.Dir(dest), constants.DirPermissions); err != nil {
		return http.Wrap("create", url, err)
	}

	if t.settings.CheckDiskSpace && stream.ContentLength > 0 {
		if err := diskspace.CheckAvailableSpace(dest, stream.ContentLength, constants.DiskSpaceSafetyMargin); err != nil {
			t.cleanup(dest)
			return http.Wrap("precheck", url, err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if pos > 0 {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(dest, flags, constants.FilePermissions)
	if err != nil {
		return http.Wrap("open", url, err)
	}

	if t.settings.ResumeEnabled && pos > 0 {
		t.logger.Info().Str("dest", dest).Int64("offset", pos).Int64("total", total).Msg("Resuming download")
	}

	copyErr := t.copyChunks(ctx, f, stream.Body, pos, total, onProgress)
	closeErr := f.Close()
	if copyErr == nil && closeErr != nil {
		copyErr = http.Wrap("close", url, closeErr)
	}
	if copyErr != nil {
		t.cleanup(dest)
		return http.Wrap("download", url, copyErr)
	}

	return t.validate(dest, total)
}

// copyChunks streams body into f, checking ctx between chunks and throttling
// progress callbacks. The final callback always fires at end of stream.
func (t *FileTransfer) copyChunks(ctx context.Context, f *os.File, body io.Reader, pos, total int64, onProgress ProgressFunc) error {
	buf := make([]byte, t.settings.ChunkSize)
	downloaded := pos
	lastUpdate := time.Now()
	lastBytes := pos

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := body.Read(buf)
		if n > 0 {
			if _, err := f.Write(buf[:n]); err != nil {
				return err
			}
			downloaded += int64(n)
			metrics.TransferBytes.Add(float64(n))
		}

		final := errors.Is(readErr, io.EOF)
		if readErr != nil && !final {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return readErr
		}

		if onProgress != nil {
			now := time.Now()
			elapsed := now.Sub(lastUpdate)
			if final || elapsed >= t.settings.FileProgressInterval {
				var speed float64
				if secs := elapsed.Seconds(); secs > 0 {
					speed = float64(downloaded-lastBytes) / secs
				}
				onProgress(downloaded, total, FormatSpeed(speed))
				lastUpdate = now
				lastBytes = downloaded
			}
		}

		if final {
			return nil
		}
	}
}

// validate checks dest against the expected size and warns once on mismatch.
// The file is kept either way.
func (t *FileTransfer) validate(dest string, expected int64) error {
	info, err := os.Stat(dest)
	if err != nil {
		return http.Wrap("validate", "", err)
	}

	actual := info.Size()
	if ValidateSize(actual, expected, t.settings.SizeTolerance) {
		return nil
	}

	msg := fmt.Sprintf("%s is %d bytes, expected %d", filepath.Base(dest), actual, expected)
	if t.sink != nil {
		t.sink.ShowWarning("Size mismatch", msg)
	} else {
		t.logger.Warn().Str("dest", dest).Int64("actual", actual).Int64("expected", expected).Msg("Size mismatch")
	}

	return &http.Error{
		Kind: http.KindSizeMismatch,
		Op:   "validate",
		Err:  fmt.Errorf("%w: %s", http.ErrSizeMismatch, msg),
	}
}

// ValidateSize reports whether actual is within tolerance of expected.
// An expected size of zero or less cannot be checked and always passes.
func ValidateSize(actual, expected int64, tolerance float64) bool {
	if expected <= 0 {
		return true
	}
	ratio := math.Abs(float64(actual-expected)) / float64(expected)
	return ratio <= tolerance
}

// cleanup removes dest if it exists and is empty.
func (t *FileTransfer) cleanup(dest string) {
	info, err := os.Stat(dest)
	if err != nil || !info.Mode().IsRegular() || info.Size() != 0 {
		return
	}
	if err := os.Remove(dest); err != nil {
		t.logger.Debug().Err(err).Str("dest", dest).Msg("Failed to remove empty partial file")
	}
}

// rangeTotal parses the complete length from a Content-Range header such as
// "bytes */1234" or "bytes 0-99/1234". It returns -1 when unknown.
func rangeTotal(contentRange string) int64 {
	_, after, ok := strings.Cut(contentRange, "/")
	if !ok || after == "*" {
		return -1
	}
	n, err := strconv.ParseInt(strings.TrimSpace(after), 10, 64)
	if err != nil {
		return -1
	}
	return n
}
