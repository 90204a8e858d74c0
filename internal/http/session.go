package http

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/modelkeeper/modelkeeper/internal/constants"
	"github.com/modelkeeper/modelkeeper/internal/logging"
	"github.com/modelkeeper/modelkeeper/internal/metrics"
)

// HeaderRequestID carries a per-request id for correlating server logs.
const HeaderRequestID = "X-Request-ID"

// Stream is an open GET response whose body the caller must close.
type Stream struct {
	StatusCode    int
	Header        nethttp.Header
	ContentLength int64
	Body          io.ReadCloser
}

// Close closes the response body.
func (s *Stream) Close() error {
	if s == nil || s.Body == nil {
		return nil
	}
	return s.Body.Close()
}

// SessionOptions configures a Session.
type SessionOptions struct {
	APIKey    string
	UserAgent string

	// RequestsPerSecond throttles requests when positive.
	RequestsPerSecond float64
	Burst             int

	// RetryMax is the request layer retry count for 429/5xx and transport errors.
	RetryMax int

	// HTTPClient overrides the optimized default client. Tests pass the
	// client of an httptest server here.
	HTTPClient *nethttp.Client

	Logger *logging.Logger
}

// Session performs authenticated GET requests against the content API.
// It is safe for concurrent use.
type Session struct {
	client    *retryablehttp.Client
	apiKey    string
	userAgent string
	logger    *logging.Logger
}

// retryLogger implements the retryablehttp.LeveledLogger interface
type retryLogger struct {
	logger *logging.Logger
}

func (l *retryLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l *retryLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Warn().Fields(keysAndValues).Msg(msg)
}

// NewSession creates a Session.
func NewSession(opts SessionOptions) (*Session, error) {
	logger := logging.OrNop(opts.Logger).Component("session")

	base := opts.HTTPClient
	if base == nil {
		base = CreateOptimizedClient()
	}

	if opts.RequestsPerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = constants.DefaultRequestBurst
		}
		throttled, err := NewThrottle(opts.RequestsPerSecond, burst, logger, base.Transport)
		if err != nil {
			return nil, fmt.Errorf("failed to configure request throttle: %w", err)
		}
		clone := *base
		clone.Transport = throttled
		base = &clone
	}

	rc := retryablehttp.NewClient()
	rc.HTTPClient = base
	rc.RetryMax = opts.RetryMax
	rc.RetryWaitMin = constants.RequestRetryWaitMin
	rc.RetryWaitMax = constants.RequestRetryWaitMax
	rc.Logger = &retryLogger{logger: logger}
	// Hand the final response or transport error back unchanged so status
	// codes reach classification.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	userAgent := opts.UserAgent
	if userAgent == "" {
		userAgent = constants.AppName + "/" + constants.Version
	}

	return &Session{
		client:    rc,
		apiKey:    opts.APIKey,
		userAgent: userAgent,
		logger:    logger,
	}, nil
}

// OpenStream issues a GET for rawURL with the given extra headers.
//
// Responses with status 400 or above fail with a *StatusError, except 416
// (Range Not Satisfiable), which is returned as a Stream so that resuming
// callers can inspect Content-Range.
func (s *Session) OpenStream(ctx context.Context, rawURL string, header nethttp.Header) (*Stream, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, nethttp.MethodGet, rawURL, nil)
	if err != nil {
		return nil, Wrap("request", rawURL, err)
	}

	req.Header.Set("User-Agent", s.userAgent)
	req.Header.Set(HeaderRequestID, uuid.NewString())
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	for key, values := range header {
		req.Header.Del(key)
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	// With retries exhausted on a 5xx the passthrough handler returns the
	// last response together with the retry policy error; the status code
	// is the more useful of the two.
	resp, err := s.client.Do(req)
	if err != nil && resp == nil {
		return nil, Wrap("request", rawURL, err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode != nethttp.StatusRequestedRangeNotSatisfiable {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, Wrap("request", rawURL, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			URL:        rawURL,
		})
	}

	s.logger.Debug().
		Str("url", rawURL).
		Int("status", resp.StatusCode).
		Int64("content_length", resp.ContentLength).
		Str("request_id", req.Header.Get(HeaderRequestID)).
		Msg("Stream opened")

	return &Stream{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header,
		ContentLength: resp.ContentLength,
		Body:          resp.Body,
	}, nil
}

// DownloadFile fetches rawURL into path in one pass without resume.
// A partially written file is removed on failure. onProgress may be nil.
func (s *Session) DownloadFile(ctx context.Context, rawURL, path string, onProgress func(downloaded, total int64)) (bool, error) {
	stream, err := s.OpenStream(ctx, rawURL, nil)
	if err != nil {
		return false, err
	}
	defer stream.Close()

	if stream.StatusCode == nethttp.StatusRequestedRangeNotSatisfiable {
		return false, Wrap("request", rawURL, &StatusError{StatusCode: stream.StatusCode, URL: rawURL})
	}

	if err := os.MkdirAll(filepath.Dir(path), constants.DirPermissions); err != nil {
		return false, Wrap("create", rawURL, err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, constants.FilePermissions)
	if err != nil {
		return false, Wrap("create", rawURL, err)
	}

	pw := &progressWriter{w: f, total: stream.ContentLength, onProgress: onProgress}
	_, copyErr := io.Copy(pw, &contextReader{ctx: ctx, r: stream.Body})
	closeErr := f.Close()
	metrics.TransferBytes.Add(float64(pw.written))

	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		os.Remove(path)
		return false, Wrap("write", rawURL, copyErr)
	}

	return true, nil
}

// progressWriter counts bytes written and reports them after every write.
type progressWriter struct {
	w          io.Writer
	written    int64
	total      int64
	onProgress func(downloaded, total int64)
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.written += int64(n)
	if pw.onProgress != nil {
		pw.onProgress(pw.written, pw.total)
	}
	return n, err
}

// contextReader stops a copy once ctx is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *contextReader) Read(p []byte) (int, error) {
	if err := cr.ctx.Err(); err != nil {
		return 0, err
	}
	return cr.r.Read(p)
}
