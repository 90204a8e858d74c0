package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/url"
	"os"
	"strings"
	"syscall"

	"github.com/modelkeeper/modelkeeper/internal/diskspace"
)

// ErrAuthentication is matched by every error that means the server rejected
// our credentials. Callers test for it with errors.Is.
var ErrAuthentication = errors.New("authentication failed")

// ErrSizeMismatch is returned when a finished file is outside the size tolerance.
var ErrSizeMismatch = errors.New("size mismatch")

// StatusError is a non-success HTTP response.
type StatusError struct {
	StatusCode int
	Status     string
	URL        string
}

func (e *StatusError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %s for %s", status, e.URL)
}

// Is reports 401 and 403 responses as ErrAuthentication.
func (e *StatusError) Is(target error) bool {
	return target == ErrAuthentication &&
		(e.StatusCode == 401 || e.StatusCode == 403)
}

// Kind classifies transfer failures for retry and reporting decisions.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuth
	KindTimeout
	KindConnection
	KindHTTP
	KindLocalFile
	KindSizeMismatch
	KindCancelled
)

// String returns a lowercase name used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindHTTP:
		return "http"
	case KindLocalFile:
		return "local_file"
	case KindSizeMismatch:
		return "size_mismatch"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a classified transfer failure.
type Error struct {
	Kind Kind
	Op   string // "request", "open", "write", "validate", ...
	URL  string
	Err  error
}

func (e *Error) Error() string {
	if e.URL != "" {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets an auth-classified Error match ErrAuthentication even when the
// underlying error came from the string fallback.
func (e *Error) Is(target error) bool {
	return target == ErrAuthentication && e.Kind == KindAuth
}

// Wrap classifies err and wraps it with operation context.
// A nil err returns nil; an already classified *Error is returned unchanged.
func Wrap(op, rawURL string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: Classify(err), Op: op, URL: rawURL, Err: err}
}

// Classify determines the Kind of err. Typed errors are inspected first;
// messages are matched only when nothing typed is found.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}

	if errors.Is(err, ErrAuthentication) {
		return KindAuth
	}
	if errors.Is(err, ErrSizeMismatch) {
		return KindSizeMismatch
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return KindTimeout
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return KindHTTP
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	if diskspace.IsInsufficientSpaceError(err) || errors.Is(err, syscall.ENOSPC) {
		return KindLocalFile
	}

	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, io.ErrUnexpectedEOF) {
		return KindConnection
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	var urlErr *url.Error
	if errors.As(err, &opErr) || errors.As(err, &dnsErr) || errors.As(err, &urlErr) {
		return KindConnection
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, fs.ErrPermission) {
		return KindLocalFile
	}

	return classifyMessage(err.Error())
}

// classifyMessage matches well-known error text from libraries that do not
// expose typed errors.
func classifyMessage(msg string) Kind {
	s := strings.ToLower(msg)

	switch {
	case containsAny(s, "unauthorized", "forbidden", "invalid token", "authentication failed", "expired token"):
		return KindAuth
	case containsAny(s, "no space left", "disk full", "not enough space", "insufficient disk space", "quota exceeded"):
		return KindLocalFile
	case containsAny(s, "i/o timeout", "tls handshake timeout", "timeout", "deadline exceeded"):
		return KindTimeout
	case containsAny(s, "connection reset", "connection refused", "broken pipe", "no such host",
		"network is unreachable", "unexpected eof", "server closed"):
		return KindConnection
	}
	return KindUnknown
}

func containsAny(s string, indicators ...string) bool {
	for _, indicator := range indicators {
		if strings.Contains(s, indicator) {
			return true
		}
	}
	return false
}

// IsAuthError reports whether err is an authentication failure.
func IsAuthError(err error) bool {
	return Classify(err) == KindAuth
}

// IsNetworkError reports timeouts, connection failures and HTTP status errors.
func IsNetworkError(err error) bool {
	switch Classify(err) {
	case KindTimeout, KindConnection, KindHTTP:
		return true
	}
	return false
}

// IsLocalFileError reports failures to create, open or write local files.
func IsLocalFileError(err error) bool {
	return Classify(err) == KindLocalFile
}
