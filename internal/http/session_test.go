package http

import (
	"context"
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestSession(t *testing.T, srv *httptest.Server, apiKey string) *Session {
	t.Helper()
	s, err := NewSession(SessionOptions{
		APIKey:     apiKey,
		UserAgent:  "modelkeeper-test",
		HTTPClient: srv.Client(),
	})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return s
}

func TestOpenStream_Headers(t *testing.T) {
	var gotAuth, gotUA, gotRange, gotRequestID string
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotUA = r.Header.Get("User-Agent")
		gotRange = r.Header.Get("Range")
		gotRequestID = r.Header.Get(HeaderRequestID)
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	s := newTestSession(t, srv, "secret")
	header := nethttp.Header{}
	header.Set("Range", "bytes=4-")

	stream, err := s.OpenStream(context.Background(), srv.URL+"/file", header)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	defer stream.Close()

	if gotAuth != "Bearer secret" {
		t.Errorf("Expected bearer token, got %q", gotAuth)
	}
	if gotUA != "modelkeeper-test" {
		t.Errorf("Expected user agent, got %q", gotUA)
	}
	if gotRange != "bytes=4-" {
		t.Errorf("Expected range header to be forwarded, got %q", gotRange)
	}
	if gotRequestID == "" {
		t.Error("Expected a request id")
	}
	if stream.StatusCode != nethttp.StatusOK {
		t.Errorf("Expected 200, got %d", stream.StatusCode)
	}
	if stream.ContentLength != 5 {
		t.Errorf("Expected content length 5, got %d", stream.ContentLength)
	}
}

func TestOpenStream_NoAuthHeaderWithoutKey(t *testing.T) {
	var sawAuth bool
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		_, sawAuth = r.Header["Authorization"]
	}))
	defer srv.Close()

	stream, err := newTestSession(t, srv, "").OpenStream(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("OpenStream failed: %v", err)
	}
	stream.Close()

	if sawAuth {
		t.Error("Expected no Authorization header without an API key")
	}
}

func TestOpenStream_StatusErrors(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
	}{
		{nethttp.StatusUnauthorized, KindAuth},
		{nethttp.StatusForbidden, KindAuth},
		{nethttp.StatusNotFound, KindHTTP},
		{nethttp.StatusInternalServerError, KindHTTP},
	}

	for _, tt := range tests {
		srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
			w.WriteHeader(tt.status)
		}))

		_, err := newTestSession(t, srv, "k").OpenStream(context.Background(), srv.URL, nil)
		srv.Close()

		if err == nil {
			t.Fatalf("status %d: expected error", tt.status)
		}
		if got := Classify(err); got != tt.kind {
			t.Errorf("status %d: expected %s, got %s", tt.status, tt.kind, got)
		}
		var statusErr *StatusError
		if !errors.As(err, &statusErr) || statusErr.StatusCode != tt.status {
			t.Errorf("status %d: expected StatusError, got %v", tt.status, err)
		}
	}
}

func TestOpenStream_RangeNotSatisfiableIsReturned(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Range", "bytes */10")
		w.WriteHeader(nethttp.StatusRequestedRangeNotSatisfiable)
	}))
	defer srv.Close()

	stream, err := newTestSession(t, srv, "").OpenStream(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatalf("Expected 416 to be returned as a stream, got %v", err)
	}
	defer stream.Close()

	if stream.Header.Get("Content-Range") != "bytes */10" {
		t.Errorf("Expected Content-Range to be visible, got %q", stream.Header.Get("Content-Range"))
	}
}

func TestOpenStream_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {}))
	url := srv.URL
	client := srv.Client()
	srv.Close()

	s, err := NewSession(SessionOptions{HTTPClient: client})
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.OpenStream(context.Background(), url, nil)
	if err == nil {
		t.Fatal("Expected error for closed server")
	}
	if !IsNetworkError(err) {
		t.Errorf("Expected network error, got %s: %v", Classify(err), err)
	}
}

func TestDownloadFile(t *testing.T) {
	body := strings.Repeat("x", 10000)
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Write([]byte(body))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "images", "preview.png")
	var last int64
	ok, err := newTestSession(t, srv, "").DownloadFile(context.Background(), srv.URL, path, func(downloaded, total int64) {
		if downloaded < last {
			t.Errorf("Progress went backwards: %d after %d", downloaded, last)
		}
		last = downloaded
	})
	if !ok || err != nil {
		t.Fatalf("Expected success, got %v, %v", ok, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Expected file: %v", err)
	}
	if string(data) != body {
		t.Errorf("Expected %d bytes, got %d", len(body), len(data))
	}
	if last != int64(len(body)) {
		t.Errorf("Expected final progress %d, got %d", len(body), last)
	}
}

func TestDownloadFile_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusUnauthorized)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "preview.png")
	ok, err := newTestSession(t, srv, "bad").DownloadFile(context.Background(), srv.URL, path, nil)
	if ok {
		t.Error("Expected failure")
	}
	if !errors.Is(err, ErrAuthentication) {
		t.Errorf("Expected auth error, got %v", err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("Expected no file to be created")
	}
}

func TestDownloadFile_CancelledRemovesPartial(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.Write([]byte(strings.Repeat("a", 1000)))
		w.(nethttp.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	path := filepath.Join(t.TempDir(), "preview.png")

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	ok, err := newTestSession(t, srv, "").DownloadFile(ctx, srv.URL, path, nil)
	if ok || err == nil {
		t.Fatalf("Expected failure, got %v, %v", ok, err)
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		t.Error("Expected partial file to be removed")
	}
}

func TestThrottledSession(t *testing.T) {
	count := 0
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		count++
	}))
	defer srv.Close()

	s, err := NewSession(SessionOptions{
		HTTPClient:        srv.Client(),
		RequestsPerSecond: 1000,
		Burst:             1,
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		stream, err := s.OpenStream(context.Background(), srv.URL, nil)
		if err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		stream.Close()
	}
	if count != 3 {
		t.Errorf("Expected 3 requests, got %d", count)
	}
}

func TestNewThrottleRejectsZero(t *testing.T) {
	if _, err := NewThrottle(0, 1, nil, nil); !errors.Is(err, ErrInvalidRate) {
		t.Errorf("Expected ErrInvalidRate, got %v", err)
	}
	if _, err := NewThrottle(1, 0, nil, nil); !errors.Is(err, ErrInvalidRate) {
		t.Errorf("Expected ErrInvalidRate, got %v", err)
	}
}
