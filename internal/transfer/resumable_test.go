package transfer

import (
	"bytes"
	"context"
	"errors"
	nethttp "net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelkeeper/modelkeeper/internal/config"
	"github.com/modelkeeper/modelkeeper/internal/events"
	"github.com/modelkeeper/modelkeeper/internal/http"
	"github.com/modelkeeper/modelkeeper/internal/notify"
)

func testSettings() config.TransferSettings {
	s := config.DefaultTransferSettings()
	s.ChunkSize = 4
	s.FileProgressInterval = time.Millisecond
	s.CheckDiskSpace = false
	return s
}

func newTestTransfer(t *testing.T, srv *httptest.Server, sink notify.Sink) *FileTransfer {
	t.Helper()
	session, err := http.NewSession(http.SessionOptions{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	return NewFileTransfer(session, testSettings(), sink, nil)
}

// rangeServer serves content with Range support and records the Range
// header of every request.
func rangeServer(content []byte) (*httptest.Server, *[]string) {
	var mu sync.Mutex
	ranges := []string{}
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		mu.Lock()
		ranges = append(ranges, r.Header.Get("Range"))
		mu.Unlock()
		nethttp.ServeContent(w, r, "model.bin", time.Time{}, bytes.NewReader(content))
	}))
	return srv, &ranges
}

func TestDownload_Fresh(t *testing.T) {
	content := []byte("0123456789abcdef")
	srv, ranges := rangeServer(content)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "nested", "model.bin")
	ok, err := newTestTransfer(t, srv, nil).Download(context.Background(), srv.URL, dest, nil, nil)
	if !ok || err != nil {
		t.Fatalf("Expected success, got %v, %v", ok, err)
	}

	data, _ := os.ReadFile(dest)
	if !bytes.Equal(data, content) {
		t.Errorf("Expected %q, got %q", content, data)
	}
	if (*ranges)[0] != "" {
		t.Errorf("Expected no Range header on a fresh download, got %q", (*ranges)[0])
	}
}

func TestDownload_Resume(t *testing.T) {
	content := []byte("0123456789")
	srv, ranges := rangeServer(content)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	if err := os.WriteFile(dest, content[:4], 0644); err != nil {
		t.Fatal(err)
	}

	var calls [][2]int64
	onProgress := func(downloaded, total int64, speed string) {
		calls = append(calls, [2]int64{downloaded, total})
	}

	ok, err := newTestTransfer(t, srv, nil).Download(context.Background(), srv.URL, dest, onProgress, nil)
	if !ok || err != nil {
		t.Fatalf("Expected success, got %v, %v", ok, err)
	}

	if got := (*ranges)[0]; got != "bytes=4-" {
		t.Errorf("Expected Range bytes=4-, got %q", got)
	}

	data, _ := os.ReadFile(dest)
	if !bytes.Equal(data, content) {
		t.Errorf("Expected %q, got %q", content, data)
	}

	if len(calls) == 0 {
		t.Fatal("Expected progress callbacks")
	}
	for i, c := range calls {
		if c[0] < 4 {
			t.Errorf("Progress %d started below the resume offset: %d", i, c[0])
		}
		if c[1] != 10 {
			t.Errorf("Expected total 10, got %d", c[1])
		}
		if i > 0 && c[0] < calls[i-1][0] {
			t.Errorf("Progress went backwards: %d after %d", c[0], calls[i-1][0])
		}
	}
	if last := calls[len(calls)-1]; last[0] != 10 {
		t.Errorf("Expected final progress 10, got %d", last[0])
	}
}

func TestDownload_ResumeDisabledStartsOver(t *testing.T) {
	content := []byte("0123456789")
	srv, ranges := rangeServer(content)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	os.WriteFile(dest, []byte("garbage"), 0644)

	ft := newTestTransfer(t, srv, nil)
	ft.settings.ResumeEnabled = false

	ok, err := ft.Download(context.Background(), srv.URL, dest, nil, nil)
	if !ok || err != nil {
		t.Fatalf("Expected success, got %v, %v", ok, err)
	}
	if (*ranges)[0] != "" {
		t.Errorf("Expected no Range header, got %q", (*ranges)[0])
	}
	data, _ := os.ReadFile(dest)
	if !bytes.Equal(data, content) {
		t.Errorf("Expected %q, got %q", content, data)
	}
}

func TestDownload_ServerIgnoresRange(t *testing.T) {
	content := []byte("0123456789")
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	os.WriteFile(dest, []byte("0123"), 0644)

	ok, err := newTestTransfer(t, srv, nil).Download(context.Background(), srv.URL, dest, nil, nil)
	if !ok || err != nil {
		t.Fatalf("Expected success, got %v, %v", ok, err)
	}

	data, _ := os.ReadFile(dest)
	if !bytes.Equal(data, content) {
		t.Errorf("Expected the file to be rewritten as %q, got %q", content, data)
	}
}

func TestDownload_AlreadyComplete(t *testing.T) {
	content := []byte("0123456789")
	srv, ranges := rangeServer(content)
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	os.WriteFile(dest, content, 0644)

	var last int64
	ok, err := newTestTransfer(t, srv, nil).Download(context.Background(), srv.URL, dest, func(d, total int64, _ string) {
		last = d
	}, nil)
	if !ok || err != nil {
		t.Fatalf("Expected complete file to count as success, got %v, %v", ok, err)
	}
	if (*ranges)[0] != "bytes=10-" {
		t.Errorf("Expected Range bytes=10-, got %q", (*ranges)[0])
	}
	if last != 10 {
		t.Errorf("Expected progress 10, got %d", last)
	}

	data, _ := os.ReadFile(dest)
	if !bytes.Equal(data, content) {
		t.Errorf("Expected file untouched, got %q", data)
	}
}

func TestDownload_Unauthorized(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusUnauthorized)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "model.bin")
	ok, err := newTestTransfer(t, srv, nil).Download(context.Background(), srv.URL, dest, nil, nil)
	if ok {
		t.Error("Expected failure")
	}
	if !errors.Is(err, http.ErrAuthentication) {
		t.Errorf("Expected authentication error, got %v", err)
	}
}

func TestDownload_FailuresReturnFalse(t *testing.T) {
	tests := []struct {
		name    string
		handler nethttp.HandlerFunc
	}{
		{"not found", func(w nethttp.ResponseWriter, r *nethttp.Request) {
			w.WriteHeader(nethttp.StatusNotFound)
		}},
		{"server error", func(w nethttp.ResponseWriter, r *nethttp.Request) {
			w.WriteHeader(nethttp.StatusInternalServerError)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			dest := filepath.Join(t.TempDir(), "model.bin")
			ok, err := newTestTransfer(t, srv, nil).Download(context.Background(), srv.URL, dest, nil, nil)
			if ok || err != nil {
				t.Errorf("Expected false, nil; got %v, %v", ok, err)
			}
			if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
				t.Error("Expected no file to be left behind")
			}
		})
	}
}

func TestDownload_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {}))
	ft := newTestTransfer(t, srv, nil)
	url := srv.URL
	srv.Close()

	ok, err := ft.Download(context.Background(), url, filepath.Join(t.TempDir(), "model.bin"), nil, nil)
	if ok || err != nil {
		t.Errorf("Expected false, nil; got %v, %v", ok, err)
	}
}

func TestFetch_CleanupKeepsPartialContent(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.WriteHeader(nethttp.StatusBadGateway)
	}))
	defer srv.Close()

	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.bin")
	partial := filepath.Join(dir, "partial.bin")
	os.WriteFile(empty, nil, 0644)
	os.WriteFile(partial, []byte("1234"), 0644)

	ft := newTestTransfer(t, srv, nil)
	if err := ft.Fetch(context.Background(), srv.URL, empty, nil, nil); err == nil {
		t.Fatal("Expected error")
	}
	if err := ft.Fetch(context.Background(), srv.URL, partial, nil, nil); err == nil {
		t.Fatal("Expected error")
	}

	if _, err := os.Stat(empty); !os.IsNotExist(err) {
		t.Error("Expected zero-byte file to be removed")
	}
	if data, err := os.ReadFile(partial); err != nil || string(data) != "1234" {
		t.Errorf("Expected partial file to be kept, got %q, %v", data, err)
	}
}

func TestFetch_Cancelled(t *testing.T) {
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.Write([]byte(strings.Repeat("a", 100)))
		w.(nethttp.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	dest := filepath.Join(t.TempDir(), "model.bin")

	ft := newTestTransfer(t, srv, nil)
	time.AfterFunc(100*time.Millisecond, cancel)
	err := ft.Fetch(ctx, srv.URL, dest, nil, nil)

	if http.Classify(err) != http.KindCancelled {
		t.Errorf("Expected cancelled error, got %s: %v", http.Classify(err), err)
	}
	if info, statErr := os.Stat(dest); statErr != nil || info.Size() != 100 {
		t.Errorf("Expected 100 byte partial file for resume, got %v", statErr)
	}

	ok, dlErr := ft.Download(ctx, srv.URL, dest, nil, nil)
	if ok || dlErr != nil {
		t.Errorf("Expected cancelled Download to return false, nil; got %v, %v", ok, dlErr)
	}
}

func TestValidate_SizeMismatchWarnsOnce(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "model.bin")
	os.WriteFile(dest, make([]byte, 500), 0644)

	rec := &notify.Recorder{}
	ft := NewFileTransfer(nil, testSettings(), rec, nil)

	err := ft.validate(dest, 1000)
	if !errors.Is(err, http.ErrSizeMismatch) {
		t.Errorf("Expected size mismatch error, got %v", err)
	}
	if http.Classify(err) != http.KindSizeMismatch {
		t.Errorf("Expected size_mismatch kind, got %s", http.Classify(err))
	}

	warnings := rec.Messages(events.WarnLevel)
	if len(warnings) != 1 {
		t.Fatalf("Expected exactly one warning, got %d", len(warnings))
	}
	if !strings.Contains(warnings[0].Message, "500") || !strings.Contains(warnings[0].Message, "1000") {
		t.Errorf("Expected sizes in warning, got %q", warnings[0].Message)
	}
	if _, statErr := os.Stat(dest); statErr != nil {
		t.Error("Expected file to be kept after a size mismatch")
	}

	if err := ft.validate(dest, 510); err != nil {
		t.Errorf("Expected size within tolerance to pass, got %v", err)
	}
	if len(rec.Messages()) != 1 {
		t.Errorf("Expected no further messages, got %d", len(rec.Messages()))
	}
}

func TestValidateSize(t *testing.T) {
	tests := []struct {
		actual, expected int64
		tolerance        float64
		want             bool
	}{
		{1000, 1000, 0.1, true},
		{1100, 1000, 0.1, true},
		{900, 1000, 0.1, true},
		{1101, 1000, 0.1, false},
		{500, 1000, 0.1, false},
		{123, 0, 0.1, true},
		{123, -1, 0.1, true},
		{1001, 1000, 0, false},
	}

	for _, tt := range tests {
		if got := ValidateSize(tt.actual, tt.expected, tt.tolerance); got != tt.want {
			t.Errorf("ValidateSize(%d, %d, %v) = %v, expected %v", tt.actual, tt.expected, tt.tolerance, got, tt.want)
		}
	}
}

func TestDownloadWithRetry_RecoversFromServerErrors(t *testing.T) {
	var attempts atomic.Int32
	content := []byte("model-bytes")
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(nethttp.StatusServiceUnavailable)
			return
		}
		w.Write(content)
	}))
	defer srv.Close()

	ft := newTestTransfer(t, srv, nil)
	ft.SetPolicies(fastPolicies()...)

	dest := filepath.Join(t.TempDir(), "model.bin")
	ok, err := ft.DownloadWithRetry(context.Background(), srv.URL, dest, nil, nil)
	if !ok || err != nil {
		t.Fatalf("Expected success, got %v, %v", ok, err)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
}

func TestDownloadWithRetry_AuthIsNotRetried(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		attempts.Add(1)
		w.WriteHeader(nethttp.StatusForbidden)
	}))
	defer srv.Close()

	ft := newTestTransfer(t, srv, nil)
	ft.SetPolicies(fastPolicies()...)

	ok, err := ft.Retrying().Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "m.bin"), nil, nil)
	if ok || !errors.Is(err, http.ErrAuthentication) {
		t.Errorf("Expected auth error, got %v, %v", ok, err)
	}
	if n := attempts.Load(); n != 1 {
		t.Errorf("Expected 1 attempt, got %d", n)
	}
}

func TestDownloadWithRetry_ExhaustedReturnsFalse(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		attempts.Add(1)
		w.WriteHeader(nethttp.StatusNotFound)
	}))
	defer srv.Close()

	ft := newTestTransfer(t, srv, nil)
	ft.SetPolicies(fastPolicies()...)

	ok, err := ft.DownloadWithRetry(context.Background(), srv.URL, filepath.Join(t.TempDir(), "m.bin"), nil, nil)
	if ok || err != nil {
		t.Errorf("Expected false, nil; got %v, %v", ok, err)
	}
	if n := attempts.Load(); n != 3 {
		t.Errorf("Expected 3 attempts, got %d", n)
	}
}

func fastPolicies() []http.Policy {
	policies := http.DefaultPolicies()
	for i := range policies {
		policies[i].Delay = time.Millisecond
	}
	return policies
}

func TestRangeTotal(t *testing.T) {
	tests := map[string]int64{
		"bytes */1234":     1234,
		"bytes 0-99/1234":  1234,
		"bytes 0-99/*":     -1,
		"":                 -1,
		"bytes */notanint": -1,
	}
	for in, want := range tests {
		if got := rangeTotal(in); got != want {
			t.Errorf("rangeTotal(%q) = %d, expected %d", in, got, want)
		}
	}
}
