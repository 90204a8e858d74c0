package constants

import (
	"time"
)

// Application identity
const (
	// AppName is used for the config directory and the default User-Agent.
	AppName = "modelkeeper"

	// Version is reported in the User-Agent header and by the version flag.
	Version = "1.4.0"

	// ConfigFileName is the INI file read from the config directory.
	ConfigFileName = "config.ini"
)

// Transfer tuning
const (
	// DefaultChunkSize - read/write buffer for a single streamed transfer (8 KB)
	DefaultChunkSize = 8192

	// MaxChunkSize caps the configurable chunk size (4 MB)
	MaxChunkSize = 4 * 1024 * 1024

	// DefaultSizeTolerance - allowed relative deviation between expected and
	// actual file size before a transfer is reported as mismatched (10%)
	DefaultSizeTolerance = 0.1

	// DefaultBatchWorkers - worker pool size for parallel image batches
	DefaultBatchWorkers = 10

	// MaxBatchWorkers caps the configurable pool size
	MaxBatchWorkers = 64

	// FileProgressInterval - minimum time between progress callbacks for one file
	FileProgressInterval = 2 * time.Second

	// BatchProgressInterval - minimum time between batch progress broadcasts
	BatchProgressInterval = 100 * time.Millisecond

	// FilePermissions for downloaded files
	FilePermissions = 0644

	// DirPermissions for created destination directories
	DirPermissions = 0755
)

// Disk space safety margin
const (
	// DiskSpaceSafetyMargin - multiplier applied to the remaining bytes of a
	// transfer before comparing against free space (15% buffer)
	DiskSpaceSafetyMargin = 1.15
)

// Retry policies
const (
	// AuthMaxAttempts - authentication failures are never retried
	AuthMaxAttempts = 1

	// NetworkMaxAttempts - total attempts for timeouts, connection and HTTP errors
	NetworkMaxAttempts = 3

	// NetworkRetryDelay - fixed delay between network attempts
	NetworkRetryDelay = 2 * time.Second

	// FileMaxAttempts - local file errors get one retry
	FileMaxAttempts = 2

	// FileRetryDelay - fixed delay between local file attempts
	FileRetryDelay = 1 * time.Second
)

// Request layer (retryablehttp) configuration
const (
	// RequestRetryMax - retries performed by the request layer for a single
	// request before the error reaches the transfer retry policies
	RequestRetryMax = 2

	// RequestRetryWaitMin - minimum backoff for request layer retries
	RequestRetryWaitMin = 500 * time.Millisecond

	// RequestRetryWaitMax - maximum backoff for request layer retries
	RequestRetryWaitMax = 5 * time.Second

	// DefaultRequestsPerSecond - outbound request rate, 0 disables throttling
	DefaultRequestsPerSecond = 0

	// DefaultRequestBurst - token bucket burst for request throttling
	DefaultRequestBurst = 4
)

// HTTP client configuration
const (
	// HTTPIdleConnTimeout - how long to keep idle connections open (90 seconds)
	HTTPIdleConnTimeout = 90 * time.Second

	// HTTPTLSHandshakeTimeout - timeout for TLS handshake (30 seconds)
	HTTPTLSHandshakeTimeout = 30 * time.Second

	// HTTPResponseHeaderTimeout - time to wait for response headers (60 seconds)
	// The body of a large transfer is not bounded; cancellation uses the context.
	HTTPResponseHeaderTimeout = 60 * time.Second

	// HTTPExpectContinueTimeout - timeout for 100-continue response (1 second)
	HTTPExpectContinueTimeout = 1 * time.Second

	// HTTPDialTimeout - TCP connect timeout
	HTTPDialTimeout = 30 * time.Second
)

// Event bus configuration
const (
	// EventBusDefaultBuffer - default buffer size for event channels
	EventBusDefaultBuffer = 256

	// EventBusMaxBuffer - maximum buffer size for event channels
	EventBusMaxBuffer = 4096
)

// Log file rotation (lumberjack)
const (
	LogMaxSizeMB  = 20
	LogMaxBackups = 3
	LogMaxAgeDays = 14
)

// Metrics server
const (
	MetricsReadHeaderTimeout = 5 * time.Second
	MetricsShutdownTimeout   = 5 * time.Second
)
