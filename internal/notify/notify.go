// Package notify delivers user-facing warnings, errors and info messages.
// Messages are logged and published on the event bus, where the CLI picks
// them up for display.
package notify

import (
	"path/filepath"
	"sync"

	"github.com/modelkeeper/modelkeeper/internal/events"
	"github.com/modelkeeper/modelkeeper/internal/logging"
)

// Sink receives user-facing messages. Download components accept a Sink and
// treat a nil Sink as "log only".
type Sink interface {
	ShowWarning(title, message string)
	ShowError(title, message string)
	ShowInfo(title, message string)
}

// Notifier is the Sink used by the CLI.
type Notifier struct {
	logger  *logging.Logger
	bus     *events.EventBus
	enabled bool
	mu      sync.RWMutex
}

// Config holds notification configuration.
type Config struct {
	// Enabled determines if notifications are published. Disabled
	// notifications are still logged.
	Enabled bool
}

// DefaultConfig returns the default notification configuration.
func DefaultConfig() *Config {
	return &Config{Enabled: true}
}

// NewNotifier creates a new notifier publishing on bus.
func NewNotifier(cfg *Config, bus *events.EventBus, logger *logging.Logger) *Notifier {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	return &Notifier{
		logger:  logging.OrNop(logger),
		bus:     bus,
		enabled: cfg.Enabled,
	}
}

// SetEnabled enables or disables notifications.
func (n *Notifier) SetEnabled(enabled bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled = enabled
}

// IsEnabled returns whether notifications are enabled.
func (n *Notifier) IsEnabled() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.enabled
}

// ShowWarning reports a recoverable problem, such as a size mismatch.
func (n *Notifier) ShowWarning(title, message string) {
	n.logger.Warn().Str("title", title).Msg(message)
	n.publish(events.WarnLevel, title, message)
}

// ShowError reports a failure that needs user action, such as bad credentials.
func (n *Notifier) ShowError(title, message string) {
	n.logger.Error().Str("title", title).Msg(message)
	n.publish(events.ErrorLevel, title, message)
}

// ShowInfo reports a completed workflow.
func (n *Notifier) ShowInfo(title, message string) {
	n.logger.Info().Str("title", title).Msg(message)
	n.publish(events.InfoLevel, title, message)
}

func (n *Notifier) publish(level events.Level, title, message string) {
	if !n.IsEnabled() || n.bus == nil {
		return
	}
	n.bus.PublishNotification(level, truncate(title, 80), truncate(message, 300))
}

// truncate shortens a string to maxLen, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// ShortenPath abbreviates a long path for display in notifications.
func ShortenPath(path string) string {
	const maxLen = 60

	if len(path) <= maxLen {
		return path
	}

	_, file := filepath.Split(path)
	parentDir := filepath.Base(filepath.Dir(path))
	short := filepath.Join("...", parentDir, file)

	if len(short) > maxLen {
		return "..." + path[len(path)-(maxLen-3):]
	}

	return short
}

// Message is one recorded call on a Recorder.
type Message struct {
	Level   events.Level
	Title   string
	Message string
}

// Recorder is a Sink that keeps every message in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
}

func (r *Recorder) ShowWarning(title, message string) { r.add(events.WarnLevel, title, message) }
func (r *Recorder) ShowError(title, message string)   { r.add(events.ErrorLevel, title, message) }
func (r *Recorder) ShowInfo(title, message string)    { r.add(events.InfoLevel, title, message) }

func (r *Recorder) add(level events.Level, title, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Level: level, Title: title, Message: message})
}

// Messages returns a copy of the recorded messages, optionally filtered by level.
func (r *Recorder) Messages(levels ...events.Level) []Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Message, 0, len(r.messages))
	for _, m := range r.messages {
		if len(levels) == 0 || containsLevel(levels, m.Level) {
			out = append(out, m)
		}
	}
	return out
}

func containsLevel(levels []events.Level, l events.Level) bool {
	for _, candidate := range levels {
		if candidate == l {
			return true
		}
	}
	return false
}
