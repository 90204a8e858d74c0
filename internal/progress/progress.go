// Package progress renders download progress on the terminal: a byte bar
// for single files and a counting bar for image batches.
package progress

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/modelkeeper/modelkeeper/internal/transfer"
)

// Reporter receives byte progress of one transfer.
type Reporter interface {
	Update(downloaded, total int64, speed string)
	Finish()
	Error(err error)
}

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// CLIProgress draws a progressbar on stderr for a single file download.
// The bar is created lazily once the total size is known.
type CLIProgress struct {
	out         io.Writer
	description string

	mu    sync.Mutex
	bar   *progressbar.ProgressBar
	total int64
}

// NewCLIProgress creates a file progress reporter writing to out.
func NewCLIProgress(out io.Writer, description string) *CLIProgress {
	return &CLIProgress{out: out, description: description}
}

func (p *CLIProgress) ensureBar(total int64) {
	if p.bar != nil && total == p.total {
		return
	}
	size := total
	if size <= 0 {
		size = -1
	}
	p.total = total
	p.bar = progressbar.NewOptions64(size,
		progressbar.OptionSetDescription(p.description),
		progressbar.OptionSetWriter(p.out),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(50),
		progressbar.OptionThrottle(100),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprint(p.out, "\n")
		}),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Update moves the bar to downloaded bytes.
func (p *CLIProgress) Update(downloaded, total int64, speed string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ensureBar(total)
	_ = p.bar.Set64(downloaded)
	p.bar.Describe(fmt.Sprintf("%s (%s)", p.description, speed))
}

// Finish completes the bar.
func (p *CLIProgress) Finish() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.bar != nil {
		_ = p.bar.Finish()
	}
}

// Error displays an error message below the bar.
func (p *CLIProgress) Error(err error) {
	if err != nil {
		fmt.Fprintf(p.out, "\nError: %v\n", err)
	}
}

// LineProgress writes one line per update for non-interactive output.
type LineProgress struct {
	out         io.Writer
	description string
	mu          sync.Mutex
}

// NewLineProgress creates a reporter for pipes and log files.
func NewLineProgress(out io.Writer, description string) *LineProgress {
	return &LineProgress{out: out, description: description}
}

// Update prints the current position.
func (p *LineProgress) Update(downloaded, total int64, speed string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if total > 0 {
		fmt.Fprintf(p.out, "%s: %d/%d bytes (%.1f%%) %s\n", p.description, downloaded, total,
			float64(downloaded)/float64(total)*100, speed)
		return
	}
	fmt.Fprintf(p.out, "%s: %d bytes %s\n", p.description, downloaded, speed)
}

// Finish does nothing.
func (p *LineProgress) Finish() {}

// Error prints err.
func (p *LineProgress) Error(err error) {
	if err != nil {
		fmt.Fprintf(p.out, "%s: error: %v\n", p.description, err)
	}
}

// NoOpProgress is a reporter that does nothing (for background/silent operations).
type NoOpProgress struct{}

func (NoOpProgress) Update(downloaded, total int64, speed string) {}
func (NoOpProgress) Finish()                                      {}
func (NoOpProgress) Error(err error)                              {}

// NewFileReporter picks a bar on a terminal and line output otherwise.
func NewFileReporter(description string) Reporter {
	if IsTerminal(os.Stderr) {
		enableANSIOnWindows(os.Stderr)
		return NewCLIProgress(os.Stderr, description)
	}
	return NewLineProgress(os.Stderr, description)
}

// Callback adapts r to the transfer progress callback.
func Callback(r Reporter) transfer.ProgressFunc {
	return func(downloaded, total int64, speed string) {
		r.Update(downloaded, total, speed)
	}
}
