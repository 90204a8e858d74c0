package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"

	"github.com/modelkeeper/modelkeeper/internal/transfer"
)

// BatchUI shows a counting bar for an image batch using mpb.
type BatchUI struct {
	progress   *mpb.Progress
	bar        *mpb.Bar
	isTerminal bool
	out        io.Writer

	mu          sync.Mutex
	description string
	done        int
}

// NewBatchUI creates a batch bar for total items on stderr.
func NewBatchUI(total int, label string) *BatchUI {
	isTerminal := IsTerminal(os.Stderr)
	return newBatchUI(total, label, isTerminal, os.Stderr)
}

func newBatchUI(total int, label string, isTerminal bool, out io.Writer) *BatchUI {
	u := &BatchUI{isTerminal: isTerminal, out: out, description: label}

	if !isTerminal {
		u.progress = mpb.New(mpb.WithOutput(io.Discard))
		return u
	}

	if f, ok := out.(*os.File); ok {
		enableANSIOnWindows(f)
	}
	u.progress = mpb.New(
		mpb.WithOutput(out),
		mpb.WithRefreshRate(150*time.Millisecond),
		mpb.WithWidth(60),
	)
	u.bar = u.progress.New(int64(total),
		mpb.BarStyle().Lbound("[").Filler("=").Tip(">").Padding(" ").Rbound("]"),
		mpb.PrependDecorators(
			decor.Any(func(s decor.Statistics) string {
				u.mu.Lock()
				defer u.mu.Unlock()
				return u.description
			}, decor.WCSyncSpaceR),
		),
		mpb.AppendDecorators(
			decor.CountersNoUnit("%d / %d", decor.WCSyncSpace),
			decor.Name("  "),
			decor.Percentage(decor.WCSyncSpace),
		),
	)
	return u
}

// Update records batch progress. It matches transfer.BatchProgressFunc.
func (u *BatchUI) Update(done, total int, description string) {
	u.mu.Lock()
	u.description = description
	u.done = done
	u.mu.Unlock()

	if u.bar != nil {
		u.bar.SetCurrent(int64(done))
		return
	}
	fmt.Fprintln(u.out, description)
}

// Callback returns Update as a transfer.BatchProgressFunc.
func (u *BatchUI) Callback() transfer.BatchProgressFunc {
	return u.Update
}

// Done returns the last reported count.
func (u *BatchUI) Done() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.done
}

// Wait completes the bar and waits for the final render. The final count
// may be below total when items failed, so the bar is closed explicitly.
func (u *BatchUI) Wait() {
	if u.bar != nil && !u.bar.Completed() {
		u.bar.Abort(false)
	}
	u.progress.Wait()
}

// Writer returns an io.Writer that prints above the bar.
func (u *BatchUI) Writer() io.Writer {
	if u.isTerminal {
		return u.progress
	}
	return u.out
}

// IsTerminal returns whether bars are drawn.
func (u *BatchUI) IsTerminal() bool {
	return u.isTerminal
}
