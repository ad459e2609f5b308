package progress

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

// Tracker shows page download progress for one source
type Tracker struct {
	bar       *progressbar.ProgressBar
	out       io.Writer
	total     int64
	current   int64
	startTime time.Time
}

// New creates a tracker writing to stderr
func New() *Tracker {
	return NewWithWriter(os.Stderr)
}

// NewWithWriter creates a tracker writing to w. A nil writer disables the bar.
func NewWithWriter(w io.Writer) *Tracker {
	return &Tracker{out: w, startTime: time.Now()}
}

// Start resets the tracker for a new source with total pages
func (t *Tracker) Start(description string, total int64) {
	t.total = total
	t.current = 0
	t.startTime = time.Now()
	if t.out == nil {
		t.bar = nil
		return
	}
	t.bar = progressbar.NewOptions64(
		total,
		progressbar.OptionSetWriter(t.out),
		progressbar.OptionSetDescription(description),
		progressbar.OptionShowBytes(false),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("pages"),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetRenderBlankState(true),
	)
}

// Add advances the tracker by n pages
func (t *Tracker) Add(n int64) {
	t.current += n
	if t.bar != nil {
		t.bar.Add64(n)
	}
}

// Current returns the pages done since Start
func (t *Tracker) Current() int64 {
	return t.current
}

// Finish completes the bar and returns a one-line summary
func (t *Tracker) Finish(records int) string {
	if t.bar != nil {
		t.bar.Finish()
		fmt.Fprintln(t.out)
	}
	elapsed := time.Since(t.startTime)
	return fmt.Sprintf("Fetched %d records in %d pages (%s)",
		records, t.current, elapsed.Round(time.Millisecond))
}
