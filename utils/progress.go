package utils

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cheggaaa/pb/v3"
)

// ProgressTracker displays list aggregation progress in items and pages
type ProgressTracker struct {
	bar       *pb.ProgressBar
	quiet     bool
	out       io.Writer
	startTime time.Time
	total     int64
	current   int64
	pages     int
	mutex     sync.RWMutex
}

// AggregationSummary contains final aggregation statistics
type AggregationSummary struct {
	Items     int64
	Pages     int
	TotalTime time.Duration
	ListName  string
}

// NewProgressTracker creates a tracker bounded by total items.
// Output goes to stderr so that stdout stays machine-readable.
func NewProgressTracker(total int64, quiet bool) *ProgressTracker {
	return NewProgressTrackerWithWriter(total, quiet, os.Stderr)
}

// NewProgressTrackerWithWriter creates a tracker writing to out
func NewProgressTrackerWithWriter(total int64, quiet bool, out io.Writer) *ProgressTracker {
	tracker := &ProgressTracker{
		quiet:     quiet,
		out:       out,
		startTime: time.Now(),
		total:     total,
	}

	if !quiet {
		tmpl := `{{string . "prefix"}}{{counters . }} {{bar . }} {{percent . }} {{string . "pages"}} {{etime . }}`
		bar := pb.New64(total).SetTemplate(pb.ProgressBarTemplate(tmpl))
		bar.SetWriter(out)
		bar.Set("prefix", "Fetching: ")
		bar.Set("pages", "0 pages")
		tracker.bar = bar.Start()
	}

	return tracker
}

// Update records that current items have been gathered across pages pages
func (p *ProgressTracker) Update(current int64, pages int) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	p.current = current
	p.pages = pages

	if p.bar != nil {
		// the cap may be exceeded by the last page before trimming
		if current > p.total {
			p.bar.SetTotal(current)
		}
		p.bar.SetCurrent(current)
		p.bar.Set("pages", fmt.Sprintf("%d pages", pages))
	}
}

// Finish completes the progress bar and returns the summary
func (p *ProgressTracker) Finish(listName string) *AggregationSummary {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.bar != nil {
		p.bar.SetTotal(p.current)
		p.bar.Finish()
	}

	summary := &AggregationSummary{
		Items:     p.current,
		Pages:     p.pages,
		TotalTime: time.Since(p.startTime),
		ListName:  listName,
	}

	if !p.quiet {
		p.displaySummary(summary)
	}

	return summary
}

func (p *ProgressTracker) displaySummary(summary *AggregationSummary) {
	if summary.ListName != "" {
		fmt.Fprintf(p.out, "List: %s\n", summary.ListName)
	}
	fmt.Fprintf(p.out, "Collected %d items from %d pages in %v\n",
		summary.Items, summary.Pages, summary.TotalTime.Round(time.Millisecond))
}

// GetCurrentStats returns the gathered items, pages and percentage of the cap
func (p *ProgressTracker) GetCurrentStats() (items int64, pages int, percentage float64) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()

	if p.total > 0 {
		percentage = float64(p.current) / float64(p.total) * 100
		if percentage > 100 {
			percentage = 100
		}
	}
	return p.current, p.pages, percentage
}

// IsQuiet returns whether the tracker is in quiet mode
func (p *ProgressTracker) IsQuiet() bool {
	return p.quiet
}
