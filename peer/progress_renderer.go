package peer

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// ANSI color codes for terminal output
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Cyan   = "\033[36m"
	Bold   = "\033[1m"
)

// ProgressRenderer redraws a one-line progress bar for a DownloadTracker.
type ProgressRenderer struct {
	tracker     *DownloadTracker
	out         io.Writer
	stopChan    chan struct{}
	doneChan    chan struct{}
	stopOnce    sync.Once
	refreshRate time.Duration
	useColors   bool
	width       int
}

func NewProgressRenderer(tracker *DownloadTracker, out io.Writer, useColors bool) *ProgressRenderer {
	return &ProgressRenderer{
		tracker:     tracker,
		out:         out,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
		width:       40,
	}
}

func (pr *ProgressRenderer) SetRefreshRate(rate time.Duration) {
	pr.refreshRate = rate
}

// Start runs the render loop until Stop is called.
func (pr *ProgressRenderer) Start() {
	defer close(pr.doneChan)

	ticker := time.NewTicker(pr.refreshRate)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pr.tracker.UpdateSpeed()
			pr.Render()
		case <-pr.stopChan:
			return
		}
	}
}

// StopAndWait stops the loop and prints the final line: the completed bar
// when ok is true, the failure summary otherwise.
func (pr *ProgressRenderer) StopAndWait(ok bool) {
	pr.stopOnce.Do(func() { close(pr.stopChan) })
	<-pr.doneChan
	if ok {
		pr.RenderFinal()
	} else {
		pr.RenderError()
	}
}

func (pr *ProgressRenderer) color(code, s string) string {
	if !pr.useColors {
		return s
	}
	return code + s + Reset
}

func (pr *ProgressRenderer) Render() {
	completed, total, speed, failed := pr.tracker.GetProgress()
	done := pr.tracker.GetBytesDownloaded()
	size := pr.tracker.GetFileSize()

	percent := 100.0
	if size > 0 {
		percent = float64(done) / float64(size) * 100
	}
	filled := int(float64(pr.width) * percent / 100)
	if filled > pr.width {
		filled = pr.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", pr.width-filled)

	line := fmt.Sprintf("\r%s [%s] %s (%d/%d chunks) | %s/s | ETA: %s",
		pr.color(Cyan, "["+pr.tracker.FileName+"]"),
		pr.color(Green, bar),
		pr.color(Yellow, fmt.Sprintf("%.1f%%", percent)),
		completed, total,
		pr.color(Blue, formatBytes(speed)),
		formatETA(pr.tracker.GetETA()),
	)
	if failed > 0 {
		line += pr.color(Red, fmt.Sprintf(" | %d failed", failed))
	}
	fmt.Fprint(pr.out, line)
}

func (pr *ProgressRenderer) RenderFinal() {
	_, total, _, _ := pr.tracker.GetProgress()
	fmt.Fprint(pr.out, "\r\033[K")
	fmt.Fprintf(pr.out, "%s [%s] %s (%d/%d chunks) | Completed in %s\n",
		pr.color(Cyan, "["+pr.tracker.FileName+"]"),
		pr.color(Green, strings.Repeat("█", pr.width)),
		pr.color(Green, "100%"),
		total, total,
		formatDuration(pr.tracker.GetElapsedTime()),
	)
}

func (pr *ProgressRenderer) RenderError() {
	completed, total, _, failed := pr.tracker.GetProgress()
	percent := 0.0
	if total > 0 {
		percent = float64(completed) / float64(total) * 100
	}
	fmt.Fprint(pr.out, "\r\033[K")
	fmt.Fprintf(pr.out, "%s [%s] %.1f%% | %s: %d/%d completed, %d failed\n",
		pr.color(Cyan, "["+pr.tracker.FileName+"]"),
		pr.color(Red, "✗"),
		percent,
		pr.color(Red+Bold, "Download failed"),
		completed, total, failed,
	)
}

// formatBytes formats a byte count into a human-readable string
func formatBytes(bytes float64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%.1f B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", bytes/float64(div), "KMGTPE"[exp])
}

func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	return formatDuration(eta)
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", d/time.Minute, (d%time.Minute)/time.Second)
	}
	return fmt.Sprintf("%dh%dm", d/time.Hour, (d%time.Hour)/time.Minute)
}
