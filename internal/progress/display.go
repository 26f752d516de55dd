package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"
)

// Display periodically renders per-entity progress to a terminal
type Display struct {
	tracker   *Tracker
	interval  time.Duration
	out       io.Writer
	stopCh    chan struct{}
	doneCh    chan struct{}
	lastLines int
}

// NewDisplay creates a new progress display
func NewDisplay(tracker *Tracker, interval time.Duration, out io.Writer) *Display {
	if out == nil {
		out = os.Stdout
	}
	return &Display{
		tracker:  tracker,
		interval: interval,
		out:      out,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start starts the progress display
func (d *Display) Start() {
	go d.displayLoop()
}

// Stop stops the display and prints the final summary
func (d *Display) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Display) displayLoop() {
	defer close(d.doneCh)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.render(false)
		case <-d.stopCh:
			d.render(true)
			return
		}
	}
}

func (d *Display) render(final bool) {
	lines := d.Lines(final)
	if d.lastLines > 0 && !final {
		// Move the cursor back over the previous frame.
		fmt.Fprintf(d.out, "\033[%dA\033[J", d.lastLines)
	}
	fmt.Fprintln(d.out, strings.Join(lines, "\n"))
	d.lastLines = len(lines)
}

// Lines builds one frame of output.
func (d *Display) Lines(final bool) []string {
	title := "Migration progress"
	if final {
		title = "Migration summary"
	}
	lines := []string{title, strings.Repeat("=", 51)}

	for _, snap := range d.tracker.All() {
		p := snap.Progress
		lines = append(lines, fmt.Sprintf("%-20s %-10s %s %d/%d",
			snap.EntityType, snap.Status, progressBar(p.PercentageComplete, 30),
			p.RecordsProcessed, p.RecordsProcessed+p.RecordsRemaining))

		detail := fmt.Sprintf("  failed: %d  speed: %s  mem: %s  elapsed: %s",
			p.RecordsFailed, FormatSpeed(snap.Performance.Throughput),
			FormatBytes(int64(snap.Performance.MemoryBytes)), FormatDuration(snap.Timing.Elapsed))
		if snap.Timing.ETA != nil && !final {
			detail += "  eta: " + FormatDuration(*snap.Timing.ETA)
		}
		lines = append(lines, detail)
	}

	if alerts := d.tracker.ActiveAlerts(); len(alerts) > 0 {
		lines = append(lines, "", "Alerts:")
		for i, a := range alerts {
			if i == 5 {
				lines = append(lines, fmt.Sprintf("  ... %d more", len(alerts)-i))
				break
			}
			lines = append(lines, fmt.Sprintf("  [%s] %s %s", a.Severity, a.EntityType, a.Message))
		}
	}
	return lines
}

func progressBar(percent float64, width int) string {
	percent = clamp(percent, 0, 100)
	filled := int(percent * float64(width) / 100)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("[%s] %5.1f%%", bar, percent)
}

// IsTerminalSupported checks if stdout is a terminal
func IsTerminalSupported() bool {
	fileInfo, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fileInfo.Mode()&os.ModeCharDevice != 0
}

// FormatBytes formats bytes into human readable format
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatSpeed formats a record rate
func FormatSpeed(recordsPerSecond float64) string {
	return fmt.Sprintf("%.1f rec/s", recordsPerSecond)
}

// FormatDuration formats duration into human readable format
func FormatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}

	hours := int(d.Hours())
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
