package peer

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
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

// ProgressRenderer draws a transfer progress bar on one terminal line
type ProgressRenderer struct {
	tracker     *TransferTracker
	out         io.Writer
	stopChan    chan struct{}
	doneChan    chan struct{}
	stopOnce    sync.Once
	refreshRate time.Duration
	useColors   bool
	width       int
}

func NewProgressRenderer(tracker *TransferTracker, out io.Writer, useColors bool) *ProgressRenderer {
	return &ProgressRenderer{
		tracker:     tracker,
		out:         out,
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
		refreshRate: 200 * time.Millisecond,
		useColors:   useColors,
		width:       40, // Progress bar width
	}
}

// SetRefreshRate sets the refresh rate for the progress bar
func (pr *ProgressRenderer) SetRefreshRate(rate time.Duration) {
	pr.refreshRate = rate
}

// Start runs the render loop until Stop; call it in its own goroutine.
func (pr *ProgressRenderer) Start() {
	defer close(pr.doneChan)
	pr.Render()

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

// StopAndWait stops the render loop and draws the final state
func (pr *ProgressRenderer) StopAndWait() {
	pr.stopOnce.Do(func() { close(pr.stopChan) })
	<-pr.doneChan

	if pr.tracker.State() == TransferCompleted {
		pr.RenderFinal()
	} else {
		pr.RenderError()
	}
}

// Render renders the current progress to the terminal
func (pr *ProgressRenderer) Render() {
	done, total, speed := pr.tracker.Progress()
	percent := pr.tracker.Percent()

	filled := int(float64(pr.width) * percent / 100)
	if filled > pr.width {
		filled = pr.width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", pr.width-filled)

	var line string
	if pr.useColors {
		line = fmt.Sprintf("\r%s[%s]%s [%s] %s%.1f%%%s (%s/%s) | %s/s | ETA: %s",
			Cyan, pr.tracker.FileName, Reset,
			Green+bar+Reset,
			Yellow, percent, Reset,
			formatBytes(float64(done)), formatBytes(float64(total)),
			Blue+formatBytes(speed)+Reset, formatETA(pr.tracker.ETA()),
		)
	} else {
		line = fmt.Sprintf("\r[%s] [%s] %.1f%% (%s/%s) | %s/s | ETA: %s",
			pr.tracker.FileName, bar, percent,
			formatBytes(float64(done)), formatBytes(float64(total)),
			formatBytes(speed), formatETA(pr.tracker.ETA()),
		)
	}
	if n := pr.tracker.Resumes(); n > 0 {
		line += fmt.Sprintf(" | %d resumed", n)
	}
	fmt.Fprint(pr.out, line)
}

// RenderFinal renders the final completed state
func (pr *ProgressRenderer) RenderFinal() {
	_, total, _ := pr.tracker.Progress()
	fmt.Fprint(pr.out, "\r\033[K")

	if pr.useColors {
		fmt.Fprintf(pr.out, "%s[%s]%s [%s] %s100%%%s (%s) | %s in %s\n",
			Cyan, pr.tracker.FileName, Reset,
			Green+strings.Repeat("█", pr.width)+Reset,
			Green, Reset, formatBytes(float64(total)),
			pr.tracker.Direction, formatDuration(pr.tracker.Elapsed()),
		)
		return
	}
	fmt.Fprintf(pr.out, "[%s] [%s] 100%% (%s) | %s in %s\n",
		pr.tracker.FileName, strings.Repeat("█", pr.width),
		formatBytes(float64(total)), pr.tracker.Direction, formatDuration(pr.tracker.Elapsed()),
	)
}

// RenderError renders an error state
func (pr *ProgressRenderer) RenderError() {
	fmt.Fprint(pr.out, "\r\033[K")

	reason := "interrupted"
	if err := pr.tracker.Err(); err != nil {
		reason = err.Error()
	}
	if pr.useColors {
		fmt.Fprintf(pr.out, "%s[%s]%s [%s] %.1f%% | %s%s failed%s: %s\n",
			Cyan, pr.tracker.FileName, Reset,
			Red+"✗"+Reset,
			pr.tracker.Percent(),
			Red+Bold, pr.tracker.Direction, Reset, reason,
		)
		return
	}
	fmt.Fprintf(pr.out, "[%s] [✗] %.1f%% | %s failed: %s\n",
		pr.tracker.FileName, pr.tracker.Percent(), pr.tracker.Direction, reason,
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

// formatETA formats an estimated time into a human-readable string
func formatETA(eta time.Duration) string {
	if eta <= 0 {
		return "∞"
	}
	return formatDuration(eta)
}

// formatDuration formats a duration into a human-readable string
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "<1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", d/time.Second)
	}
	if d < time.Hour {
		mins := d / time.Minute
		secs := (d % time.Minute) / time.Second
		return fmt.Sprintf("%dm%ds", mins, secs)
	}
	hours := d / time.Hour
	mins := (d % time.Hour) / time.Minute
	return fmt.Sprintf("%dh%dm", hours, mins)
}

// IsTerminalSupported reports whether stdout is a terminal that understands
// ANSI escapes.
func IsTerminalSupported() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
