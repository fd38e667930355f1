package main

import (
	"fmt"
	"io"
	"sync"

	"github.com/fatih/color"

	"opsconsole/core"
	"opsconsole/health"
)

// printer writes colored command output. Log entries arrive on a reader
// goroutine, so writes are serialized.
type printer struct {
	mu           sync.Mutex
	out          io.Writer
	lastProgress float64
	lastStatus   core.DownloadStatus
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out, lastProgress: -1}
}

func levelColor(l core.LogLevel) *color.Color {
	switch l {
	case core.LevelError:
		return color.New(color.FgRed, color.Bold)
	case core.LevelWarn:
		return color.New(color.FgYellow)
	case core.LevelSuccess:
		return color.New(color.FgGreen)
	case core.LevelDebug:
		return color.New(color.FgHiBlack)
	default:
		return color.New(color.FgWhite)
	}
}

func classificationColor(c health.Classification) *color.Color {
	switch c {
	case health.Excellent:
		return color.New(color.FgGreen, color.Bold)
	case health.Good:
		return color.New(color.FgGreen)
	case health.Warning:
		return color.New(color.FgYellow, color.Bold)
	default:
		return color.New(color.FgRed, color.Bold)
	}
}

func (p *printer) logEntry(e core.LogEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	dim := color.New(color.FgHiBlack)
	ts := "                   "
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp.Local().Format("2006-01-02 15:04:05")
	}
	dim.Fprint(p.out, ts+" ")
	levelColor(e.Level).Fprintf(p.out, "%-7s ", e.Level)
	if e.Source != "" {
		color.New(color.FgCyan).Fprintf(p.out, "[%s] ", e.Source)
	}
	fmt.Fprintln(p.out, e.Message)
}

// progress prints a line whenever the percentage or status changes.
func (p *printer) progress(t core.DownloadTask) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t.Progress == p.lastProgress && t.Status == p.lastStatus {
		return
	}
	p.lastProgress = t.Progress
	p.lastStatus = t.Status

	line := fmt.Sprintf("%-12s %5.1f%%", t.Status, t.Progress)
	if speed := core.FormatSpeed(t.Speed); speed != "" {
		line += "  " + speed
	}
	if eta := core.FormatETA(t.ETA); eta != "" {
		line += "  eta " + eta
	}
	if t.Status == core.DownloadFailed {
		color.New(color.FgRed).Fprintln(p.out, line)
		return
	}
	fmt.Fprintln(p.out, line)
}

func (p *printer) healthReport(r health.Report) {
	p.mu.Lock()
	defer p.mu.Unlock()
	header := color.New(color.FgCyan, color.Bold)
	header.Fprintln(p.out, "Appliance health")
	fmt.Fprint(p.out, "  Score:    ")
	classificationColor(r.Classification).Fprintf(p.out, "%.0f (%s)\n", r.Score, r.Classification)
	fmt.Fprintf(p.out, "  Services: %d/%d critical up\n", r.CriticalUp, r.CriticalTotal)
	fmt.Fprintf(p.out, "  Penalties: cpu %.0f, memory %.0f, gpu %.0f\n", r.CPUPenalty, r.MemoryPenalty, r.GPUPenalty)
	if len(r.Alerts) == 0 {
		return
	}
	header.Fprintln(p.out, "Alerts")
	for _, a := range r.Alerts {
		clr := color.New(color.FgYellow)
		if a.Severity == health.SeverityCritical {
			clr = color.New(color.FgRed, color.Bold)
		}
		clr.Fprintf(p.out, "  %-8s ", a.Severity)
		fmt.Fprintf(p.out, "%s: %s\n", a.Subject, a.Message)
	}
}

func (p *printer) note(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	color.New(color.FgHiBlack).Fprintf(p.out, format+"\n", args...)
}

func (p *printer) success(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	color.New(color.FgGreen, color.Bold).Fprintf(p.out, format+"\n", args...)
}
