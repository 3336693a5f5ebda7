package tui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/mixbot/dispenser/controller"
	"github.com/mixbot/dispenser/database"
	"github.com/mixbot/dispenser/history"
	"github.com/mixbot/dispenser/poller"
)

// CLIProgress prints dispense cycle progress without the full TUI
type CLIProgress struct {
	mu sync.Mutex
	w  io.Writer

	// Configuration
	quiet bool

	// Styles
	styles *Styles

	lastPercent int
}

// NewCLIProgress creates a new CLI progress display
func NewCLIProgress(quiet, noColor bool) *CLIProgress {
	p := &CLIProgress{
		w:           os.Stdout,
		quiet:       quiet,
		styles:      DefaultStyles(),
		lastPercent: -1,
	}
	if noColor {
		p.styles = PlainStyles()
	}
	return p
}

// SetWriter sets the output writer
func (p *CLIProgress) SetWriter(w io.Writer) {
	p.w = w
}

// HandleEvent handles a controller event. It is suitable as
// controller.Dependencies.OnEvent.
func (p *CLIProgress) HandleEvent(event controller.Event) {
	if p.quiet {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch event.Type {
	case controller.EventStarted:
		p.lastPercent = -1
		fmt.Fprintf(p.w, "%s %s\n", p.styles.Warning.Render(SymbolInProgress), event.Banner.String())

	case controller.EventAccepted:
		fmt.Fprintf(p.w, "\r\033[K  %s\n", p.styles.Muted.Render(event.Banner.Text))

	case controller.EventProgress:
		pct := int(event.Progress)
		if pct == p.lastPercent {
			return
		}
		p.lastPercent = pct
		p.updateProgressLine(event)

	case controller.EventRequestFailed:
		fmt.Fprint(p.w, "\r\033[K") // Clear line
		fmt.Fprintf(p.w, "%s Dispense request failed: %v\n", p.styles.Error.Render(SymbolError), event.Err)

	case controller.EventCompleted:
		fmt.Fprint(p.w, "\r\033[K")
		fmt.Fprintf(p.w, "%s %s\n", p.styles.Success.Render(SymbolSuccess), event.Banner.Text)

	case controller.EventCompletionFailed, controller.EventEmergencyFailed:
		fmt.Fprint(p.w, "\r\033[K")
		fmt.Fprintf(p.w, "%s %s\n", p.styles.Error.Render(SymbolError), event.Banner.Text)

	case controller.EventEmergencyStopped:
		fmt.Fprint(p.w, "\r\033[K")
		fmt.Fprintf(p.w, "%s %s (at %.0f%%)\n", p.styles.Error.Render(SymbolWarning), event.Banner.Text, event.Progress)
	}
}

func (p *CLIProgress) updateProgressLine(event controller.Event) {
	barWidth := 30
	percent := event.Progress / 100
	filled := int(percent * float64(barWidth))
	empty := barWidth - filled

	bar := "[" + strings.Repeat("=", filled)
	if filled < barWidth {
		bar += ">"
		empty--
	}
	bar += strings.Repeat(" ", empty) + "]"

	// Print with carriage return to overwrite previous line
	fmt.Fprintf(p.w, "\r  %s %3.0f%%  %5.1f ml/s", bar, event.Progress, event.Sample.FlowRate)
}

// PrintSummary prints the outcome of a finished cycle
func (p *CLIProgress) PrintSummary(res controller.Result) {
	if p.quiet {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w)
	fmt.Fprintf(p.w, "  %-12s %s\n", "Cycle:", res.CycleID)
	fmt.Fprintf(p.w, "  %-12s %s\n", "Outcome:", res.Outcome)
	fmt.Fprintf(p.w, "  %-12s %.0f%%\n", "Progress:", res.Progress)
	fmt.Fprintf(p.w, "  %-12s %s\n", "Total Time:", FormatDuration(res.Duration))
	if res.Err != nil {
		fmt.Fprintf(p.w, "  %-12s %v\n", "Notify:", res.Err)
	}
	fmt.Fprintln(p.w)
}

// PrintHistory prints one history page
func (p *CLIProgress) PrintHistory(page history.Page, size int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if page.Empty {
		fmt.Fprintln(p.w, p.styles.Muted.Render(history.Placeholder))
		return
	}
	for _, e := range page.Items {
		marker := p.styles.Marker(history.MarkerFor(e.Type))
		if marker == "" {
			fmt.Fprintln(p.w, "  "+e.Message)
			continue
		}
		fmt.Fprintf(p.w, "%s %s  %s\n", marker, p.styles.Muted.Render(e.Timestamp), e.Message)
	}
	fmt.Fprintf(p.w, "%s\n", p.styles.Muted.Render(fmt.Sprintf("page %d/%d", page.Page+1, page.Pages(size))))
}

// PrintCycles prints journaled cycles as a table
func (p *CLIProgress) PrintCycles(cycles []database.Cycle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprint(p.w, RenderCyclesTable(cycles, p.styles))
}

// PrintConnectivity prints a connectivity poll result with a timestamp
func (p *CLIProgress) PrintConnectivity(st poller.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	line := st.String()
	if st.Connected {
		line = p.styles.Success.Render(line)
	} else {
		line = p.styles.Error.Render(line)
	}
	fmt.Fprintln(p.w, line)
}
