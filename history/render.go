package history

import (
	"fmt"
	"strings"

	dispenser "github.com/mixbot/dispenser"
)

// Marker is the visual kind of a rendered entry.
type Marker string

const (
	MarkerGreen Marker = "green"
	MarkerRed   Marker = "red"
	MarkerNone  Marker = ""
)

// MarkerFor returns the marker for an event type. Unknown types get none and
// are rendered verbatim.
func MarkerFor(t dispenser.EventType) Marker {
	switch t {
	case dispenser.EventTypeDispense:
		return MarkerGreen
	case dispenser.EventTypeEmergency:
		return MarkerRed
	}
	return MarkerNone
}

// Line renders one event as plain text.
func Line(e dispenser.HistoryEvent) string {
	switch MarkerFor(e.Type) {
	case MarkerGreen, MarkerRed:
		if e.Timestamp == "" {
			return fmt.Sprintf("● %s", e.Message)
		}
		return fmt.Sprintf("● %s  %s", e.Timestamp, e.Message)
	}
	return e.Message
}

// Text renders a page as plain text, one line per entry, followed by a
// "page x/y" footer.
func Text(p Page, size int) string {
	if p.Empty {
		return Placeholder + "\n"
	}
	var b strings.Builder
	for _, e := range p.Items {
		b.WriteString(Line(e))
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "page %d/%d", p.Page+1, p.Pages(size))
	if p.HasPrev {
		b.WriteString("  [prev]")
	}
	if p.HasNext {
		b.WriteString("  [next]")
	}
	b.WriteByte('\n')
	return b.String()
}
