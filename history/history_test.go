package history

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	dispenser "github.com/mixbot/dispenser"
)

func events(n int) []dispenser.HistoryEvent {
	out := make([]dispenser.HistoryEvent, n)
	for i := range out {
		out[i] = dispenser.HistoryEvent{
			Type:    dispenser.EventTypeDispense,
			Message: fmt.Sprintf("event-%d", i),
		}
	}
	return out
}

func TestPaginate_ThreeEvents(t *testing.T) {
	log := []dispenser.HistoryEvent{
		{Type: dispenser.EventTypeDispense, Message: "first"},
		{Type: dispenser.EventTypeEmergency, Message: "second"},
		{Type: dispenser.EventTypeDispense, Message: "third"},
	}

	p := Paginate(log, 0, 3)
	if len(p.Items) != 3 {
		t.Fatalf("items = %d, want 3", len(p.Items))
	}
	if p.Items[0].Message != "third" || p.Items[1].Message != "second" || p.Items[2].Message != "first" {
		t.Errorf("order = %v", p.Items)
	}
	if p.HasPrev || p.HasNext {
		t.Errorf("nav = prev:%v next:%v, want both disabled", p.HasPrev, p.HasNext)
	}
	if log[0].Message != "first" {
		t.Error("Paginate modified its input")
	}
}

func TestPaginate_Slices(t *testing.T) {
	for n := 0; n <= 10; n++ {
		log := events(n)
		for page := 0; page*3 < n; page++ {
			p := Paginate(log, page, 3)

			start := page * 3
			end := start + 3
			if end > n {
				end = n
			}
			if len(p.Items) != end-start {
				t.Fatalf("n=%d page=%d: %d items, want %d", n, page, len(p.Items), end-start)
			}
			for i, item := range p.Items {
				want := log[n-1-(start+i)].Message
				if item.Message != want {
					t.Errorf("n=%d page=%d item %d = %s, want %s", n, page, i, item.Message, want)
				}
			}
			if p.HasPrev != (page > 0) {
				t.Errorf("n=%d page=%d HasPrev = %v", n, page, p.HasPrev)
			}
			if p.HasNext != (page*3+3 < n) {
				t.Errorf("n=%d page=%d HasNext = %v", n, page, p.HasNext)
			}
		}
	}
}

func TestPaginate_Empty(t *testing.T) {
	p := Paginate(nil, 0, 3)
	if !p.Empty || p.HasNext || p.HasPrev || len(p.Items) != 0 {
		t.Errorf("empty page = %+v", p)
	}
	if got := Text(p, 3); !strings.Contains(got, Placeholder) {
		t.Errorf("Text = %q", got)
	}
}

func TestPaginate_ClampsPage(t *testing.T) {
	p := Paginate(events(7), 10, 3)
	if p.Page != 2 || len(p.Items) != 1 || p.HasNext {
		t.Errorf("clamped page = %+v", p)
	}
	p = Paginate(events(7), -1, 3)
	if p.Page != 0 || p.HasPrev {
		t.Errorf("negative page = %+v", p)
	}
}

func TestParseOrder(t *testing.T) {
	if o, err := ParseOrder(""); err != nil || o != OrderCreation {
		t.Errorf("ParseOrder(\"\") = %v, %v", o, err)
	}
	if o, err := ParseOrder("server-newest-first"); err != nil || o != OrderNewestFirst {
		t.Errorf("ParseOrder = %v, %v", o, err)
	}
	if _, err := ParseOrder("random"); err == nil {
		t.Error("expected error")
	}
}

type fakeFetcher struct {
	mu     sync.Mutex
	events []dispenser.HistoryEvent
	err    error
	calls  int
}

func (f *fakeFetcher) History(ctx context.Context) ([]dispenser.HistoryEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.events, f.err
}

func TestPanel_Navigation(t *testing.T) {
	logger, _ := test.NewNullLogger()
	f := &fakeFetcher{events: events(7)}
	var changes int
	panel := NewPanel(PanelConfig{
		Fetcher:  f,
		Logger:   logger,
		OnChange: func(Page, error) { changes++ },
	})
	ctx := context.Background()

	p, err := panel.Refresh(ctx, 0)
	if err != nil || p.Page != 0 || !p.HasNext {
		t.Fatalf("Refresh = %+v, %v", p, err)
	}

	p, _ = panel.Next(ctx)
	p, _ = panel.Next(ctx)
	if p.Page != 2 || p.HasNext {
		t.Errorf("after two Next = %+v", p)
	}

	// Past the last page nothing is fetched.
	calls := f.calls
	p, _ = panel.Next(ctx)
	if p.Page != 2 || f.calls != calls {
		t.Errorf("Next past end = page %d, calls %d->%d", p.Page, calls, f.calls)
	}

	p, _ = panel.Prev(ctx)
	if p.Page != 1 {
		t.Errorf("Prev = %+v", p)
	}
	if f.calls != 4 || changes != 4 {
		t.Errorf("calls = %d, changes = %d, want 4 each (no caching)", f.calls, changes)
	}
}

func TestPanel_FetchFailure(t *testing.T) {
	logger, _ := test.NewNullLogger()
	f := &fakeFetcher{err: errors.New("connection refused")}
	panel := NewPanel(PanelConfig{Fetcher: f, Logger: logger})

	p, err := panel.Refresh(context.Background(), 0)
	if err == nil {
		t.Fatal("expected error")
	}
	if !p.Empty || !panel.Current().Empty {
		t.Errorf("failure page = %+v", p)
	}
}

func TestPanel_NewestFirstOrder(t *testing.T) {
	logger, _ := test.NewNullLogger()
	f := &fakeFetcher{events: events(4)}
	panel := NewPanel(PanelConfig{Fetcher: f, Logger: logger, Order: OrderNewestFirst})

	p, _ := panel.Refresh(context.Background(), 0)
	if p.Items[0].Message != "event-0" {
		t.Errorf("first item = %s, want event-0", p.Items[0].Message)
	}
}

func TestLine(t *testing.T) {
	tests := []struct {
		event dispenser.HistoryEvent
		want  string
	}{
		{dispenser.HistoryEvent{Type: dispenser.EventTypeDispense, Message: "Water: 500 ml", Timestamp: "10:00"}, "● 10:00  Water: 500 ml"},
		{dispenser.HistoryEvent{Type: dispenser.EventTypeEmergency, Message: "Emergency Stop"}, "● Emergency Stop"},
		{dispenser.HistoryEvent{Type: dispenser.EventTypeInfo, Message: "ESP32 Connected", Timestamp: "10:00"}, "ESP32 Connected"},
	}
	for _, tt := range tests {
		if got := Line(tt.event); got != tt.want {
			t.Errorf("Line(%v) = %q, want %q", tt.event, got, tt.want)
		}
	}
	if MarkerFor(dispenser.EventTypeEmergency) != MarkerRed || MarkerFor("OTHER") != MarkerNone {
		t.Error("unexpected markers")
	}
}
