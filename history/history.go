// Package history paginates the backend event log for display.
//
// The backend returns events in creation order. The panel shows them latest
// first, three per page, and re-fetches the whole log on every page turn.
package history

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	dispenser "github.com/mixbot/dispenser"
)

const (
	// DefaultPageSize is the number of events per page.
	DefaultPageSize = 3

	// Placeholder is shown in place of an empty log.
	Placeholder = "No dispenses yet"
)

// Order describes how the backend orders /history.
type Order string

const (
	// OrderCreation means oldest first; the panel reverses it.
	OrderCreation Order = "creation"

	// OrderNewestFirst means the backend already returns latest first.
	OrderNewestFirst Order = "server-newest-first"
)

// ParseOrder validates an order name.
func ParseOrder(s string) (Order, error) {
	switch Order(s) {
	case "", OrderCreation:
		return OrderCreation, nil
	case OrderNewestFirst:
		return OrderNewestFirst, nil
	}
	return "", fmt.Errorf("unknown history order %q (want %q or %q)", s, OrderCreation, OrderNewestFirst)
}

// Page is one rendered slice of the log.
type Page struct {
	Items   []dispenser.HistoryEvent
	Page    int
	Total   int
	HasPrev bool
	HasNext bool
	Empty   bool
}

// Pages returns the number of pages for the log, at least 1.
func (p Page) Pages(size int) int {
	if size <= 0 {
		size = DefaultPageSize
	}
	if p.Total == 0 {
		return 1
	}
	return (p.Total + size - 1) / size
}

// Paginate reverses events to latest-first and returns page p.
// A negative page is treated as 0 and a page past the end is clamped to the
// last page. The input slice is not modified.
func Paginate(events []dispenser.HistoryEvent, page, size int) Page {
	return paginate(latestFirst(events, OrderCreation), page, size)
}

func paginate(ordered []dispenser.HistoryEvent, page, size int) Page {
	if size <= 0 {
		size = DefaultPageSize
	}
	n := len(ordered)
	if n == 0 {
		return Page{Empty: true}
	}

	last := (n - 1) / size
	if page < 0 {
		page = 0
	}
	if page > last {
		page = last
	}

	start := page * size
	end := start + size
	if end > n {
		end = n
	}

	return Page{
		Items:   ordered[start:end],
		Page:    page,
		Total:   n,
		HasPrev: page > 0,
		HasNext: page*size+size < n,
	}
}

func latestFirst(events []dispenser.HistoryEvent, order Order) []dispenser.HistoryEvent {
	out := make([]dispenser.HistoryEvent, len(events))
	if order == OrderNewestFirst {
		copy(out, events)
		return out
	}
	for i, e := range events {
		out[len(events)-1-i] = e
	}
	return out
}

// Fetcher loads the full event log.
type Fetcher interface {
	History(ctx context.Context) ([]dispenser.HistoryEvent, error)
}

// Panel tracks the current page and re-fetches the log on every change.
type Panel struct {
	fetcher  Fetcher
	size     int
	order    Order
	logger   logrus.FieldLogger
	onChange func(Page, error)

	mu      sync.Mutex
	current Page
}

// PanelConfig configures a Panel.
type PanelConfig struct {
	Fetcher  Fetcher
	PageSize int
	Order    Order
	Logger   logrus.FieldLogger

	// OnChange is called after every refresh with the new page and the
	// fetch error, if any.
	OnChange func(Page, error)
}

// NewPanel creates a panel on page 0 with an empty log.
func NewPanel(cfg PanelConfig) *Panel {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.Order == "" {
		cfg.Order = OrderCreation
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Panel{
		fetcher:  cfg.Fetcher,
		size:     cfg.PageSize,
		order:    cfg.Order,
		logger:   cfg.Logger.WithField("component", "history"),
		onChange: cfg.OnChange,
		current:  Page{Empty: true},
	}
}

// Refresh fetches the whole log and shows page. On failure the panel falls
// back to the empty placeholder page and the error is returned.
func (p *Panel) Refresh(ctx context.Context, page int) (Page, error) {
	events, err := p.fetcher.History(ctx)
	var pg Page
	if err != nil {
		p.logger.WithError(err).Warn("failed to fetch history")
		pg = Page{Empty: true}
		err = fmt.Errorf("failed to fetch history: %w", err)
	} else {
		pg = paginate(latestFirst(events, p.order), page, p.size)
		p.logger.WithFields(logrus.Fields{
			"page":   pg.Page,
			"events": pg.Total,
		}).Debug("history refreshed")
	}

	p.mu.Lock()
	p.current = pg
	p.mu.Unlock()

	if p.onChange != nil {
		p.onChange(pg, err)
	}
	return pg, err
}

// Next moves one page towards older events.
func (p *Panel) Next(ctx context.Context) (Page, error) {
	cur := p.Current()
	if !cur.HasNext {
		return cur, nil
	}
	return p.Refresh(ctx, cur.Page+1)
}

// Prev moves one page towards newer events.
func (p *Panel) Prev(ctx context.Context) (Page, error) {
	cur := p.Current()
	if !cur.HasPrev {
		return cur, nil
	}
	return p.Refresh(ctx, cur.Page-1)
}

// Current returns the page last shown.
func (p *Panel) Current() Page {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// PageSize returns the configured page size.
func (p *Panel) PageSize() int {
	return p.size
}
