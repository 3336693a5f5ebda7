package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mixbot/dispenser/database"
)

// Column represents a table column
type Column struct {
	Title string
	Width int
}

// Row represents a table row
type Row []string

// Table renders rows in fixed-width columns
type Table struct {
	columns []Column
	rows    []Row
	styles  *Styles
}

// NewTable creates a new table with the given columns
func NewTable(columns []Column, styles *Styles) *Table {
	if styles == nil {
		styles = DefaultStyles()
	}
	return &Table{
		columns: columns,
		styles:  styles,
	}
}

// AddRow adds a row to the table
func (t *Table) AddRow(row Row) {
	t.rows = append(t.rows, row)
}

// Render renders the table as a string
func (t *Table) Render() string {
	var b strings.Builder

	headerCells := make([]string, len(t.columns))
	for i, col := range t.columns {
		headerCells[i] = t.styles.SectionHead.Width(col.Width).Render(col.Title)
	}
	b.WriteString(strings.Join(headerCells, " ") + "\n")

	for _, col := range t.columns {
		b.WriteString(t.styles.Muted.Render(strings.Repeat("─", col.Width)) + " ")
	}
	b.WriteString("\n")

	for _, row := range t.rows {
		cells := make([]string, len(t.columns))
		for i, col := range t.columns {
			var cell string
			if i < len(row) {
				cell = row[i]
			}
			// Truncate if too long
			if lipgloss.Width(cell) > col.Width && col.Width > 3 {
				cell = cell[:col.Width-3] + "..."
			}
			cells[i] = lipgloss.NewStyle().Width(col.Width).Render(cell)
		}
		b.WriteString(strings.Join(cells, " ") + "\n")
	}

	return b.String()
}

// RenderCyclesTable renders journaled cycles, newest first as given.
func RenderCyclesTable(cycles []database.Cycle, styles *Styles) string {
	if styles == nil {
		styles = DefaultStyles()
	}
	if len(cycles) == 0 {
		return styles.Muted.Render("No journaled cycles") + "\n"
	}

	t := NewTable([]Column{
		{Title: "", Width: 1},
		{Title: "CYCLE", Width: 30},
		{Title: "STARTED", Width: 19},
		{Title: "WATER", Width: 8},
		{Title: "SYRUP", Width: 8},
		{Title: "PROG", Width: 5},
		{Title: "STATUS", Width: 14},
		{Title: "DURATION", Width: 8},
	}, styles)

	var notes []string
	for _, c := range cycles {
		dur := "-"
		if c.EndedAt != nil {
			dur = FormatDuration(c.Duration())
		}
		t.AddRow(Row{
			styles.StatusIcon(c.Status),
			c.CycleID,
			c.StartedAt.Format("2006-01-02 15:04:05"),
			FormatML(c.TargetWaterML),
			FormatML(c.TargetSyrupML),
			fmt.Sprintf("%.0f%%", c.FinalProgress),
			c.Status,
			dur,
		})
		if c.NotifyError != "" {
			notes = append(notes, styles.Error.Render(fmt.Sprintf("%s notify: %s", c.CycleID, c.NotifyError)))
		}
		if c.StopReason != "" {
			notes = append(notes, styles.Warning.Render(fmt.Sprintf("%s stop reason: %s", c.CycleID, c.StopReason)))
		}
	}

	var b strings.Builder
	b.WriteString(t.Render())
	for _, n := range notes {
		b.WriteString("  " + n + "\n")
	}
	b.WriteString(fmt.Sprintf("\n%s %d cycles\n", styles.Muted.Render("Total:"), len(cycles)))
	return b.String()
}
