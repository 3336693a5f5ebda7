package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/sirupsen/logrus"

	dispenser "github.com/mixbot/dispenser"
	"github.com/mixbot/dispenser/chart"
	"github.com/mixbot/dispenser/controller"
	"github.com/mixbot/dispenser/history"
	"github.com/mixbot/dispenser/slider"
	"github.com/mixbot/dispenser/status"
)

// Dispenser is the controller surface the panel drives.
type Dispenser interface {
	StartDispensing(ctx context.Context, req dispenser.DispenseRequest) (string, error)
	EmergencyStop(ctx context.Context, reason string) error
	Snapshot() controller.State
	Banner() *status.Banner
}

// HistoryPager is the history surface the panel drives.
type HistoryPager interface {
	Refresh(ctx context.Context, page int) (history.Page, error)
	Next(ctx context.Context) (history.Page, error)
	Prev(ctx context.Context) (history.Page, error)
	PageSize() int
}

// ExportFunc writes the chart samples somewhere and returns the location.
type ExportFunc func(samples []chart.ProgressSample) (string, error)

// PanelConfig holds configuration for the panel.
type PanelConfig struct {
	Title      string
	BackendURL string
	Controller Dispenser
	History    HistoryPager
	Bridge     *Bridge
	Bounds     slider.Bounds
	Presets    []slider.Preset
	Export     ExportFunc
	Logger     logrus.FieldLogger

	// RequestTimeout bounds history requests issued from key presses
	RequestTimeout time.Duration
}

const (
	focusWater = iota
	focusSyrup
)

const (
	trackWidth     = 32
	sparklineWidth = 20
)

// startResultMsg reports the outcome of a dispense key press.
type startResultMsg struct {
	cycleID string
	err     error
}

// stopResultMsg reports the outcome of an emergency stop key press.
type stopResultMsg struct {
	err error
}

// exportResultMsg reports a chart export.
type exportResultMsg struct {
	path string
	err  error
}

// PanelModel is the control panel Bubble Tea model.
type PanelModel struct {
	// Configuration
	title      string
	backendURL string
	timeout    time.Duration
	presets    []slider.Preset

	// Collaborators
	ctrl    Dispenser
	history HistoryPager
	bridge  *Bridge
	export  ExportFunc
	logger  logrus.FieldLogger

	// Components
	sliders  *slider.Pair
	spinner  spinner.Model
	progress progress.Model
	help     help.Model
	keys     keyMap

	// Data
	focus       int
	state       controller.State
	connected   bool
	connKnown   bool
	historyPage history.Page
	historyErr  error

	// State
	width    int
	styles   *Styles
	quitting bool
}

// NewPanelModel creates the panel. Controller, History and Bridge are required.
func NewPanelModel(cfg PanelConfig) *PanelModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(ColorPrimary)

	if cfg.Title == "" {
		cfg.Title = "Mix Dispenser Control Panel"
	}
	if cfg.Bounds.WaterMax <= 0 || cfg.Bounds.SyrupMax <= 0 {
		cfg.Bounds = slider.DefaultBounds()
	}
	if cfg.Presets == nil {
		cfg.Presets = slider.DefaultPresets()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	bar := progress.New(progress.WithDefaultGradient(), progress.WithWidth(trackWidth+10))

	m := &PanelModel{
		title:       cfg.Title,
		backendURL:  cfg.BackendURL,
		timeout:     cfg.RequestTimeout,
		presets:     cfg.Presets,
		ctrl:        cfg.Controller,
		history:     cfg.History,
		bridge:      cfg.Bridge,
		export:      cfg.Export,
		logger:      cfg.Logger,
		sliders:     slider.NewPair(cfg.Bounds),
		spinner:     s,
		progress:    bar,
		help:        help.New(),
		keys:        defaultKeyMap(),
		historyPage: history.Page{Empty: true},
		styles:      DefaultStyles(),
	}
	m.state = m.ctrl.Snapshot()
	return m
}

// Init starts listening to the bridge and loads the first history page.
func (m *PanelModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		m.bridge.Listen(),
		m.historyCmd(func(ctx context.Context) { m.history.Refresh(ctx, 0) }),
	)
}

// Update handles messages
func (m *PanelModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width

	case bridgedMsg:
		m.handleBridged(msg.msg)
		cmds = append(cmds, m.bridge.Listen())

	case ControllerEventMsg, ConnectivityMsg, HistoryMsg:
		m.handleBridged(msg)

	case startResultMsg:
		if msg.err != nil && !errors.Is(msg.err, controller.ErrAlreadyDispensing) {
			m.ctrl.Banner().Set(status.LevelDanger, "Error: "+msg.err.Error())
		}
		m.state = m.ctrl.Snapshot()

	case stopResultMsg:
		m.state = m.ctrl.Snapshot()

	case exportResultMsg:
		if msg.err != nil {
			m.ctrl.Banner().Set(status.LevelDanger, "Chart export failed: "+msg.err.Error())
		} else {
			m.ctrl.Banner().Set(status.LevelInfo, "Chart exported to "+msg.path)
		}
		m.state = m.ctrl.Snapshot()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *PanelModel) handleBridged(msg tea.Msg) {
	switch msg := msg.(type) {
	case ControllerEventMsg:
		m.logger.WithFields(logrus.Fields{
			"event":    msg.Event.Type,
			"cycle_id": msg.Event.CycleID,
			"progress": msg.Event.Progress,
		}).Debug("controller event")
		m.state = m.ctrl.Snapshot()
	case ConnectivityMsg:
		m.connected = msg.Connected
		m.connKnown = true
	case HistoryMsg:
		m.historyPage = msg.Page
		m.historyErr = msg.Err
	}
}

// handleKeyMsg handles keyboard input
func (m *PanelModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll

	case key.Matches(msg, m.keys.Focus):
		if m.focus == focusWater {
			m.focus = focusSyrup
		} else {
			m.focus = focusWater
		}

	case key.Matches(msg, m.keys.Left):
		m.focused().Decrement()

	case key.Matches(msg, m.keys.Right):
		m.focused().Increment()

	case key.Matches(msg, m.keys.Preset):
		idx := int(msg.String()[0] - '1')
		if idx >= 0 && idx < len(m.presets) {
			p := m.presets[idx]
			text := m.sliders.SetPreset(p.Water, p.Syrup)
			m.ctrl.Banner().Set(status.LevelInfo, text)
			m.state = m.ctrl.Snapshot()
		}

	case key.Matches(msg, m.keys.Dispense):
		if !m.state.Dispensing {
			cmds = append(cmds, m.startCmd(m.sliders.Request()))
		}

	case key.Matches(msg, m.keys.Stop):
		if m.state.Dispensing {
			cmds = append(cmds, m.stopCmd())
		}

	case key.Matches(msg, m.keys.Prev):
		if m.historyPage.HasPrev {
			cmds = append(cmds, m.historyCmd(func(ctx context.Context) { m.history.Prev(ctx) }))
		}

	case key.Matches(msg, m.keys.Next):
		if m.historyPage.HasNext {
			cmds = append(cmds, m.historyCmd(func(ctx context.Context) { m.history.Next(ctx) }))
		}

	case key.Matches(msg, m.keys.Refresh):
		page := m.historyPage.Page
		cmds = append(cmds, m.historyCmd(func(ctx context.Context) { m.history.Refresh(ctx, page) }))

	case key.Matches(msg, m.keys.Export):
		if m.export != nil {
			cmds = append(cmds, m.exportCmd(m.state.Samples))
		}
	}

	return m, tea.Batch(cmds...)
}

func (m *PanelModel) focused() *slider.Slider {
	if m.focus == focusSyrup {
		return m.sliders.Syrup
	}
	return m.sliders.Water
}

func (m *PanelModel) startCmd(req dispenser.DispenseRequest) tea.Cmd {
	return func() tea.Msg {
		id, err := m.ctrl.StartDispensing(context.Background(), req)
		return startResultMsg{cycleID: id, err: err}
	}
}

func (m *PanelModel) stopCmd() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		err := m.ctrl.EmergencyStop(ctx, dispenser.DefaultEmergencyReason)
		return stopResultMsg{err: err}
	}
}

// historyCmd runs fn in the background; the page arrives through the bridge.
func (m *PanelModel) historyCmd(fn func(ctx context.Context)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
		defer cancel()
		fn(ctx)
		return nil
	}
}

func (m *PanelModel) exportCmd(samples []chart.ProgressSample) tea.Cmd {
	return func() tea.Msg {
		path, err := m.export(samples)
		return exportResultMsg{path: path, err: err}
	}
}

// View renders the panel
func (m *PanelModel) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder

	b.WriteString(m.renderTitle() + "\n\n")
	if banner := m.styles.RenderBanner(m.state.Banner); banner != "" {
		b.WriteString(banner + "\n\n")
	}

	b.WriteString(m.renderSliders() + "\n")
	b.WriteString(m.renderControls() + "\n\n")

	if m.state.ProgressVisible {
		b.WriteString(m.renderProgress() + "\n\n")
	}

	b.WriteString(m.renderHistory() + "\n")
	b.WriteString(m.help.View(m.keys))

	return b.String()
}

func (m *PanelModel) renderTitle() string {
	conn := m.styles.Muted.Render(SymbolPending + " Unknown")
	if m.connKnown {
		if m.connected {
			conn = m.styles.Success.Render(SymbolConnected + " Connected")
		} else {
			conn = m.styles.Error.Render(SymbolPending + " Disconnected")
		}
	}

	lead := " "
	if m.state.Dispensing {
		lead = m.spinner.View()
	}
	title := fmt.Sprintf("%s %s  %s", lead, m.styles.Title.Render(m.title), conn)
	if m.backendURL != "" {
		title += "  " + m.styles.Muted.Render(m.backendURL)
	}
	return title
}

func (m *PanelModel) renderSliders() string {
	var content strings.Builder
	for i, s := range []*slider.Slider{m.sliders.Water, m.sliders.Syrup} {
		content.WriteString(m.renderSlider(s, i == m.focus))
	}

	var presets []string
	for i, p := range m.presets {
		presets = append(presets, fmt.Sprintf("%s %s/%s",
			m.styles.HelpKey.Render(fmt.Sprintf("%d", i+1)),
			FormatML(p.Water), FormatML(p.Syrup)))
	}
	content.WriteString(m.styles.Muted.Render("Presets: ") + strings.Join(presets, "  "))

	return m.styles.Panel.Render(
		m.styles.SectionHead.Render("Volumes") + "\n" + content.String())
}

func (m *PanelModel) renderSlider(s *slider.Slider, focused bool) string {
	const labelWidth = 8
	offset := s.Offset(trackWidth)

	tooltip := strings.Repeat(" ", labelWidth+offset) + m.styles.Info.Render(s.Tooltip())

	track := m.styles.TrackFilled.Render(strings.Repeat("━", offset)) +
		m.styles.Title.Render(SymbolKnob) +
		m.styles.TrackEmpty.Render(strings.Repeat("─", trackWidth-offset-1))

	label := fmt.Sprintf("%-*s", labelWidth, s.Name)
	if focused {
		label = m.styles.Info.Render(label)
	} else {
		label = m.styles.Muted.Render(label)
	}
	return fmt.Sprintf("%s\n%s%s %s\n", tooltip, label, track, m.styles.Muted.Render(FormatML(s.Value)))
}

func (m *PanelModel) renderControls() string {
	dispense := m.styles.Button.Render("Start Dispensing")
	if m.state.Dispensing {
		dispense = m.styles.ButtonOff.Render(SymbolInProgress + " Dispensing...")
	}
	stop := m.styles.ButtonOff.Render("Emergency Stop")
	if m.state.Dispensing {
		stop = m.styles.Danger.Render("EMERGENCY STOP")
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, dispense, "  ", stop)
}

func (m *PanelModel) renderProgress() string {
	var content strings.Builder
	content.WriteString(m.progress.ViewAs(m.state.Progress/100) + "\n")

	if n := len(m.state.Samples); n > 0 {
		last := m.state.Samples[n-1]
		content.WriteString(fmt.Sprintf("%s %s  %.1f ml/s",
			m.styles.Muted.Render("Flow"),
			m.styles.Info.Render(chart.Sparkline(m.state.Samples, sparklineWidth)),
			last.FlowRate))
	}

	return m.styles.ActivePanel.Render(
		m.styles.SectionHead.Render("Progress (simulated)") + "\n" + content.String())
}

func (m *PanelModel) renderHistory() string {
	var content strings.Builder
	p := m.historyPage

	if p.Empty {
		content.WriteString(m.styles.Muted.Render(history.Placeholder) + "\n")
	} else {
		for _, e := range p.Items {
			marker := m.styles.Marker(history.MarkerFor(e.Type))
			if marker == "" {
				content.WriteString(e.Message + "\n")
				continue
			}
			content.WriteString(fmt.Sprintf("%s %s %s\n", marker, m.styles.Muted.Render(e.Timestamp), e.Message))
		}
	}
	if m.historyErr != nil {
		content.WriteString(m.styles.Error.Render("history unavailable") + "\n")
	}

	prev := m.styles.Muted.Render("[ newer")
	if p.HasPrev {
		prev = m.styles.HelpKey.Render("[ newer")
	}
	next := m.styles.Muted.Render("older ]")
	if p.HasNext {
		next = m.styles.HelpKey.Render("older ]")
	}
	content.WriteString(fmt.Sprintf("%s   page %d/%d   %s", prev, p.Page+1, p.Pages(m.history.PageSize()), next))

	return m.styles.Panel.Render(
		m.styles.SectionHead.Render("History") + "\n" + content.String())
}

// Sliders exposes the slider pair, mainly for tests.
func (m *PanelModel) Sliders() *slider.Pair {
	return m.sliders
}
