package tui

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/mixbot/dispenser/controller"
	"github.com/mixbot/dispenser/history"
)

// ControllerEventMsg carries a controller state change into the panel.
type ControllerEventMsg struct {
	Event controller.Event
}

// ConnectivityMsg reports a device connectivity transition.
type ConnectivityMsg struct {
	Connected bool
}

// HistoryMsg carries a refreshed history page.
type HistoryMsg struct {
	Page history.Page
	Err  error
}

// Bridge forwards callbacks from background goroutines (controller, poller,
// history panel) into the Bubble Tea loop through a buffered channel.
type Bridge struct {
	ch     chan tea.Msg
	logger logrus.FieldLogger
}

// NewBridge creates a bridge with the given buffer size. Dropped messages
// are logged at debug level; the panel owns the terminal, so logger should
// not write to it.
func NewBridge(size int, logger logrus.FieldLogger) *Bridge {
	if size <= 0 {
		size = 256
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Bridge{ch: make(chan tea.Msg, size), logger: logger}
}

// Send queues msg without blocking. When the buffer is full the message is
// dropped, except terminal controller events, which evict the oldest queued
// message so a cycle end is never lost.
func (b *Bridge) Send(msg tea.Msg) {
	select {
	case b.ch <- msg:
		return
	default:
	}

	if ev, ok := msg.(ControllerEventMsg); ok && ev.Event.Terminal() {
		select {
		case <-b.ch:
		default:
		}
		select {
		case b.ch <- msg:
			return
		default:
		}
	}
	b.logger.WithField("msg", fmt.Sprintf("%T", msg)).Debug("bridge full, dropping message")
}

// ControllerEvent is suitable as controller.Dependencies.OnEvent.
func (b *Bridge) ControllerEvent(e controller.Event) {
	b.Send(ControllerEventMsg{Event: e})
}

// Connectivity is suitable as a poller OnChange callback.
func (b *Bridge) Connectivity(connected bool) {
	b.Send(ConnectivityMsg{Connected: connected})
}

// History is suitable as history.PanelConfig.OnChange.
func (b *Bridge) History(p history.Page, err error) {
	b.Send(HistoryMsg{Page: p, Err: err})
}

// Listen waits for the next message. The panel re-issues it after every
// bridged message, the same way the progress channel is drained.
func (b *Bridge) Listen() tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-b.ch
		if !ok {
			b.logger.Debug("bridge closed")
			return nil
		}
		return bridgedMsg{msg: msg}
	}
}

// bridgedMsg marks messages that came through the bridge so the panel knows
// to keep listening.
type bridgedMsg struct {
	msg tea.Msg
}
