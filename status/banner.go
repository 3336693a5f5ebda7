// Package status holds the single-line banner that reflects the outcome of the
// most recent panel operation.
package status

import (
	"strings"
	"sync"
	"time"
)

// Level is the severity of a banner message.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelDanger  Level = "danger"
)

// Message is one banner state.
type Message struct {
	Level Level
	Text  string
	At    time.Time
}

// String renders the message as "<LEVEL>: <text>".
func (m Message) String() string {
	if m.Text == "" {
		return ""
	}
	return strings.ToUpper(string(m.Level)) + ": " + m.Text
}

// Banner keeps the latest message. Safe for concurrent use.
type Banner struct {
	mu  sync.RWMutex
	msg Message
}

// NewBanner creates a banner with an initial info message.
func NewBanner(initial string) *Banner {
	b := &Banner{}
	if initial != "" {
		b.Set(LevelInfo, initial)
	}
	return b
}

// Set replaces the current message.
func (b *Banner) Set(level Level, text string) Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.msg = Message{Level: level, Text: text, At: time.Now()}
	return b.msg
}

// Current returns the current message.
func (b *Banner) Current() Message {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.msg
}
