package services

import (
	"strings"
	"sync"
	"time"

	"navideo/internal/core/domain"
)

const (
	DefaultChatDedupeWindow = 1200 * time.Millisecond
	defaultChatLogLimit     = 500
)

// ChatLog keeps the transient chat history of one client. Local sends are
// echoed immediately; a broadcast that repeats the last entry within the
// dedupe window is dropped.
type ChatLog struct {
	mu      sync.Mutex
	entries []domain.ChatMessage
	window  time.Duration
	limit   int
	now     func() time.Time
}

func NewChatLog(window time.Duration) *ChatLog {
	if window < 0 {
		window = 0
	}
	return &ChatLog{
		window: window,
		limit:  defaultChatLogLimit,
		now:    time.Now,
	}
}

// AppendLocal records an optimistic echo of a message this client sent.
func (c *ChatLog) AppendLocal(sender, text string) domain.ChatMessage {
	msg := domain.ChatMessage{
		Sender:    domain.DisplayName(sender),
		Text:      text,
		Timestamp: c.now().UTC(),
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appendLocked(msg)
	return msg
}

// AppendRemote records a broadcast message and reports whether it was kept.
func (c *ChatLog) AppendRemote(msg domain.ChatMessage) bool {
	if strings.TrimSpace(msg.Text) == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.entries); n > 0 {
		last := c.entries[n-1]
		if last.Sender == msg.Sender && last.Text == msg.Text && absDuration(last.Timestamp.Sub(msg.Timestamp)) < c.window {
			return false
		}
	}
	c.appendLocked(msg)
	return true
}

func (c *ChatLog) appendLocked(msg domain.ChatMessage) {
	c.entries = append(c.entries, msg)
	if over := len(c.entries) - c.limit; over > 0 {
		c.entries = append(c.entries[:0:0], c.entries[over:]...)
	}
}

func (c *ChatLog) Entries() []domain.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.ChatMessage(nil), c.entries...)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
