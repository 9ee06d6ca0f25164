package blackboard

import (
	"fmt"
	"sync"
	"time"
)

// Level of a message
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Message is one entry of the message log
type Message struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	Lvl  Level     `json:"level"`
	Text string    `json:"text"`
}

// MessageLog is a bounded log of recent messages. Unlike the rest of the
// blackboard it is safe for concurrent use, since the API server streams it.
type MessageLog struct {
	mu      sync.Mutex
	max     int
	seq     uint64
	entries []Message
	subs    map[chan Message]struct{}
}

// NewMessageLog keeps at most max messages
func NewMessageLog(max int) *MessageLog {
	if max < 1 {
		max = 1
	}
	return &MessageLog{
		max:  max,
		subs: make(map[chan Message]struct{}),
	}
}

// Add appends a message, evicting the oldest one when full. Subscribers that
// are not keeping up miss the message.
func (l *MessageLog) Add(now time.Time, lvl Level, format string, args ...any) Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	m := Message{Seq: l.seq, Time: now, Lvl: lvl, Text: fmt.Sprintf(format, args...)}
	if len(l.entries) == l.max {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:l.max-1]
	}
	l.entries = append(l.entries, m)

	for ch := range l.subs {
		select {
		case ch <- m:
		default:
		}
	}
	return m
}

// List returns the retained messages, oldest first
func (l *MessageLog) List() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.entries))
	copy(out, l.entries)
	return out
}

// Subscribe returns a channel receiving new messages and a function to stop
// the subscription
func (l *MessageLog) Subscribe(buffer int) (<-chan Message, func()) {
	ch := make(chan Message, buffer)
	l.mu.Lock()
	l.subs[ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, ch)
			l.mu.Unlock()
			close(ch)
		})
	}
}
