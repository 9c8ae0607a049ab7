// Package logcapture keeps a bounded, process-wide buffer of log entries
// emitted while bots run, so the debug surfaces can show what a script did.
package logcapture

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity is the number of entries kept before the oldest is dropped.
const DefaultCapacity = 500

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel maps a guest-supplied level to a Level. Anything unknown is
// treated as debug.
func ParseLevel(s string) Level {
	switch Level(strings.ToLower(strings.TrimSpace(s))) {
	case LevelInfo:
		return LevelInfo
	case LevelWarn, "warning":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelDebug
	}
}

type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

func (e Entry) String() string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(e.Level)), e.Message)
}

// Capture is a fixed-size ring of entries. Enablement is independent of
// the contents: disabling stops recording but keeps what is already there.
type Capture struct {
	enabled atomic.Bool

	mu      sync.Mutex
	ring    []Entry
	start   int
	count   int
	nowFunc func() time.Time
}

// Default is the process-wide capture used by the daemon and the CLI.
var Default = New(DefaultCapacity)

// New creates a disabled Capture holding at most capacity entries.
func New(capacity int) *Capture {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Capture{
		ring:    make([]Entry, capacity),
		nowFunc: time.Now,
	}
}

func (c *Capture) SetEnabled(enabled bool) { c.enabled.Store(enabled) }

func (c *Capture) IsEnabled() bool { return c.enabled.Load() }

// Add records an entry if capture is enabled and reports whether it did.
func (c *Capture) Add(level Level, message string) bool {
	if !c.enabled.Load() {
		return false
	}
	entry := Entry{Timestamp: c.nowFunc(), Level: level, Message: message}

	c.mu.Lock()
	defer c.mu.Unlock()
	capacity := len(c.ring)
	if c.count < capacity {
		c.ring[(c.start+c.count)%capacity] = entry
		c.count++
		return true
	}
	c.ring[c.start] = entry
	c.start = (c.start + 1) % capacity
	return true
}

// Addf is Add with fmt.Sprintf formatting.
func (c *Capture) Addf(level Level, format string, args ...any) bool {
	if !c.enabled.Load() {
		return false
	}
	return c.Add(level, fmt.Sprintf(format, args...))
}

// Logs returns a snapshot of the entries in insertion order.
func (c *Capture) Logs() []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, c.count)
	for i := 0; i < c.count; i++ {
		out[i] = c.ring[(c.start+i)%len(c.ring)]
	}
	return out
}

func (c *Capture) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.ring)
	c.start = 0
	c.count = 0
}

func (c *Capture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *Capture) Capacity() int { return len(c.ring) }
