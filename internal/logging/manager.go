package logging

import (
	"container/ring"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxBufferSize is the maximum number of log entries kept in memory.
	MaxBufferSize = 10000

	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// LogEntry represents a single structured log entry.
type LogEntry struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Level     string                 `json:"level"`
	Source    string                 `json:"source"`
	Message   string                 `json:"message"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// Manager collects recent log entries in a ring buffer so the debug API
// can serve them without touching persistent storage.
type Manager struct {
	mu       sync.RWMutex
	buffer   *ring.Ring
	handlers []func(LogEntry)
}

// NewManager creates a logging manager.
func NewManager() *Manager {
	return &Manager{
		buffer:   ring.New(MaxBufferSize),
		handlers: make([]func(LogEntry), 0),
	}
}

// Log records an entry in the ring buffer, echoes it to the process log,
// and notifies registered handlers.
func (m *Manager) Log(level, source, message string, metadata map[string]interface{}) {
	entry := LogEntry{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		Level:     level,
		Source:    source,
		Message:   message,
		Metadata:  metadata,
	}

	m.mu.Lock()
	m.buffer.Value = entry
	m.buffer = m.buffer.Next()
	handlers := append(([]func(LogEntry))(nil), m.handlers...)
	m.mu.Unlock()

	log.Printf("[%s] %s", source, message)
	for _, h := range handlers {
		h(entry)
	}
}

// Infof logs a formatted info-level message.
func (m *Manager) Infof(source, format string, args ...interface{}) {
	m.Log(LogLevelInfo, source, fmt.Sprintf(format, args...), nil)
}

// Errorf logs a formatted error-level message.
func (m *Manager) Errorf(source, format string, args ...interface{}) {
	m.Log(LogLevelError, source, fmt.Sprintf(format, args...), nil)
}

// OnEntry registers a handler invoked for every new entry.
func (m *Manager) OnEntry(handler func(LogEntry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Recent returns up to limit of the newest entries, newest first,
// optionally filtered by level.
func (m *Manager) Recent(limit int, level string) []LogEntry {
	if limit <= 0 || limit > MaxBufferSize {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]LogEntry, 0, limit)
	r := m.buffer
	for i := 0; i < MaxBufferSize && len(entries) < limit; i++ {
		r = r.Prev()
		entry, ok := r.Value.(LogEntry)
		if !ok {
			break // reached the unwritten part of the ring
		}
		if level != "" && entry.Level != level {
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}
