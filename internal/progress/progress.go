// Package progress tracks long-running background tasks: one guarded
// running record plus a bounded event log, polled by the admin UI and
// broadcast over the websocket hub.
package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tongki078/nasvideo/internal/websocket"
)

// Event severities.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

const maxEvents = 300

// Event is one log line of a background task.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Level     string    `json:"level"`
}

// Snapshot is the point-in-time state returned to pollers.
type Snapshot struct {
	Running      bool    `json:"running"`
	RunID        string  `json:"runId,omitempty"`
	TaskName     string  `json:"taskName"`
	Total        int     `json:"total"`
	Current      int     `json:"current"`
	SuccessCount int     `json:"successCount"`
	FailCount    int     `json:"failCount"`
	CurrentItem  string  `json:"currentItem"`
	Events       []Event `json:"events"`
}

// Monitor is the process-wide task tracker. At most one task runs at a
// time; a second start is rejected.
type Monitor struct {
	mu           sync.Mutex
	running      bool
	runID        string
	taskName     string
	total        int
	current      int
	successCount int
	failCount    int
	currentItem  string
	events       []Event

	hub *websocket.Hub
}

// NewMonitor creates a monitor broadcasting to the hub (nil disables
// broadcasting).
func NewMonitor(hub *websocket.Hub) *Monitor {
	return &Monitor{hub: hub}
}

// TryStart claims the monitor for a task. It returns false when another
// task is already running.
func (m *Monitor) TryStart(task string) bool {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return false
	}
	m.running = true
	m.runID = uuid.NewString()
	m.taskName = task
	m.total = 0
	m.current = 0
	m.successCount = 0
	m.failCount = 0
	m.currentItem = ""
	m.events = nil
	m.appendEventLocked(LevelInfo, fmt.Sprintf("%s started", task))
	m.mu.Unlock()

	m.publish()
	return true
}

// Running reports whether a task currently holds the monitor.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// SetTotal sets the expected number of items.
func (m *Monitor) SetTotal(total int) {
	m.mu.Lock()
	m.total = total
	m.mu.Unlock()
	m.publish()
}

// Step advances the counter and records the item being worked on.
func (m *Monitor) Step(item string) {
	m.mu.Lock()
	m.current++
	m.currentItem = item
	m.mu.Unlock()
	m.publish()
}

// Success counts one successful item.
func (m *Monitor) Success() {
	m.mu.Lock()
	m.successCount++
	m.mu.Unlock()
}

// Fail counts one failed item.
func (m *Monitor) Fail() {
	m.mu.Lock()
	m.failCount++
	m.mu.Unlock()
}

// Log appends an event to the bounded ring.
func (m *Monitor) Log(level, format string, args ...any) {
	m.mu.Lock()
	m.appendEventLocked(level, fmt.Sprintf(format, args...))
	m.mu.Unlock()
	m.publish()
}

// Finish releases the monitor.
func (m *Monitor) Finish() {
	m.mu.Lock()
	m.appendEventLocked(LevelInfo, fmt.Sprintf(
		"%s finished: %d ok, %d failed", m.taskName, m.successCount, m.failCount))
	m.running = false
	m.currentItem = ""
	m.mu.Unlock()
	m.publish()
}

// Snapshot returns a copy of the current state, events oldest first.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	events := make([]Event, len(m.events))
	copy(events, m.events)
	return Snapshot{
		Running:      m.running,
		RunID:        m.runID,
		TaskName:     m.taskName,
		Total:        m.total,
		Current:      m.current,
		SuccessCount: m.successCount,
		FailCount:    m.failCount,
		CurrentItem:  m.currentItem,
		Events:       events,
	}
}

func (m *Monitor) appendEventLocked(level, message string) {
	m.events = append(m.events, Event{
		Timestamp: time.Now(),
		Message:   message,
		Level:     level,
	})
	if len(m.events) > maxEvents {
		m.events = m.events[len(m.events)-maxEvents:]
	}
}

func (m *Monitor) publish() {
	if m.hub == nil {
		return
	}
	snap := m.Snapshot()
	snap.Events = nil // pollers fetch the log; frames stay small
	_ = m.hub.Broadcast("task:progress", snap)
}
