package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Category represents the subsystem generating the log
type Category string

const (
	CategoryAgent        Category = "agent"
	CategoryToken        Category = "token"
	CategoryConversation Category = "conversation"
	CategoryStore        Category = "store"
	CategoryRetry        Category = "retry"
	CategoryBus          Category = "bus"
	CategorySettings     Category = "settings"
	CategoryHost         Category = "host"
)

// Event represents a structured log event
type Event struct {
	Timestamp      time.Time      `json:"timestamp"`
	Level          Level          `json:"level"`
	Category       Category       `json:"category"`
	EventType      string         `json:"type"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Details        map[string]any `json:"details,omitempty"`
	Message        string         `json:"message,omitempty"`
}

// Logger writes structured events as JSON lines. Errors are duplicated to a
// dedicated error stream so failures stay findable after long sessions.
type Logger struct {
	mu        sync.Mutex
	out       io.Writer
	errOut    io.Writer
	eventFile *os.File
	errorFile *os.File
	minLevel  Level
}

// NewLogger creates a file-backed logger writing under baseDir.
func NewLogger(baseDir string) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	eventFile, err := os.OpenFile(
		filepath.Join(baseDir, "events.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	errorFile, err := os.OpenFile(
		filepath.Join(baseDir, "errors.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND,
		0o644,
	)
	if err != nil {
		eventFile.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	return &Logger{
		out:       eventFile,
		errOut:    errorFile,
		eventFile: eventFile,
		errorFile: errorFile,
		minLevel:  LevelInfo,
	}, nil
}

// NewWriterLogger creates a logger writing all events to w. Used by tests and
// by hosts that route log lines through their own sink.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{out: w, errOut: w, minLevel: LevelDebug}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{out: io.Discard, errOut: io.Discard, minLevel: LevelError}
}

// SetMinLevel sets the minimum log level
func (l *Logger) SetMinLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log writes an event to appropriate destinations
func (l *Logger) Log(event Event) error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	if !l.shouldLog(event.Level) {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	if l.out != nil {
		if _, err := l.out.Write(data); err != nil {
			return fmt.Errorf("failed to write event log: %w", err)
		}
	}

	if event.Level == LevelError && l.errOut != nil && l.errOut != l.out {
		if _, err := l.errOut.Write(data); err != nil {
			return fmt.Errorf("failed to write error log: %w", err)
		}
	}

	return nil
}

// shouldLog checks if event should be logged based on level
func (l *Logger) shouldLog(level Level) bool {
	levels := map[Level]int{
		LevelDebug: 0,
		LevelInfo:  1,
		LevelWarn:  2,
		LevelError: 3,
	}
	return levels[level] >= levels[l.minLevel]
}

// Debug logs a debug event
func (l *Logger) Debug(category Category, eventType, conversationID, message string, details map[string]any) error {
	return l.Log(Event{
		Level:          LevelDebug,
		Category:       category,
		EventType:      eventType,
		ConversationID: conversationID,
		Message:        message,
		Details:        details,
	})
}

// Info logs an info event
func (l *Logger) Info(category Category, eventType, conversationID, message string, details map[string]any) error {
	return l.Log(Event{
		Level:          LevelInfo,
		Category:       category,
		EventType:      eventType,
		ConversationID: conversationID,
		Message:        message,
		Details:        details,
	})
}

// Warn logs a warning event
func (l *Logger) Warn(category Category, eventType, conversationID, message string, details map[string]any) error {
	return l.Log(Event{
		Level:          LevelWarn,
		Category:       category,
		EventType:      eventType,
		ConversationID: conversationID,
		Message:        message,
		Details:        details,
	})
}

// Error logs an error event
func (l *Logger) Error(category Category, eventType, conversationID, message string, details map[string]any) error {
	return l.Log(Event{
		Level:          LevelError,
		Category:       category,
		EventType:      eventType,
		ConversationID: conversationID,
		Message:        message,
		Details:        details,
	})
}

// Close closes all log files
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.eventFile != nil {
		if err := l.eventFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.errorFile != nil {
		if err := l.errorFile.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing log files: %v", errs)
	}
	return nil
}
