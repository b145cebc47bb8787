// Package diag provides unified component-tagged diagnostic logging for
// console, session log files, and the dashboard's live log panel.
package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Message is a single diagnostic entry kept in the rolling history.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
}

type writeTask struct {
	content string
}

// Logger handles console output, a bounded rolling history for live display,
// and an async file sink so logging never blocks the pipeline tick.
type Logger struct {
	enabled bool
	file    *os.File

	mu         sync.Mutex
	history    []Message
	maxHistory int

	writeQueue chan writeTask
	stopWorker chan struct{}
	workerDone sync.WaitGroup
}

// New creates a Logger. When fileEnabled is set, entries are also appended to
// a session log file under dir.
func New(fileEnabled bool, dir string) *Logger {
	l := &Logger{
		enabled:    fileEnabled,
		maxHistory: 50,
		writeQueue: make(chan writeTask, 100),
		stopWorker: make(chan struct{}),
	}

	if fileEnabled {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fmt.Printf("[DIAG] Failed to create log directory: %v\n", err)
			l.enabled = false
			return l
		}
		name := filepath.Join(dir, fmt.Sprintf("session_%s.log", time.Now().Format("20060102_150405")))
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Printf("[DIAG] Failed to open session log %s: %v\n", name, err)
			l.enabled = false
			return l
		}
		l.file = f
		l.workerDone.Add(1)
		go l.fileWriteWorker()
	}

	return l
}

// Logf is the main diagnostic entry point.
func (l *Logger) Logf(component, format string, args ...interface{}) {
	now := time.Now()
	msg := fmt.Sprintf(format, args...)
	fmt.Printf("[%s][%s] %s\n", now.Format("15:04:05.000"), component, msg)

	l.mu.Lock()
	l.history = append(l.history, Message{Timestamp: now, Component: component, Message: msg})
	if len(l.history) > l.maxHistory {
		l.history = l.history[1:]
	}
	l.mu.Unlock()

	if !l.enabled {
		return
	}

	line := fmt.Sprintf("[%s][%s] %s\n", now.Format("15:04:05.000"), component, msg)
	select {
	case l.writeQueue <- writeTask{content: line}:
	default:
		// Queue full, drop instead of blocking the caller.
	}
}

// History returns a copy of the recent messages, oldest first.
func (l *Logger) History() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Message, len(l.history))
	copy(out, l.history)
	return out
}

func (l *Logger) fileWriteWorker() {
	defer l.workerDone.Done()
	for {
		select {
		case task := <-l.writeQueue:
			l.file.WriteString(task.content)
		case <-l.stopWorker:
			for len(l.writeQueue) > 0 {
				task := <-l.writeQueue
				l.file.WriteString(task.content)
			}
			l.file.Sync()
			return
		}
	}
}

// Close flushes pending writes and closes the session log file.
func (l *Logger) Close() {
	if !l.enabled {
		return
	}
	close(l.stopWorker)
	l.workerDone.Wait()
	l.file.Close()
}
