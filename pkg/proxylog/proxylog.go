// Package proxylog implements the proxy's single-line-per-connection access
// log: one fixed-width line per terminal outcome, written to stdout and to a
// log file truncated at startup. The wire format is frozen and must not be
// confused with the general-purpose pkg/applog logger.
package proxylog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Logger writes one access-log line per terminal connection outcome.
type Logger struct {
	mu      sync.Mutex
	path    string
	console io.Writer
}

// New truncates path and writes a start banner, matching
// original_source/logger.py's constructor.
func New(path string) (*Logger, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "--- Log Started: %s ---\n", time.Now().Format("2006-01-02 15:04:05.000000")); err != nil {
		return nil, err
	}

	return &Logger{path: path, console: os.Stdout}, nil
}

// Log writes one access-log line: [HH:MM:SS] ip | method  | status | result          | url
func (l *Logger) Log(clientIP, method, url string, statusCode int, result string) {
	timestamp := time.Now().Format("15:04:05")
	line := fmt.Sprintf("[%s] %s | %-7s | %d | %-15s | %s", timestamp, clientIP, method, statusCode, result, url)

	l.mu.Lock()
	defer l.mu.Unlock()

	fmt.Fprintln(l.console, line)

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintln(f, line)
}
