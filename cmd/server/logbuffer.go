package main

import (
	"strings"
	"sync"
)

// LogBuffer keeps the most recent log lines for GET /logs.
type LogBuffer struct {
	lines []string
	max   int
	mu    sync.Mutex
}

func NewLogBuffer(max int) *LogBuffer {
	return &LogBuffer{lines: make([]string, 0, max), max: max}
}

func (lb *LogBuffer) Write(p []byte) (n int, err error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		lb.lines = append(lb.lines, line)
	}
	if len(lb.lines) > lb.max {
		lb.lines = append(lb.lines[:0:0], lb.lines[len(lb.lines)-lb.max:]...)
	}
	return len(p), nil
}

// GetLogs returns a copy of the buffered lines, oldest first.
func (lb *LogBuffer) GetLogs() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	logs := make([]string, len(lb.lines))
	copy(logs, lb.lines)
	return logs
}
