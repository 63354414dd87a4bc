package gateway

import (
	"container/ring"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warning", "warn":
		return LevelWarn
	case "error", "critical":
		return LevelError
	default:
		return LevelInfo
	}
}

// LogMonitor is a leveled log writer that keeps a ring buffer of recent lines
// and broadcasts new lines to stream subscribers.
type LogMonitor struct {
	out   io.Writer
	level LogLevel

	mu      sync.RWMutex
	clients map[chan string]bool

	bufferMu sync.RWMutex
	buffer   *ring.Ring
}

func NewLogMonitor(level LogLevel) *LogMonitor {
	return &LogMonitor{
		out:     os.Stdout,
		level:   level,
		clients: make(map[chan string]bool),
		buffer:  ring.New(1024),
	}
}

func (l *LogMonitor) Debugf(format string, args ...any) { l.logf(LevelDebug, "DEBUG", format, args...) }
func (l *LogMonitor) Infof(format string, args ...any)  { l.logf(LevelInfo, "INFO", format, args...) }
func (l *LogMonitor) Warnf(format string, args ...any)  { l.logf(LevelWarn, "WARN", format, args...) }
func (l *LogMonitor) Errorf(format string, args ...any) { l.logf(LevelError, "ERROR", format, args...) }

func (l *LogMonitor) logf(level LogLevel, tag, format string, args ...any) {
	if level < l.level {
		return
	}

	line := fmt.Sprintf("%s [%s] %s\n",
		time.Now().UTC().Format(time.RFC3339), tag, fmt.Sprintf(format, args...))

	l.out.Write([]byte(line))

	l.bufferMu.Lock()
	l.buffer.Value = line
	l.buffer = l.buffer.Next()
	l.bufferMu.Unlock()

	l.broadcast(line)
}

// History returns the buffered log lines oldest first.
func (l *LogMonitor) History() string {
	l.bufferMu.RLock()
	defer l.bufferMu.RUnlock()

	var b strings.Builder
	l.buffer.Do(func(p any) {
		if line, ok := p.(string); ok {
			b.WriteString(line)
		}
	})
	return b.String()
}

func (l *LogMonitor) Subscribe() chan string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ch := make(chan string, 100)
	l.clients[ch] = true
	return ch
}

func (l *LogMonitor) Unsubscribe(ch chan string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.clients[ch] {
		delete(l.clients, ch)
		close(ch)
	}
}

func (l *LogMonitor) broadcast(line string) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for client := range l.clients {
		select {
		case client <- line:
		default:
			// skip clients with full buffers
		}
	}
}
