package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

type entry struct {
	Level   string         `json:"level"`
	Time    string         `json:"time"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

var levels = map[string]int{"debug": 0, "info": 1, "warn": 2, "error": 3}

var (
	mu       sync.Mutex
	out      io.Writer = os.Stdout
	minLevel           = levels["info"]
)

// Options configures the process-wide logger.
type Options struct {
	Level      string // debug, info, warn, error
	File       string // rotate into this file instead of stdout
	MaxSizeMB  int
	MaxBackups int
}

// Setup applies opts. It returns a closer for the rotating file, if any.
func Setup(opts Options) io.Closer {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := levels[strings.ToLower(opts.Level)]; ok {
		minLevel = l
	}
	if opts.File == "" {
		out = os.Stdout
		return io.NopCloser(nil)
	}
	lj := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}
	out = lj
	return lj
}

// SetOutput redirects log lines, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

func Log(level, msg string, fields map[string]any) {
	e := entry{Level: level, Time: time.Now().UTC().Format(time.RFC3339Nano), Message: msg, Fields: fields}
	mu.Lock()
	defer mu.Unlock()
	if levels[level] < minLevel {
		return
	}
	b, _ := json.Marshal(e)
	fmt.Fprintln(out, string(b))
}

func Debug(msg string, fields map[string]any) { Log("debug", msg, fields) }
func Info(msg string, fields map[string]any)  { Log("info", msg, fields) }
func Warn(msg string, fields map[string]any)  { Log("warn", msg, fields) }
func Error(msg string, fields map[string]any) { Log("error", msg, fields) }
