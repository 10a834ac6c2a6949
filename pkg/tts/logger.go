package tts

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	traceMu      sync.RWMutex
	tracePath    = "logs/synth.log"
	traceEnabled bool
)

// SetTracePath configures the path for the synthesis trace file.
func SetTracePath(path string) {
	traceMu.Lock()
	defer traceMu.Unlock()
	tracePath = path
}

// SetTraceEnabled toggles synthesis trace logging.
func SetTraceEnabled(enabled bool) {
	traceMu.Lock()
	defer traceMu.Unlock()
	traceEnabled = enabled
}

// Trace appends a backend request payload and its outcome to the trace
// file. Shared by all providers so failed synthesis calls can be replayed
// and debugged from one place.
func Trace(backend, payload string, status int, err error) {
	traceMu.RLock()
	path := tracePath
	enabled := traceEnabled
	traceMu.RUnlock()
	if !enabled || path == "" {
		return
	}

	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	f, fileErr := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if fileErr != nil {
		return
	}
	defer f.Close()

	statusStr := fmt.Sprintf("%d", status)
	if err != nil {
		statusStr = fmt.Sprintf("ERROR(%v)", err)
	}

	entry := fmt.Sprintf("[%s] [%s] STATUS: %s\nPAYLOAD:\n%s\n%s\n",
		time.Now().Format("2006-01-02 15:04:05"), backend, statusStr, payload,
		"--------------------------------------------------")
	_, _ = f.WriteString(entry)
}
