package tracks

import (
	"io"
	"log"
	"sync"
)

var (
	logMu      sync.RWMutex
	diagLogger *log.Logger
)

// SetDiagLogger installs the writer that receives track lifecycle
// diagnostics (spawns, divergence removals, skipped updates).
// Pass nil to disable. It is safe to call while a Bank is in use.
func SetDiagLogger(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	if w == nil {
		diagLogger = nil
		return
	}
	diagLogger = log.New(w, "[tracks] ", log.LstdFlags|log.Lmicroseconds)
}

func diagf(format string, args ...interface{}) {
	logMu.RLock()
	l := diagLogger
	logMu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}
