package association

import (
	"io"
	"log"
	"sync"
)

var (
	logMu      sync.RWMutex
	diagLogger *log.Logger
)

// SetDiagLogger installs the writer that receives pairs dropped because
// the bank or registry refused the update. Pass nil to disable.
func SetDiagLogger(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	if w == nil {
		diagLogger = nil
		return
	}
	diagLogger = log.New(w, "[association] ", log.LstdFlags|log.Lmicroseconds)
}

func diagf(format string, args ...interface{}) {
	logMu.RLock()
	l := diagLogger
	logMu.RUnlock()
	if l != nil {
		l.Printf(format, args...)
	}
}
