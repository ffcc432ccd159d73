package torrentp2p

import (
	"log"
	"sync/atomic"
)

var debugEnabled atomic.Bool

// SetDebug toggles per-message and per-block logging.
func SetDebug(on bool) {
	debugEnabled.Store(on)
}

func debugf(format string, v ...any) {
	if debugEnabled.Load() {
		log.Printf("[DEBUG] "+format, v...)
	}
}

func infof(format string, v ...any) {
	log.Printf("[INFO] "+format, v...)
}

func warnf(format string, v ...any) {
	log.Printf("[WARN] "+format, v...)
}
