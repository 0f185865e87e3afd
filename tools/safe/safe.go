package safe

import (
	"MChat/logger"
)

// SafeGo starts a new goroutine that recovers from panic,
// so that panics don't crash the entire program.
func SafeGo(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[SafeGo] panic recovered: %v", r)
			}
		}()
		f()
	}()
}

// SafeCall invokes f on the current goroutine and swallows panics.
// Used around externally supplied handlers so a bad subscriber cannot
// take down the dispatch path.
func SafeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[SafeCall] panic recovered: %v", r)
		}
	}()
	f()
}
