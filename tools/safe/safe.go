package safe

import (
	"github.com/lamyinia/TellYou-sub000/logger"
)

// Go starts a goroutine that recovers from panic, so a single bad message or
// connection never takes the process down.
func Go(name string, f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe] %s panic recovered: %v", name, r)
			}
		}()
		f()
	}()
}
