package signals

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// defaultGracefulTimeout is the maximum total time to wait for pre-shutdown
// handlers to complete before proceeding with interrupt handlers.
const defaultGracefulTimeout = 30 * time.Second

var (
	preShutdownMu       sync.RWMutex
	preShutdownHandlers []registeredHandler
	gracefulTimeout     = defaultGracefulTimeout
)

// RegisterPreShutdownHandler registers a handler that runs BEFORE the interrupt
// handlers during graceful shutdown. This is the appropriate place to register
// drain callbacks, such as closing the listening socket so no new devices are
// admitted while connected ones are still being notified.
//
// Pre-shutdown handlers run in registration order (FIFO) and each handler is
// protected against panics. The graceful timeout is split evenly across the
// registered handlers so one hung handler cannot starve the rest.
//
// Returns a HandlerID that can be passed to DeregisterPreShutdownHandler.
// Nil handlers are silently ignored and return -1.
func RegisterPreShutdownHandler(f Handler) HandlerID {
	if f == nil {
		return -1
	}
	mu.Lock()
	id := nextID
	nextID++
	mu.Unlock()
	preShutdownMu.Lock()
	defer preShutdownMu.Unlock()
	preShutdownHandlers = append(preShutdownHandlers, registeredHandler{id: id, fn: f})
	return id
}

// DeregisterPreShutdownHandler removes a previously registered pre-shutdown
// handler by ID.
func DeregisterPreShutdownHandler(id HandlerID) {
	preShutdownMu.Lock()
	defer preShutdownMu.Unlock()
	for i, h := range preShutdownHandlers {
		if h.id == id {
			preShutdownHandlers = append(preShutdownHandlers[:i], preShutdownHandlers[i+1:]...)
			return
		}
	}
}

// SetGracefulTimeout configures the maximum total time to wait for pre-shutdown
// handlers to complete. If zero or negative, defaults to 30 seconds.
func SetGracefulTimeout(timeout time.Duration) {
	preShutdownMu.Lock()
	defer preShutdownMu.Unlock()
	if timeout <= 0 {
		gracefulTimeout = defaultGracefulTimeout
	} else {
		gracefulTimeout = timeout
	}
}

// handlePreShutdown runs all registered pre-shutdown handlers, giving each an
// equal share of the graceful timeout. Returns true if every handler completed
// within its share, false otherwise. A handler that overruns its share is
// abandoned and the next one runs anyway.
func handlePreShutdown() bool {
	preShutdownMu.RLock()
	snapshot := make([]registeredHandler, len(preShutdownHandlers))
	copy(snapshot, preShutdownHandlers)
	timeout := gracefulTimeout
	preShutdownMu.RUnlock()

	if len(snapshot) == 0 {
		return true
	}

	perHandler := timeout / time.Duration(len(snapshot))
	ok := true
	for _, h := range snapshot {
		done := make(chan struct{})
		go func(fn Handler) {
			defer close(done)
			defer func() {
				if r := recover(); r != nil {
					// The signals package has no logger; write directly to stderr
					// so panicking handlers are visible in logs/console.
					fmt.Fprintf(os.Stderr, "signals: panic in pre-shutdown handler: %v\n", r)
				}
			}()
			fn()
		}(h.fn)

		select {
		case <-done:
		case <-time.After(perHandler):
			fmt.Fprintf(os.Stderr, "signals: pre-shutdown handler timed out after %s\n", perHandler)
			ok = false
		}
	}
	return ok
}
