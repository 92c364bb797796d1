package launcher

import (
	"log"
	"time"
)

// TerminateResult classifies the outcome of a termination request.
type TerminateResult int

const (
	// Killed: the process is confirmed gone (or the signal was sent on a
	// no-wait request).
	Killed TerminateResult = iota
	// TimedOut: the kill signal was sent but the process had not been
	// reaped within the wait window.
	TimedOut
	// NotFound: the process had already exited before the request.
	NotFound
)

// waitAfterKill bounds the blocking wait in Terminate(wait=true). SIGKILL
// cannot be ignored, so exceeding this means the OS is wedged, not the
// child.
const waitAfterKill = 10 * time.Second

// Terminate kills the child. With wait=true it blocks until the waiter
// goroutine reaps the process — required when a restart is about to
// reuse the child's ports — and must be called off the control path.
// With wait=false it only sends the signal, for host shutdown where
// blocking is unacceptable.
func (h *Handle) Terminate(wait bool) TerminateResult {
	if _, exited := h.ExitCode(); exited {
		return NotFound
	}

	log.Printf("analos: terminating server process (pid: %d, wait: %v)", h.PID(), wait)

	h.killOnce.Do(func() {
		if err := killProcess(h.cmd.Process); err != nil {
			log.Printf("analos: failed to kill pid %d: %v", h.PID(), err)
		}
	})

	if !wait {
		return Killed
	}

	select {
	case <-h.done:
		return Killed
	case <-time.After(waitAfterKill):
		log.Printf("analos: timed out waiting for pid %d to exit", h.PID())
		return TimedOut
	}
}
