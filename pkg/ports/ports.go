// Package ports finds free loopback TCP ports for the sidecar services.
//
// A port is only reported available when a fresh bind succeeds on both
// 127.0.0.1 and ::1 with SO_REUSEADDR disabled. Listening with reuse
// semantics can mask a port that is genuinely taken (especially on macOS
// when another socket is bound to 0.0.0.0), so the probe binds raw and
// closes immediately.
package ports

import (
	"context"
	"fmt"
	"log"
	"net"
)

const (
	// MaxPort is the highest valid TCP port number.
	MaxPort = 65535

	maxAttempts = 100
)

// Ports below 1024 require elevated privileges on most systems.
const wellKnownCeiling = 1023

// Ports above 1023 that are still off-limits: they belong to system
// services that browsers refuse to talk to, so the child's HTTP endpoints
// must not land on them.
var restrictedPorts = map[int]bool{
	1719:  true, // h323gatestat
	1720:  true, // h323hostcall
	1723:  true, // pptp
	2049:  true, // nfs
	3659:  true, // apple-sasl
	4045:  true, // lockd
	5060:  true, // sip
	5061:  true, // sips
	6000:  true, // x11
	6566:  true, // sane-port
	6665:  true, // irc (6665-6669)
	6666:  true,
	6667:  true,
	6668:  true,
	6669:  true,
	6697:  true, // irc+tls
	10080: true, // amanda
}

// IsValid reports whether port is a syntactically valid TCP port.
func IsValid(port int) bool {
	return port > 0 && port <= MaxPort
}

// IsUsable reports whether port passes policy checks: valid, not
// well-known, not on the restricted list. It does not probe the OS.
func IsUsable(port int) bool {
	if !IsValid(port) {
		return false
	}
	if port <= wellKnownCeiling {
		return false
	}
	return !restrictedPorts[port]
}

// IsAvailable reports whether port passes policy checks and can actually
// be bound on both loopback address families right now. It performs
// blocking syscalls and is safe to call from any goroutine.
func IsAvailable(port int) bool {
	if !IsUsable(port) {
		return false
	}
	if !probeBind("tcp4", fmt.Sprintf("127.0.0.1:%d", port)) {
		return false
	}
	return probeBind("tcp6", fmt.Sprintf("[::1]:%d", port))
}

func probeBind(network, addr string) bool {
	lc := net.ListenConfig{Control: disableReuseAddr}
	ln, err := lc.Listen(context.Background(), network, addr)
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// FindAvailablePort scans start, start+1, ... for a port that is available
// and not in excluded, giving up after a bounded number of attempts or at
// the end of the port range. Exhaustion is not an error: the original
// start port is returned so startup can proceed deterministically, with a
// warning in the log.
func FindAvailablePort(start int, excluded map[int]bool) int {
	for i := 0; i < maxAttempts; i++ {
		candidate := start + i
		if candidate > MaxPort {
			break
		}
		if excluded[candidate] {
			continue
		}
		if IsAvailable(candidate) {
			if candidate != start {
				log.Printf("analos: port %d was in use or excluded, using %d instead", start, candidate)
			}
			return candidate
		}
	}

	log.Printf("analos: could not find available port after %d attempts, using %d anyway", maxAttempts, start)
	return start
}
