package ports

import (
	"net"
	"testing"
)

func TestIsValid(t *testing.T) {
	cases := []struct {
		port int
		want bool
	}{
		{0, false},
		{-1, false},
		{1, true},
		{80, true},
		{65535, true},
		{65536, false},
	}
	for _, tc := range cases {
		if got := IsValid(tc.port); got != tc.want {
			t.Errorf("IsValid(%d) = %v, want %v", tc.port, got, tc.want)
		}
	}
}

func TestIsUsable(t *testing.T) {
	cases := []struct {
		port int
		want bool
	}{
		{0, false},
		{80, false},    // well-known
		{1023, false},  // last well-known
		{1024, true},   // first unprivileged
		{6000, false},  // x11
		{6667, false},  // irc
		{10080, false}, // amanda
		{9000, true},
		{65535, true},
	}
	for _, tc := range cases {
		if got := IsUsable(tc.port); got != tc.want {
			t.Errorf("IsUsable(%d) = %v, want %v", tc.port, got, tc.want)
		}
	}
}

// occupyPort binds an OS-assigned loopback port and returns it while
// keeping the listener open.
func occupyPort(t *testing.T) (int, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to bind test listener: %v", err)
	}
	return ln.Addr().(*net.TCPAddr).Port, ln
}

func TestIsAvailableDetectsBoundPort(t *testing.T) {
	port, ln := occupyPort(t)
	defer ln.Close()

	if IsAvailable(port) {
		t.Errorf("IsAvailable(%d) = true for a bound port", port)
	}
}

func TestIsAvailableRejectsPolicyPorts(t *testing.T) {
	if IsAvailable(80) {
		t.Error("IsAvailable(80) = true for a well-known port")
	}
	if IsAvailable(6000) {
		t.Error("IsAvailable(6000) = true for a restricted port")
	}
}

func TestFindAvailablePortSkipsBound(t *testing.T) {
	port, ln := occupyPort(t)
	defer ln.Close()

	got := FindAvailablePort(port, nil)
	if got == port {
		t.Fatalf("FindAvailablePort(%d) returned the bound port", port)
	}
	if got < port || got >= port+maxAttempts {
		t.Fatalf("FindAvailablePort(%d) = %d, outside scan range", port, got)
	}
}

func TestFindAvailablePortHonorsExclusions(t *testing.T) {
	start := 47300
	excluded := map[int]bool{start: true, start + 1: true}

	got := FindAvailablePort(start, excluded)
	if excluded[got] {
		t.Fatalf("FindAvailablePort returned excluded port %d", got)
	}
}

func TestFindAvailablePortExhaustionFallsBackToStart(t *testing.T) {
	start := 48000
	excluded := make(map[int]bool, maxAttempts)
	for i := 0; i < maxAttempts; i++ {
		excluded[start+i] = true
	}

	if got := FindAvailablePort(start, excluded); got != start {
		t.Fatalf("FindAvailablePort on exhaustion = %d, want start %d", got, start)
	}
}

func TestFindAvailablePortStopsAtRangeEnd(t *testing.T) {
	// Scanning from the top of the range must not probe past MaxPort.
	got := FindAvailablePort(MaxPort, map[int]bool{MaxPort: true})
	if got != MaxPort {
		t.Fatalf("FindAvailablePort(MaxPort) = %d, want %d", got, MaxPort)
	}
}
