// Package cdp defines the debug-protocol listener capability the server
// manager starts on the CDP port. The manager only depends on the
// Factory interface; the host application decides what actually listens.
// DefaultFactory provides a minimal standalone listener that speaks the
// DevTools discovery surface (/json/version) and accepts websocket
// connections, enough for the sidecar server to attach.
package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Listener is a running debug-protocol endpoint. Its lifetime is
// independent of the child process: restarts of the child never touch
// the listener, which is why the CDP port is exempt from revalidation.
type Listener interface {
	Port() int
	Close() error
}

// Factory starts a listener on the given loopback port.
type Factory interface {
	Start(port int) (Listener, error)
}

// DefaultFactory starts the built-in listener.
type DefaultFactory struct {
	// BrowserVersion is reported from /json/version.
	BrowserVersion string
}

func (f *DefaultFactory) Start(port int) (Listener, error) {
	// Prefer IPv4 loopback, fall back to IPv6, mirroring how the
	// discovery probe treats the two families.
	ln, err := net.Listen("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		ln, err = net.Listen("tcp6", fmt.Sprintf("[::1]:%d", port))
		if err != nil {
			return nil, fmt.Errorf("failed to listen on CDP port %d: %w", port, err)
		}
	}

	s := &server{
		port:      port,
		listener:  ln,
		browserID: uuid.New().String(),
		version:   f.BrowserVersion,
		upgrader: websocket.Upgrader{
			// Loopback-only listener; origin checks would reject the
			// sidecar's non-browser clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/json/version", s.handleVersion).Methods(http.MethodGet)
	r.HandleFunc("/devtools/browser/{id}", s.handleAttach)

	s.httpServer = &http.Server{Handler: r}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Printf("analos: CDP listener stopped: %v", err)
		}
	}()

	log.Printf("analos: CDP WebSocket server started at ws://127.0.0.1:%d", port)
	return s, nil
}

type server struct {
	port       int
	listener   net.Listener
	httpServer *http.Server
	browserID  string
	version    string
	upgrader   websocket.Upgrader
}

func (s *server) Port() int {
	return s.port
}

func (s *server) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"Browser":              s.version,
		"Protocol-Version":     "1.3",
		"webSocketDebuggerUrl": fmt.Sprintf("ws://127.0.0.1:%d/devtools/browser/%s", s.port, s.browserID),
	})
}

func (s *server) handleAttach(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("analos: CDP websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Drain the connection until the peer goes away. Protocol handling
	// belongs to the real host; this listener only keeps the port bound
	// and the socket open.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
