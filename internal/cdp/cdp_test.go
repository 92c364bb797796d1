package cdp

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestDefaultFactoryServesVersionEndpoint(t *testing.T) {
	port := freePort(t)
	f := &DefaultFactory{BrowserVersion: "AnalOS/0.33.0"}

	ln, err := f.Start(port)
	require.NoError(t, err)
	defer ln.Close()
	assert.Equal(t, port, ln.Port())

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/json/version", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "AnalOS/0.33.0", body["Browser"])
	assert.Equal(t, "1.3", body["Protocol-Version"])
	assert.True(t, strings.HasPrefix(body["webSocketDebuggerUrl"],
		fmt.Sprintf("ws://127.0.0.1:%d/devtools/browser/", port)))
}

func TestDefaultFactoryAcceptsWebSocket(t *testing.T) {
	port := freePort(t)
	f := &DefaultFactory{BrowserVersion: "AnalOS/test"}

	ln, err := f.Start(port)
	require.NoError(t, err)
	defer ln.Close()

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/json/version", port))
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()

	conn, _, err := websocket.DefaultDialer.Dial(body["webSocketDebuggerUrl"], nil)
	require.NoError(t, err)
	// The listener drains whatever the client sends.
	assert.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1,"method":"Browser.getVersion"}`)))
	conn.Close()
}

func TestDefaultFactoryPortConflict(t *testing.T) {
	port := freePort(t)

	// Occupy both loopback families so neither the primary bind nor the
	// IPv6 fallback can succeed.
	ln4, err := net.Listen("tcp4", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer ln4.Close()
	ln6, err := net.Listen("tcp6", fmt.Sprintf("[::1]:%d", port))
	if err != nil {
		t.Skip("IPv6 loopback unavailable")
	}
	defer ln6.Close()

	_, err = (&DefaultFactory{}).Start(port)
	assert.Error(t, err)
}
