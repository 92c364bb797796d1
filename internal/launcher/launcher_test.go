package launcher

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeScript drops an executable shell script into dir and returns its
// path.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixtures are unix-only")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return path
}

func testPorts() PortSet {
	return PortSet{CDP: 9000, MCP: 9100, Agent: 9200, Extension: 9300}
}

func TestWriteConfigJSON(t *testing.T) {
	dir := t.TempDir()
	cfg := ServerConfig{
		InstallID:        "install-1",
		AnalOSVersion:    "0.33.0",
		ChromiumVersion:  "140.0.1",
		AllowRemoteInMCP: true,
	}

	path, err := WriteConfigJSON(dir, dir, testPorts(), cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ConfigFileName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &doc))

	ports := doc["ports"].(map[string]interface{})
	assert.Equal(t, float64(9000), ports["cdp"])
	assert.Equal(t, float64(9100), ports["http_mcp"])
	assert.Equal(t, float64(9200), ports["agent"])
	assert.Equal(t, float64(9300), ports["extension"])

	dirs := doc["directories"].(map[string]interface{})
	assert.True(t, filepath.IsAbs(dirs["resources"].(string)))
	assert.True(t, filepath.IsAbs(dirs["execution"].(string)))

	flags := doc["flags"].(map[string]interface{})
	assert.Equal(t, true, flags["allow_remote_in_mcp"])

	instance := doc["instance"].(map[string]interface{})
	assert.Equal(t, "install-1", instance["install_id"])
	assert.Equal(t, "0.33.0", instance["analos_version"])
	assert.Equal(t, "140.0.1", instance["chromium_version"])
}

func TestLaunchRunsPrimary(t *testing.T) {
	dir := t.TempDir()
	exe := writeScript(t, dir, "server.sh", "exit 0")

	result := Launch(Spec{
		ExePath:      exe,
		ResourcesDir: dir,
		ExecutionDir: filepath.Join(dir, "exec"),
		Ports:        testPorts(),
	})
	require.NoError(t, result.Err)
	require.NotNil(t, result.Handle)
	assert.False(t, result.UsedFallback)

	select {
	case <-result.Handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit")
	}
	code, ok := result.Handle.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 0, code)

	// The config snapshot landed in the execution dir.
	_, err := os.Stat(filepath.Join(dir, "exec", ConfigFileName))
	assert.NoError(t, err)
}

func TestLaunchFallsBackWhenPrimaryMissing(t *testing.T) {
	dir := t.TempDir()
	fallback := writeScript(t, dir, "bundled.sh", "exit 0")

	result := Launch(Spec{
		ExePath:              filepath.Join(dir, "missing"),
		ResourcesDir:         filepath.Join(dir, "missing-resources"),
		FallbackExePath:      fallback,
		FallbackResourcesDir: dir,
		ExecutionDir:         filepath.Join(dir, "exec"),
		Ports:                testPorts(),
	})
	require.NoError(t, result.Err)
	require.NotNil(t, result.Handle)
	assert.True(t, result.UsedFallback)
	<-result.Handle.Done()
}

func TestLaunchFailsWhenBothMissing(t *testing.T) {
	dir := t.TempDir()

	result := Launch(Spec{
		ExePath:         filepath.Join(dir, "missing"),
		FallbackExePath: filepath.Join(dir, "also-missing"),
		ExecutionDir:    dir,
		Ports:           testPorts(),
	})
	assert.Error(t, result.Err)
	assert.Nil(t, result.Handle)
	// The fallback was attempted, which is what the manager keys its
	// invalidation decision on.
	assert.True(t, result.UsedFallback)
}

func TestLaunchRequiresExecutionDir(t *testing.T) {
	dir := t.TempDir()
	exe := writeScript(t, dir, "server.sh", "exit 0")

	result := Launch(Spec{ExePath: exe, ResourcesDir: dir, Ports: testPorts()})
	assert.Error(t, result.Err)
}

func TestLaunchPassesPortFlags(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "args.txt")
	exe := writeScript(t, dir, "server.sh", `echo "$@" > `+out)

	result := Launch(Spec{
		ExePath:      exe,
		ResourcesDir: dir,
		ExecutionDir: filepath.Join(dir, "exec"),
		Ports:        PortSet{CDP: 9001, MCP: 9101, Agent: 9201, Extension: 9301},
	})
	require.NoError(t, result.Err)
	<-result.Handle.Done()

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	args := string(data)
	assert.Contains(t, args, "--cdp-port=9001")
	assert.Contains(t, args, "--http-mcp-port=9101")
	assert.Contains(t, args, "--agent-port=9201")
	assert.Contains(t, args, "--extension-port=9301")
	assert.Contains(t, args, "--config=")
}

func TestHandleExitCode(t *testing.T) {
	dir := t.TempDir()
	exe := writeScript(t, dir, "server.sh", "exit 7")

	result := Launch(Spec{
		ExePath:      exe,
		ResourcesDir: dir,
		ExecutionDir: filepath.Join(dir, "exec"),
		Ports:        testPorts(),
	})
	require.NoError(t, result.Err)
	<-result.Handle.Done()

	code, ok := result.Handle.ExitCode()
	assert.True(t, ok)
	assert.Equal(t, 7, code)
}

func TestTerminateKillsRunningProcess(t *testing.T) {
	dir := t.TempDir()
	exe := writeScript(t, dir, "server.sh", "sleep 60")

	result := Launch(Spec{
		ExePath:      exe,
		ResourcesDir: dir,
		ExecutionDir: filepath.Join(dir, "exec"),
		Ports:        testPorts(),
	})
	require.NoError(t, result.Err)

	if _, exited := result.Handle.ExitCode(); exited {
		t.Fatal("child exited before terminate")
	}

	got := result.Handle.Terminate(true)
	assert.Equal(t, Killed, got)
	_, exited := result.Handle.ExitCode()
	assert.True(t, exited)
}

func TestTerminateAlreadyExited(t *testing.T) {
	dir := t.TempDir()
	exe := writeScript(t, dir, "server.sh", "exit 0")

	result := Launch(Spec{
		ExePath:      exe,
		ResourcesDir: dir,
		ExecutionDir: filepath.Join(dir, "exec"),
		Ports:        testPorts(),
	})
	require.NoError(t, result.Err)
	<-result.Handle.Done()

	assert.Equal(t, NotFound, result.Handle.Terminate(true))
}

func TestTerminateNoWaitReturnsImmediately(t *testing.T) {
	dir := t.TempDir()
	exe := writeScript(t, dir, "server.sh", "sleep 60")

	result := Launch(Spec{
		ExePath:      exe,
		ResourcesDir: dir,
		ExecutionDir: filepath.Join(dir, "exec"),
		Ports:        testPorts(),
	})
	require.NoError(t, result.Err)

	start := time.Now()
	got := result.Handle.Terminate(false)
	assert.Equal(t, Killed, got)
	assert.Less(t, time.Since(start), time.Second)

	// The waiter still reaps the process.
	select {
	case <-result.Handle.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("killed child never reaped")
	}
}
