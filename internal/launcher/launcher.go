// Package launcher resolves the sidecar server binary, writes its
// point-in-time configuration snapshot, and spawns the process. Every
// entry point here performs blocking filesystem or process syscalls and
// must be called from a background goroutine, never from the manager's
// control path.
package launcher

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
)

// ConfigFileName is the config snapshot written into the execution
// directory and consumed by the child at startup.
const ConfigFileName = "server_config.json"

// PortSet is one complete port assignment handed to the child.
type PortSet struct {
	CDP       int
	MCP       int
	Agent     int
	Extension int
}

// ServerConfig is the per-launch instance snapshot. It is owned by the
// launch call: built once, serialized to the config file, and discarded.
type ServerConfig struct {
	InstallID        string
	AnalOSVersion    string
	ChromiumVersion  string
	AllowRemoteInMCP bool
}

// Spec describes one launch attempt.
type Spec struct {
	ExePath              string
	ResourcesDir         string
	FallbackExePath      string
	FallbackResourcesDir string
	ExecutionDir         string
	Ports                PortSet
	Config               ServerConfig
}

// Result is delivered back to the manager after a launch attempt.
type Result struct {
	Handle       *Handle
	UsedFallback bool
	Err          error
}

// configDocument mirrors the child's expected JSON layout.
type configDocument struct {
	Ports struct {
		CDP       int `json:"cdp"`
		HTTPMCP   int `json:"http_mcp"`
		Agent     int `json:"agent"`
		Extension int `json:"extension"`
	} `json:"ports"`
	Directories struct {
		Resources string `json:"resources"`
		Execution string `json:"execution"`
	} `json:"directories"`
	Flags struct {
		AllowRemoteInMCP bool `json:"allow_remote_in_mcp"`
	} `json:"flags"`
	Instance struct {
		InstallID       string `json:"install_id"`
		AnalOSVersion   string `json:"analos_version"`
		ChromiumVersion string `json:"chromium_version"`
	} `json:"instance"`
}

// WriteConfigJSON writes the config snapshot and returns its path.
// Directory paths are persisted absolute.
func WriteConfigJSON(executionDir, resourcesDir string, ports PortSet, cfg ServerConfig) (string, error) {
	absExec, err := filepath.Abs(executionDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve execution dir: %w", err)
	}
	absResources, err := filepath.Abs(resourcesDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve resources dir: %w", err)
	}

	var doc configDocument
	doc.Ports.CDP = ports.CDP
	doc.Ports.HTTPMCP = ports.MCP
	doc.Ports.Agent = ports.Agent
	doc.Ports.Extension = ports.Extension
	doc.Directories.Resources = absResources
	doc.Directories.Execution = absExec
	doc.Flags.AllowRemoteInMCP = cfg.AllowRemoteInMCP
	doc.Instance.InstallID = cfg.InstallID
	doc.Instance.AnalOSVersion = cfg.AnalOSVersion
	doc.Instance.ChromiumVersion = cfg.ChromiumVersion

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize config to JSON: %w", err)
	}

	configPath := filepath.Join(executionDir, ConfigFileName)
	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}

	log.Printf("analos: wrote config to %s", configPath)
	return configPath, nil
}

// Launch resolves the binary (falling back to the bundled copy when the
// primary is missing), writes the config snapshot, and spawns the child.
// Ports are passed twice — in the config file and again as CLI flags —
// because the child must not race a concurrently-rewritten config file;
// its merge logic treats CLI values as authoritative.
func Launch(spec Spec) Result {
	var result Result

	exePath := spec.ExePath
	resourcesDir := spec.ResourcesDir
	if _, err := os.Stat(exePath); err != nil {
		log.Printf("analos: binary not found at %s, falling back to bundled", exePath)
		exePath = spec.FallbackExePath
		resourcesDir = spec.FallbackResourcesDir
		result.UsedFallback = true

		if _, err := os.Stat(exePath); err != nil {
			result.Err = fmt.Errorf("bundled binary also not found at %s: %w", exePath, err)
			return result
		}
	}

	if spec.ExecutionDir == "" {
		result.Err = fmt.Errorf("execution directory path is empty")
		return result
	}
	if err := os.MkdirAll(spec.ExecutionDir, 0755); err != nil {
		result.Err = fmt.Errorf("failed to create execution directory %s: %w", spec.ExecutionDir, err)
		return result
	}

	configPath, err := WriteConfigJSON(spec.ExecutionDir, resourcesDir, spec.Ports, spec.Config)
	if err != nil {
		result.Err = fmt.Errorf("aborting launch: %w", err)
		return result
	}

	cmd := exec.Command(exePath,
		"--config="+configPath,
		"--cdp-port="+strconv.Itoa(spec.Ports.CDP),
		"--http-mcp-port="+strconv.Itoa(spec.Ports.MCP),
		"--agent-port="+strconv.Itoa(spec.Ports.Agent),
		"--extension-port="+strconv.Itoa(spec.Ports.Extension),
	)
	setupSysProcAttr(cmd)

	if err := cmd.Start(); err != nil {
		result.Err = fmt.Errorf("failed to start %s: %w", exePath, err)
		return result
	}

	result.Handle = newHandle(cmd)
	return result
}

// Handle owns a spawned child process. A waiter goroutine reaps the
// process exactly once; liveness checks and termination both go through
// the handle so Wait is never called twice.
type Handle struct {
	cmd      *exec.Cmd
	done     chan struct{}
	exitCode int
	killOnce sync.Once
}

func newHandle(cmd *exec.Cmd) *Handle {
	h := &Handle{cmd: cmd, done: make(chan struct{})}
	go func() {
		err := cmd.Wait()
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				h.exitCode = exitErr.ExitCode()
			} else {
				h.exitCode = -1
			}
		}
		close(h.done)
	}()
	return h
}

// PID returns the child's process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// ExitCode polls for exit without blocking. ok is false while the
// process is still running.
func (h *Handle) ExitCode() (code int, ok bool) {
	select {
	case <-h.done:
		return h.exitCode, true
	default:
		return 0, false
	}
}
