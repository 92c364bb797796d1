// Package prefs is the durable preference store for the sidecar manager:
// the four port assignments, the remote-MCP flag, the external restart
// trigger, and the active server version. Values live in a single JSON
// file inside the execution directory and are written atomically so a
// concurrent reader never observes a torn file.
package prefs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Default port values (10-port spacing).
const (
	DefaultCDPPort       = 9000
	DefaultMCPPort       = 9100
	DefaultAgentPort     = 9200
	DefaultExtensionPort = 9300
)

const prefsFileName = "prefs.json"

// Values is the full persisted preference set.
type Values struct {
	CDPPort          int    `json:"cdp_port"`
	MCPPort          int    `json:"mcp_port"`
	AgentPort        int    `json:"agent_port"`
	ExtensionPort    int    `json:"extension_port"`
	AllowRemoteInMCP bool   `json:"allow_remote_in_mcp"`
	RestartRequested bool   `json:"restart_requested"`
	ServerVersion    string `json:"server_version"`
	InstallID        string `json:"install_id"`
}

func defaults() Values {
	return Values{
		CDPPort:       DefaultCDPPort,
		MCPPort:       DefaultMCPPort,
		AgentPort:     DefaultAgentPort,
		ExtensionPort: DefaultExtensionPort,
	}
}

// Store reads and writes the preference file. All methods are safe for
// concurrent use.
type Store struct {
	mu     sync.RWMutex
	path   string
	values Values
}

// Open loads the store from dir, creating the file with defaults when it
// does not exist. Unreadable or corrupt files fall back to defaults
// rather than failing startup.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create prefs directory: %w", err)
	}

	s := &Store{
		path:   filepath.Join(dir, prefsFileName),
		values: defaults(),
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read prefs file: %w", err)
		}
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
		return s, nil
	}

	var loaded Values
	if err := json.Unmarshal(data, &loaded); err == nil {
		s.values = normalize(loaded)
	}
	return s, nil
}

// normalize replaces out-of-range persisted ports with defaults, the way
// zero/negative pref values fall back at startup.
func normalize(v Values) Values {
	if v.CDPPort <= 0 {
		v.CDPPort = DefaultCDPPort
	}
	if v.MCPPort <= 0 {
		v.MCPPort = DefaultMCPPort
	}
	if v.AgentPort <= 0 {
		v.AgentPort = DefaultAgentPort
	}
	if v.ExtensionPort <= 0 {
		v.ExtensionPort = DefaultExtensionPort
	}
	return v
}

// Path returns the location of the preference file.
func (s *Store) Path() string {
	return s.path
}

// Get returns a copy of the current values.
func (s *Store) Get() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.values
}

// Update applies fn to the current values and persists the result.
func (s *Store) Update(fn func(*Values)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.values)
	return s.flushLocked()
}

// SetPorts persists a new port assignment in one write.
func (s *Store) SetPorts(cdp, mcp, agent, extension int) error {
	return s.Update(func(v *Values) {
		v.CDPPort = cdp
		v.MCPPort = mcp
		v.AgentPort = agent
		v.ExtensionPort = extension
	})
}

// Reload re-reads the file from disk, returning the previous and current
// values. Used by the watcher to diff external edits.
func (s *Store) Reload() (old, current Values, err error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Values{}, Values{}, fmt.Errorf("failed to read prefs file: %w", err)
	}

	var loaded Values
	if err := json.Unmarshal(data, &loaded); err != nil {
		return Values{}, Values{}, fmt.Errorf("failed to unmarshal prefs: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	old = s.values
	s.values = normalize(loaded)
	return old, s.values, nil
}

// flushLocked writes the values atomically via temp file + rename.
// Callers must hold mu.
func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal prefs: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".tmp-prefs-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("failed to write prefs: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync prefs: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	tmp = nil

	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set prefs permissions: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("failed to rename prefs file: %w", err)
	}
	return nil
}
