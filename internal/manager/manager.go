// Package manager owns the sidecar server lifecycle: exclusive
// cross-process ownership, port assignment, launch, health monitoring,
// restart, crash-loop protection, and update coordination.
//
// Concurrency model: all mutable state lives behind one mutex. Blocking
// work (filesystem, spawn, terminate, port probes, HTTP probes) runs on
// background goroutines whose completions call back into the manager.
// Every continuation carries the generation counter observed when it was
// scheduled; Stop bumps the counter, so results that land after a stop
// are dropped instead of acting on torn-down state.
package manager

import (
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/analos/sidecar/internal/cdp"
	"github.com/analos/sidecar/internal/config"
	"github.com/analos/sidecar/internal/launcher"
	"github.com/analos/sidecar/internal/prefs"
	"github.com/analos/sidecar/pkg/events"
	"github.com/analos/sidecar/pkg/ports"
)

const (
	healthCheckInterval  = 30 * time.Second
	healthCheckTimeout   = 15 * time.Second
	processCheckInterval = 10 * time.Second

	// An exit within the grace period counts as a startup failure; three
	// in a row invalidate the staged update and fall back to bundled.
	startupGracePeriod = 30 * time.Second
	maxStartupFailures = 3

	lockFileName = "server.lock"
)

// Updater is the OTA collaborator contract the manager drives.
type Updater interface {
	Start()
	Stop()
	BestBinaryPath() string
	BestResourcesPath() string
	InvalidateDownloadedVersion()
}

// Coordinator is the manager surface handed to the updater.
type Coordinator interface {
	RestartForUpdate(done func(success bool))
	BundledExecutablePath() string
	BundledResourcesPath() string
	ExecutionDir() string
}

// Options configures a Manager. The manager is constructed explicitly by
// the host's composition root and injected where needed; there is no
// package-level singleton.
type Options struct {
	ExecutionDir        string
	BundledExePath      string
	BundledResourcesDir string

	AnalOSVersion   string
	ChromiumVersion string

	DisableServer  bool
	DisableUpdater bool

	// Explicit port overrides; zero means "use computed value".
	CDPPortOverride       int
	MCPPortOverride       int
	AgentPortOverride     int
	ExtensionPortOverride int

	Prefs      *prefs.Store
	CDPFactory cdp.Factory
	Bus        *events.Bus

	// NewUpdater constructs the updater collaborator lazily after the
	// first successful launch. Nil disables updates.
	NewUpdater func(Coordinator) Updater
}

type portSnapshot struct {
	cdp, mcp, agent, extension int
}

type revalidatedPorts struct {
	mcp, agent, extension int
}

// Manager is the lifecycle state machine.
type Manager struct {
	mu   sync.Mutex
	opts Options

	lock        *flock.Flock
	handle      *launcher.Handle
	cdpListener cdp.Listener
	updater     Updater

	cdpPort       int
	mcpPort       int
	agentPort     int
	extensionPort int
	allowRemote   bool

	isRunning    bool
	isRestarting bool
	isUpdating   bool
	stopped      bool
	updateDone   func(bool)

	consecutiveStartupFailures int
	lastLaunch                 time.Time

	generation    uint64
	monitorCancel chan struct{}

	// Seams for tests; production values set in New.
	findPort     func(start int, excluded map[int]bool) int
	launchFn     func(launcher.Spec) launcher.Result
	healthClient *http.Client
	now          func() time.Time
}

// New builds a Manager. Call Start to bring the server up.
func New(opts Options) *Manager {
	return &Manager{
		opts:         opts,
		findPort:     ports.FindAvailablePort,
		launchFn:     launcher.Launch,
		healthClient: &http.Client{Timeout: healthCheckTimeout},
		now:          time.Now,
	}
}

// Start brings the server up: resolves and persists port assignments
// (always, so preference state stays current even when disabled),
// acquires the exclusive cross-process lock, starts the debug-protocol
// listener, and launches the child asynchronously. A lock held by
// another host instance is not an error: this instance silently stands
// down.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		log.Printf("analos: server already running")
		return
	}
	m.stopped = false
	m.initPortsLocked()
	m.savePortsLocked()
	m.mu.Unlock()

	if m.opts.DisableServer {
		log.Printf("analos: server disabled via configuration")
		return
	}

	if !m.acquireLock() {
		return
	}

	log.Printf("analos: starting sidecar server")
	m.startCDP()
	m.launchServer()
}

// Stop tears the server down: monitors, updater, process (signal-only,
// never blocking the caller), and the exclusive lock. In-flight
// background continuations are invalidated via the generation counter.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.isRunning && m.handle == nil && m.lock == nil {
		m.mu.Unlock()
		return
	}
	log.Printf("analos: stopping sidecar server")
	m.generation++
	m.stopped = true
	m.stopMonitorsLocked()
	m.isRunning = false
	m.isRestarting = false
	m.isUpdating = false
	m.updateDone = nil
	u := m.updater
	m.updater = nil
	h := m.handle
	m.handle = nil
	lk := m.lock
	m.lock = nil
	m.mu.Unlock()

	if u != nil {
		u.Stop()
	}
	if h != nil {
		// Signal-only: host shutdown must not block on the child.
		h.Terminate(false)
	}
	if lk != nil {
		if err := lk.Unlock(); err != nil {
			log.Printf("analos: failed to release lock: %v", err)
		} else {
			log.Printf("analos: released lock file")
		}
	}
}

// Shutdown is the full teardown used when the host exits; it also closes
// the debug-protocol listener that Stop deliberately leaves running.
func (m *Manager) Shutdown() {
	m.Stop()
	m.mu.Lock()
	ln := m.cdpListener
	m.cdpListener = nil
	m.mu.Unlock()
	if ln != nil {
		ln.Close()
	}
}

// IsRunning reports whether a live child process is being supervised.
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isRunning && m.handle != nil
}

// Port getters: auto-discovered, stable across restarts.

func (m *Manager) CDPPort() int       { m.mu.Lock(); defer m.mu.Unlock(); return m.cdpPort }
func (m *Manager) MCPPort() int       { m.mu.Lock(); defer m.mu.Unlock(); return m.mcpPort }
func (m *Manager) AgentPort() int     { m.mu.Lock(); defer m.mu.Unlock(); return m.agentPort }
func (m *Manager) ExtensionPort() int { m.mu.Lock(); defer m.mu.Unlock(); return m.extensionPort }

// AllowRemoteInMCP reports the remote-access flag last handed to the child.
func (m *Manager) AllowRemoteInMCP() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allowRemote
}

// Coordinator implementation (read-only value queries, used by the updater).

func (m *Manager) BundledExecutablePath() string { return m.opts.BundledExePath }
func (m *Manager) BundledResourcesPath() string  { return m.opts.BundledResourcesDir }
func (m *Manager) ExecutionDir() string          { return m.opts.ExecutionDir }

// initPortsLocked resolves the four ports: persisted hints, revalidated
// against the OS with mutual exclusion, then explicit overrides applied
// last (an override expresses intent and is not probed).
func (m *Manager) initPortsLocked() {
	v := m.opts.Prefs.Get()
	m.allowRemote = v.AllowRemoteInMCP

	excluded := make(map[int]bool)
	m.cdpPort = m.findPort(v.CDPPort, excluded)
	excluded[m.cdpPort] = true
	m.mcpPort = m.findPort(v.MCPPort, excluded)
	excluded[m.mcpPort] = true
	m.agentPort = m.findPort(v.AgentPort, excluded)
	excluded[m.agentPort] = true
	m.extensionPort = m.findPort(v.ExtensionPort, excluded)

	if p := config.ValidatePortOverride("CDP port", m.opts.CDPPortOverride); p > 0 {
		m.cdpPort = p
	}
	if p := config.ValidatePortOverride("MCP port", m.opts.MCPPortOverride); p > 0 {
		m.mcpPort = p
	}
	if p := config.ValidatePortOverride("agent port", m.opts.AgentPortOverride); p > 0 {
		m.agentPort = p
	}
	if p := config.ValidatePortOverride("extension port", m.opts.ExtensionPortOverride); p > 0 {
		m.extensionPort = p
	}

	log.Printf("analos: final ports - CDP: %d, MCP: %d, agent: %d, extension: %d",
		m.cdpPort, m.mcpPort, m.agentPort, m.extensionPort)
}

func (m *Manager) savePortsLocked() {
	if err := m.opts.Prefs.SetPorts(m.cdpPort, m.mcpPort, m.agentPort, m.extensionPort); err != nil {
		log.Printf("analos: failed to persist ports: %v", err)
	}
}

// acquireLock takes the OS-level exclusive lock that makes this host
// instance the single owner of the child process. Contention means
// another instance owns it: not an error, just stand down.
func (m *Manager) acquireLock() bool {
	if m.opts.ExecutionDir == "" {
		log.Printf("analos: failed to resolve execution directory for lock")
		return false
	}
	if err := os.MkdirAll(m.opts.ExecutionDir, 0755); err != nil {
		log.Printf("analos: failed to create execution directory: %v", err)
		return false
	}

	lockPath := filepath.Join(m.opts.ExecutionDir, lockFileName)
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		log.Printf("analos: failed to open lock file %s: %v", lockPath, err)
		return false
	}
	if !locked {
		log.Printf("analos: server already running in another host instance (lock file: %s)", lockPath)
		return false
	}

	m.mu.Lock()
	m.lock = fl
	m.mu.Unlock()
	log.Printf("analos: acquired exclusive lock on %s", lockPath)
	return true
}

func (m *Manager) startCDP() {
	if m.opts.CDPFactory == nil {
		return
	}
	m.mu.Lock()
	port := m.cdpPort
	m.mu.Unlock()

	ln, err := m.opts.CDPFactory.Start(port)
	if err != nil {
		log.Printf("analos: failed to start CDP listener: %v", err)
		return
	}
	m.mu.Lock()
	m.cdpListener = ln
	m.mu.Unlock()
}

// launchServer snapshots the launch inputs under the lock and spawns the
// blocking launch on a background goroutine.
func (m *Manager) launchServer() {
	m.mu.Lock()
	gen := m.generation
	spec := m.buildLaunchSpecLocked()
	m.mu.Unlock()

	log.Printf("analos: launching server - binary: %s", spec.ExePath)
	go func() {
		result := m.launchFn(spec)
		m.onProcessLaunched(gen, result)
	}()
}

func (m *Manager) buildLaunchSpecLocked() launcher.Spec {
	exePath := m.opts.BundledExePath
	resourcesDir := m.opts.BundledResourcesDir
	if m.updater != nil {
		// Prefer the updater's best known-good staged version.
		exePath = m.updater.BestBinaryPath()
		resourcesDir = m.updater.BestResourcesPath()
	}

	v := m.opts.Prefs.Get()
	return launcher.Spec{
		ExePath:              exePath,
		ResourcesDir:         resourcesDir,
		FallbackExePath:      m.opts.BundledExePath,
		FallbackResourcesDir: m.opts.BundledResourcesDir,
		ExecutionDir:         m.opts.ExecutionDir,
		Ports: launcher.PortSet{
			CDP:       m.cdpPort,
			MCP:       m.mcpPort,
			Agent:     m.agentPort,
			Extension: m.extensionPort,
		},
		Config: launcher.ServerConfig{
			InstallID:        v.InstallID,
			AnalOSVersion:    m.opts.AnalOSVersion,
			ChromiumVersion:  m.opts.ChromiumVersion,
			AllowRemoteInMCP: m.allowRemote,
		},
	}
}

func (m *Manager) onProcessLaunched(gen uint64, result launcher.Result) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		if result.Handle != nil {
			result.Handle.Terminate(false)
		}
		return
	}

	wasUpdating := m.isUpdating
	if result.UsedFallback && m.updater != nil {
		m.updater.InvalidateDownloadedVersion()
	}

	if result.Err != nil || result.Handle == nil {
		log.Printf("analos: failed to launch server: %v", result.Err)
		// The CDP listener stays up: a degraded state (debug protocol
		// without the sidecar) beats a fully torn-down one.
		m.isRestarting = false
		var cb func(bool)
		if wasUpdating {
			m.isUpdating = false
			cb = m.updateDone
			m.updateDone = nil
		}
		m.mu.Unlock()
		if cb != nil {
			cb(false)
		}
		return
	}

	m.handle = result.Handle
	m.isRunning = true
	m.lastLaunch = m.now()
	log.Printf("analos: server started with pid %d (CDP %d, MCP %d, agent %d, extension %d)",
		result.Handle.PID(), m.cdpPort, m.mcpPort, m.agentPort, m.extensionPort)

	m.startMonitorsLocked(gen)

	if m.isRestarting {
		m.isRestarting = false
		if m.opts.Prefs.Get().RestartRequested {
			m.opts.Prefs.Update(func(v *prefs.Values) { v.RestartRequested = false })
			log.Printf("analos: restart completed, reset restart_requested pref")
		}
	}

	var cb func(bool)
	if wasUpdating {
		m.isUpdating = false
		cb = m.updateDone
		m.updateDone = nil
	}

	if m.updater == nil && m.opts.NewUpdater != nil {
		if m.opts.DisableUpdater {
			log.Printf("analos: server updater disabled via configuration")
		} else {
			m.updater = m.opts.NewUpdater(m)
			m.updater.Start()
		}
	}
	m.mu.Unlock()

	if cb != nil {
		cb(true)
	}
	m.publish(events.ServerStarted, map[string]interface{}{
		"pid":      result.Handle.PID(),
		"fallback": result.UsedFallback,
		"mcp_port": m.MCPPort(),
		"cdp_port": m.CDPPort(),
	})
}

func (m *Manager) onProcessExited(gen uint64, exitCode int) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}

	log.Printf("analos: server exited with code %d", exitCode)
	m.isRunning = false
	m.handle = nil
	m.stopMonitorsLocked()

	uptime := m.now().Sub(m.lastLaunch)
	if uptime < startupGracePeriod {
		m.consecutiveStartupFailures++
		log.Printf("analos: startup failure detected (uptime: %s, consecutive failures: %d)",
			uptime.Round(time.Second), m.consecutiveStartupFailures)
		if m.consecutiveStartupFailures >= maxStartupFailures {
			log.Printf("analos: too many startup failures, invalidating downloaded version")
			if m.updater != nil {
				m.updater.InvalidateDownloadedVersion()
			}
			m.consecutiveStartupFailures = 0
		}
	} else {
		// A run past the grace period was a real run.
		m.consecutiveStartupFailures = 0
	}

	if m.isRestarting {
		log.Printf("analos: restart already in progress, skipping")
		m.mu.Unlock()
		return
	}
	m.isRestarting = true
	snap := portSnapshot{m.cdpPort, m.mcpPort, m.agentPort, m.extensionPort}
	m.mu.Unlock()

	m.publish(events.ServerExited, map[string]interface{}{"exit_code": exitCode})

	// The server is expected to be always-on: any exit restarts it. The
	// process is already dead, so go straight to port revalidation.
	log.Printf("analos: server exited, restarting process")
	go func() {
		p := m.revalidatePorts(snap)
		m.onPortsRevalidated(gen, p)
	}()
}

// Restart tears down the child and relaunches it: terminate (blocking,
// so the old process has released its ports), revalidate ports, launch.
// Re-entry while a restart is in flight is a no-op.
func (m *Manager) Restart(reason string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	if m.isRestarting {
		log.Printf("analos: restart already in progress, ignoring")
		m.mu.Unlock()
		return
	}
	m.isRestarting = true
	m.stopMonitorsLocked()
	gen := m.generation
	h := m.handle
	snap := portSnapshot{m.cdpPort, m.mcpPort, m.agentPort, m.extensionPort}
	m.mu.Unlock()

	log.Printf("analos: restarting server process (%s)", reason)
	m.publish(events.ServerRestarting, map[string]interface{}{"reason": reason})

	go func() {
		if h != nil {
			// Must complete before relaunch reuses the same ports.
			h.Terminate(true)
		}
		p := m.revalidatePorts(snap)
		m.onPortsRevalidated(gen, p)
	}()
}

// RestartForUpdate is the updater's entry point: same terminate →
// revalidate → relaunch sequence, but the outcome is reported to done
// instead of being fire-and-forget. Refuses immediately when a restart
// or another update is already in flight.
func (m *Manager) RestartForUpdate(done func(success bool)) {
	m.mu.Lock()
	if m.stopped || m.isRestarting || m.isUpdating {
		m.mu.Unlock()
		log.Printf("analos: restart already in progress, failing update")
		done(false)
		return
	}
	m.isUpdating = true
	m.updateDone = done
	m.isRestarting = true
	m.stopMonitorsLocked()
	gen := m.generation
	h := m.handle
	snap := portSnapshot{m.cdpPort, m.mcpPort, m.agentPort, m.extensionPort}
	m.mu.Unlock()

	log.Printf("analos: restarting server for OTA update")
	go func() {
		if h != nil {
			h.Terminate(true)
		}
		p := m.revalidatePorts(snap)
		m.onPortsRevalidated(gen, p)
	}()
}

// revalidatePorts re-probes the three child-owned ports. The CDP port is
// excluded and never revalidated mid-session: it is still bound by the
// debug-protocol listener, whose lifetime is independent of the child.
func (m *Manager) revalidatePorts(snap portSnapshot) revalidatedPorts {
	excluded := map[int]bool{snap.cdp: true}

	var p revalidatedPorts
	p.mcp = m.findPort(snap.mcp, excluded)
	excluded[p.mcp] = true
	p.agent = m.findPort(snap.agent, excluded)
	excluded[p.agent] = true
	p.extension = m.findPort(snap.extension, excluded)
	return p
}

func (m *Manager) onPortsRevalidated(gen uint64, p revalidatedPorts) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}

	changed := p.mcp != m.mcpPort || p.agent != m.agentPort || p.extension != m.extensionPort
	if changed {
		log.Printf("analos: ports changed during revalidation - MCP: %d -> %d, agent: %d -> %d, extension: %d -> %d",
			m.mcpPort, p.mcp, m.agentPort, p.agent, m.extensionPort, p.extension)
		m.mcpPort = p.mcp
		m.agentPort = p.agent
		m.extensionPort = p.extension
		m.savePortsLocked()
	}
	m.mu.Unlock()

	if changed {
		m.publish(events.PortsReassigned, map[string]interface{}{
			"mcp": p.mcp, "agent": p.agent, "extension": p.extension,
		})
	}

	// isRestarting is cleared in onProcessLaunched once the launch
	// completes.
	m.launchServer()
}

// HandlePrefChange reacts to external preference-file edits: a changed
// remote-access flag restarts the child with the new config, and the
// restart_requested trigger restarts on a false→true transition (the
// pref is auto-reset after the next successful launch).
func (m *Manager) HandlePrefChange(old, current prefs.Values) {
	if current.AllowRemoteInMCP != old.AllowRemoteInMCP {
		m.mu.Lock()
		m.allowRemote = current.AllowRemoteInMCP
		running := m.isRunning
		m.mu.Unlock()
		if running {
			log.Printf("analos: allow_remote_in_mcp changed from %v to %v, restarting server",
				old.AllowRemoteInMCP, current.AllowRemoteInMCP)
			m.Restart("allow_remote_in_mcp changed")
			return
		}
	}
	if current.RestartRequested && !old.RestartRequested {
		log.Printf("analos: server restart requested via preference")
		m.Restart("restart requested via preference")
	}
}

// startMonitorsLocked arms the two probes for the current run. They are
// bound to a per-run stop channel and to gen, so a restart first stops
// them and a stale tick can never fire a second restart.
func (m *Manager) startMonitorsLocked(gen uint64) {
	stop := make(chan struct{})
	m.monitorCancel = stop
	go m.processCheckLoop(gen, stop)
	go m.healthCheckLoop(gen, stop)
}

func (m *Manager) stopMonitorsLocked() {
	if m.monitorCancel != nil {
		close(m.monitorCancel)
		m.monitorCancel = nil
	}
}

// processCheckLoop polls for child exit. The poll is non-blocking: the
// handle's waiter goroutine reaps the process, the loop only observes.
func (m *Manager) processCheckLoop(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(processCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.mu.Lock()
			if gen != m.generation || !m.isRunning || m.handle == nil {
				m.mu.Unlock()
				return
			}
			h := m.handle
			m.mu.Unlock()

			if code, exited := h.ExitCode(); exited {
				m.onProcessExited(gen, code)
				return
			}
		}
	}
}

// healthCheckLoop probes the child's /health endpoint on its control
// port. The request carries its own timeout, shorter than the interval,
// so a hung child cannot stall the cadence.
func (m *Manager) healthCheckLoop(gen uint64, stop <-chan struct{}) {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !m.checkHealthOnce(gen) {
				return
			}
		}
	}
}

// checkHealthOnce returns false when the loop should exit.
func (m *Manager) checkHealthOnce(gen uint64) bool {
	m.mu.Lock()
	if gen != m.generation || !m.isRunning {
		m.mu.Unlock()
		return false
	}
	port := m.mcpPort
	m.mu.Unlock()

	req, err := http.NewRequest(http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/health", port), nil)
	if err != nil {
		return true
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := m.healthClient.Do(req)
	var status int
	if err == nil {
		status = resp.StatusCode
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	m.mu.Lock()
	stale := gen != m.generation || !m.isRunning
	m.mu.Unlock()
	if stale {
		return false
	}

	if err == nil && status == http.StatusOK {
		return true
	}

	log.Printf("analos: health check failed - HTTP %d, error: %v, restarting server process", status, err)
	m.publish(events.HealthCheckFailed, map[string]interface{}{
		"status": status,
	})
	m.Restart("health check failed")
	return false
}

func (m *Manager) publish(t events.EventType, data map[string]interface{}) {
	if m.opts.Bus != nil {
		m.opts.Bus.Publish(events.Event{Type: t, Data: data})
	}
}
