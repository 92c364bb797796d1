// Package updater implements over-the-air updates for the sidecar server
// binary: periodic appcast polling, signed artifact download, staged
// version layout under the execution directory, and coordinated restarts
// into the new version. The bundled binary is never touched; it is the
// permanent fallback when a staged version is invalidated.
package updater

import (
	"log"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/analos/sidecar/internal/appcast"
	"github.com/analos/sidecar/internal/prefs"
	"github.com/analos/sidecar/pkg/events"
)

const (
	checkInterval = 15 * time.Minute

	appcastTimeout = 30 * time.Second
	maxAppcastSize = 512 * 1024

	downloadTimeout = 10 * time.Minute
	maxDownloadSize = 200 * 1024 * 1024

	// Staged versions kept on disk after a successful update: the new one
	// plus one rollback candidate.
	keptVersions = 2

	versionsDirName    = "versions"
	currentVersionFile = "current_version"
	pendingDirName     = "pending_update"
	downloadFileName   = "download.zip"
)

// publicKeyBase64 is the ed25519 key that release artifacts are signed
// with. Artifacts whose enclosure signature does not verify against it
// are discarded.
const publicKeyBase64 = "LzQmcNuTsdB3/dsivo0eeN+jPfDoriRHAkkEJcfFs2A="

// Restarter is the manager surface the updater drives. A refused restart
// (another restart or update in flight) reports success=false; the
// staged version stays on disk and is picked up on the next launch.
type Restarter interface {
	RestartForUpdate(done func(success bool))
	BundledExecutablePath() string
	BundledResourcesPath() string
	ExecutionDir() string
}

// Options configures an Updater.
type Options struct {
	// AppcastURL is the feed to poll (already channel-resolved).
	AppcastURL string
	// BundledVersion is the version of the binary shipped with the host.
	BundledVersion string
	Coordinator    Restarter
	Prefs          *prefs.Store
	Bus            *events.Bus
	// Client overrides the HTTP client; nil uses per-request defaults.
	Client *http.Client
}

// Updater polls the appcast and stages downloaded versions. Safe for
// concurrent use; the manager calls the path getters from its control
// path while the check loop runs in the background.
type Updater struct {
	mu   sync.Mutex
	opts Options

	execDir  string
	checking bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

// New builds an Updater. Call Start to begin periodic checks.
func New(opts Options) *Updater {
	return &Updater{
		opts:    opts,
		execDir: opts.Coordinator.ExecutionDir(),
	}
}

// Start runs an immediate check and then polls on the check interval.
func (u *Updater) Start() {
	u.mu.Lock()
	if u.stop != nil {
		u.mu.Unlock()
		return
	}
	u.stop = make(chan struct{})
	stop := u.stop
	u.mu.Unlock()

	log.Printf("analos: updater started, appcast: %s", u.opts.AppcastURL)
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.CheckNow()

		ticker := time.NewTicker(checkInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				u.CheckNow()
			}
		}
	}()
}

// Stop halts the poll loop. A download already in progress finishes.
func (u *Updater) Stop() {
	u.mu.Lock()
	if u.stop != nil {
		close(u.stop)
		u.stop = nil
	}
	u.mu.Unlock()
	u.wg.Wait()
}

// CheckNow performs one update check. Concurrent calls coalesce: a check
// already in flight makes this a no-op.
func (u *Updater) CheckNow() {
	u.mu.Lock()
	if u.checking {
		u.mu.Unlock()
		return
	}
	u.checking = true
	u.mu.Unlock()
	defer func() {
		u.mu.Lock()
		u.checking = false
		u.mu.Unlock()
	}()

	u.checkOnce()
}

func (u *Updater) checkOnce() {
	item, err := u.fetchLatest()
	if err != nil {
		log.Printf("analos: update check failed: %v", err)
		return
	}
	if item == nil {
		log.Printf("analos: appcast contains no usable items")
		return
	}

	current := u.effectiveVersion()
	if !item.Version.Newer(current) {
		log.Printf("analos: server up to date (current: %s, latest: %s)", current, item.Version)
		return
	}

	enc, ok := item.EnclosureForCurrentPlatform()
	if !ok {
		log.Printf("analos: version %s has no artifact for this platform", item.Version)
		return
	}

	log.Printf("analos: update available: %s -> %s", current, item.Version)
	if err := u.stageUpdate(item.Version, enc); err != nil {
		log.Printf("analos: failed to stage update %s: %v", item.Version, err)
		u.publish(events.UpdateFailed, map[string]interface{}{
			"version": item.Version.String(),
			"error":   err.Error(),
		})
		return
	}

	u.publish(events.UpdateStaged, map[string]interface{}{"version": item.Version.String()})

	version := item.Version
	u.opts.Coordinator.RestartForUpdate(func(success bool) {
		u.onUpdateRestartDone(version, success)
	})
}

func (u *Updater) onUpdateRestartDone(version appcast.Version, success bool) {
	if !success {
		// The staged version stays; the next natural restart picks it up.
		log.Printf("analos: restart for update %s refused or failed", version)
		u.publish(events.UpdateFailed, map[string]interface{}{
			"version": version.String(),
			"error":   "restart refused",
		})
		return
	}

	log.Printf("analos: server updated to %s", version)
	if u.opts.Prefs != nil {
		u.opts.Prefs.Update(func(v *prefs.Values) { v.ServerVersion = version.String() })
	}
	u.pruneVersions()
	u.publish(events.UpdateApplied, map[string]interface{}{"version": version.String()})
}

// effectiveVersion is the version a launch would use right now: the
// staged current version when one is marked, the bundled one otherwise.
func (u *Updater) effectiveVersion() appcast.Version {
	if v, ok := u.currentStagedVersion(); ok {
		return v
	}
	v, _ := appcast.ParseVersion(u.opts.BundledVersion)
	return v
}

func (u *Updater) versionsDir() string {
	return filepath.Join(u.execDir, versionsDirName)
}

func (u *Updater) pendingDir() string {
	return filepath.Join(u.execDir, pendingDirName)
}

func (u *Updater) publish(t events.EventType, data map[string]interface{}) {
	if u.opts.Bus != nil {
		u.opts.Bus.Publish(events.Event{Type: t, Data: data})
	}
}
