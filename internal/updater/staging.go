package updater

import (
	"archive/zip"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/analos/sidecar/internal/appcast"
)

func serverBinaryName() string {
	if runtime.GOOS == "windows" {
		return "analos-server.exe"
	}
	return "analos-server"
}

// stageUpdate downloads, verifies, and unpacks a version into
// versions/<version>/, then marks it current. The pending directory is
// always cleaned up, success or failure.
func (u *Updater) stageUpdate(version appcast.Version, enc *appcast.Enclosure) error {
	if enc.Signature == "" {
		return fmt.Errorf("enclosure for %s carries no signature", version)
	}

	defer os.RemoveAll(u.pendingDir())

	archive, err := u.downloadArtifact(enc)
	if err != nil {
		return err
	}
	if err := verifySignature(archive, enc.Signature); err != nil {
		return err
	}

	destDir := filepath.Join(u.versionsDir(), version.String())
	staging := destDir + ".staging"
	os.RemoveAll(staging)
	os.RemoveAll(destDir)

	if err := extractZip(archive, staging); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("failed to extract update: %w", err)
	}
	if err := os.Rename(staging, destDir); err != nil {
		os.RemoveAll(staging)
		return fmt.Errorf("failed to move staged version into place: %w", err)
	}

	if err := u.writeCurrentVersion(version); err != nil {
		return err
	}

	log.Printf("analos: staged server version %s", version)
	return nil
}

// extractZip unpacks src into destDir, rejecting entries that would
// escape it and preserving file modes (the server binary ships with its
// exec bit set).
func extractZip(src, destDir string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer r.Close()

	if err := os.MkdirAll(destDir, 0755); err != nil {
		return err
	}

	for _, f := range r.File {
		target := filepath.Join(destDir, filepath.Clean(f.Name))
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry %q escapes destination", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("failed to open archive entry %q: %w", f.Name, err)
		}
		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm())
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		if closeErr := out.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return fmt.Errorf("failed to extract %q: %w", f.Name, err)
		}
	}
	return nil
}

// currentStagedVersion reads the current-version marker. ok is false
// when no version is marked or the marked directory is gone.
func (u *Updater) currentStagedVersion() (appcast.Version, bool) {
	data, err := os.ReadFile(filepath.Join(u.execDir, currentVersionFile))
	if err != nil {
		return appcast.Version{}, false
	}
	v, ok := appcast.ParseVersion(strings.TrimSpace(string(data)))
	if !ok {
		return appcast.Version{}, false
	}
	if _, err := os.Stat(filepath.Join(u.versionsDir(), v.String())); err != nil {
		return appcast.Version{}, false
	}
	return v, true
}

func (u *Updater) writeCurrentVersion(version appcast.Version) error {
	path := filepath.Join(u.execDir, currentVersionFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(version.String()+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write current version marker: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to commit current version marker: %w", err)
	}
	return nil
}

// InvalidateDownloadedVersion drops the current-version marker so the
// next launch falls back to the bundled binary. Called by the manager
// when a staged version crash-loops or its binary has gone missing.
func (u *Updater) InvalidateDownloadedVersion() {
	path := filepath.Join(u.execDir, currentVersionFile)
	if err := os.Remove(path); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("analos: failed to invalidate downloaded version: %v", err)
		}
		return
	}
	log.Printf("analos: invalidated downloaded server version, reverting to bundled binary")
}

// BestBinaryPath returns the server binary a launch should use: the
// current staged version's binary when present, the bundled one
// otherwise.
func (u *Updater) BestBinaryPath() string {
	if v, ok := u.currentStagedVersion(); ok {
		p := filepath.Join(u.versionsDir(), v.String(), serverBinaryName())
		if _, err := os.Stat(p); err == nil {
			return p
		}
		log.Printf("analos: staged version %s is missing its binary", v)
	}
	return u.opts.Coordinator.BundledExecutablePath()
}

// BestResourcesPath mirrors BestBinaryPath for the resources directory.
// A staged version without a resources directory uses the bundled one.
func (u *Updater) BestResourcesPath() string {
	if v, ok := u.currentStagedVersion(); ok {
		p := filepath.Join(u.versionsDir(), v.String(), "resources")
		if fi, err := os.Stat(p); err == nil && fi.IsDir() {
			return p
		}
	}
	return u.opts.Coordinator.BundledResourcesPath()
}

// pruneVersions removes staged versions beyond the newest keptVersions.
// Entries that are not well-formed versions are left alone.
func (u *Updater) pruneVersions() {
	entries, err := os.ReadDir(u.versionsDir())
	if err != nil {
		return
	}

	var versions []appcast.Version
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if v, ok := appcast.ParseVersion(e.Name()); ok {
			versions = append(versions, v)
		}
	}
	if len(versions) <= keptVersions {
		return
	}

	sort.Slice(versions, func(i, j int) bool { return versions[i].Newer(versions[j]) })
	for _, v := range versions[keptVersions:] {
		dir := filepath.Join(u.versionsDir(), v.String())
		if err := os.RemoveAll(dir); err != nil {
			log.Printf("analos: failed to prune old version %s: %v", v, err)
			continue
		}
		log.Printf("analos: pruned old server version %s", v)
	}
}
