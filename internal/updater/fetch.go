package updater

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/analos/sidecar/internal/appcast"
)

func (u *Updater) appcastClient() *http.Client {
	if u.opts.Client != nil {
		return u.opts.Client
	}
	return &http.Client{Timeout: appcastTimeout}
}

func (u *Updater) downloadClient() *http.Client {
	if u.opts.Client != nil {
		return u.opts.Client
	}
	return &http.Client{Timeout: downloadTimeout}
}

// fetchLatest retrieves and parses the appcast feed, returning the
// latest usable item (nil when the feed has none).
func (u *Updater) fetchLatest() (*appcast.Item, error) {
	resp, err := u.appcastClient().Get(u.opts.AppcastURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch appcast: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("appcast fetch returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAppcastSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read appcast: %w", err)
	}
	if len(data) > maxAppcastSize {
		return nil, fmt.Errorf("appcast exceeds %d byte limit", maxAppcastSize)
	}

	item, ok := appcast.ParseLatestItem(string(data))
	if !ok {
		return nil, nil
	}
	return item, nil
}

// downloadArtifact streams the enclosure into the pending-update
// directory, enforcing the size cap and, when the feed declares one, the
// expected length.
func (u *Updater) downloadArtifact(enc *appcast.Enclosure) (string, error) {
	pending := u.pendingDir()
	if err := os.RemoveAll(pending); err != nil {
		return "", fmt.Errorf("failed to clear pending directory: %w", err)
	}
	if err := os.MkdirAll(pending, 0755); err != nil {
		return "", fmt.Errorf("failed to create pending directory: %w", err)
	}

	resp, err := u.downloadClient().Get(enc.URL)
	if err != nil {
		return "", fmt.Errorf("failed to download %s: %w", enc.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download returned HTTP %d", resp.StatusCode)
	}

	dest := filepath.Join(pending, downloadFileName)
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("failed to create download file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(resp.Body, maxDownloadSize+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(dest)
		return "", fmt.Errorf("failed to write download: %w", err)
	}
	if n > maxDownloadSize {
		os.Remove(dest)
		return "", fmt.Errorf("download exceeds %d byte limit", int64(maxDownloadSize))
	}
	if enc.Length > 0 && n != enc.Length {
		os.Remove(dest)
		return "", fmt.Errorf("download length mismatch: got %d, enclosure declares %d", n, enc.Length)
	}

	return dest, nil
}

// verifySignature checks the artifact's ed25519 signature against the
// release public key. The signature covers the raw archive bytes.
func verifySignature(path, signatureB64 string) error {
	pub, err := base64.StdEncoding.DecodeString(publicKeyBase64)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("invalid update public key")
	}

	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("malformed artifact signature")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}

	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return fmt.Errorf("artifact signature verification failed")
	}
	return nil
}
