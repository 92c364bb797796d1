package updater

import (
	"archive/zip"
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/analos/sidecar/internal/appcast"
	"github.com/analos/sidecar/pkg/events"
)

type fakeCoordinator struct {
	execDir    string
	bundledExe string
	bundledRes string

	mu       sync.Mutex
	restarts int
	succeed  bool
}

func (c *fakeCoordinator) RestartForUpdate(done func(bool)) {
	c.mu.Lock()
	c.restarts++
	succeed := c.succeed
	c.mu.Unlock()
	done(succeed)
}
func (c *fakeCoordinator) BundledExecutablePath() string { return c.bundledExe }
func (c *fakeCoordinator) BundledResourcesPath() string  { return c.bundledRes }
func (c *fakeCoordinator) ExecutionDir() string          { return c.execDir }

func (c *fakeCoordinator) restartCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.restarts
}

func newTestUpdater(t *testing.T, opts Options) (*Updater, *fakeCoordinator) {
	t.Helper()
	coord := &fakeCoordinator{
		execDir:    t.TempDir(),
		bundledExe: "/bundled/analos-server",
		bundledRes: "/bundled/resources",
	}
	if opts.Coordinator == nil {
		opts.Coordinator = coord
	}
	if opts.BundledVersion == "" {
		opts.BundledVersion = "0.30.0"
	}
	return New(opts), coord
}

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, body := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestExtractZip(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "a.zip")
	data := buildZip(t, map[string]string{
		"analos-server":        "binary-bytes",
		"resources/index.html": "<html></html>",
	})
	require.NoError(t, os.WriteFile(archive, data, 0644))

	dest := filepath.Join(dir, "out")
	require.NoError(t, extractZip(archive, dest))

	got, err := os.ReadFile(filepath.Join(dest, "analos-server"))
	require.NoError(t, err)
	assert.Equal(t, "binary-bytes", string(got))
	got, err = os.ReadFile(filepath.Join(dest, "resources", "index.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html></html>", string(got))
}

func TestExtractZipRejectsEscapingEntries(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "evil.zip")
	data := buildZip(t, map[string]string{"../escape.txt": "nope"})
	require.NoError(t, os.WriteFile(archive, data, 0644))

	err := extractZip(archive, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes")
	_, statErr := os.Stat(filepath.Join(dir, "escape.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCurrentVersionMarkerRoundTrip(t *testing.T) {
	u, _ := newTestUpdater(t, Options{})

	_, ok := u.currentStagedVersion()
	assert.False(t, ok, "no marker yet")

	v := appcast.MustParseVersion("0.33.0")
	require.NoError(t, os.MkdirAll(filepath.Join(u.versionsDir(), "0.33.0"), 0755))
	require.NoError(t, u.writeCurrentVersion(v))

	got, ok := u.currentStagedVersion()
	require.True(t, ok)
	assert.Equal(t, "0.33.0", got.String())
}

func TestCurrentVersionMarkerWithoutDirectory(t *testing.T) {
	u, _ := newTestUpdater(t, Options{})
	// A marker pointing at a deleted version directory is as good as no
	// marker.
	require.NoError(t, u.writeCurrentVersion(appcast.MustParseVersion("0.33.0")))

	_, ok := u.currentStagedVersion()
	assert.False(t, ok)
}

func TestInvalidateDownloadedVersion(t *testing.T) {
	u, _ := newTestUpdater(t, Options{})
	require.NoError(t, os.MkdirAll(filepath.Join(u.versionsDir(), "0.33.0"), 0755))
	require.NoError(t, u.writeCurrentVersion(appcast.MustParseVersion("0.33.0")))

	u.InvalidateDownloadedVersion()

	_, ok := u.currentStagedVersion()
	assert.False(t, ok)

	// Invalidating twice is harmless.
	u.InvalidateDownloadedVersion()
}

func TestBestPathsFallBackToBundled(t *testing.T) {
	u, coord := newTestUpdater(t, Options{})

	assert.Equal(t, coord.bundledExe, u.BestBinaryPath())
	assert.Equal(t, coord.bundledRes, u.BestResourcesPath())
}

func TestBestPathsPreferStagedVersion(t *testing.T) {
	u, coord := newTestUpdater(t, Options{})

	staged := filepath.Join(u.versionsDir(), "0.33.0")
	require.NoError(t, os.MkdirAll(filepath.Join(staged, "resources"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(staged, serverBinaryName()), []byte("bin"), 0755))
	require.NoError(t, u.writeCurrentVersion(appcast.MustParseVersion("0.33.0")))

	assert.Equal(t, filepath.Join(staged, serverBinaryName()), u.BestBinaryPath())
	assert.Equal(t, filepath.Join(staged, "resources"), u.BestResourcesPath())

	// A staged version whose binary vanished falls back to bundled.
	require.NoError(t, os.Remove(filepath.Join(staged, serverBinaryName())))
	assert.Equal(t, coord.bundledExe, u.BestBinaryPath())
}

func TestPruneVersionsKeepsNewestTwo(t *testing.T) {
	u, _ := newTestUpdater(t, Options{})
	for _, v := range []string{"0.30.0", "0.31.0", "0.32.0", "0.33.0"} {
		require.NoError(t, os.MkdirAll(filepath.Join(u.versionsDir(), v), 0755))
	}
	// A non-version entry must survive pruning untouched.
	require.NoError(t, os.MkdirAll(filepath.Join(u.versionsDir(), "scratch"), 0755))

	u.pruneVersions()

	entries, err := os.ReadDir(u.versionsDir())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"0.32.0", "0.33.0", "scratch"}, names)
}

func TestVerifySignatureRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "artifact.zip")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0644))

	assert.Error(t, verifySignature(path, "not-base64!!!"))
	// Well-formed base64 of the wrong size.
	assert.Error(t, verifySignature(path, "AAAA"))
	// Correct size, wrong signature.
	bogus := strings.Repeat("A", 86) + "=="
	assert.Error(t, verifySignature(path, bogus))
}

func TestStageUpdateRequiresSignature(t *testing.T) {
	u, _ := newTestUpdater(t, Options{})
	err := u.stageUpdate(appcast.MustParseVersion("0.33.0"), &appcast.Enclosure{URL: "https://example.com/a.zip"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature")
}

func TestFetchLatest(t *testing.T) {
	feed := `<rss><channel><item>
	  <version>0.33.0</version>
	  <enclosure url="https://cdn.example.com/a.zip" os="linux" arch="x86_64" edSignature="sig"/>
	</item></channel></rss>`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feed))
	}))
	defer ts.Close()

	u, _ := newTestUpdater(t, Options{AppcastURL: ts.URL, Client: ts.Client()})
	item, err := u.fetchLatest()
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, "0.33.0", item.Version.String())
}

func TestFetchLatestRejectsOversizedFeed(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(bytes.Repeat([]byte("x"), maxAppcastSize+1))
	}))
	defer ts.Close()

	u, _ := newTestUpdater(t, Options{AppcastURL: ts.URL, Client: ts.Client()})
	_, err := u.fetchLatest()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestFetchLatestHTTPError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	u, _ := newTestUpdater(t, Options{AppcastURL: ts.URL, Client: ts.Client()})
	_, err := u.fetchLatest()
	assert.Error(t, err)
}

func TestCheckOnceUpToDate(t *testing.T) {
	feed := `<rss><channel><item>
	  <version>0.30.0</version>
	  <enclosure url="https://cdn.example.com/a.zip" os="linux" arch="x86_64" edSignature="sig"/>
	</item></channel></rss>`
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feed))
	}))
	defer ts.Close()

	u, coord := newTestUpdater(t, Options{
		AppcastURL:     ts.URL,
		BundledVersion: "0.30.0",
		Client:         ts.Client(),
	})

	u.CheckNow()
	assert.Zero(t, coord.restartCount(), "an up-to-date server must not restart")
}

func TestCheckOnceFailedDownloadPublishesFailure(t *testing.T) {
	// Feed advertises a newer version, but the artifact URL 404s.
	mux := http.NewServeMux()
	var ts *httptest.Server
	mux.HandleFunc("/appcast.xml", func(w http.ResponseWriter, r *http.Request) {
		feed := `<rss><channel><item>
		  <version>9.9.9</version>
		  <enclosure url="` + ts.URL + `/missing.zip" os="` + appcast.CurrentOS() + `" arch="` + appcast.CurrentArch() + `" edSignature="sig"/>
		</item></channel></rss>`
		w.Write([]byte(feed))
	})
	mux.HandleFunc("/missing.zip", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	ts = httptest.NewServer(mux)
	defer ts.Close()

	bus := events.NewBus()
	failures := make(chan events.Event, 1)
	bus.Subscribe(events.UpdateFailed, func(e events.Event) { failures <- e })

	u, coord := newTestUpdater(t, Options{
		AppcastURL: ts.URL + "/appcast.xml",
		Client:     ts.Client(),
		Bus:        bus,
	})

	u.CheckNow()
	bus.Wait()

	select {
	case e := <-failures:
		assert.Equal(t, "9.9.9", e.Data["version"])
	default:
		t.Fatal("download failure did not publish an update-failed event")
	}
	assert.Zero(t, coord.restartCount())
}
