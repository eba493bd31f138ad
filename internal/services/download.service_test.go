package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"shellac/config"
	"shellac/internal/models"
)

const downloadTestVersion = "20990101"

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// snapshotFixture holds in-memory file contents keyed by filename, plus the
// manifest text derived from them.
type snapshotFixture struct {
	files    map[string][]byte
	manifest string
	requests map[string]int
}

func newSnapshotFixture(version string) *snapshotFixture {
	f := &snapshotFixture{
		files:    map[string][]byte{},
		requests: map[string]int{},
	}

	var manifest strings.Builder
	for _, name := range models.SnapshotDataFiles(version) {
		content := []byte("gzip-payload-for-" + name)
		f.files[name] = content
		fmt.Fprintf(&manifest, "%s  %s\n", sha256Hex(content), name)
	}
	f.manifest = manifest.String()
	f.files[models.ChecksumFilename(version)] = []byte(f.manifest)
	return f
}

func (f *snapshotFixture) server(t *testing.T) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("download")
		if key == "" {
			http.NotFound(w, r)
			return
		}

		name := filepath.Base(key)
		content, ok := f.files[name]
		if !ok {
			http.NotFound(w, r)
			return
		}

		f.requests[name]++
		_, _ = w.Write(content)
	}))
}

func newTestDownloadService(t *testing.T, baseURL, root string) *DownloadService {
	t.Helper()

	ds := NewDownloadService(config.Config{DiscogsRoot: root}, nil)
	ds.baseURL = baseURL
	return ds
}

func remoteFilesFor(version string) []models.RemoteFile {
	var remote []models.RemoteFile
	for _, name := range models.SnapshotFiles(version) {
		remote = append(remote, models.RemoteFile{
			Key:     fmt.Sprintf("data/2099/%s", name),
			Name:    name,
			Version: version,
		})
	}
	return remote
}

func TestDownloadSnapshot(t *testing.T) {
	fixture := newSnapshotFixture(downloadTestVersion)
	server := fixture.server(t)
	defer server.Close()

	root := t.TempDir()
	ds := newTestDownloadService(t, server.URL+"/", root)

	marker := models.NewStateMarker(downloadTestVersion)
	markerPath := models.MarkerPath(root, downloadTestVersion)

	files, err := ds.DownloadSnapshot(
		context.Background(),
		downloadTestVersion,
		remoteFilesFor(downloadTestVersion),
		marker,
		markerPath,
	)
	if err != nil {
		t.Fatalf("DownloadSnapshot() error = %v", err)
	}

	if len(files) != 4 {
		t.Fatalf("expected 4 data files, got %d", len(files))
	}

	for _, name := range files {
		content, err := os.ReadFile(filepath.Join(root, name))
		if err != nil {
			t.Fatalf("data file %s not on disk: %v", name, err)
		}
		if string(content) != "gzip-payload-for-"+name {
			t.Errorf("data file %s has wrong content", name)
		}
	}

	if marker.DownloadPhase.Status != models.PhaseCompleted {
		t.Errorf("download phase = %s, want %s", marker.DownloadPhase.Status, models.PhaseCompleted)
	}
	if marker.DownloadPhase.FilesDownloaded != 4 {
		t.Errorf("files downloaded = %d, want 4", marker.DownloadPhase.FilesDownloaded)
	}
	if marker.DownloadPhase.BytesDownloaded == 0 {
		t.Error("bytes downloaded should be non-zero")
	}

	metadata := models.LoadDownloadMetadata(root, ds.log)
	if len(metadata) != 4 {
		t.Errorf("metadata entries = %d, want 4", len(metadata))
	}
	for name, info := range metadata {
		if info.Version != downloadTestVersion {
			t.Errorf("metadata for %s has version %s", name, info.Version)
		}
	}

	if _, err := os.Stat(markerPath); err != nil {
		t.Errorf("state marker not saved: %v", err)
	}
}

func TestDownloadSnapshotSkipsVerifiedFiles(t *testing.T) {
	fixture := newSnapshotFixture(downloadTestVersion)
	server := fixture.server(t)
	defer server.Close()

	root := t.TempDir()
	ds := newTestDownloadService(t, server.URL+"/", root)

	// Pre-place one already-verified data file
	cached := models.SnapshotDataFiles(downloadTestVersion)[0]
	if err := os.WriteFile(
		filepath.Join(root, cached),
		fixture.files[cached],
		0644,
	); err != nil {
		t.Fatal(err)
	}

	marker := models.NewStateMarker(downloadTestVersion)
	markerPath := models.MarkerPath(root, downloadTestVersion)

	_, err := ds.DownloadSnapshot(
		context.Background(),
		downloadTestVersion,
		remoteFilesFor(downloadTestVersion),
		marker,
		markerPath,
	)
	if err != nil {
		t.Fatalf("DownloadSnapshot() error = %v", err)
	}

	if fixture.requests[cached] != 0 {
		t.Errorf("cached file was downloaded %d times, want 0", fixture.requests[cached])
	}

	// Cached files still count toward the download phase
	if marker.DownloadPhase.FilesDownloaded != 4 {
		t.Errorf("files downloaded = %d, want 4", marker.DownloadPhase.FilesDownloaded)
	}
}

// Downloading a new snapshot must keep the metadata entries for prior
// versions, since the retention cleanup discovers stale versions through
// that metadata.
func TestDownloadSnapshotPreservesPriorVersionMetadata(t *testing.T) {
	fixture := newSnapshotFixture(downloadTestVersion)
	server := fixture.server(t)
	defer server.Close()

	root := t.TempDir()
	ds := newTestDownloadService(t, server.URL+"/", root)

	const priorVersion = "20980101"
	priorMetadata := models.DownloadMetadata{}
	seedVersion(t, root, priorVersion, priorMetadata)
	if err := priorMetadata.Save(root); err != nil {
		t.Fatal(err)
	}

	marker := models.NewStateMarker(downloadTestVersion)
	_, err := ds.DownloadSnapshot(
		context.Background(),
		downloadTestVersion,
		remoteFilesFor(downloadTestVersion),
		marker,
		models.MarkerPath(root, downloadTestVersion),
	)
	if err != nil {
		t.Fatalf("DownloadSnapshot() error = %v", err)
	}

	metadata := models.LoadDownloadMetadata(root, ds.log)
	versions := metadata.Versions()
	if fmt.Sprint(versions) != fmt.Sprintf("[%s %s]", downloadTestVersion, priorVersion) {
		t.Fatalf("metadata versions = %v, want both snapshots", versions)
	}

	// The prior version is now discoverable as stale
	cleanup := NewFileCleanupService(config.Config{DiscogsRoot: root, CleanupKeepVersions: 1})
	if err := cleanup.CleanupOldVersions(context.Background()); err != nil {
		t.Fatalf("CleanupOldVersions() error = %v", err)
	}
	for _, name := range models.SnapshotFiles(priorVersion) {
		if _, err := os.Stat(filepath.Join(root, name)); !os.IsNotExist(err) {
			t.Errorf("stale file %s still on disk", name)
		}
	}
	for _, name := range models.SnapshotDataFiles(downloadTestVersion) {
		if _, err := os.Stat(filepath.Join(root, name)); err != nil {
			t.Errorf("current file %s missing after cleanup: %v", name, err)
		}
	}
}

func TestDownloadSnapshotChecksumMismatch(t *testing.T) {
	fixture := newSnapshotFixture(downloadTestVersion)

	// Corrupt the manifest entry for one data file
	corrupted := models.SnapshotDataFiles(downloadTestVersion)[1]
	fixture.manifest = strings.Replace(
		fixture.manifest,
		sha256Hex(fixture.files[corrupted]),
		strings.Repeat("0", 64),
		1,
	)
	fixture.files[models.ChecksumFilename(downloadTestVersion)] = []byte(fixture.manifest)

	server := fixture.server(t)
	defer server.Close()

	root := t.TempDir()
	ds := newTestDownloadService(t, server.URL+"/", root)

	marker := models.NewStateMarker(downloadTestVersion)
	markerPath := models.MarkerPath(root, downloadTestVersion)

	_, err := ds.DownloadSnapshot(
		context.Background(),
		downloadTestVersion,
		remoteFilesFor(downloadTestVersion),
		marker,
		markerPath,
	)
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("DownloadSnapshot() error = %v, want ErrChecksum", err)
	}

	if marker.DownloadPhase.Status != models.PhaseFailed {
		t.Errorf("download phase = %s, want %s", marker.DownloadPhase.Status, models.PhaseFailed)
	}
	if len(marker.DownloadPhase.Errors) == 0 {
		t.Error("failed download should record an error")
	}
}

func TestParseChecksumManifest(t *testing.T) {
	root := t.TempDir()
	ds := newTestDownloadService(t, "http://unused/", root)

	path := filepath.Join(root, "CHECKSUM.txt")
	content := strings.Join([]string{
		"# comment line",
		"",
		"abc123  discogs_20990101_artists.xml.gz",
		"malformed-line-without-filename",
		"def456  discogs_20990101_labels.xml.gz",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	checksums, err := ds.ParseChecksumManifest(path)
	if err != nil {
		t.Fatalf("ParseChecksumManifest() error = %v", err)
	}

	if len(checksums) != 2 {
		t.Fatalf("parsed %d entries, want 2", len(checksums))
	}
	if checksums["discogs_20990101_artists.xml.gz"] != "abc123" {
		t.Errorf("wrong checksum for artists file")
	}
}

func TestParseChecksumManifestEmpty(t *testing.T) {
	root := t.TempDir()
	ds := newTestDownloadService(t, "http://unused/", root)

	path := filepath.Join(root, "CHECKSUM.txt")
	if err := os.WriteFile(path, []byte("# only comments\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := ds.ParseChecksumManifest(path); err == nil {
		t.Fatal("expected error for empty manifest")
	}
}

func TestBuildDownloadURL(t *testing.T) {
	got := buildDownloadURL("https://data.discogs.com/", "data/2099/discogs_20990101_artists.xml.gz")
	want := "https://data.discogs.com/?download=" +
		url.QueryEscape("data/2099/discogs_20990101_artists.xml.gz")
	if got != want {
		t.Errorf("buildDownloadURL() = %s, want %s", got, want)
	}
}
