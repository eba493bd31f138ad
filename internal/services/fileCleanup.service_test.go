package services

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"shellac/config"
	"shellac/internal/models"

	logger "github.com/Bparsons0904/goLogger"
)

func seedVersion(t *testing.T, root, version string, metadata models.DownloadMetadata) {
	t.Helper()

	for _, filename := range models.SnapshotFiles(version) {
		path := filepath.Join(root, filename)
		if err := os.WriteFile(path, []byte("snapshot data"), 0644); err != nil {
			t.Fatal(err)
		}
		metadata[filename] = models.LocalFileInfo{
			Path:     path,
			Checksum: "abc",
			Version:  version,
			Size:     13,
		}
	}

	marker := models.NewStateMarker(version)
	if err := marker.Save(models.MarkerPath(root, version)); err != nil {
		t.Fatal(err)
	}
}

func TestCleanupOldVersions(t *testing.T) {
	root := t.TempDir()
	metadata := models.DownloadMetadata{}
	seedVersion(t, root, "20990101", metadata)
	seedVersion(t, root, "20990201", metadata)
	if err := metadata.Save(root); err != nil {
		t.Fatal(err)
	}

	fcs := NewFileCleanupService(config.Config{
		DiscogsRoot:         root,
		CleanupKeepVersions: 1,
	})

	if err := fcs.CleanupOldVersions(context.Background()); err != nil {
		t.Fatalf("CleanupOldVersions() error = %v", err)
	}

	// Older version gone, files and marker alike
	for _, filename := range models.SnapshotFiles("20990101") {
		if _, err := os.Stat(filepath.Join(root, filename)); !os.IsNotExist(err) {
			t.Errorf("stale file %s still exists", filename)
		}
	}
	if _, err := os.Stat(models.MarkerPath(root, "20990101")); !os.IsNotExist(err) {
		t.Error("stale state marker still exists")
	}

	// Newest version untouched
	for _, filename := range models.SnapshotFiles("20990201") {
		if _, err := os.Stat(filepath.Join(root, filename)); err != nil {
			t.Errorf("kept file %s missing: %v", filename, err)
		}
	}

	rewritten := models.LoadDownloadMetadata(root, logger.New("test"))
	if got := rewritten.Versions(); len(got) != 1 || got[0] != "20990201" {
		t.Errorf("metadata versions = %v, want [20990201]", got)
	}
}

func TestCleanupOldVersionsNothingStale(t *testing.T) {
	root := t.TempDir()
	metadata := models.DownloadMetadata{}
	seedVersion(t, root, "20990201", metadata)
	if err := metadata.Save(root); err != nil {
		t.Fatal(err)
	}

	fcs := NewFileCleanupService(config.Config{
		DiscogsRoot:         root,
		CleanupKeepVersions: 1,
	})

	if err := fcs.CleanupOldVersions(context.Background()); err != nil {
		t.Fatalf("CleanupOldVersions() error = %v", err)
	}

	for _, filename := range models.SnapshotFiles("20990201") {
		if _, err := os.Stat(filepath.Join(root, filename)); err != nil {
			t.Errorf("file %s should survive: %v", filename, err)
		}
	}
}

func TestCleanupOldVersionsMissingDirectory(t *testing.T) {
	fcs := NewFileCleanupService(config.Config{
		DiscogsRoot:         filepath.Join(t.TempDir(), "does-not-exist"),
		CleanupKeepVersions: 1,
	})

	if err := fcs.CleanupOldVersions(context.Background()); err != nil {
		t.Fatalf("missing directory should be a no-op, got %v", err)
	}
}

func TestListStoredFiles(t *testing.T) {
	root := t.TempDir()
	metadata := models.DownloadMetadata{}
	seedVersion(t, root, "20990101", metadata)
	if err := metadata.Save(root); err != nil {
		t.Fatal(err)
	}

	fcs := NewFileCleanupService(config.Config{DiscogsRoot: root})

	files, err := fcs.ListStoredFiles(context.Background())
	if err != nil {
		t.Fatalf("ListStoredFiles() error = %v", err)
	}

	// 5 snapshot files + marker + metadata cache
	if len(files) != 7 {
		t.Errorf("listed %d files, want 7", len(files))
	}

	var versioned int
	for _, file := range files {
		if file.Version == "20990101" {
			versioned++
		}
	}
	if versioned != 5 {
		t.Errorf("files with version = %d, want 5", versioned)
	}
}
