package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"shellac/config"
)

func catalogFixture(t *testing.T, versions map[string][]string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		if prefix == "" {
			// Root listing: year directories
			fmt.Fprint(w, `<html><a href="?prefix=data%2F2025%2F">2025/</a>`)
			fmt.Fprint(w, `<a href="?prefix=data%2F2026%2F">2026/</a></html>`)
			return
		}

		// Year listing: download links for every version routed to this year
		for version, files := range versions {
			for _, file := range files {
				fmt.Fprintf(w, `<a href="?download=data%%2F2026%%2F%s">%s</a>`, file, file)
			}
			_ = version
		}
	}))

	t.Cleanup(server.Close)
	return server
}

func fullFileSet(version string) []string {
	return []string{
		fmt.Sprintf("discogs_%s_CHECKSUM.txt", version),
		fmt.Sprintf("discogs_%s_artists.xml.gz", version),
		fmt.Sprintf("discogs_%s_labels.xml.gz", version),
		fmt.Sprintf("discogs_%s_masters.xml.gz", version),
		fmt.Sprintf("discogs_%s_releases.xml.gz", version),
	}
}

func TestLatestVersionPicksGreatestCompleteSet(t *testing.T) {
	server := catalogFixture(t, map[string][]string{
		"20990101": fullFileSet("20990101"),
		// Newer version but missing releases, must be skipped
		"20990201": fullFileSet("20990201")[:4],
	})

	cs := NewCatalogService(config.Config{})
	cs.baseURL = server.URL + "/"

	version, files, err := cs.LatestVersion(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != "20990101" {
		t.Errorf("expected version 20990101, got %s", version)
	}
	if len(files) != 5 {
		t.Errorf("expected 5 files, got %d", len(files))
	}

	for _, file := range files {
		if file.Version != "20990101" {
			t.Errorf("file %s carries wrong version %s", file.Name, file.Version)
		}
		if file.Key != "data/2026/"+file.Name {
			t.Errorf("unexpected remote key %s", file.Key)
		}
	}
}

// Both scraped year pages serve the same links, so every file appears twice;
// each must be counted once or the completeness check rejects the version.
func TestScrapeFileListDeduplicatesListings(t *testing.T) {
	server := catalogFixture(t, map[string][]string{
		"20990101": fullFileSet("20990101"),
	})

	cs := NewCatalogService(config.Config{})
	cs.baseURL = server.URL + "/"

	versions, err := cs.ScrapeFileList(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(versions["20990101"]) != 5 {
		t.Errorf("expected 5 unique files, got %d", len(versions["20990101"]))
	}

	names := make(map[string]int)
	for _, file := range versions["20990101"] {
		names[file.Name]++
	}
	for name, count := range names {
		if count != 1 {
			t.Errorf("file %s listed %d times", name, count)
		}
	}
}

func TestLatestVersionNoCompleteSet(t *testing.T) {
	server := catalogFixture(t, map[string][]string{
		"20990101": {"discogs_20990101_artists.xml.gz"},
	})

	cs := NewCatalogService(config.Config{})
	cs.baseURL = server.URL + "/"

	if _, _, err := cs.LatestVersion(context.Background()); !errors.Is(err, ErrCatalogParse) {
		t.Errorf("expected ErrCatalogParse, got %v", err)
	}
}

func TestScrapeFileListUnparseableListing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<html>maintenance page</html>")
	}))
	t.Cleanup(server.Close)

	cs := NewCatalogService(config.Config{})
	cs.baseURL = server.URL + "/"

	if _, err := cs.ScrapeFileList(context.Background()); !errors.Is(err, ErrCatalogParse) {
		t.Errorf("expected ErrCatalogParse, got %v", err)
	}
}

func TestScrapeFileListNetworkError(t *testing.T) {
	cs := NewCatalogService(config.Config{})
	cs.baseURL = "http://127.0.0.1:1/" // nothing listens here

	if _, err := cs.ScrapeFileList(context.Background()); err == nil {
		t.Error("expected network error to propagate")
	}
}

func TestDownloadURL(t *testing.T) {
	got := DownloadURL("data/2026/discogs_20990101_artists.xml.gz")
	expected := DiscogsBaseURL + "?download=data%2F2026%2Fdiscogs_20990101_artists.xml.gz"
	if got != expected {
		t.Errorf("DownloadURL = %s, expected %s", got, expected)
	}
}
