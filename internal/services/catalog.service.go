package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"time"

	"shellac/config"
	"shellac/internal/models"

	logger "github.com/Bparsons0904/goLogger"
)

// ErrCatalogParse marks an unparseable publisher listing. Network errors
// propagate as-is; the orchestrator retries either on the next periodic tick.
var ErrCatalogParse = errors.New("catalog parse error")

var (
	yearPattern = regexp.MustCompile(`href="\?prefix=data%2F(\d{4})%2F"`)
	filePattern = regexp.MustCompile(`\?download=data%2F\d{4}%2F(discogs_(\d{8})_[^"]+)`)
)

// CatalogService discovers available snapshot versions by scraping the
// publisher's HTML listing: the root page for year directories, then the two
// most recent years for per-file download links.
type CatalogService struct {
	config     config.Config
	baseURL    string
	httpClient *http.Client
	log        logger.Logger
}

func NewCatalogService(cfg config.Config) *CatalogService {
	return &CatalogService{
		config:  cfg,
		baseURL: DiscogsBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logger.New("catalogService"),
	}
}

// ScrapeFileList returns every discovered snapshot version mapped to its
// remote files.
func (cs *CatalogService) ScrapeFileList(ctx context.Context) (map[string][]models.RemoteFile, error) {
	log := cs.log.Function("ScrapeFileList")

	rootHTML, err := cs.fetch(ctx, cs.baseURL)
	if err != nil {
		return nil, log.Err("failed to fetch catalog root", err)
	}

	yearMatches := yearPattern.FindAllStringSubmatch(rootHTML, -1)
	if len(yearMatches) == 0 {
		return nil, log.Err(
			"no year directories found in catalog listing",
			ErrCatalogParse,
		)
	}

	years := make([]string, 0, len(yearMatches))
	seen := make(map[string]bool)
	for _, match := range yearMatches {
		if !seen[match[1]] {
			seen[match[1]] = true
			years = append(years, match[1])
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(years)))
	log.Info("Found year directories", "count", len(years))

	// Only the two most recent years can hold the latest snapshot
	if len(years) > 2 {
		years = years[:2]
	}

	versions := make(map[string][]models.RemoteFile)
	seenFiles := make(map[string]bool)
	for _, year := range years {
		yearURL := fmt.Sprintf("%s?prefix=data%%2F%s%%2F", cs.baseURL, year)
		yearHTML, err := cs.fetch(ctx, yearURL)
		if err != nil {
			log.Warn("Failed to fetch year directory", "year", year, "error", err)
			continue
		}

		matches := filePattern.FindAllStringSubmatch(yearHTML, -1)
		for _, match := range matches {
			filename, err := url.QueryUnescape(match[1])
			if err != nil {
				log.Warn("Skipping undecodable filename", "raw", match[1], "error", err)
				continue
			}
			version := match[2]

			// Listings can repeat a link; count each file once per version
			if seenFiles[version+"/"+filename] {
				continue
			}
			seenFiles[version+"/"+filename] = true

			versions[version] = append(versions[version], models.RemoteFile{
				Key:     fmt.Sprintf("data/%s/%s", year, filename),
				Name:    filename,
				Version: version,
			})
		}

		if len(matches) > 0 {
			log.Info("Found files in year directory", "year", year, "count", len(matches))
		}
	}

	if len(versions) == 0 {
		return nil, log.Err("no files found in catalog listing", ErrCatalogParse)
	}

	log.Info("Discovered snapshot versions", "count", len(versions))
	return versions, nil
}

// LatestVersion returns the greatest version whose file set is complete:
// four data files plus the checksum manifest.
func (cs *CatalogService) LatestVersion(ctx context.Context) (string, []models.RemoteFile, error) {
	log := cs.log.Function("LatestVersion")

	versions, err := cs.ScrapeFileList(ctx)
	if err != nil {
		return "", nil, err
	}

	ordered := make([]string, 0, len(versions))
	for version := range versions {
		ordered = append(ordered, version)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(ordered)))

	for _, version := range ordered {
		if complete(version, versions[version]) {
			log.Info("Selected snapshot version", "version", version)
			return version, versions[version], nil
		}
		log.Debug("Skipping incomplete version", "version", version, "files", len(versions[version]))
	}

	return "", nil, log.Err(
		"no complete snapshot version found",
		ErrCatalogParse,
	)
}

func complete(version string, files []models.RemoteFile) bool {
	required := models.SnapshotFiles(version)
	if len(files) != len(required) {
		return false
	}

	present := make(map[string]bool, len(files))
	for _, file := range files {
		present[file.Name] = true
	}
	for _, name := range required {
		if !present[name] {
			return false
		}
	}
	return true
}

// DownloadURL builds the publisher's proxy download URL for a remote key.
func DownloadURL(key string) string {
	return buildDownloadURL(DiscogsBaseURL, key)
}

func (cs *CatalogService) fetch(ctx context.Context, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", DiscogsUserAgent)

	resp, err := cs.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d for %s", resp.StatusCode, target)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	return string(body), nil
}
