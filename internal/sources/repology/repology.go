// Package repology turns a maintainer's per-repository Repology Atom feed
// into package statuses.
package repology

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/bakkerme/repology-notify/internal/core"
	"github.com/bakkerme/repology-notify/internal/sources/rss"
)

const (
	DefaultBaseURL   = "https://repology.org"
	CategoryOutdated = "outdated"
)

var titlePattern = regexp.MustCompile(`^(\S+) (\S+) is outdated by (\S+)$`)

type Config struct {
	BaseURL    string
	Maintainer string
	Repository string
	// FeedURL overrides the URL derived from the maintainer and repository.
	FeedURL   string
	UserAgent string
	Attempts  int
	Limit     int
}

type Source struct {
	logger  *slog.Logger
	fetcher rss.Fetcher
	config  Config
	url     string
}

func New(logger *slog.Logger, fetcher rss.Fetcher, cfg Config) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if fetcher == nil {
		return nil, fmt.Errorf("repology source requires a feed fetcher")
	}
	feedURL := strings.TrimSpace(cfg.FeedURL)
	if feedURL == "" {
		if cfg.Maintainer == "" || cfg.Repository == "" {
			return nil, fmt.Errorf("repology source requires maintainer and repository")
		}
		base := cfg.BaseURL
		if base == "" {
			base = DefaultBaseURL
		}
		feedURL = FeedURL(base, cfg.Maintainer, cfg.Repository)
	}
	return &Source{logger: logger, fetcher: fetcher, config: cfg, url: feedURL}, nil
}

// FeedURL builds the Atom feed URL for one maintainer in one repository.
func FeedURL(base, maintainer, repository string) string {
	return fmt.Sprintf("%s/maintainer/%s/feed-for-repo/%s/atom",
		strings.TrimRight(base, "/"), url.PathEscape(maintainer), url.PathEscape(repository))
}

func (s *Source) Name() string {
	return "repology"
}

func (s *Source) URL() string {
	return s.url
}

// Fetch reads the feed and returns statuses oldest first.
func (s *Source) Fetch(ctx context.Context) ([]core.PackageStatus, error) {
	items, err := s.fetcher.Fetch(ctx, s.url, rss.FetchOptions{
		Limit:     s.config.Limit,
		UserAgent: s.config.UserAgent,
		Attempts:  s.config.Attempts,
	})
	if err != nil {
		return nil, &core.FeedUnavailableError{URL: s.url, Err: err}
	}
	statuses := ParseItems(s.logger, s.config.Repository, items)
	s.logger.Info("repology feed fetched", "url", s.url, "entries", len(items), "statuses", len(statuses))
	return statuses, nil
}

// ParseItems converts newest-first feed entries into statuses in
// chronological order. Outdated entries with titles that do not parse are
// logged and dropped.
func ParseItems(logger *slog.Logger, repository string, items []rss.Item) []core.PackageStatus {
	if logger == nil {
		logger = slog.Default()
	}
	statuses := make([]core.PackageStatus, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		item := items[i]
		status, ok := parseItem(item, repository)
		if !ok {
			logger.Error("could not parse entry title", "title", item.Title, "id", item.ID)
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses
}

func parseItem(item rss.Item, repository string) (core.PackageStatus, bool) {
	status := core.PackageStatus{
		Repository: repository,
		DetailsURL: item.Link,
		Metadata:   metadata(item),
	}

	if !item.HasCategory(CategoryOutdated) {
		fields := strings.Fields(item.Title)
		if len(fields) == 0 {
			return core.PackageStatus{}, false
		}
		status.Name = fields[0]
		if len(fields) > 1 {
			status.CurrentVersions = []string{fields[1]}
		}
		return status, true
	}

	m := titlePattern.FindStringSubmatch(strings.TrimSpace(item.Title))
	if m == nil {
		return core.PackageStatus{}, false
	}
	status.Name = m[1]
	status.CurrentVersions = []string{m[2]}
	status.UpstreamVersion = m[3]
	status.Outdated = true
	return status, true
}

func metadata(item rss.Item) map[string]string {
	meta := map[string]string{}
	if item.ID != "" {
		meta["entry_id"] = item.ID
	}
	if !item.PublishedAt.IsZero() {
		meta["published"] = item.PublishedAt.UTC().Format(time.RFC3339)
	}
	if len(item.Categories) > 0 {
		meta["category"] = strings.Join(item.Categories, ",")
	}
	summary := item.Content
	if summary == "" {
		summary = item.Description
	}
	if md, err := Summary(summary); err == nil && md != "" {
		meta["summary"] = md
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
