package rss

import (
	"context"
	"time"
)

// FetchOptions controls feed fetch behavior.
type FetchOptions struct {
	Limit     int
	UserAgent string
	// Attempts is the number of fetch attempts before giving up.
	Attempts int
}

// Item represents a single RSS or Atom entry.
type Item struct {
	ID          string
	Title       string
	Link        string
	Description string
	Content     string
	Author      string
	Categories  []string
	PublishedAt time.Time
}

// HasCategory reports whether the entry is tagged with category.
func (i Item) HasCategory(category string) bool {
	for _, c := range i.Categories {
		if c == category {
			return true
		}
	}
	return false
}

// Fetcher fetches and parses RSS/Atom feeds.
type Fetcher interface {
	Fetch(ctx context.Context, feedURL string, options FetchOptions) ([]Item, error)
}
