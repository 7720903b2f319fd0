package source

import (
	"context"
	"strings"
	"time"
)

// ContentItem is one entry of a monitored source, newest first in fetch results.
type ContentItem struct {
	Title       string
	Link        string
	Published   time.Time
	GUID        string // stable identity used for novelty decisions
	Description string
	Author      string
}

// ChangelogEntry is one version section of a changelog document.
type ChangelogEntry struct {
	Version  string
	Changes  []string
	Date     string
	Revision string // commit SHA of the changelog file the entry was read from
}

// Item projects the entry onto a ContentItem keyed by the changelog revision.
func (e ChangelogEntry) Item() ContentItem {
	item := ContentItem{
		Title:       e.Version,
		GUID:        e.Revision,
		Description: strings.Join(e.Changes, "\n"),
	}
	if t, err := time.Parse("2006-01-02", e.Date); err == nil {
		item.Published = t
	}
	return item
}

// FeedFetcher returns the items of an RSS/Atom feed in feed order.
type FeedFetcher interface {
	FetchFeed(ctx context.Context, feedURL string) ([]ContentItem, error)
}

// ChangelogFetcher returns changelog entries, newest first.
type ChangelogFetcher interface {
	FetchChangelog(ctx context.Context) ([]ChangelogEntry, error)
	WebURL() string
}
