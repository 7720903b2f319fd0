// Package dedup decides whether the newest item of a source is new.
package dedup

import (
	"time"

	"github.com/ppiankov/changebell/internal/source"
)

// Kind names what a source is read as.
type Kind string

const (
	KindChangelog Kind = "changelog"
	KindFeed      Kind = "feed"
)

// Source is a monitored endpoint plus its novelty state. LastKnownID is empty
// until the first New item has been handed to the dispatcher.
type Source struct {
	Name   string
	Label  string
	Kind   Kind
	Target string // fetch URL
	WebURL string // fallback link when an item has none

	LastKnownID   string
	LastCheckTime time.Time
}

// ResultKind is the outcome of a novelty decision.
type ResultKind int

const (
	NoItem ResultKind = iota
	Unchanged
	New
)

func (k ResultKind) String() string {
	switch k {
	case NoItem:
		return "no_item"
	case Unchanged:
		return "unchanged"
	case New:
		return "new"
	default:
		return "unknown"
	}
}

// Result carries the item only when Kind is New.
type Result struct {
	Kind ResultKind
	Item *source.ContentItem
}

// Tracker holds no state of its own; the state lives on each Source.
type Tracker struct{}

// Decide compares the newest fetched item against the source's last known ID.
// A source that has never recorded an item treats its first item as new.
// An item without an identity cannot be deduplicated and counts as no item.
func (Tracker) Decide(src Source, latest *source.ContentItem) Result {
	if latest == nil || latest.GUID == "" {
		return Result{Kind: NoItem}
	}
	if src.LastKnownID == "" || src.LastKnownID != latest.GUID {
		item := *latest
		return Result{Kind: New, Item: &item}
	}
	return Result{Kind: Unchanged}
}

// RecordSeen advances the source past guid. Only call it after dispatch of
// the New item was attempted.
func (Tracker) RecordSeen(src *Source, guid string, at time.Time) {
	if src == nil {
		return
	}
	src.LastKnownID = guid
	src.LastCheckTime = at
}

// Touch records a check without changing the known ID.
func (Tracker) Touch(src *Source, at time.Time) {
	if src == nil {
		return
	}
	src.LastCheckTime = at
}
