package dedup

import (
	"testing"
	"time"

	"github.com/ppiankov/changebell/internal/source"
)

func TestDecide(t *testing.T) {
	item := &source.ContentItem{GUID: "abc", Title: "React 19"}

	tests := []struct {
		name   string
		known  string
		latest *source.ContentItem
		want   ResultKind
	}{
		{"no item", "abc", nil, NoItem},
		{"no item on fresh source", "", nil, NoItem},
		{"first item is new", "", item, New},
		{"different guid is new", "xyz", item, New},
		{"same guid is unchanged", "abc", item, Unchanged},
		{"item without identity", "", &source.ContentItem{Title: "Anonymous"}, NoItem},
		{"item without identity after a known one", "abc", &source.ContentItem{Title: "Anonymous"}, NoItem},
	}

	var tr Tracker
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tr.Decide(Source{Name: "react", LastKnownID: tt.known}, tt.latest)
			if got.Kind != tt.want {
				t.Fatalf("kind = %v, want %v", got.Kind, tt.want)
			}
			if (got.Item != nil) != (tt.want == New) {
				t.Errorf("item presence = %v for kind %v", got.Item != nil, got.Kind)
			}
		})
	}
}

func TestDecide_DoesNotMutate(t *testing.T) {
	var tr Tracker
	src := Source{Name: "react", LastKnownID: "old"}
	latest := &source.ContentItem{GUID: "new"}

	res := tr.Decide(src, latest)
	if src.LastKnownID != "old" {
		t.Error("Decide must not change the source")
	}
	res.Item.Title = "changed"
	if latest.Title != "" {
		t.Error("result item must be a copy")
	}
}

func TestRecordSeenThenUnchanged(t *testing.T) {
	var tr Tracker
	src := &Source{Name: "react"}
	item := &source.ContentItem{GUID: "abc"}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	if tr.Decide(*src, item).Kind != New {
		t.Fatal("first decision should be New")
	}
	tr.RecordSeen(src, item.GUID, now)
	if src.LastKnownID != "abc" || !src.LastCheckTime.Equal(now) {
		t.Fatalf("state = %+v", src)
	}
	if tr.Decide(*src, item).Kind != Unchanged {
		t.Fatal("same item after RecordSeen should be Unchanged")
	}
}

func TestTouch(t *testing.T) {
	var tr Tracker
	src := &Source{LastKnownID: "abc"}
	now := time.Now()

	tr.Touch(src, now)
	if src.LastKnownID != "abc" {
		t.Error("Touch must keep the known id")
	}
	if !src.LastCheckTime.Equal(now) {
		t.Error("Touch must set the check time")
	}

	tr.Touch(nil, now)
	tr.RecordSeen(nil, "x", now)
}

func TestResultKindString(t *testing.T) {
	if New.String() != "new" || Unchanged.String() != "unchanged" || NoItem.String() != "no_item" {
		t.Error("unexpected ResultKind names")
	}
}
