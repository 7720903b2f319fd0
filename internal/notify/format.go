package notify

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/ppiankov/changebell/internal/source"
)

// AppName prefixes the notifications changebell sends about itself.
const AppName = "changebell"

const (
	maxChangeLines    = 2
	maxChangeRunes    = 100
	maxBlogTitleRunes = 150
	changelogAction   = "View on GitHub"
	blogAction        = "View Post"
	errorBody         = "Failed to check for updates. Please check your internet connection."
	testBody          = "Notification test successful! The app is working correctly."
	untitledBlogPost  = "Untitled"
)

// ChangelogRequest formats a "new version" notification. The click target
// is the changelog page.
func ChangelogRequest(label string, entry source.ChangelogEntry, webURL string, sound bool) Request {
	return Request{
		Title:       fmt.Sprintf("%s %s Released!", label, entry.Version),
		Body:        ChangelogBody(entry),
		URL:         webURL,
		Sound:       sound,
		ActionLabel: changelogAction,
		Tags:        []string{AppName, "changelog"},
	}
}

// ChangelogBody joins the first two changes, each cut to 100 characters,
// and mentions how many more there are.
func ChangelogBody(entry source.ChangelogEntry) string {
	if len(entry.Changes) == 0 {
		return fmt.Sprintf("New version %s is available. Check the changelog for details.", entry.Version)
	}

	n := min(len(entry.Changes), maxChangeLines)
	lines := make([]string, 0, n)
	for _, c := range entry.Changes[:n] {
		short, _ := truncateRunes(c, maxChangeRunes)
		lines = append(lines, short)
	}
	body := strings.Join(lines, "; ")
	if extra := len(entry.Changes) - maxChangeLines; extra > 0 {
		body += fmt.Sprintf(" ... and %d more changes", extra)
	}
	return body
}

// BlogRequest formats a "feed updated" notification. The click target is the
// item link, or the source web page when the item has none.
func BlogRequest(label string, item source.ContentItem, webURL string, sound bool) Request {
	url := item.Link
	if url == "" {
		url = webURL
	}
	return Request{
		Title:       label + " Updated!",
		Body:        BlogBody(item),
		URL:         url,
		Sound:       sound,
		ActionLabel: blogAction,
		Tags:        []string{AppName, "blog"},
	}
}

// BlogBody is the item title, cut to 150 characters with an ellipsis.
func BlogBody(item source.ContentItem) string {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		return untitledBlogPost
	}
	if short, cut := truncateRunes(title, maxBlogTitleRunes); cut {
		return short + "..."
	}
	return title
}

// ErrorRequest is the single notification sent when a whole cycle failed.
func ErrorRequest() Request {
	return Request{
		Title: AppName + " Error",
		Body:  errorBody,
		Tags:  []string{AppName, "error"},
	}
}

// TestRequest is the fixed synthetic notification used to verify delivery.
func TestRequest(sound bool) Request {
	return Request{
		Title: AppName,
		Body:  testBody,
		Sound: sound,
		Tags:  []string{AppName, "test"},
	}
}

// truncateRunes cuts s to n characters counted in NFC form. s is returned
// untouched when it already fits.
func truncateRunes(s string, n int) (string, bool) {
	composed := norm.NFC.String(s)
	if n <= 0 {
		return "", composed != ""
	}
	count := 0
	for i := range composed {
		if count == n {
			return composed[:i], true
		}
		count++
	}
	return s, false
}
