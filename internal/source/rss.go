package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
)

const (
	feedFetchTimeout = 30 * time.Second
	feedMaxRetries   = 3
	feedMaxBodyBytes = 10 << 20
	untitled         = "Untitled"
)

// UserAgent is sent with every outbound request.
const UserAgent = "Mozilla/5.0 (compatible; changebell/1.0; +https://github.com/ppiankov/changebell)"

// FeedSource fetches RSS/Atom feeds over HTTP.
type FeedSource struct {
	client *http.Client
}

// NewFeedSource returns a feed fetcher. A nil client gets a default one with
// a request timeout and the changebell User-Agent.
func NewFeedSource(client *http.Client) *FeedSource {
	if client == nil {
		client = NewHTTPClient(feedFetchTimeout)
	}
	return &FeedSource{client: client}
}

// NewHTTPClient returns a client that stamps the changebell User-Agent on
// every request.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: &uaTransport{base: http.DefaultTransport},
	}
}

// uaTransport injects a User-Agent header into every request.
type uaTransport struct {
	base http.RoundTripper
}

func (t *uaTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", UserAgent)
	return t.base.RoundTrip(req)
}

// FetchFeed downloads and parses feedURL. Items keep feed order.
func (fs *FeedSource) FetchFeed(ctx context.Context, feedURL string) ([]ContentItem, error) {
	var body []byte
	err := withRetry(ctx, func() error {
		var err error
		body, err = getBody(ctx, fs.client, feedURL, nil)
		return err
	})
	if err != nil {
		return nil, err
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err != nil {
		return nil, &ParseError{URL: feedURL, Err: err}
	}
	return itemsFromFeed(feed), nil
}

// sleepFunc is used for retry backoff delays. Tests override it.
var sleepFunc = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// withRetry runs fn up to feedMaxRetries times, backing off 1s, 2s between
// attempts, as long as the failure is transient.
func withRetry(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := range feedMaxRetries {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryableError(err) {
			return err
		}
		lastErr = err
		if attempt < feedMaxRetries-1 {
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			if serr := sleepFunc(ctx, backoff); serr != nil {
				return lastErr
			}
		}
	}
	return lastErr
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) && fe.StatusCode != 0 {
		return fe.StatusCode == http.StatusTooManyRequests || fe.StatusCode >= 500
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	s := err.Error()
	if strings.Contains(s, "timeout") || strings.Contains(s, "Timeout") {
		return true
	}
	if strings.Contains(s, "connection refused") || strings.Contains(s, "connection reset") || strings.Contains(s, "no such host") {
		return true
	}
	return false
}

// getBody performs a GET and returns the body of a 2xx response. Every
// failure is a *FetchError.
func getBody(ctx context.Context, client *http.Client, rawURL string, header http.Header) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, feedMaxBodyBytes))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Err: fmt.Errorf("read body: %w", err)}
	}
	return body, nil
}

func itemsFromFeed(feed *gofeed.Feed) []ContentItem {
	items := make([]ContentItem, 0, len(feed.Items))
	for _, it := range feed.Items {
		if it == nil {
			continue
		}
		title := strings.TrimSpace(it.Title)
		if title == "" {
			title = untitled
		}
		items = append(items, ContentItem{
			Title:       title,
			Link:        it.Link,
			Published:   itemPublishedTime(it),
			GUID:        itemID(it),
			Description: itemDescription(it),
			Author:      itemAuthor(it),
		})
	}
	return items
}

func itemPublishedTime(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}

// itemID prefers the GUID, then the link. Items with neither are keyed by
// title and publish time so an unchanged feed stays unchanged.
func itemID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	if item.Link != "" {
		return item.Link
	}
	title := strings.TrimSpace(item.Title)
	published := itemPublishedTime(item)
	if title == "" && published.IsZero() {
		return ""
	}
	id := "title:" + title
	if !published.IsZero() {
		id += "@" + published.UTC().Format(time.RFC3339)
	}
	return id
}

func itemAuthor(item *gofeed.Item) string {
	if item.Author != nil && item.Author.Name != "" {
		return item.Author.Name
	}
	for _, a := range item.Authors {
		if a != nil && a.Name != "" {
			return a.Name
		}
	}
	return ""
}

func itemDescription(item *gofeed.Item) string {
	raw := item.Description
	if raw == "" {
		raw = item.Content
	}
	return htmlToText(raw)
}

// htmlToText flattens an HTML fragment to single-spaced plain text.
func htmlToText(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.Join(strings.Fields(s), " ")
	}
	doc.Find("script, style").Remove()
	return strings.Join(strings.Fields(doc.Text()), " ")
}
