package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
)

const (
	DefaultGitHubAPI = "https://api.github.com"
	DefaultGitHubRaw = "https://raw.githubusercontent.com"
)

// ChangelogConfig locates a changelog file in a GitHub repository.
type ChangelogConfig struct {
	Owner  string
	Repo   string
	Path   string
	Branch string
	Token  string // optional; raises the API rate limit

	APIBase string // defaults to DefaultGitHubAPI
	RawBase string // defaults to DefaultGitHubRaw
}

// ChangelogSource reads a markdown changelog from GitHub. The commit SHA of
// the newest revision touching the file is the revision marker of every entry.
type ChangelogSource struct {
	cfg    ChangelogConfig
	client *http.Client
}

func NewChangelogSource(cfg ChangelogConfig, client *http.Client) (*ChangelogSource, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, errors.New("changelog: owner and repo are required")
	}
	if cfg.Path == "" {
		cfg.Path = "CHANGELOG.md"
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultGitHubAPI
	}
	if cfg.RawBase == "" {
		cfg.RawBase = DefaultGitHubRaw
	}
	cfg.APIBase = strings.TrimRight(cfg.APIBase, "/")
	cfg.RawBase = strings.TrimRight(cfg.RawBase, "/")
	if client == nil {
		client = NewHTTPClient(feedFetchTimeout)
	}
	return &ChangelogSource{cfg: cfg, client: client}, nil
}

// WebURL is the human-facing page of the changelog file.
func (cs *ChangelogSource) WebURL() string {
	return fmt.Sprintf("https://github.com/%s/%s/blob/%s/%s", cs.cfg.Owner, cs.cfg.Repo, cs.cfg.Branch, cs.cfg.Path)
}

// FetchChangelog resolves the latest revision of the file, downloads that
// revision and parses it into entries, newest first.
func (cs *ChangelogSource) FetchChangelog(ctx context.Context) ([]ChangelogEntry, error) {
	sha, err := cs.latestRevision(ctx)
	if err != nil {
		return nil, err
	}

	rawURL := fmt.Sprintf("%s/%s/%s/%s/%s", cs.cfg.RawBase, cs.cfg.Owner, cs.cfg.Repo, sha, cs.cfg.Path)
	var body []byte
	err = withRetry(ctx, func() error {
		var err error
		body, err = getBody(ctx, cs.client, rawURL, cs.authHeader())
		return err
	})
	if err != nil {
		return nil, err
	}

	entries, err := ParseChangelog(body)
	if err != nil {
		return nil, &ParseError{URL: rawURL, Err: err}
	}
	for i := range entries {
		entries[i].Revision = sha
	}
	return entries, nil
}

type commitRef struct {
	SHA string `json:"sha"`
}

func (cs *ChangelogSource) latestRevision(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("path", cs.cfg.Path)
	q.Set("sha", cs.cfg.Branch)
	q.Set("per_page", "1")
	apiURL := fmt.Sprintf("%s/repos/%s/%s/commits?%s", cs.cfg.APIBase, url.PathEscape(cs.cfg.Owner), url.PathEscape(cs.cfg.Repo), q.Encode())

	h := cs.authHeader()
	h.Set("Accept", "application/vnd.github+json")

	var body []byte
	err := withRetry(ctx, func() error {
		var err error
		body, err = getBody(ctx, cs.client, apiURL, h)
		return err
	})
	if err != nil {
		return "", err
	}

	var commits []commitRef
	if err := json.Unmarshal(body, &commits); err != nil {
		return "", &ParseError{URL: apiURL, Err: fmt.Errorf("decode commits: %w", err)}
	}
	if len(commits) == 0 || commits[0].SHA == "" {
		return "", &ParseError{URL: apiURL, Err: fmt.Errorf("no commits touch %s on %s", cs.cfg.Path, cs.cfg.Branch)}
	}
	return commits[0].SHA, nil
}

func (cs *ChangelogSource) authHeader() http.Header {
	h := http.Header{}
	if cs.cfg.Token != "" {
		h.Set("Authorization", "Bearer "+cs.cfg.Token)
	}
	return h
}

var (
	versionHeadingRe = regexp.MustCompile(`^##\s+(.+?)\s*#*\s*$`)
	headingDateRe    = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	bulletRe         = regexp.MustCompile(`^\s*[-*+]\s+(.*)$`)
)

// ParseChangelog splits a markdown changelog into version sections. Each
// "## <version>" heading starts an entry; bullet lines below it are its
// changes. An "Unreleased" section is skipped.
func ParseChangelog(doc []byte) ([]ChangelogEntry, error) {
	if len(bytes.TrimSpace(doc)) == 0 {
		return nil, errors.New("empty changelog")
	}

	var (
		entries []ChangelogEntry
		cur     *ChangelogEntry
		skip    bool
	)
	flush := func() {
		if cur != nil {
			entries = append(entries, *cur)
			cur = nil
		}
	}

	sc := bufio.NewScanner(bytes.NewReader(doc))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), " \t\r")

		if m := versionHeadingRe.FindStringSubmatch(line); m != nil && !strings.HasPrefix(line, "###") {
			flush()
			version, date := splitHeading(m[1])
			skip = version == "" || strings.EqualFold(version, "unreleased")
			if !skip {
				cur = &ChangelogEntry{Version: version, Date: date}
			}
			continue
		}
		if cur == nil || skip {
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if m := bulletRe.FindStringSubmatch(line); m != nil {
			if change := strings.TrimSpace(m[1]); change != "" {
				cur.Changes = append(cur.Changes, change)
			}
			continue
		}
		// Wrapped continuation of the previous bullet.
		if text := strings.TrimSpace(line); text != "" && len(cur.Changes) > 0 && line != text {
			last := len(cur.Changes) - 1
			cur.Changes[last] += " " + text
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan changelog: %w", err)
	}
	flush()

	if len(entries) == 0 {
		return nil, errors.New("no version headings found")
	}
	return entries, nil
}

// splitHeading extracts the version and an optional ISO date from a heading
// such as "[v1.2.3] - 2025-01-31".
func splitHeading(h string) (version, date string) {
	date = headingDateRe.FindString(h)
	fields := strings.Fields(h)
	if len(fields) == 0 {
		return "", date
	}
	version = strings.Trim(fields[0], "[]()")
	if len(version) > 1 && (version[0] == 'v' || version[0] == 'V') && version[1] >= '0' && version[1] <= '9' {
		version = version[1:]
	}
	if version == date {
		version = ""
	}
	return version, date
}
