package notify

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNtfyDeliver(t *testing.T) {
	type captured struct {
		header http.Header
		body   string
	}
	got := make(chan captured, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- captured{header: r.Header.Clone(), body: string(b)}
	}))
	defer ts.Close()

	n := NewNtfy(ts.URL, time.Second)
	req := Request{
		Title:       "React Blog Updated!",
		Body:        "React 19",
		URL:         "https://react.dev/blog/19",
		ActionLabel: "View Post",
		Tags:        []string{"changebell", "blog"},
	}
	if err := n.Deliver(context.Background(), req, nil); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	c := <-got
	if c.body != "React 19" {
		t.Errorf("body = %q", c.body)
	}
	checks := map[string]string{
		"Title":    "React Blog Updated!",
		"Tags":     "changebell,blog",
		"Click":    "https://react.dev/blog/19",
		"Actions":  "view, View Post, https://react.dev/blog/19",
		"Priority": "low",
	}
	for k, want := range checks {
		if v := c.header.Get(k); v != want {
			t.Errorf("header %s = %q, want %q", k, v, want)
		}
	}
	if c.header.Get("User-Agent") == "" {
		t.Error("missing User-Agent")
	}
}

func TestNtfyDeliver_ServerError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer ts.Close()

	err := NewNtfy(ts.URL, time.Second).Deliver(context.Background(), Request{Title: "t", Sound: true}, nil)
	if err == nil {
		t.Fatal("expected error for 429")
	}
}

func TestNtfyDeliver_NoTopic(t *testing.T) {
	err := NewNtfy("  ", 0).Deliver(context.Background(), Request{Title: "t"}, nil)
	if !errors.Is(err, ErrNoTopic) {
		t.Fatalf("expected ErrNoTopic, got %v", err)
	}
}
