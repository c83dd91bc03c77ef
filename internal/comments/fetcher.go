// Package comments fetches the comment tree of a single blog post.
//
// The error taxonomy matters more than the payload here: a response that is
// not the JSON we expect is the platform's soft-block page and surfaces as a
// *DecodeError, which the download pool turns into a cooperative pause.
// Transport-level failures surface as ordinary wrapped errors and are
// retried per URL.
package comments

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Options mirror the fetch flags of the comment endpoint.
type Options struct {
	AllPages        bool
	IncludeReplies  bool
	CommentPlusOnes bool
	ReplyPlusOnes   bool
}

// DefaultOptions fetches everything: all pages, replies and plus-one counts.
func DefaultOptions() Options {
	return Options{AllPages: true, IncludeReplies: true, CommentPlusOnes: true, ReplyPlusOnes: true}
}

// Comment is one comment entry with its plus-one count and, for top-level
// comments, any replies attached.
type Comment struct {
	Entry    json.RawMessage `json:"entry"`
	PlusOnes int             `json:"plus_ones,omitempty"`
	Replies  []Comment       `json:"replies,omitempty"`
}

// DecodeError reports a response that should have been comment JSON but
// was not — the soft-block signal.
type DecodeError struct {
	URL string
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("comments: undecodable response from %s: %v", e.URL, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Fetcher retrieves the full comment tree for a post URL.
type Fetcher interface {
	Fetch(ctx context.Context, client *http.Client, postURL string, opts Options) ([]Comment, error)
}

// FeedFetcher reads comments from the post's comment feed.
type FeedFetcher struct {
	PageSize int
}

// NewFeedFetcher returns a FeedFetcher with the default page size.
func NewFeedFetcher() *FeedFetcher {
	return &FeedFetcher{PageSize: 200}
}

type commentPage struct {
	Feed *struct {
		Entry []json.RawMessage `json:"entry"`
	} `json:"feed"`
}

type commentEntry struct {
	Link []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"link"`
}

// Fetch pages through the post's comment feed, optionally following each
// comment's reply feed, and returns the comment tree.
func (f *FeedFetcher) Fetch(ctx context.Context, client *http.Client, postURL string, opts Options) ([]Comment, error) {
	feedURL, err := commentFeedURL(postURL)
	if err != nil {
		return nil, err
	}

	var comments []Comment
	for index := 1; ; index += f.PageSize {
		pageURL := fmt.Sprintf("%s?alt=json&max-results=%d&start-index=%d", feedURL, f.PageSize, index)
		entries, err := f.fetchEntries(ctx, client, pageURL)
		if err != nil {
			return nil, err
		}

		for _, raw := range entries {
			c := Comment{Entry: raw}
			if opts.CommentPlusOnes {
				c.PlusOnes, err = f.fetchPlusOnes(ctx, client, raw)
				if err != nil {
					return nil, err
				}
			}
			if opts.IncludeReplies {
				c.Replies, err = f.fetchReplies(ctx, client, raw, opts)
				if err != nil {
					return nil, err
				}
			}
			comments = append(comments, c)
		}

		if !opts.AllPages || len(entries) < f.PageSize {
			return comments, nil
		}
	}
}

// fetchEntries downloads one comment feed page. An empty or missing entry
// list is a valid page (posts with no comments), not an error.
func (f *FeedFetcher) fetchEntries(ctx context.Context, client *http.Client, pageURL string) ([]json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build comment request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch comments: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read comments: %w", err)
	}

	// The body is decoded regardless of status: a throttled request comes
	// back 200-or-not with an HTML interstitial, and that page — not the
	// status code — is the signal the pool pauses on.
	var page commentPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, &DecodeError{URL: pageURL, Err: err}
	}
	if page.Feed == nil {
		return nil, &DecodeError{URL: pageURL, Err: fmt.Errorf("response has no feed object")}
	}
	return page.Feed.Entry, nil
}

// fetchReplies follows a comment's reply feed link, when one is present.
func (f *FeedFetcher) fetchReplies(ctx context.Context, client *http.Client, raw json.RawMessage, opts Options) ([]Comment, error) {
	var entry commentEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A comment entry that is not an object at all is the same
		// malformed-payload condition as an undecodable page.
		return nil, &DecodeError{URL: "", Err: err}
	}

	for _, link := range entry.Link {
		if link.Rel != "replies" || link.Href == "" {
			continue
		}
		entries, err := f.fetchEntries(ctx, client, withAltJSON(link.Href))
		if err != nil {
			return nil, err
		}
		replies := make([]Comment, 0, len(entries))
		for _, r := range entries {
			reply := Comment{Entry: r}
			if opts.ReplyPlusOnes {
				reply.PlusOnes, err = f.fetchPlusOnes(ctx, client, r)
				if err != nil {
					return nil, err
				}
			}
			replies = append(replies, reply)
		}
		return replies, nil
	}
	return nil, nil
}

// fetchPlusOnes follows an entry's plus-one link, when one is present.
// Entries without the link count as zero without a request.
func (f *FeedFetcher) fetchPlusOnes(ctx context.Context, client *http.Client, raw json.RawMessage) (int, error) {
	var entry commentEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return 0, &DecodeError{URL: "", Err: err}
	}

	for _, link := range entry.Link {
		if link.Rel != "plusone" || link.Href == "" {
			continue
		}
		countURL := withAltJSON(link.Href)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, countURL, nil)
		if err != nil {
			return 0, fmt.Errorf("build plus-one request: %w", err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return 0, fmt.Errorf("fetch plus-ones: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return 0, fmt.Errorf("read plus-ones: %w", err)
		}

		// Same rule as the comment pages: an undecodable body is the
		// soft-block page, whatever the status code.
		var payload struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return 0, &DecodeError{URL: countURL, Err: err}
		}
		return payload.Count, nil
	}
	return 0, nil
}

func withAltJSON(feedURL string) string {
	if strings.Contains(feedURL, "alt=json") {
		return feedURL
	}
	sep := "?"
	if strings.Contains(feedURL, "?") {
		sep = "&"
	}
	return feedURL + sep + "alt=json"
}

// commentFeedURL maps a post URL to its comment feed: the post's path
// becomes a feeds/comments/default path on the same host.
func commentFeedURL(postURL string) (string, error) {
	u, err := url.Parse(postURL)
	if err != nil {
		return "", fmt.Errorf("parse post URL: %w", err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("post URL %q has no host", postURL)
	}
	path := strings.TrimSuffix(u.Path, "/")
	path = strings.TrimSuffix(path, ".html")
	return fmt.Sprintf("%s://%s%s/feeds/comments/default", u.Scheme, u.Host, path), nil
}
