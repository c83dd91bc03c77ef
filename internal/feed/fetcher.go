// Package feed paginates a blog's post feed and classifies the blog's
// accessibility from the responses.
package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// The platform caps a feed page at 150 entries regardless of max-results.
const pageSize = 150

// Status classifies a blog after walking its post feed.
type Status int

const (
	StatusAccessible Status = iota
	StatusNotFound
	StatusPrivate
	StatusOtherError
	StatusTooManyPosts
	StatusNoEntries
)

func (s Status) String() string {
	switch s {
	case StatusAccessible:
		return "accessible"
	case StatusNotFound:
		return "not_found"
	case StatusPrivate:
		return "private"
	case StatusOtherError:
		return "other_error"
	case StatusTooManyPosts:
		return "too_many_posts"
	case StatusNoEntries:
		return "no_entries"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the outcome of classifying one blog. Posts is populated only
// for StatusAccessible, in the feed's natural order.
type Result struct {
	Status Status
	Posts  []string
}

// Fetcher walks a blog's paginated post feed.
type Fetcher struct {
	client   *http.Client
	attempts int
	retryGap time.Duration
	sleep    func(time.Duration)
}

// New creates a Fetcher using the given HTTP client.
func New(client *http.Client) *Fetcher {
	return &Fetcher{
		client:   client,
		attempts: 3,
		retryGap: 2 * time.Second,
		sleep:    time.Sleep,
	}
}

type feedPage struct {
	Feed *struct {
		Entry []struct {
			Link []struct {
				Href string `json:"href"`
			} `json:"link"`
		} `json:"entry"`
	} `json:"feed"`
}

// Fetch pages through blogURL's post feed and returns the classification.
// exclusionLimit caps the number of posts before the blog is declared too
// large; zero disables the cap.
func (f *Fetcher) Fetch(ctx context.Context, blogURL string, exclusionLimit int) Result {
	var posts []string

	for page := 0; ; page++ {
		index := page*pageSize + 1
		if exclusionLimit > 0 && index > exclusionLimit {
			log.Info().
				Str("blog", blogURL).
				Int("limit", exclusionLimit).
				Msg("Blog exceeds exclusion limit")
			return Result{Status: StatusTooManyPosts}
		}

		pageURL := fmt.Sprintf("%s/feeds/posts/default?max-results=%d&alt=json&start-index=%d", blogURL, pageSize, index)
		body, status, ok := f.fetchPage(ctx, pageURL)

		switch {
		case !ok, status == http.StatusNotFound:
			return Result{Status: StatusNotFound}
		case status == http.StatusUnauthorized:
			return Result{Status: StatusPrivate}
		case status != http.StatusOK:
			return Result{Status: StatusOtherError}
		}

		var parsed feedPage
		if err := json.Unmarshal(body, &parsed); err != nil {
			// Soft-blocked feeds come back as HTML; treat as an
			// exclusion signal rather than retrying forever.
			log.Warn().
				Str("blog", blogURL).
				Err(err).
				Msg("Feed page is not JSON, marking as exclusion")
			return Result{Status: StatusTooManyPosts}
		}

		if parsed.Feed == nil || parsed.Feed.Entry == nil {
			if page == 0 {
				return Result{Status: StatusNoEntries}
			}
			return Result{Status: StatusAccessible, Posts: posts}
		}

		for _, entry := range parsed.Feed.Entry {
			if len(entry.Link) == 0 {
				continue
			}
			// The canonical post URL is the last link of each entry.
			posts = append(posts, entry.Link[len(entry.Link)-1].Href)
		}

		if len(parsed.Feed.Entry) != pageSize {
			return Result{Status: StatusAccessible, Posts: posts}
		}
	}
}

// fetchPage tries a feed page up to f.attempts times with a gap between
// failed tries. ok is false only when no response at all was obtained.
func (f *Fetcher) fetchPage(ctx context.Context, pageURL string) (body []byte, status int, ok bool) {
	for attempt := 1; attempt <= f.attempts; attempt++ {
		log.Debug().
			Int("attempt", attempt).
			Str("url", pageURL).
			Msg("Fetching feed page")

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return nil, 0, false
		}
		resp, err := f.client.Do(req)
		if err != nil {
			f.sleep(f.retryGap)
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		status, ok = resp.StatusCode, true
		if resp.StatusCode == http.StatusOK {
			if readErr != nil {
				f.sleep(f.retryGap)
				continue
			}
			return data, status, true
		}
		body = data
		f.sleep(f.retryGap)
	}
	return body, status, ok
}
