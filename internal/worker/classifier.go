// Package worker drives the batch lifecycle: request a batch from the
// coordinator, classify and download each of its blogs, finalise and upload
// the artifact, and report terminal status.
package worker

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/blogvault/archive-worker/internal/comments"
	"github.com/blogvault/archive-worker/internal/coordinator"
	"github.com/blogvault/archive-worker/internal/feed"
	"github.com/blogvault/archive-worker/internal/pool"
)

// Version is the worker protocol version stamped on every blog record and
// upload.
const Version = 3

// Blog status tags written to the batch artifact.
const (
	statusAccessible  = "a"
	statusDeleted     = "d"
	statusPrivate     = "p"
	statusExcluded    = "e"
	statusInvestigate = "__i"
)

// Coordinator is the subset of coordinator.Client the batch lifecycle needs.
type Coordinator interface {
	GetBatch(ctx context.Context, workerID string) (*coordinator.Batch, error)
	UpdateStatus(ctx context.Context, workerID string, batchID, randomKey int64, status string)
	SubmitExclusion(ctx context.Context, workerID string, batchID, randomKey int64, blog string)
	SubmitPrivate(ctx context.Context, workerID string, batchID, randomKey int64, blog string)
	SubmitDeleted(ctx context.Context, workerID string, batchID, randomKey int64, blog string)
	SubmitDomain(ctx context.Context, workerID string, batchID, randomKey int64, blog, domain string)
}

// BlogSink receives blog records; implemented by batch.File.
type BlogSink interface {
	StartBlog(workerVersion int, name, domain, status string, firstBlog bool) error
	AddBlogPost(url string, commentTree any, firstPost bool) error
	EndBlog() error
}

// FeedLister classifies a blog from its post feed; implemented by
// feed.Fetcher.
type FeedLister interface {
	Fetch(ctx context.Context, blogURL string, exclusionLimit int) feed.Result
}

// Classifier resolves one blog at a time into a terminal batch record,
// downloading its posts when the blog is accessible.
type Classifier struct {
	coord    Coordinator
	feeds    FeedLister
	workerID string

	// runPool is swappable so tests can observe dispatch without running
	// a live download pool.
	runPool func(ctx context.Context, posts []string, sink pool.PostSink, fileName string) int
}

// NewClassifier wires a classifier whose accessible blogs are drained by a
// fresh download pool of poolWorkers workers each.
func NewClassifier(coord Coordinator, feeds FeedLister, fetcher comments.Fetcher, workerID string, poolWorkers int) *Classifier {
	return &Classifier{
		coord:    coord,
		feeds:    feeds,
		workerID: workerID,
		runPool: func(ctx context.Context, posts []string, sink pool.PostSink, fileName string) int {
			p := pool.New(posts, sink, fetcher, pool.Config{
				WorkerCount: poolWorkers,
				FileName:    fileName,
			})
			p.Run(ctx)
			return p.PostsFinished()
		},
	}
}

// DownloadBlog classifies blogName, reports it to the coordinator where the
// status calls for it, and writes its record to the sink. Returns the number
// of posts stored.
func (c *Classifier) DownloadBlog(ctx context.Context, b *coordinator.Batch, blogName string, firstBlog bool, sink BlogSink, fileName string) (int, error) {
	blogURL := "https://" + blogName + ".blogspot.com"
	blogDomain := blogName + ".blogspot.com"

	log.Info().
		Str("blog", blogName).
		Int64("batch_id", b.ID).
		Msg("Downloading blog")

	res := c.feeds.Fetch(ctx, blogURL, b.ExclusionLimit)

	switch res.Status {
	case feed.StatusNotFound:
		log.Info().Str("blog", blogName).Int64("batch_id", b.ID).Msg("Marking blog as deleted")
		c.coord.SubmitDeleted(ctx, c.workerID, b.ID, b.RandomKey, blogName)
		return 0, writeRecord(sink, blogName, blogDomain, statusDeleted, firstBlog)

	case feed.StatusPrivate:
		log.Info().Str("blog", blogName).Int64("batch_id", b.ID).Msg("Marking blog as private")
		c.coord.SubmitPrivate(ctx, c.workerID, b.ID, b.RandomKey, blogName)
		return 0, writeRecord(sink, blogName, blogDomain, statusPrivate, firstBlog)

	case feed.StatusOtherError, feed.StatusTooManyPosts:
		if b.Type == coordinator.BatchTypeDomain {
			// Domain batches are re-checks; leave the decision to a human.
			log.Info().Str("blog", blogName).Int64("batch_id", b.ID).Msg("Marking blog for investigation")
			return 0, writeRecord(sink, blogName, blogDomain, statusInvestigate, firstBlog)
		}
		log.Info().Str("blog", blogName).Int64("batch_id", b.ID).Msg("Marking blog as exclusion")
		c.coord.SubmitExclusion(ctx, c.workerID, b.ID, b.RandomKey, blogName)
		return 0, writeRecord(sink, blogName, blogDomain, statusExcluded, firstBlog)

	case feed.StatusNoEntries:
		log.Info().Str("blog", blogName).Int64("batch_id", b.ID).Msg("Blog has no posts")
		return 0, writeRecord(sink, blogName, blogDomain, statusAccessible, firstBlog)
	}

	posts := normalisePostURLs(res.Posts, blogName)
	if len(posts) == 0 {
		return 0, writeRecord(sink, blogName, blogDomain, statusAccessible, firstBlog)
	}

	canonical := canonicalDomain(posts[0], blogDomain)
	if canonical != blogDomain {
		log.Info().
			Str("blog", blogName).
			Str("domain", canonical).
			Int64("batch_id", b.ID).
			Msg("Marking blog as custom domain")
		c.coord.SubmitDomain(ctx, c.workerID, b.ID, b.RandomKey, blogName, canonical)
	}

	if err := sink.StartBlog(Version, blogName, canonical, statusAccessible, firstBlog); err != nil {
		return 0, err
	}
	stored := c.runPool(ctx, posts, sink, fileName)
	if err := sink.EndBlog(); err != nil {
		return stored, err
	}
	return stored, nil
}

func writeRecord(sink BlogSink, name, domain, status string, firstBlog bool) error {
	if err := sink.StartBlog(Version, name, domain, status, firstBlog); err != nil {
		return fmt.Errorf("start blog record: %w", err)
	}
	if err := sink.EndBlog(); err != nil {
		return fmt.Errorf("end blog record: %w", err)
	}
	return nil
}

// normalisePostURLs repairs the platform's empty-host quirk: feed entries
// occasionally carry "https:///path" URLs, which get the blog's canonical
// blogspot host substituted in.
func normalisePostURLs(posts []string, blogName string) []string {
	fixed := make([]string, len(posts))
	for i, p := range posts {
		if strings.HasPrefix(p, "https:///") {
			p = strings.Replace(p, "https://", "https://"+blogName+".blogspot.com", 1)
		}
		fixed[i] = p
	}
	return fixed
}

// canonicalDomain extracts the host the blog actually serves from, falling
// back to the synthesised blogspot domain when the URL is unparseable.
func canonicalDomain(postURL, fallback string) string {
	u, err := url.Parse(postURL)
	if err != nil || u.Host == "" {
		return fallback
	}
	return u.Host
}
