package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blogvault/archive-worker/internal/coordinator"
	"github.com/blogvault/archive-worker/internal/feed"
	"github.com/blogvault/archive-worker/internal/pool"
)

type mockCoordinator struct {
	mu         sync.Mutex
	batches    []*coordinator.Batch
	batchErr   error
	statuses   []string
	deleted    []string
	private    []string
	exclusions []string
	domains    map[string]string
}

func newMockCoordinator(batches ...*coordinator.Batch) *mockCoordinator {
	return &mockCoordinator{batches: batches, domains: make(map[string]string)}
}

func (m *mockCoordinator) GetBatch(ctx context.Context, workerID string) (*coordinator.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.batchErr != nil {
		return nil, m.batchErr
	}
	if len(m.batches) == 0 {
		return nil, fmt.Errorf("no batch scripted")
	}
	b := m.batches[0]
	m.batches = m.batches[1:]
	return b, nil
}

func (m *mockCoordinator) UpdateStatus(ctx context.Context, workerID string, batchID, randomKey int64, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, status)
}

func (m *mockCoordinator) SubmitExclusion(ctx context.Context, workerID string, batchID, randomKey int64, blog string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exclusions = append(m.exclusions, blog)
}

func (m *mockCoordinator) SubmitPrivate(ctx context.Context, workerID string, batchID, randomKey int64, blog string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.private = append(m.private, blog)
}

func (m *mockCoordinator) SubmitDeleted(ctx context.Context, workerID string, batchID, randomKey int64, blog string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, blog)
}

func (m *mockCoordinator) SubmitDomain(ctx context.Context, workerID string, batchID, randomKey int64, blog, domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.domains[blog] = domain
}

// stubFeeds maps blog URL to a canned classification.
type stubFeeds map[string]feed.Result

func (s stubFeeds) Fetch(ctx context.Context, blogURL string, exclusionLimit int) feed.Result {
	res, found := s[blogURL]
	if !found {
		return feed.Result{Status: feed.StatusNotFound}
	}
	return res
}

type blogRecord struct {
	name, domain, status string
	firstBlog            bool
	version              int
	posts                []string
}

// recordSink captures the record sequence without touching disk.
type recordSink struct {
	records []blogRecord
	open    bool
}

func (r *recordSink) StartBlog(workerVersion int, name, domain, status string, firstBlog bool) error {
	if r.open {
		return fmt.Errorf("blog already open")
	}
	r.open = true
	r.records = append(r.records, blogRecord{
		name: name, domain: domain, status: status,
		firstBlog: firstBlog, version: workerVersion,
	})
	return nil
}

func (r *recordSink) AddBlogPost(url string, commentTree any, firstPost bool) error {
	if !r.open {
		return fmt.Errorf("no blog open")
	}
	last := &r.records[len(r.records)-1]
	last.posts = append(last.posts, url)
	return nil
}

func (r *recordSink) EndBlog() error {
	if !r.open {
		return fmt.Errorf("no blog open")
	}
	r.open = false
	return nil
}

func listBatch() *coordinator.Batch {
	return &coordinator.Batch{ID: 10, RandomKey: 99, Type: coordinator.BatchTypeList, Size: 5, ExclusionLimit: 3000}
}

func domainBatch(blog string) *coordinator.Batch {
	return &coordinator.Batch{ID: 11, RandomKey: 98, Type: coordinator.BatchTypeDomain, Content: blog}
}

// stubClassifier builds a Classifier whose pool run just records the queue
// it was handed.
func stubClassifier(coord Coordinator, feeds FeedLister, gotPosts *[]string) *Classifier {
	c := &Classifier{coord: coord, feeds: feeds, workerID: "w1"}
	c.runPool = func(ctx context.Context, posts []string, sink pool.PostSink, fileName string) int {
		*gotPosts = append(*gotPosts, posts...)
		for i, p := range posts {
			sink.AddBlogPost(p, nil, i == 0)
		}
		return len(posts)
	}
	return c
}

func TestDownloadBlogDeleted(t *testing.T) {
	coord := newMockCoordinator()
	feeds := stubFeeds{"https://goneblog.blogspot.com": {Status: feed.StatusNotFound}}
	sink := &recordSink{}
	c := stubClassifier(coord, feeds, &[]string{})

	n, err := c.DownloadBlog(context.Background(), listBatch(), "goneblog", true, sink, "batch_10.json.gz")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, []string{"goneblog"}, coord.deleted)
	require.Len(t, sink.records, 1)
	assert.Equal(t, "d", sink.records[0].status)
	assert.Equal(t, "goneblog.blogspot.com", sink.records[0].domain)
	assert.True(t, sink.records[0].firstBlog)
	assert.Equal(t, Version, sink.records[0].version)
}

func TestDownloadBlogPrivate(t *testing.T) {
	coord := newMockCoordinator()
	feeds := stubFeeds{"https://secretblog.blogspot.com": {Status: feed.StatusPrivate}}
	sink := &recordSink{}
	c := stubClassifier(coord, feeds, &[]string{})

	_, err := c.DownloadBlog(context.Background(), listBatch(), "secretblog", false, sink, "f")
	require.NoError(t, err)
	assert.Equal(t, []string{"secretblog"}, coord.private)
	assert.Equal(t, "p", sink.records[0].status)
	assert.False(t, sink.records[0].firstBlog)
}

func TestDownloadBlogExclusionInListMode(t *testing.T) {
	for _, status := range []feed.Status{feed.StatusOtherError, feed.StatusTooManyPosts} {
		coord := newMockCoordinator()
		feeds := stubFeeds{"https://bigblog.blogspot.com": {Status: status}}
		sink := &recordSink{}
		c := stubClassifier(coord, feeds, &[]string{})

		_, err := c.DownloadBlog(context.Background(), listBatch(), "bigblog", true, sink, "f")
		require.NoError(t, err)
		assert.Equal(t, []string{"bigblog"}, coord.exclusions, "status %v", status)
		assert.Equal(t, "e", sink.records[0].status)
	}
}

func TestDownloadBlogInvestigateInDomainMode(t *testing.T) {
	coord := newMockCoordinator()
	feeds := stubFeeds{"https://oddblog.blogspot.com": {Status: feed.StatusOtherError}}
	sink := &recordSink{}
	c := stubClassifier(coord, feeds, &[]string{})

	_, err := c.DownloadBlog(context.Background(), domainBatch("oddblog"), "oddblog", true, sink, "f")
	require.NoError(t, err)
	assert.Empty(t, coord.exclusions, "domain batches never submit exclusions")
	assert.Equal(t, "__i", sink.records[0].status)
}

func TestDownloadBlogNoEntries(t *testing.T) {
	coord := newMockCoordinator()
	feeds := stubFeeds{"https://emptyblog.blogspot.com": {Status: feed.StatusNoEntries}}
	sink := &recordSink{}
	var pooled []string
	c := stubClassifier(coord, feeds, &pooled)

	n, err := c.DownloadBlog(context.Background(), listBatch(), "emptyblog", true, sink, "f")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "a", sink.records[0].status)
	assert.Empty(t, pooled)
}

func TestDownloadBlogAccessible(t *testing.T) {
	coord := newMockCoordinator()
	feeds := stubFeeds{"https://myblog.blogspot.com": {
		Status: feed.StatusAccessible,
		Posts: []string{
			"https://myblog.blogspot.com/2020/01/one.html",
			"https://myblog.blogspot.com/2020/02/two.html",
		},
	}}
	sink := &recordSink{}
	var pooled []string
	c := stubClassifier(coord, feeds, &pooled)

	n, err := c.DownloadBlog(context.Background(), listBatch(), "myblog", true, sink, "f")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Len(t, pooled, 2)
	assert.Empty(t, coord.domains, "blogspot-hosted blog submits no custom domain")
	require.Len(t, sink.records, 1)
	assert.Equal(t, "a", sink.records[0].status)
	assert.Equal(t, "myblog.blogspot.com", sink.records[0].domain)
	assert.Len(t, sink.records[0].posts, 2)
}

func TestDownloadBlogCustomDomain(t *testing.T) {
	coord := newMockCoordinator()
	feeds := stubFeeds{"https://myblog.blogspot.com": {
		Status: feed.StatusAccessible,
		Posts:  []string{"https://www.example.com/2020/01/one.html"},
	}}
	sink := &recordSink{}
	c := stubClassifier(coord, feeds, &[]string{})

	_, err := c.DownloadBlog(context.Background(), listBatch(), "myblog", true, sink, "f")
	require.NoError(t, err)
	assert.Equal(t, "www.example.com", coord.domains["myblog"])
	assert.Equal(t, "www.example.com", sink.records[0].domain)
}

func TestDownloadBlogRepairsEmptyHostURLs(t *testing.T) {
	coord := newMockCoordinator()
	feeds := stubFeeds{"https://myblog.blogspot.com": {
		Status: feed.StatusAccessible,
		Posts:  []string{"https:///2020/01/one.html"},
	}}
	sink := &recordSink{}
	var pooled []string
	c := stubClassifier(coord, feeds, &pooled)

	_, err := c.DownloadBlog(context.Background(), listBatch(), "myblog", true, sink, "f")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://myblog.blogspot.com/2020/01/one.html"}, pooled)
	assert.Empty(t, coord.domains)
}

func TestNormalisePostURLs(t *testing.T) {
	got := normalisePostURLs([]string{
		"https://myblog.blogspot.com/a.html",
		"https:///b.html",
	}, "myblog")
	assert.Equal(t, []string{
		"https://myblog.blogspot.com/a.html",
		"https://myblog.blogspot.com/b.html",
	}, got)
}
