// Package pool runs the per-blog download pool: N workers draining a shared
// queue of post URLs, with a cooperative pause-and-reset barrier that
// rebuilds the HTTP session after a suspected soft block.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/blogvault/archive-worker/internal/comments"
	"github.com/blogvault/archive-worker/internal/observability"
)

const (
	defaultWorkerCount = 10
	pauseSleep         = 5 * time.Second
	rebuildSleep       = 1 * time.Second
	requeueSleep       = 5 * time.Second
	progressEvery      = 20
)

// PostSink receives each downloaded post. The pool serialises calls under
// its own lock, so implementations need not be reentrant.
type PostSink interface {
	AddBlogPost(url string, commentTree any, firstPost bool) error
}

// Config tunes a Pool. Zero values take defaults.
type Config struct {
	WorkerCount  int
	StartingPost int
	FileName     string // batch file name, for progress lines
}

// Pool drains a queue of post URLs with cooperating workers.
type Pool struct {
	posts   []string
	sink    PostSink
	fetcher comments.Fetcher
	opts    comments.Options

	workerCount  int
	startingPost int
	fileName     string
	runID        string

	session *Session
	started time.Time

	mu                sync.Mutex
	queue             []string
	postsFinished     int
	workersFinished   int
	workersPaused     int
	shouldPause       bool
	restartingSession bool
	logCooldown       int
	rebuilds          int

	sleep func(time.Duration)
	fatal func(error)
}

// New builds a pool over the given posts. The queue is seeded with
// posts[cfg.StartingPost:]; the session is created fresh per pool.
func New(posts []string, sink PostSink, fetcher comments.Fetcher, cfg Config) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}

	p := &Pool{
		posts:        posts,
		sink:         sink,
		fetcher:      fetcher,
		opts:         comments.DefaultOptions(),
		workerCount:  cfg.WorkerCount,
		startingPost: cfg.StartingPost,
		fileName:     cfg.FileName,
		runID:        uuid.New().String()[:8],
		session:      NewSession(),
		sleep:        time.Sleep,
		fatal: func(err error) {
			log.Fatal().Err(err).Msg("Unrecoverable error in post download")
		},
	}

	if cfg.StartingPost < len(posts) {
		p.queue = append(p.queue, posts[cfg.StartingPost:]...)
	}
	return p
}

// Run blocks until every queued post is stored. The only way a URL leaves
// the queue unwritten is process termination.
func (p *Pool) Run(ctx context.Context) {
	p.started = time.Now()

	var wg sync.WaitGroup
	for i := 0; i < p.workerCount; i++ {
		name := fmt.Sprintf("downloader-%02d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, name)
		}()
	}
	wg.Wait()

	p.mu.Lock()
	finished := p.postsFinished
	p.mu.Unlock()
	log.Info().
		Str("run_id", p.runID).
		Int("posts", finished).
		Dur("elapsed", time.Since(p.started)).
		Msg("Pool finished")
}

// PostsFinished reports how many posts were stored so far.
func (p *Pool) PostsFinished() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.postsFinished
}

func (p *Pool) worker(ctx context.Context, name string) {
	downloaded := 0
	paused := false

	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			if paused {
				paused = false
				p.workersPaused--
			}
			p.workersFinished++
			p.mu.Unlock()
			break
		}

		if p.shouldPause || p.startingPost+p.postsFinished >= len(p.posts) {
			if !paused {
				paused = true
				p.workersPaused++
			} else {
				log.Debug().Str("worker", name).Msg("Waiting for all downloaders to pause")
				p.logStatusLocked(name)
			}

			// The last worker to pause owns the session rebuild.
			lastIn := p.shouldPause && !p.restartingSession &&
				p.workersPaused >= p.workerCount-p.workersFinished
			if lastIn {
				p.restartingSession = true
			}
			p.mu.Unlock()

			if lastIn {
				// Give the throttle a moment before coming back.
				p.sleep(rebuildSleep)
				log.Warn().Str("worker", name).Str("run_id", p.runID).Msg("All downloaders paused, restarting session")
				p.session.Rebuild()
				observability.RecordSessionRebuild(ctx)
				p.mu.Lock()
				p.rebuilds++
				p.shouldPause = false
				p.restartingSession = false
				p.logStatusLocked(name)
				p.mu.Unlock()
				continue
			}

			p.sleep(pauseSleep)
			continue
		}

		u := p.queue[len(p.queue)-1]
		p.queue = p.queue[:len(p.queue)-1]
		if paused {
			paused = false
			p.workersPaused--
			log.Info().Str("worker", name).Msg("Resuming from rate limit pause")
			p.logStatusLocked(name)
		}
		p.mu.Unlock()

		if p.downloadPost(ctx, name, u) {
			downloaded++
		}
	}

	log.Info().
		Str("worker", name).
		Int("posts_downloaded", downloaded).
		Msg("Downloader done")
}

// downloadPost fetches one post's comment tree and stores it. Returns true
// on success; failures either requeue the URL or terminate the process.
func (p *Pool) downloadPost(ctx context.Context, name, postURL string) bool {
	start := time.Now()
	tree, err := p.fetcher.Fetch(ctx, p.session.Client(), postURL, p.opts)
	if err != nil {
		var decodeErr *comments.DecodeError
		switch {
		case errors.As(err, &decodeErr):
			observability.RecordPostDownload(ctx, "soft_block", time.Since(start))
			log.Warn().
				Str("worker", name).
				Str("url", postURL).
				Err(err).
				Msg("Paused due to rate limit")
			p.mu.Lock()
			if !p.shouldPause {
				p.shouldPause = true
			}
			p.requeueLocked(name, postURL)
			p.logStatusLocked(name)
			p.mu.Unlock()
		case isTransient(err):
			observability.RecordPostDownload(ctx, "transport_error", time.Since(start))
			log.Warn().
				Str("worker", name).
				Str("file", p.fileName).
				Str("url", postURL).
				Err(err).
				Msg("Request error, requeuing post in 5 seconds")
			p.sleep(requeueSleep)
			p.mu.Lock()
			p.requeueLocked(name, postURL)
			p.mu.Unlock()
		default:
			p.fatal(fmt.Errorf("download %s: %w", postURL, err))
		}
		return false
	}

	// The sink write, the first-post decision and the counter update happen
	// under one lock so the writer sees them as a single step.
	p.mu.Lock()
	firstPost := p.postsFinished == 0
	if err := p.sink.AddBlogPost(postURL, tree, firstPost); err != nil {
		p.mu.Unlock()
		p.fatal(fmt.Errorf("store post %s: %w", postURL, err))
		return false
	}
	p.postsFinished++
	if p.logCooldown >= progressEvery || p.shouldPause || p.restartingSession {
		p.logProgressLocked(name)
		p.logStatusLocked(name)
		p.logCooldown = 0
	} else {
		p.logCooldown++
	}
	p.mu.Unlock()

	observability.RecordPostDownload(ctx, "stored", time.Since(start))
	return true
}

func (p *Pool) requeueLocked(name, postURL string) {
	log.Info().
		Str("worker", name).
		Str("url", postURL).
		Msg("Requeuing post")
	p.queue = append(p.queue, postURL)
}

func (p *Pool) logProgressLocked(name string) {
	log.Info().
		Str("worker", name).
		Str("run_id", p.runID).
		Str("file", p.fileName).
		Str("progress", fmt.Sprintf("%d/%d", p.startingPost+p.postsFinished, len(p.posts))).
		Dur("elapsed", time.Since(p.started)).
		Msg("Download progress")
}

func (p *Pool) logStatusLocked(name string) {
	log.Debug().
		Str("worker", name).
		Int("paused", p.workersPaused).
		Int("finished", p.workersFinished).
		Msg("Downloader status")
}

// isTransient reports whether a fetch failure is worth a local requeue:
// connection resets, timeouts, truncated bodies. Anything else is fatal.
func isTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, context.DeadlineExceeded)
}
