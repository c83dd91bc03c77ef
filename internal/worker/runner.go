package worker

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"

	"github.com/blogvault/archive-worker/internal/batch"
	"github.com/blogvault/archive-worker/internal/coordinator"
	"github.com/blogvault/archive-worker/internal/domains"
	"github.com/blogvault/archive-worker/internal/notifications"
	"github.com/blogvault/archive-worker/internal/observability"
)

const (
	batchAttempts = 3
	batchSleep    = 10 * time.Second
)

// Uploader ships a finished batch artifact to storage.
type Uploader interface {
	Upload(ctx context.Context, workerID string, batchID, batchKey int64, version int, filePath, fileName string) error
}

// BatchFile is the artifact a runner writes a batch into; implemented by
// batch.File.
type BatchFile interface {
	BlogSink
	EndBatch() error
	Path() string
	Name() string
}

// Runner processes batch assignments in a loop: one batch at a time, up to
// three attempts each, a fresh artifact per attempt.
type Runner struct {
	coord      Coordinator
	classifier *Classifier
	source     *domains.Source
	uploader   Uploader
	notifier   *notifications.Notifier
	outputDir  string
	workerID   string
	name       string

	// Swappable for tests.
	sleep        func(time.Duration)
	exit         func(int)
	newBatchFile func(dir string, batchID int64) (BatchFile, error)
}

// NewRunner wires a batch runner. name distinguishes concurrent runners in
// logs.
func NewRunner(coord Coordinator, classifier *Classifier, source *domains.Source, uploader Uploader, notifier *notifications.Notifier, outputDir, workerID, name string) *Runner {
	return &Runner{
		coord:      coord,
		classifier: classifier,
		source:     source,
		uploader:   uploader,
		notifier:   notifier,
		outputDir:  outputDir,
		workerID:   workerID,
		name:       name,
		sleep:      time.Sleep,
		exit:       os.Exit,
		newBatchFile: func(dir string, batchID int64) (BatchFile, error) {
			return batch.NewFile(dir, batchID)
		},
	}
}

// Run requests and processes batches until ctx is cancelled between batches.
// A cancellation observed mid-batch fails the batch and exits the process.
func (r *Runner) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			log.Info().Str("runner", r.name).Msg("Runner stopping")
			return err
		}

		log.Info().Str("runner", r.name).Msg("Requesting new batch")
		b, err := r.coord.GetBatch(ctx, r.workerID)
		if err != nil {
			log.Warn().Err(err).Str("runner", r.name).Msg("Could not decode batch assignment")
			r.sleep(batchSleep)
			continue
		}

		log.Info().
			Str("runner", r.name).
			Int64("batch_id", b.ID).
			Str("type", b.Type).
			Int("size", b.Size).
			Msg("Received batch")

		done := false
		for attempt := 1; attempt <= batchAttempts; attempt++ {
			if err := r.processBatch(ctx, b); err != nil {
				log.Error().
					Err(err).
					Str("runner", r.name).
					Int64("batch_id", b.ID).
					Int("attempt", attempt).
					Msg("Batch attempt failed")
				sentry.CaptureException(err)
				r.sleep(batchSleep)
				continue
			}
			done = true
			break
		}
		if !done {
			log.Error().
				Str("runner", r.name).
				Int64("batch_id", b.ID).
				Msg("Giving up on batch after repeated failures")
		}
		r.sleep(batchSleep)
	}
}

func (r *Runner) processBatch(ctx context.Context, b *coordinator.Batch) error {
	bf, err := r.newBatchFile(r.outputDir, b.ID)
	if err != nil {
		return err
	}

	posts := 0
	firstBlog := true
	processBlog := func(name string) error {
		// Shutdown is only honoured between blogs so no blog record is
		// ever written half-done.
		if ctx.Err() != nil {
			log.Warn().
				Str("runner", r.name).
				Int64("batch_id", b.ID).
				Msg("Graceful kill observed, failing batch")
			detached := context.WithoutCancel(ctx)
			r.coord.UpdateStatus(detached, r.workerID, b.ID, b.RandomKey, "f")
			r.exit(1)
			return ctx.Err()
		}
		n, err := r.classifier.DownloadBlog(ctx, b, name, firstBlog, bf, bf.Name())
		if err != nil {
			return err
		}
		posts += n
		firstBlog = false
		return nil
	}

	switch b.Type {
	case coordinator.BatchTypeList:
		reader, err := r.source.Open(b.FileOffset)
		if err != nil {
			return err
		}
		defer reader.Close()

		for i := 0; i < b.Size; i++ {
			log.Info().
				Str("runner", r.name).
				Int64("batch_id", b.ID).
				Int("blog", i+1).
				Int("of", b.Size).
				Msg("Batch progress")
			name, err := reader.Next()
			if err != nil {
				return err
			}
			if name == "" {
				log.Info().Str("runner", r.name).Msg("Reached end of domains list")
				continue
			}
			if err := processBlog(name); err != nil {
				return err
			}
		}

	case coordinator.BatchTypeDomain:
		if b.Content == "" {
			return fmt.Errorf("domain batch %d has no blog name", b.ID)
		}
		if err := processBlog(b.Content); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown batch type %q for batch %d", b.Type, b.ID)
	}

	if err := bf.EndBatch(); err != nil {
		return err
	}

	status := "c"
	if err := r.uploader.Upload(ctx, r.workerID, b.ID, b.RandomKey, Version, bf.Path(), bf.Name()); err != nil {
		log.Error().
			Err(err).
			Str("runner", r.name).
			Int64("batch_id", b.ID).
			Msg("Batch upload failed")
		sentry.CaptureException(err)
		status = "f"
	}

	r.coord.UpdateStatus(ctx, r.workerID, b.ID, b.RandomKey, status)
	observability.RecordBatchOutcome(ctx, status)
	r.notifier.BatchFinished(ctx, r.workerID, b.ID, status, posts)

	if err := os.Remove(bf.Path()); err != nil {
		log.Warn().Err(err).Str("file", bf.Path()).Msg("Could not remove batch artifact")
	}
	return nil
}
