package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/finvoice/pipeline/services/ingest-service/internal/db"
	"github.com/finvoice/pipeline/services/ingest-service/internal/ingest"
	"github.com/finvoice/pipeline/services/ingest-service/internal/ocr"
	"github.com/finvoice/pipeline/services/ingest-service/internal/ratelimit"
	"github.com/finvoice/pipeline/services/ingest-service/internal/scanlock"
	"github.com/finvoice/pipeline/services/ingest-service/internal/scanner"
	"github.com/finvoice/pipeline/services/ingest-service/internal/store"
	"github.com/finvoice/pipeline/services/ingest-service/internal/tasks"
)

// pipeline is the fully wired service: every component shares the global
// connection pool and the one dispatcher.
type pipeline struct {
	ingestor    *ingest.Service
	scanner     *scanner.Scanner
	coordinator *scanlock.Coordinator
	checkpoints scanner.CheckpointRepo
	dispatcher  *tasks.Dispatcher
}

func buildPipeline() *pipeline {
	qps := viper.GetInt("ocr.qps_limit")
	limiter := ratelimit.Chain{
		ratelimit.NewShared(db.Pool, qps),
		ratelimit.NewWindow(qps, time.Second),
	}

	gateway := ocr.NewGateway(
		ocr.NewClient(),
		ocr.NewPGResultReuse(db.Pool),
		ocr.NewPGCache(db.Pool),
		limiter,
	)

	blobs := store.New(viper.GetString("storage.dir"))
	repo := ingest.NewPGDocumentRepo(db.Pool)
	ingestor := ingest.NewService(repo, blobs, gateway)

	dispatcher := tasks.NewDispatcher(viper.GetInt("workers.count"), 256)
	ingestor.SetScheduler(&ocrScheduler{
		dispatcher: dispatcher,
		process:    ingestor.ProcessOCR,
		fail:       ingestor.FailOCR,
	})

	checkpoints := scanner.NewPGCheckpointRepo(db.Pool)
	return &pipeline{
		ingestor:    ingestor,
		scanner:     scanner.New(scanner.IMAPDialer{}, scanner.NewPGMessageRepo(db.Pool), checkpoints, ingestor),
		coordinator: scanlock.NewCoordinator(scanlock.NewPGLockStore(db.Pool), time.Hour),
		checkpoints: checkpoints,
		dispatcher:  dispatcher,
	}
}

// ocrScheduler bridges ingestion to the dispatcher. It exists because the
// scheduled task calls back into the service that schedules it.
type ocrScheduler struct {
	dispatcher *tasks.Dispatcher
	process    func(ctx context.Context, docID uuid.UUID) error
	fail       func(ctx context.Context, docID uuid.UUID, reason string) error
}

func (s *ocrScheduler) ScheduleOCR(docID uuid.UUID) {
	s.dispatcher.Submit(tasks.Task{
		Name: fmt.Sprintf("ocr:%s", docID),
		Run: func(ctx context.Context) error {
			return s.process(ctx, docID)
		},
		Retry: tasks.RetryPolicy{
			MaxAttempts: 3,
			Backoff:     tasks.ExponentialBackoff(5*time.Second, time.Minute),
		},
		// Out of retries: the document must not stay mid-recognition.
		// The shutdown-independent context lets the failure land even
		// while the pool is draining.
		OnExhausted: func(err error) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if failErr := s.fail(ctx, docID, err.Error()); failErr != nil {
				log.Printf("tasks: recording final failure for %s: %v", docID, failErr)
			}
		},
	})
}
