package importer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/javi11/nzbvault/internal/database"
	"github.com/javi11/nzbvault/internal/events"
	"github.com/javi11/nzbvault/internal/nntp"
	"github.com/javi11/nzbvault/internal/nzb"
	"github.com/javi11/nzbvault/internal/slogutil"
	"github.com/javi11/nzbvault/internal/usenet"
)

// articleClient is what the service needs from the usenet layer.
type articleClient interface {
	usenet.Fetcher
	CheckArticle(ctx context.Context, messageID string, usage usenet.Usage) (bool, error)
}

// ServiceConfig tunes the import worker.
type ServiceConfig struct {
	// BasePath is the virtual directory imports land under.
	BasePath string

	// MaxRetries bounds automatic requeues of transiently failed jobs.
	MaxRetries int

	// VerifySamples enables a STAT probe of each imported file's first
	// article before a job is declared done.
	VerifySamples bool

	// PollInterval is the fallback queue check cadence; the wake channel
	// makes new work start sooner.
	PollInterval time.Duration
}

func (c *ServiceConfig) withDefaults() {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
}

// Service runs the import pipeline: one worker claims jobs and walks them
// through parsing, importing and verifying, then promotes them to history.
// A single worker is deliberate: imports are metadata-bound, and one job at
// a time keeps the segment budget and the pool's queue class predictable.
type Service struct {
	cfg       ServiceConfig
	db        *database.DB
	client    articleClient
	processor *Processor
	bus       *events.Bus
	log       *slog.Logger

	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService wires the import pipeline.
func NewService(cfg ServiceConfig, db *database.DB, client articleClient, bus *events.Bus) *Service {
	cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		db:        db,
		client:    client,
		processor: NewProcessor(client, db.Items, cfg.BasePath),
		bus:       bus,
		log:       slog.Default().With("component", "importer"),
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start recovers jobs stranded by a previous crash and launches the worker.
func (s *Service) Start() error {
	n, err := s.db.Queue.ResetStalled()
	if err != nil {
		return fmt.Errorf("importer: reset stalled jobs: %w", err)
	}
	if n > 0 {
		s.log.Info("Requeued jobs stranded mid-import", "count", n)
	}

	s.wg.Add(1)
	go s.workerLoop()
	return nil
}

// Stop cancels the running job and waits for the worker to exit.
func (s *Service) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Wake nudges the worker without waiting for the poll tick.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Enqueue adds an NZB job to the queue and wakes the worker. The document
// is parsed up front so obviously broken uploads are rejected at the door.
func (s *Service) Enqueue(name, category string, priority database.QueuePriority, paused bool, nzbData []byte) (*database.QueueItem, error) {
	parsed, err := nzb.Parse(bytes.NewReader(nzbData))
	if err != nil {
		return nil, err
	}

	item := &database.QueueItem{
		ID:            newJobID(),
		Name:          sanitizeName(name),
		Category:      category,
		Priority:      priority,
		TotalSize:     parsed.TotalSize,
		SegmentsTotal: parsed.SegmentsCount,
	}
	if paused {
		until := database.PauseForever
		item.PauseUntil = &until
	}
	if err := s.db.Queue.Add(item, nzbData); err != nil {
		return nil, err
	}

	s.log.Info("Queued import job",
		"id", item.ID, "name", item.Name, "category", category,
		"size", item.TotalSize, "segments", item.SegmentsTotal)
	s.bus.Publish(events.Event{Type: events.QueueItemAdded, JobID: item.ID, JobName: item.Name})
	s.Wake()

	return item, nil
}

// Retry moves a history item back into the queue for another attempt.
func (s *Service) Retry(historyID string) (*database.QueueItem, error) {
	item, err := s.db.History.Requeue(historyID)
	if err != nil {
		return nil, err
	}

	s.bus.Publish(events.Event{Type: events.HistoryItemRemoved, JobID: item.ID})
	s.bus.Publish(events.Event{Type: events.QueueItemAdded, JobID: item.ID, JobName: item.Name})
	s.Wake()
	return item, nil
}

func (s *Service) workerLoop() {
	defer s.wg.Done()

	s.log.Info("Import worker started")
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.log.Info("Import worker stopped")
			return
		case <-s.wake:
		case <-ticker.C:
		}

		// Drain the queue before going back to sleep.
		for s.processNext() {
			if s.ctx.Err() != nil {
				return
			}
		}
	}
}

// processNext claims and runs one job. Returns false when the queue is
// empty.
func (s *Service) processNext() bool {
	item, err := s.claimWithRetry()
	if err != nil {
		s.log.Error("Failed to claim next job", "err", err)
		return false
	}
	if item == nil {
		return false
	}

	log := s.log.With("id", item.ID, "name", item.Name)
	log.Info("Import started", "priority", item.Priority, "retry", item.RetryCount)

	result, err := s.runPipeline(item)
	if err != nil {
		s.finishFailed(item, err)
		return true
	}

	storage := result.StoragePath
	promoted, err := s.db.History.Promote(item.ID, database.HistoryStatusCompleted, &storage, nil)
	if err != nil {
		log.Error("Failed to promote completed job", "err", err)
		return true
	}

	log.Info("Import completed",
		"files", len(result.Files), "size", result.TotalSize, "path", result.StoragePath)
	s.bus.Publish(events.Event{Type: events.QueueItemRemoved, JobID: item.ID})
	s.bus.Publish(events.Event{Type: events.HistoryItemAdded, JobID: promoted.ID, JobName: promoted.Name})
	return true
}

// claimWithRetry shields the claim from transient SQLite contention.
func (s *Service) claimWithRetry() (*database.QueueItem, error) {
	const attempts = 5

	var lastErr error
	for i := 0; i < attempts; i++ {
		item, err := s.db.Queue.ClaimNext()
		if err == nil {
			return item, nil
		}
		if !strings.Contains(err.Error(), "database is locked") &&
			!strings.Contains(err.Error(), "database is busy") {
			return nil, err
		}
		lastErr = err
		time.Sleep(time.Duration(i+1) * 10 * time.Millisecond)
	}
	return nil, fmt.Errorf("importer: claim contention: %w", lastErr)
}

func (s *Service) runPipeline(item *database.QueueItem) (*Result, error) {
	nzbData, err := s.db.Queue.NzbContents(item.ID)
	if err != nil {
		return nil, err
	}

	// Parsing done; the heavy lifting starts.
	if err := s.db.Queue.UpdateStatus(item.ID, database.QueueStatusImporting, nil); err != nil {
		return nil, err
	}

	// Log records emitted under this job pick up its id through the
	// context, fetch-path logs included.
	ctx := slogutil.With(s.ctx, "job_id", item.ID)

	result, err := s.processor.Process(ctx, item.Name, item.Category, nzbData, func(done, total int) {
		if err := s.db.Queue.UpdateProgress(item.ID, done, total); err != nil {
			s.log.Warn("Failed to update job progress", "id", item.ID, "err", err)
		}
		pct := 0
		if total > 0 {
			pct = done * 100 / total
		}
		s.bus.Publish(events.Event{Type: events.JobProgress, JobID: item.ID, JobName: item.Name, Progress: pct})
	})
	if err != nil {
		return nil, err
	}

	if s.cfg.VerifySamples {
		if err := s.db.Queue.UpdateStatus(item.ID, database.QueueStatusVerifying, nil); err != nil {
			return nil, err
		}
		s.verify(item, result)
	}

	return result, nil
}

// verify STATs the first article of every imported file. Files whose lead
// article is already gone are flagged corrupted so readers fail fast; the
// job itself still completes, since partial releases are the norm on aged
// posts.
func (s *Service) verify(item *database.QueueItem, result *Result) {
	usage := usenet.Usage{Class: nntp.UsageHealthCheck, JobName: item.Name, Operation: "verify"}

	for _, file := range result.Files {
		if file.IsCorrupted || file.Segments == nil {
			continue
		}
		refs, err := usenet.DecodeSegments(*file.Segments)
		if err != nil || len(refs) == 0 {
			continue
		}

		ok, err := s.client.CheckArticle(s.ctx, refs[0].MessageID, usage)
		if err != nil {
			s.log.Warn("Verification probe failed", "id", item.ID, "file", file.Path, "err", err)
			continue
		}
		if !ok {
			s.log.Warn("Lead article missing, marking file corrupted",
				"id", item.ID, "file", file.Path, "message_id", refs[0].MessageID)
			if err := s.db.Items.MarkCorrupted(file.Path, "lead article missing"); err != nil {
				s.log.Warn("Failed to mark file corrupted", "file", file.Path, "err", err)
			}
		}
	}
}

// finishFailed either requeues a transient failure or promotes the job to
// failed history.
func (s *Service) finishFailed(item *database.QueueItem, cause error) {
	log := s.log.With("id", item.ID, "name", item.Name)

	if usenet.IsUnavailable(cause) && item.RetryCount < s.cfg.MaxRetries && s.ctx.Err() == nil {
		log.Warn("Import failed transiently, requeueing", "retry", item.RetryCount+1, "err", cause)
		if err := s.db.Queue.Requeue(item.ID); err != nil {
			log.Error("Failed to requeue job", "err", err)
		}
		return
	}

	msg := cause.Error()
	log.Error("Import failed", "err", cause)
	if _, err := s.db.History.Promote(item.ID, database.HistoryStatusFailed, nil, &msg); err != nil {
		log.Error("Failed to promote failed job", "err", err)
		return
	}
	s.bus.Publish(events.Event{Type: events.QueueItemRemoved, JobID: item.ID})
	s.bus.Publish(events.Event{Type: events.HistoryItemAdded, JobID: item.ID, JobName: item.Name})
}

// newJobID mints SABnzbd-style job ids so downstream automation recognizes
// them.
func newJobID() string {
	return "SABnzbd_nzo_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
