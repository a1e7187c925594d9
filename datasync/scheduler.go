package datasync

import (
	"context"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/offsync/offsync/query"
)

// Scheduler runs sync in the background on a cron schedule: push the
// queue, then re-pull every registered query. Failures are logged and
// retried on the next tick.
type Scheduler struct {
	sc       *SyncContext
	cron     *cron.Cron
	logger   *zap.Logger
	schedule string

	mu      sync.Mutex
	queries []scheduledQuery
	entry   cron.EntryID
	started bool
}

type scheduledQuery struct {
	query *query.Description
	opts  PullOptions
}

// NewScheduler creates a scheduler over the context using the schedule
// from its configuration (cron syntax, e.g. "@every 5m").
func NewScheduler(sc *SyncContext) *Scheduler {
	return &Scheduler{
		sc:       sc,
		cron:     cron.New(),
		logger:   sc.logger,
		schedule: sc.cfg.Scheduler.Schedule,
	}
}

// RegisterQuery adds a query to re-pull on every tick.
func (s *Scheduler) RegisterQuery(q *query.Description, opts PullOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, scheduledQuery{query: q.Clone(), opts: opts})
}

// Start begins ticking. It is an error to start twice without stopping.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return invalidOperation("scheduler is already started")
	}
	entry, err := s.cron.AddFunc(s.schedule, s.tick)
	if err != nil {
		return invalidArgument("invalid scheduler cron expression", err).
			WithDetail("schedule", s.schedule)
	}
	s.entry = entry
	s.cron.Start()
	s.started = true
	s.logger.Info("Sync scheduler started", zap.String("schedule", s.schedule))
	return nil
}

// Stop stops ticking and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.cron.Remove(s.entry)
	s.started = false
	s.mu.Unlock()
	<-s.cron.Stop().Done()
	s.logger.Info("Sync scheduler stopped")
}

// tick pushes pending operations and re-pulls every registered query.
func (s *Scheduler) tick() {
	ctx := context.Background()

	result, err := s.sc.Push(ctx)
	if err != nil {
		s.logger.Warn("Scheduled push failed", zap.Error(err))
		return
	}
	if result.Status != PushComplete {
		s.logger.Warn("Scheduled push did not complete",
			zap.String("status", result.Status.String()),
			zap.Int("errors", len(result.Errors)))
		return
	}

	s.mu.Lock()
	queries := append([]scheduledQuery(nil), s.queries...)
	s.mu.Unlock()

	for _, sq := range queries {
		opts := sq.opts
		if err := s.sc.Pull(ctx, sq.query, &opts); err != nil {
			s.logger.Warn("Scheduled pull failed",
				zap.String("table", sq.query.Table), zap.Error(err))
		}
	}
}
