package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/example/frameserver/internal/logging"
	"github.com/example/frameserver/internal/usecase"
)

const jobTimeout = 5 * time.Minute

// Pruner removes journal entries older than a cutoff.
type Pruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Summarizer reports aggregated frame metrics.
type Summarizer interface {
	GetMetricsSummary(ctx context.Context) (*usecase.MetricsSummary, error)
}

// Options configures the scheduled jobs. An empty schedule or zero
// RetentionDays disables the matching job.
type Options struct {
	RetentionDays     int
	RetentionSchedule string
	SummarySchedule   string
}

// Scheduler runs journal housekeeping on cron schedules.
type Scheduler struct {
	cron       *cron.Cron
	pruner     Pruner
	summarizer Summarizer
	retention  time.Duration
	logger     *zap.Logger
	now        func() time.Time

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// New registers the enabled jobs. pruner and summarizer may be nil.
func New(pruner Pruner, summarizer Summarizer, opts Options, logger *zap.Logger) (*Scheduler, error) {
	logger = logger.Named("retention")
	cl := cronLogger{logger.Sugar()}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		pruner:     pruner,
		summarizer: summarizer,
		retention:  time.Duration(opts.RetentionDays) * 24 * time.Hour,
		logger:     logger,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}

	if pruner != nil && opts.RetentionDays > 0 && opts.RetentionSchedule != "" {
		if _, err := s.cron.AddFunc(opts.RetentionSchedule, s.runPrune); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid retention schedule %q: %w", opts.RetentionSchedule, err)
		}
	}
	if summarizer != nil && opts.SummarySchedule != "" {
		if _, err := s.cron.AddFunc(opts.SummarySchedule, s.runSummary); err != nil {
			cancel()
			return nil, fmt.Errorf("invalid summary schedule %q: %w", opts.SummarySchedule, err)
		}
	}

	return s, nil
}

// Jobs returns the number of registered jobs.
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", s.Jobs()))
}

// Shutdown stops the scheduler and waits for running jobs to finish.
func (s *Scheduler) Shutdown() error {
	s.stopOnce.Do(func() {
		s.cancel()
		<-s.cron.Stop().Done()
		s.logger.Info("scheduler stopped")
	})
	return nil
}

// Prune deletes journal entries older than the retention window.
func (s *Scheduler) Prune(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	removed, err := s.pruner.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return 0, logging.NewOperationError("retention.prune", "", err)
	}
	return removed, nil
}

func (s *Scheduler) runPrune() {
	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()

	removed, err := s.Prune(ctx)
	if err != nil {
		s.logger.Error("journal prune failed", zap.Error(err))
		return
	}
	s.logger.Info("journal pruned", zap.Int64("removed", removed), zap.Duration("retention", s.retention))
}

func (s *Scheduler) runSummary() {
	ctx, cancel := context.WithTimeout(s.ctx, jobTimeout)
	defer cancel()

	summary, err := s.summarizer.GetMetricsSummary(ctx)
	if err != nil {
		opErr := &logging.OperationError{Operation: "retention.summary", Err: err}
		s.logger.Error("metrics summary failed", opErr.Fields()...)
		return
	}
	s.logger.Info("frame metrics",
		zap.Int64("total_requests", summary.TotalRequests),
		zap.Int64("successful_requests", summary.SuccessfulRequests),
		zap.Float64("success_rate", summary.SuccessRate),
		zap.Float64("average_processing_latency_ms", summary.AverageProcessingLatencyMs),
	)
}

type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
