/*
scheduler.go - Periodic balance audit

PURPOSE:
  A pending balance at or above the threshold means a close skipped its
  reward split or the threshold was lowered under existing balances.
  The auditor finds such customers so staff can review them by hand.

DESIGN:
  - Auditor.Run does one pass and returns the report (also used by
    POST /api/admin/audit)
  - AuditScheduler runs the auditor on a gocron duration job, first run
    immediately on start
  - Violations are logged at error level, one line per customer

USAGE:
  sched, err := NewAuditScheduler(auditor, time.Hour)
  sched.Start()
  // ... later
  sched.Stop()
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/agrimart/season-ledger/ledger"
)

// AuditReport is the result of one audit pass.
type AuditReport struct {
	CheckedAt  time.Time
	Violations []ledger.TrackingItem
}

// Auditor checks stored balances against the threshold.
type Auditor struct {
	Tracker *ledger.Tracker
	Logger  *zap.Logger
	Clock   func() time.Time

	mu   sync.Mutex
	last *AuditReport
}

func NewAuditor(tracker *ledger.Tracker, log *zap.Logger) *Auditor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Auditor{Tracker: tracker, Logger: log, Clock: func() time.Time { return time.Now().UTC() }}
}

// Run performs one audit pass.
func (a *Auditor) Run(ctx context.Context) (AuditReport, error) {
	report := AuditReport{CheckedAt: a.Clock()}

	items, err := a.Tracker.OverThreshold(ctx)
	if err != nil {
		a.Logger.Error("balance audit failed", zap.Error(err))
		return AuditReport{}, err
	}
	report.Violations = items

	for _, it := range items {
		a.Logger.Error("pending balance at or above threshold",
			zap.Int64("customer_id", int64(it.CustomerID)),
			zap.String("pending_balance", it.PendingBalance.String()),
			zap.String("threshold", it.Threshold.String()),
		)
	}
	a.Logger.Info("balance audit done", zap.Int("violations", len(items)))

	a.mu.Lock()
	a.last = &report
	a.mu.Unlock()
	return report, nil
}

// Last returns the most recent report, or nil before the first run.
func (a *Auditor) Last() *AuditReport {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// =============================================================================
// SCHEDULER
// =============================================================================

// AuditScheduler runs an Auditor periodically.
type AuditScheduler struct {
	Auditor  *Auditor
	Interval time.Duration

	sched gocron.Scheduler
}

// NewAuditScheduler registers the audit job; call Start to begin.
func NewAuditScheduler(auditor *Auditor, interval time.Duration) (*AuditScheduler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("audit interval must be positive, got %s", interval)
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("creating scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			defer cancel()
			auditor.Run(ctx)
		}),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		sched.Shutdown()
		return nil, fmt.Errorf("registering audit job: %w", err)
	}
	return &AuditScheduler{Auditor: auditor, Interval: interval, sched: sched}, nil
}

// Start begins running the job.
func (s *AuditScheduler) Start() {
	s.sched.Start()
	s.Auditor.Logger.Info("audit scheduler started", zap.Duration("interval", s.Interval))
}

// Stop waits for a running audit to finish and stops the scheduler.
func (s *AuditScheduler) Stop() error {
	err := s.sched.Shutdown()
	s.Auditor.Logger.Info("audit scheduler stopped")
	return err
}
