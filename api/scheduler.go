/*
scheduler.go - Periodic ledger audit

PURPOSE:
  Runs Auditor.AuditAll on a cron schedule so drift between transaction rows
  and derived balances is noticed even when nobody calls /api/audit.
  Findings go to the log and the finance_ledger_audit_findings gauge.

DESIGN:
  - robfig/cron with the standard 5-field parser plus descriptors (@hourly)
  - Overlapping runs are skipped, not queued
  - Each run gets its own timeout
  - Enabled=false makes Start a no-op

USAGE:
  s, err := NewAuditScheduler(auditor, "@hourly", log)
  s.Start()
  // ... later
  s.Stop()

SEE ALSO:
  - ledger/audit.go: the checks
  - handlers.go: Audit endpoint (one user, on demand)
*/
package api

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/warp/finance-engine/ledger"
)

// AuditScheduler handles the periodic audit sweep.
type AuditScheduler struct {
	Auditor    *ledger.Auditor
	Spec       string
	RunTimeout time.Duration
	Enabled    bool
	Log        logrus.FieldLogger

	cron *cron.Cron
	mu   sync.Mutex

	lastRun      time.Time
	lastFindings int
	lastErr      error
}

// NewAuditScheduler validates spec and returns a stopped scheduler.
func NewAuditScheduler(auditor *ledger.Auditor, spec string, log logrus.FieldLogger) (*AuditScheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("invalid audit schedule %q: %w", spec, err)
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &AuditScheduler{
		Auditor:    auditor,
		Spec:       spec,
		RunTimeout: 5 * time.Minute,
		Enabled:    true,
		Log:        log.WithField("component", "audit_scheduler"),
	}, nil
}

// Start begins the scheduler. Calling it twice is harmless.
func (s *AuditScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.Enabled {
		s.Log.Info("audit scheduler disabled, not starting")
		return nil
	}
	if s.cron != nil {
		return nil
	}

	c := cron.New(cron.WithChain(
		cron.Recover(cron.PrintfLogger(s.Log)),
		cron.SkipIfStillRunning(cron.PrintfLogger(s.Log)),
	))
	if _, err := c.AddFunc(s.Spec, func() { s.RunOnce(context.Background()) }); err != nil {
		return fmt.Errorf("schedule audit: %w", err)
	}
	c.Start()
	s.cron = c

	s.Log.WithField("schedule", s.Spec).Info("audit scheduler started")
	return nil
}

// Stop stops the scheduler and waits for a running audit to finish.
func (s *AuditScheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.Log.Info("audit scheduler stopped")
}

// RunOnce performs one sweep now.
func (s *AuditScheduler) RunOnce(ctx context.Context) ([]ledger.Finding, error) {
	ctx, cancel := context.WithTimeout(ctx, s.RunTimeout)
	defer cancel()

	start := time.Now()
	findings, err := s.Auditor.AuditAll(ctx)

	s.mu.Lock()
	s.lastRun = start
	s.lastFindings = len(findings)
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.Log.WithError(err).Error("audit sweep failed")
	}
	return findings, err
}

// LastRun reports when the last sweep started, how many findings it had,
// and its error.
func (s *AuditScheduler) LastRun() (time.Time, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastFindings, s.lastErr
}
