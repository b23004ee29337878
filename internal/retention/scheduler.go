// Package retention runs the daily audit/backup retention sweep (spec §4.9
// "pruned by retention policy, never mutated", §3 Lifecycles). Grounded on
// the teacher's use of a cron expression for scheduled jobs
// (internal/web/api_settings.go validates one for the update-digest
// schedule); here the same library drives the sweep itself rather than
// just validating a user-submitted string. Library: github.com/robfig/cron/v3
// (teacher dep, previously used only for cron-expression validation).
package retention

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/siteflow/siteflow/internal/logging"
	"github.com/siteflow/siteflow/internal/metrics"
)

// AuditCleaner is the narrow slice of audit.Store the sweep depends on.
type AuditCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// BackupCleaner is the narrow slice of backup.Ingester the sweep depends on.
type BackupCleaner interface {
	Cleanup(ctx context.Context, olderThan time.Time) (int64, error)
}

// Scheduler runs the retention sweep on a cron schedule.
type Scheduler struct {
	audit   AuditCleaner
	backups BackupCleaner
	log     *logging.Logger

	retention func() time.Duration
	cr        *cron.Cron

	textfilePath string
}

// New builds a Scheduler. spec is a standard 5-field cron expression
// (default "0 3 * * *", daily at 03:00). retention is read fresh on every
// fire so audit-retention-days can change at runtime via config. When
// textfilePath is non-empty, every sweep also dumps current metrics there
// for node_exporter's textfile collector.
func New(audit AuditCleaner, backups BackupCleaner, log *logging.Logger, spec string, retention func() time.Duration, textfilePath string) (*Scheduler, error) {
	if spec == "" {
		spec = "0 3 * * *"
	}
	s := &Scheduler{
		audit:        audit,
		backups:      backups,
		log:          log.Component("retention"),
		retention:    retention,
		cr:           cron.New(),
		textfilePath: textfilePath,
	}
	if _, err := s.cr.AddFunc(spec, func() { s.sweep(context.Background()) }); err != nil {
		return nil, err
	}
	return s, nil
}

// Run starts the cron scheduler and blocks until ctx is cancelled, then
// stops it and waits for any in-flight sweep to finish.
func (s *Scheduler) Run(ctx context.Context) {
	s.cr.Start()
	<-ctx.Done()
	stopCtx := s.cr.Stop()
	<-stopCtx.Done()
	s.log.Info("retention scheduler stopped")
}

// TriggerNow runs the sweep immediately, outside the cron schedule. Used by
// tests and by an operator-triggered cleanup.
func (s *Scheduler) TriggerNow(ctx context.Context) {
	s.sweep(ctx)
}

func (s *Scheduler) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention())

	auditDeleted, err := s.audit.Cleanup(ctx, cutoff)
	if err != nil {
		s.log.Error("audit retention sweep failed", "error", err)
	} else {
		s.log.Info("audit retention sweep complete", "deleted", auditDeleted, "cutoff", cutoff)
	}

	backupDeleted, err := s.backups.Cleanup(ctx, cutoff)
	if err != nil {
		s.log.Error("backup retention sweep failed", "error", err)
	} else {
		s.log.Info("backup retention sweep complete", "deleted", backupDeleted, "cutoff", cutoff)
	}

	if s.textfilePath != "" {
		if err := metrics.WriteTextfile(s.textfilePath); err != nil {
			s.log.Warn("failed to write metrics textfile", "path", s.textfilePath, "error", err)
		}
	}
}
