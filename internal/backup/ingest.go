// Package backup implements Backup Ingest (spec §4.10): it accepts run
// records from the external restic-based backup scripts, derives per-site
// RPO on read, and classifies overall freshness against configured
// thresholds. Grounded structurally on internal/store/bolt.go's single
// Store type, ported to the shared SQLite file alongside the Audit Store
// (see DESIGN.md).
package backup

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/siteflow/siteflow/internal/logging"
	"github.com/siteflow/siteflow/internal/siteflowerr"
	"github.com/siteflow/siteflow/internal/store"
)

// JobType enumerates the kinds of backup run the external scripts record.
type JobType string

const (
	JobDB       JobType = "db"
	JobUploads  JobType = "uploads"
	JobVerify   JobType = "verify"
	JobSnapshot JobType = "snapshot"
	JobSystem   JobType = "system"
)

var validJobTypes = map[JobType]bool{
	JobDB: true, JobUploads: true, JobVerify: true, JobSnapshot: true, JobSystem: true,
}

// RunStatus is a backup run's outcome.
type RunStatus string

const (
	RunOK   RunStatus = "ok"
	RunWarn RunStatus = "warn"
	RunFail RunStatus = "fail"
)

// Run is one backup run record (spec §3 "Backup run").
type Run struct {
	ID           string    `json:"id"`
	Site         string    `json:"site"`
	JobType      JobType   `json:"job_type"`
	Status       RunStatus `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at"`
	BytesWritten *int64    `json:"bytes_written,omitempty"`
	BackupID     string    `json:"backup_id,omitempty"`
	Repo         string    `json:"repo,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// SiteStatus aggregates the latest run per job type for one site and
// derives RPO seconds from the most recent ok run (spec §3 "Site backup
// status").
type SiteStatus struct {
	Site          string             `json:"site"`
	OverallStatus string             `json:"overall_status"`
	Jobs          map[JobType]Latest `json:"jobs"`
	RPOSeconds    map[JobType]*int64 `json:"rpo_seconds"`
}

// Latest is the most recent run recorded for one (site, job_type) pair.
type Latest struct {
	Status    RunStatus `json:"status"`
	EndedAt   time.Time `json:"ended_at"`
	BackupID  string    `json:"backup_id,omitempty"`
	Repo      string    `json:"repo,omitempty"`
}

// RestorePoint is one entry in a site's recoverable snapshot history.
type RestorePoint struct {
	JobType   JobType   `json:"job_type"`
	Timestamp time.Time `json:"timestamp"`
	BackupID  string    `json:"backup_id,omitempty"`
	Repo      string    `json:"repo,omitempty"`
}

// Thresholds is the per-job-type freshness window used to derive overall
// status (spec §4.10 defaults: db 26h, uploads 30h, verify 7d, snapshot 8d).
type Thresholds map[JobType]time.Duration

// DefaultThresholds returns the spec's documented defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		JobDB:       26 * time.Hour,
		JobUploads:  30 * time.Hour,
		JobVerify:   7 * 24 * time.Hour,
		JobSnapshot: 8 * 24 * time.Hour,
	}
}

// Ingester is the Backup Ingest component.
type Ingester struct {
	db  *sql.DB
	log *logging.Logger
}

// New builds an Ingester over the shared SQLite file.
func New(s *store.Store, log *logging.Logger) *Ingester {
	return &Ingester{db: s.DB(), log: log.Component("backup")}
}

// Record validates and stores a run (spec §4.10 `record(run)`). The
// (site, job_type, started_at) tuple, combined with a stable caller-supplied
// id, makes repeated posts idempotent: INSERT OR IGNORE keyed on id leaves
// at most one effective row (spec testable property 8).
func (ig *Ingester) Record(ctx context.Context, r Run) error {
	if !validJobTypes[r.JobType] {
		return siteflowerr.New(siteflowerr.KindValidation, "unknown job_type: "+string(r.JobType))
	}
	if r.Site == "" {
		return siteflowerr.New(siteflowerr.KindValidation, "site is required")
	}
	if r.EndedAt.Before(r.StartedAt) {
		return siteflowerr.New(siteflowerr.KindValidation, "ended_at must be >= started_at")
	}
	if r.ID == "" {
		r.ID = fmt.Sprintf("%s|%s|%s", r.Site, r.JobType, store.FormatTime(r.StartedAt))
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = r.StartedAt
	}

	_, err := ig.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO backup_runs (id, site, job_type, status, started_at, ended_at, bytes_written, backup_id, repo, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Site, string(r.JobType), string(r.Status), store.FormatTime(r.StartedAt), store.FormatTime(r.EndedAt),
		nullableInt64(r.BytesWritten), r.BackupID, r.Repo, r.Error, store.FormatTime(r.CreatedAt),
	)
	if err != nil {
		return siteflowerr.Wrap(siteflowerr.KindFatal, "record backup run", err)
	}
	return nil
}

// Summary returns the aggregated status for every site that has ever
// reported a run (spec §4.10 `summary()`).
func (ig *Ingester) Summary(ctx context.Context, thresholds Thresholds) (map[string]SiteStatus, error) {
	sites, err := ig.listSites(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]SiteStatus, len(sites))
	for _, site := range sites {
		st, err := ig.SiteStatus(ctx, site, thresholds)
		if err != nil {
			return nil, err
		}
		out[site] = st
	}
	return out, nil
}

// SiteStatus computes one site's aggregate status (spec §4.10 `site_status(name)`).
func (ig *Ingester) SiteStatus(ctx context.Context, site string, thresholds Thresholds) (SiteStatus, error) {
	latest, err := ig.latestPerJob(ctx, site)
	if err != nil {
		return SiteStatus{}, err
	}
	latestOK, err := ig.latestOKPerJob(ctx, site)
	if err != nil {
		return SiteStatus{}, err
	}

	result := SiteStatus{
		Site:       site,
		Jobs:       latest,
		RPOSeconds: make(map[JobType]*int64, len(latest)),
	}

	now := time.Now()
	overall := RunOK
	for jt, l := range latest {
		// RPO is derived from the most recent *ok* run for this job type,
		// per spec §3 invariant (iv): null when no successful run exists,
		// even if a later failed run superseded it for status purposes.
		if ok, hasOK := latestOK[jt]; hasOK {
			secs := int64(now.Sub(ok.EndedAt).Seconds())
			result.RPOSeconds[jt] = &secs
		}
		threshold, configured := thresholds[jt]
		stale := configured && now.Sub(l.EndedAt) > threshold

		switch {
		case l.Status == RunFail:
			overall = worse(overall, RunFail)
		case l.Status == RunOK && stale:
			overall = worse(overall, RunWarn)
		case l.Status == RunOK:
			overall = worse(overall, RunOK)
		default:
			// recorded as "warn" by the script itself, or a configured
			// threshold job type with no status we recognize as healthy.
			overall = worse(overall, RunWarn)
		}
	}
	for jt := range thresholds {
		if _, ok := latest[jt]; !ok {
			overall = worse(overall, RunFail) // missing entirely => fail (spec §4.10)
		}
	}
	result.OverallStatus = string(overall)
	return result, nil
}

// RestorePoints lists every successful (status "ok") run for site as
// candidate restore points, most recent first (spec §4.10 `restore_points(site)`).
func (ig *Ingester) RestorePoints(ctx context.Context, site string) ([]RestorePoint, error) {
	rows, err := ig.db.QueryContext(ctx,
		`SELECT job_type, ended_at, backup_id, repo FROM backup_runs WHERE site = ? AND status = 'ok' ORDER BY ended_at DESC`,
		site)
	if err != nil {
		return nil, fmt.Errorf("query restore points: %w", err)
	}
	defer rows.Close()

	var out []RestorePoint
	for rows.Next() {
		var jt, ts string
		var backupID, repo sql.NullString
		if err := rows.Scan(&jt, &ts, &backupID, &repo); err != nil {
			return nil, fmt.Errorf("scan restore point: %w", err)
		}
		t, err := store.ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parse restore point timestamp: %w", err)
		}
		out = append(out, RestorePoint{JobType: JobType(jt), Timestamp: t, BackupID: backupID.String, Repo: repo.String})
	}
	return out, rows.Err()
}

func (ig *Ingester) listSites(ctx context.Context) ([]string, error) {
	rows, err := ig.db.QueryContext(ctx, "SELECT DISTINCT site FROM backup_runs ORDER BY site")
	if err != nil {
		return nil, fmt.Errorf("list backup sites: %w", err)
	}
	defer rows.Close()
	var sites []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan site: %w", err)
		}
		sites = append(sites, s)
	}
	return sites, rows.Err()
}

// latestPerJob returns, for each job type site has ever reported, the most
// recent run's summary (by ended_at).
func (ig *Ingester) latestPerJob(ctx context.Context, site string) (map[JobType]Latest, error) {
	rows, err := ig.db.QueryContext(ctx,
		`SELECT job_type, status, ended_at, backup_id, repo FROM backup_runs b
		 WHERE site = ? AND ended_at = (
		   SELECT MAX(ended_at) FROM backup_runs WHERE site = b.site AND job_type = b.job_type
		 )`, site)
	if err != nil {
		return nil, fmt.Errorf("query latest runs: %w", err)
	}
	defer rows.Close()

	out := make(map[JobType]Latest)
	for rows.Next() {
		var jt, status, ts string
		var backupID, repo sql.NullString
		if err := rows.Scan(&jt, &status, &ts, &backupID, &repo); err != nil {
			return nil, fmt.Errorf("scan latest run: %w", err)
		}
		t, err := store.ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parse latest run timestamp: %w", err)
		}
		out[JobType(jt)] = Latest{Status: RunStatus(status), EndedAt: t, BackupID: backupID.String, Repo: repo.String}
	}
	return out, rows.Err()
}

// latestOKPerJob returns the most recent *successful* run per job type,
// independent of whatever ran more recently with a different status. This
// is the source for RPO, which per spec §3 invariant (iv) is null when no
// successful run exists at all, not merely when the latest run failed.
func (ig *Ingester) latestOKPerJob(ctx context.Context, site string) (map[JobType]Latest, error) {
	rows, err := ig.db.QueryContext(ctx,
		`SELECT job_type, status, ended_at, backup_id, repo FROM backup_runs b
		 WHERE site = ? AND status = 'ok' AND ended_at = (
		   SELECT MAX(ended_at) FROM backup_runs WHERE site = b.site AND job_type = b.job_type AND status = 'ok'
		 )`, site)
	if err != nil {
		return nil, fmt.Errorf("query latest ok runs: %w", err)
	}
	defer rows.Close()

	out := make(map[JobType]Latest)
	for rows.Next() {
		var jt, status, ts string
		var backupID, repo sql.NullString
		if err := rows.Scan(&jt, &status, &ts, &backupID, &repo); err != nil {
			return nil, fmt.Errorf("scan latest ok run: %w", err)
		}
		t, err := store.ParseTime(ts)
		if err != nil {
			return nil, fmt.Errorf("parse latest ok run timestamp: %w", err)
		}
		out[JobType(jt)] = Latest{Status: RunStatus(status), EndedAt: t, BackupID: backupID.String, Repo: repo.String}
	}
	return out, rows.Err()
}

// Cleanup deletes runs ended before olderThan and returns the count removed
// (spec §3 Lifecycles: "pruned by retention policy, never mutated", mirrors
// audit.Store.Cleanup).
func (ig *Ingester) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := ig.db.ExecContext(ctx, "DELETE FROM backup_runs WHERE ended_at < ?", store.FormatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("cleanup backup runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected: %w", err)
	}
	return n, nil
}

// worse returns the more severe of two statuses: fail > warn > ok.
func worse(a, b RunStatus) RunStatus {
	rank := map[RunStatus]int{RunOK: 0, RunWarn: 1, RunFail: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
