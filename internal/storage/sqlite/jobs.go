package sqlite

import (
	"context"
	"strings"
	"time"

	lzmux "github.com/eugener/lzmux/internal"
)

const defaultJobLimit = 50

// InsertJobs batch-inserts job records.
func (s *Store) InsertJobs(ctx context.Context, records []lzmux.JobRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	const cols = 12
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, int64(r.RequestID), r.Action, r.Mode,
			r.InputBytes, r.OutputBytes, r.Status, r.Error,
			boolToInt(r.Cached), r.DurationMs, r.TraceID,
			r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO jobs
		(id, request_id, action, mode, input_bytes, output_bytes, status, error,
		 cached, duration_ms, trace_id, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// QueryJobs returns job records matching the filter, newest first.
func (s *Store) QueryJobs(ctx context.Context, f lzmux.JobFilter) ([]lzmux.JobRecord, error) {
	where, args := jobWhere(f)
	limit := f.Limit
	if limit <= 0 {
		limit = defaultJobLimit
	}
	args = append(args, limit, f.Offset)

	rows, err := s.read.QueryContext(ctx,
		`SELECT id, request_id, action, mode, input_bytes, output_bytes, status, error,
		 cached, duration_ms, trace_id, created_at
		 FROM jobs`+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []lzmux.JobRecord
	for rows.Next() {
		var r lzmux.JobRecord
		var requestID int64
		var cached int
		var createdAt string
		err := rows.Scan(
			&r.ID, &requestID, &r.Action, &r.Mode, &r.InputBytes, &r.OutputBytes,
			&r.Status, &r.Error, &cached, &r.DurationMs, &r.TraceID, &createdAt,
		)
		if err != nil {
			return nil, err
		}
		r.RequestID = lzmux.RequestID(requestID)
		r.Cached = cached != 0
		if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountJobs returns the number of job records matching the filter.
func (s *Store) CountJobs(ctx context.Context, f lzmux.JobFilter) (int, error) {
	where, args := jobWhere(f)
	var n int
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`+where, args...).Scan(&n)
	return n, err
}

func jobWhere(f lzmux.JobFilter) (string, []any) {
	var clauses []string
	var args []any
	if f.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, f.Action)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Since != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.Until)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// UpsertRollups writes rollups in one transaction. A rollup replaces any
// previous row for the same action, status, period and bucket, so
// recomputing a bucket is idempotent.
func (s *Store) UpsertRollups(ctx context.Context, rollups []lzmux.JobRollup) error {
	if len(rollups) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO job_rollups (action, status, period, bucket,
		 job_count, cached_count, input_bytes, output_bytes, total_duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(action, status, period, bucket) DO UPDATE SET
		 job_count = excluded.job_count,
		 cached_count = excluded.cached_count,
		 input_bytes = excluded.input_bytes,
		 output_bytes = excluded.output_bytes,
		 total_duration_ms = excluded.total_duration_ms`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range rollups {
		if _, err := stmt.ExecContext(ctx,
			r.Action, r.Status, r.Period, r.Bucket,
			r.JobCount, r.CachedCount, r.InputBytes, r.OutputBytes, r.TotalDurationMs,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListRollups returns rollups matching the filter, newest bucket first.
func (s *Store) ListRollups(ctx context.Context, f lzmux.RollupFilter) ([]lzmux.JobRollup, error) {
	var clauses []string
	var args []any
	if f.Action != "" {
		clauses = append(clauses, "action = ?")
		args = append(args, f.Action)
	}
	if f.Period != "" {
		clauses = append(clauses, "period = ?")
		args = append(args, f.Period)
	}
	if f.Since != "" {
		clauses = append(clauses, "bucket >= ?")
		args = append(args, f.Since)
	}
	if f.Until != "" {
		clauses = append(clauses, "bucket < ?")
		args = append(args, f.Until)
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}

	rows, err := s.read.QueryContext(ctx,
		`SELECT action, status, period, bucket,
		 job_count, cached_count, input_bytes, output_bytes, total_duration_ms
		 FROM job_rollups`+where+` ORDER BY bucket DESC, action, status`, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []lzmux.JobRollup
	for rows.Next() {
		var r lzmux.JobRollup
		err := rows.Scan(&r.Action, &r.Status, &r.Period, &r.Bucket,
			&r.JobCount, &r.CachedCount, &r.InputBytes, &r.OutputBytes, &r.TotalDurationMs)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
