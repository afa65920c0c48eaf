package sqlite

import (
	"context"
	"fmt"

	"github.com/rs/xid"

	"github.com/sakif/readmebot/internal/apperror"
	"github.com/sakif/readmebot/internal/model"
	"github.com/sakif/readmebot/internal/repository"
)

var _ repository.ActivityRepository = (*DB)(nil)

const activityColumns = `id, account_id, repo_name, action, status, attempt_id, commit_sha, detail, created_at`

// AppendActivity writes one immutable entry. The partial unique indexes on
// attempt_id turn a second STARTED or a second terminal entry for the same
// attempt into apperror.ErrConflict.
func (db *DB) AppendActivity(ctx context.Context, entry *model.ActivityLogEntry) error {
	entry.ID = xid.New().String()
	entry.CreatedAt = now()

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO activity_log (`+activityColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.AccountID,
		entry.RepoName,
		string(entry.Action),
		string(entry.Status),
		entry.AttemptID,
		entry.CommitSHA,
		entry.Detail,
		entry.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("activity attempt", entry.AttemptID)
		}
		return fmt.Errorf("sqlite: appending activity %s: %w", entry.Action, err)
	}
	return nil
}

// ListActivityByAccount returns an account's entries, most recent first.
//
// Pagination follows the same LIMIT/OFFSET pattern as the other list
// queries; a zero Limit falls back to 50 and the cap is 200.
func (db *DB) ListActivityByAccount(ctx context.Context, accountID string, opts repository.ListOptions) ([]model.ActivityLogEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := max(opts.Offset, 0)

	return db.listActivity(ctx,
		`SELECT `+activityColumns+` FROM activity_log
		 WHERE account_id = ? ORDER BY seq DESC LIMIT ? OFFSET ?`,
		accountID, limit, offset)
}

// ListUnterminatedAttempts finds STARTED entries with no SUCCESS or FAILED
// partner. Only a crash between the two can leave one behind.
func (db *DB) ListUnterminatedAttempts(ctx context.Context) ([]model.ActivityLogEntry, error) {
	return db.listActivity(ctx,
		`SELECT `+activityColumns+` FROM activity_log s
		 WHERE s.action = 'README_GENERATION_STARTED'
		   AND NOT EXISTS (
			SELECT 1 FROM activity_log t
			WHERE t.attempt_id = s.attempt_id
			  AND t.action IN ('README_GENERATION_SUCCESS', 'README_GENERATION_FAILED')
		   )
		 ORDER BY s.seq`)
}

func (db *DB) listActivity(ctx context.Context, query string, args ...any) ([]model.ActivityLogEntry, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing activity: %w", err)
	}
	defer rows.Close()

	entries := make([]model.ActivityLogEntry, 0)
	for rows.Next() {
		var (
			e      model.ActivityLogEntry
			action string
			status string
		)
		if err := rows.Scan(
			&e.ID,
			&e.AccountID,
			&e.RepoName,
			&action,
			&status,
			&e.AttemptID,
			&e.CommitSHA,
			&e.Detail,
			&e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning activity row: %w", err)
		}
		e.Action = model.Action(action)
		e.Status = model.Status(status)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating activity rows: %w", err)
	}
	return entries, nil
}
