// Package history records one row per deployment invocation so operators
// can answer "what is live and what happened to the last few deploys"
// without grepping logs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store persists deployment history rows.
type Store struct {
	db *sql.DB
}

// Record is one deployment invocation.
type Record struct {
	DeliveryID   string
	Repo         string
	Environment  string
	DeploymentID int64
	SHA          string
	State        string
	VersionDir   string
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Begin inserts the row for a newly accepted deployment in state "queued".
func (s *Store) Begin(ctx context.Context, r Record) error {
	if r.DeliveryID == "" {
		return fmt.Errorf("delivery id is empty")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO deployment_history(delivery_id, repo, environment, deployment_id, sha, state, started_at)
VALUES(?, ?, ?, ?, ?, 'queued', ?);
`, r.DeliveryID, r.Repo, r.Environment, r.DeploymentID, r.SHA, r.StartedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert history row: %w", err)
	}
	return nil
}

// Finish records the terminal state of a deployment.
func (s *Store) Finish(ctx context.Context, deliveryID, state, versionDir, errMsg string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE deployment_history
SET state = ?, version_dir = ?, error = NULLIF(?, ''), finished_at = ?
WHERE delivery_id = ?;
`, state, versionDir, errMsg, now, deliveryID)
	if err != nil {
		return fmt.Errorf("finish history row: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("no history row for delivery %s", deliveryID)
	}
	return nil
}

// Recent returns the most recent n deployments, newest first.
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT delivery_id, repo, environment, deployment_id, sha, state,
       COALESCE(version_dir, ''), COALESCE(error, ''), started_at, COALESCE(finished_at, '')
FROM deployment_history
ORDER BY started_at DESC
LIMIT ?;
`, n)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var started, finished string
		if err := rows.Scan(&r.DeliveryID, &r.Repo, &r.Environment, &r.DeploymentID, &r.SHA,
			&r.State, &r.VersionDir, &r.Error, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		if finished != "" {
			r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
