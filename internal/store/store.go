// Package store is scryer's durable, lease-based work queue: a
// namespace-partitioned table of issues plus a small metadata table,
// backed by a single SQLite file shared by every worker.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 2

// Store is one handle onto the shared state database, scoped to a single
// namespace. Several handles may be open over the same file; the database
// enforces serialised writers across them. The daemon's concurrent
// workers share one handle rather than opening one each, and that
// handle's single pooled connection serialises their statements.
type Store struct {
	db        *sql.DB
	namespace string
}

// Open opens (creating if absent) the SQLite database at path, runs the
// schema migration if needed, and returns a handle scoped to namespace.
func Open(path string, namespace string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite has one writer; a pool of more than one connection just
	// trades serialised writes at the SQL layer for SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, namespace: namespace}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func utcNowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05Z")
}

// beginImmediate pins a connection and starts an exclusive write
// transaction. Because the pool has exactly one connection, any other
// caller attempting a statement blocks until this transaction ends —
// the Go equivalent of `sqlite3`'s BEGIN IMMEDIATE + single connection.
func (s *Store) beginImmediate(ctx context.Context) (*sql.Conn, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE"); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (s *Store) commit(ctx context.Context, conn *sql.Conn) error {
	_, err := conn.ExecContext(ctx, "COMMIT")
	conn.Close()
	return err
}

func (s *Store) rollback(ctx context.Context, conn *sql.Conn) {
	_, _ = conn.ExecContext(ctx, "ROLLBACK")
	conn.Close()
}

func marshalLabels(labels []string) string {
	if labels == nil {
		labels = []string{}
	}
	data, _ := json.Marshal(labels)
	return string(data)
}

func unmarshalLabels(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var labels []string
	if err := json.Unmarshal([]byte(raw.String), &labels); err != nil {
		return nil
	}
	return labels
}

func nullableString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func ptrOrNil(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullableInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func int64PtrOrNil(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

const issueColumns = `repo, id, title, body, url, labels_json, status, attempt_count,
	lease_until, claimed_by, branch, pr_number, pr_url, head_sha,
	last_error, last_run_dir, created_at, updated_at, started_at, completed_at`

func scanIssue(row interface{ Scan(...any) error }) (*Issue, error) {
	var (
		repo         string
		issue        Issue
		body, url    sql.NullString
		labelsJSON   sql.NullString
		leaseUntil   sql.NullString
		claimedBy    sql.NullString
		branch       sql.NullString
		prNumber     sql.NullInt64
		prURL        sql.NullString
		headSHA      sql.NullString
		lastError    sql.NullString
		lastRunDir   sql.NullString
		updatedAt    sql.NullString
		startedAt    sql.NullString
		completedAt  sql.NullString
	)
	if err := row.Scan(
		&repo, &issue.ID, &issue.Title, &body, &url, &labelsJSON, &issue.Status, &issue.AttemptCount,
		&leaseUntil, &claimedBy, &branch, &prNumber, &prURL, &headSHA,
		&lastError, &lastRunDir, &issue.CreatedAt, &updatedAt, &startedAt, &completedAt,
	); err != nil {
		return nil, err
	}
	issue.Body = ptrOrNil(body)
	issue.URL = ptrOrNil(url)
	issue.Labels = unmarshalLabels(labelsJSON)
	issue.LeaseUntil = ptrOrNil(leaseUntil)
	issue.ClaimedBy = ptrOrNil(claimedBy)
	issue.Branch = ptrOrNil(branch)
	issue.PRNumber = int64PtrOrNil(prNumber)
	issue.PRURL = ptrOrNil(prURL)
	issue.HeadSHA = ptrOrNil(headSHA)
	issue.LastError = ptrOrNil(lastError)
	issue.LastRunDir = ptrOrNil(lastRunDir)
	issue.UpdatedAt = ptrOrNil(updatedAt)
	issue.StartedAt = ptrOrNil(startedAt)
	issue.CompletedAt = ptrOrNil(completedAt)
	return &issue, nil
}

// UpsertPolled inserts pending rows for issues not yet known and refreshes
// descriptive fields on existing rows, without ever regressing a terminal
// status.
func (s *Store) UpsertPolled(ctx context.Context, issues []PolledIssue) error {
	now := utcNowISO()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt := `
		INSERT INTO issues (repo, id, title, body, url, labels_json, status, updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT(repo, id) DO UPDATE SET
			title = excluded.title,
			body = COALESCE(excluded.body, issues.body),
			url = excluded.url,
			labels_json = excluded.labels_json,
			updated_at = excluded.updated_at`
	for _, issue := range issues {
		if _, err := tx.ExecContext(ctx, stmt,
			s.namespace, issue.ID, issue.Title, nullableString(issue.Body), nullableString(issue.URL),
			marshalLabels(issue.Labels), nullableString(issue.UpdatedAt), now,
		); err != nil {
			return fmt.Errorf("upsert issue %d: %w", issue.ID, err)
		}
	}
	return tx.Commit()
}

// UpdateIssueDetails overwrites descriptive fields only; status, attempt
// count, lease fields, and publication fields are untouched.
func (s *Store) UpdateIssueDetails(ctx context.Context, d IssueDetails) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET title = ?, body = ?, url = ?, labels_json = ?, updated_at = ?
		WHERE repo = ? AND id = ?`,
		d.Title, nullableString(d.Body), nullableString(d.URL), marshalLabels(d.Labels), nullableString(d.UpdatedAt),
		s.namespace, d.ID,
	)
	return err
}

// RequeueExpiredLeases resets every running row whose lease has expired
// back to pending and returns the count affected.
func (s *Store) RequeueExpiredLeases(ctx context.Context) (int, error) {
	now := utcNowISO()
	res, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET status = 'pending', lease_until = NULL, claimed_by = NULL,
		    last_error = COALESCE(last_error, 'lease expired')
		WHERE repo = ? AND status = 'running' AND lease_until IS NOT NULL AND lease_until < ?`,
		s.namespace, now,
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// ClaimNextPending selects the highest-priority pending issue eligible
// for another attempt and atomically transitions it to running. It
// retries from selection if the conditional claim loses a race to
// another worker.
func (s *Store) ClaimNextPending(ctx context.Context, worker string, maxAttempts, leaseSeconds int) (*Issue, error) {
	for {
		conn, err := s.beginImmediate(ctx)
		if err != nil {
			return nil, err
		}
		issue, retry, err := s.selectAndClaim(ctx, conn, worker, maxAttempts, leaseSeconds, nil)
		if err != nil {
			s.rollback(ctx, conn)
			return nil, err
		}
		if err := s.commit(ctx, conn); err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		return issue, nil
	}
}

// ClaimPendingByID attempts the same transition restricted to one issue
// id; it returns nil if the row is not currently pending or attempts are
// exhausted. It does not retry: a single conditional attempt settles it.
func (s *Store) ClaimPendingByID(ctx context.Context, id int64, worker string, maxAttempts, leaseSeconds int) (*Issue, error) {
	conn, err := s.beginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	issue, _, err := s.selectAndClaim(ctx, conn, worker, maxAttempts, leaseSeconds, &id)
	if err != nil {
		s.rollback(ctx, conn)
		return nil, err
	}
	if err := s.commit(ctx, conn); err != nil {
		return nil, err
	}
	return issue, nil
}

func (s *Store) selectAndClaim(ctx context.Context, conn *sql.Conn, worker string, maxAttempts int, leaseSeconds int, onlyID *int64) (*Issue, bool, error) {
	var (
		row *sql.Row
		id  int64
	)
	if onlyID != nil {
		row = conn.QueryRowContext(ctx, `
			SELECT id FROM issues
			WHERE repo = ? AND id = ? AND status = 'pending' AND attempt_count < ?`,
			s.namespace, *onlyID, maxAttempts)
	} else {
		row = conn.QueryRowContext(ctx, `
			SELECT id FROM issues
			WHERE repo = ? AND status = 'pending' AND attempt_count < ?
			ORDER BY COALESCE(updated_at, created_at) DESC, id ASC
			LIMIT 1`,
			s.namespace, maxAttempts)
	}
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}

	startedAt := utcNowISO()
	leaseUntil := time.Now().UTC().Add(time.Duration(leaseSeconds) * time.Second).Format("2006-01-02T15:04:05Z")

	res, err := conn.ExecContext(ctx, `
		UPDATE issues
		SET status = 'running', started_at = ?, lease_until = ?, claimed_by = ?, attempt_count = attempt_count + 1
		WHERE repo = ? AND id = ? AND status = 'pending'`,
		startedAt, leaseUntil, worker, s.namespace, id,
	)
	if err != nil {
		return nil, false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected != 1 {
		// Lost the race to another worker between SELECT and UPDATE.
		// Selecting by a specific id never retries; the caller just
		// gets nil, matching claim_pending_by_id's contract.
		return nil, onlyID == nil, nil
	}

	issue, err := scanIssue(conn.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE repo = ? AND id = ?`, s.namespace, id))
	if err != nil {
		return nil, false, err
	}
	return issue, false, nil
}

// MarkDone transitions an issue to done, clearing lease fields and
// recording the resulting PR and commit.
func (s *Store) MarkDone(ctx context.Context, id int64, prNumber *int64, prURL *string, branch string, headSHA *string, runDir *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET status = 'done', pr_number = ?, pr_url = ?, branch = ?, head_sha = ?,
		    lease_until = NULL, claimed_by = NULL, completed_at = ?, last_error = NULL, last_run_dir = ?
		WHERE repo = ? AND id = ?`,
		nullableInt64(prNumber), nullableString(prURL), branch, nullableString(headSHA),
		utcNowISO(), nullableString(runDir), s.namespace, id,
	)
	return err
}

func (s *Store) markTerminal(ctx context.Context, status Status, id int64, errMsg string, runDir *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE issues
		SET status = ?, lease_until = NULL, claimed_by = NULL, completed_at = ?, last_error = ?, last_run_dir = ?
		WHERE repo = ? AND id = ?`,
		string(status), utcNowISO(), errMsg, nullableString(runDir), s.namespace, id,
	)
	return err
}

// MarkFailed transitions an issue to failed.
func (s *Store) MarkFailed(ctx context.Context, id int64, errMsg string, runDir *string) error {
	return s.markTerminal(ctx, StatusFailed, id, errMsg, runDir)
}

// MarkTimeout transitions an issue to timeout.
func (s *Store) MarkTimeout(ctx context.Context, id int64, errMsg string, runDir *string) error {
	return s.markTerminal(ctx, StatusTimeout, id, errMsg, runDir)
}

// MarkSkipped transitions an issue to skipped.
func (s *Store) MarkSkipped(ctx context.Context, id int64, reason string, runDir *string) error {
	return s.markTerminal(ctx, StatusSkipped, id, reason, runDir)
}

// GetStatusCounts returns the count of issues per status within the
// namespace.
func (s *Store) GetStatusCounts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM issues WHERE repo = ? GROUP BY status ORDER BY status ASC`,
		s.namespace,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[Status]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

// ClearNamespaceState deletes every issue and meta row scoped to this
// namespace, returning the counts removed.
func (s *Store) ClearNamespaceState(ctx context.Context) (issuesDeleted, metaDeleted int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM issues WHERE repo = ?`, s.namespace)
	if err != nil {
		return 0, 0, err
	}
	issuesAffected, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	res, err = tx.ExecContext(ctx, `DELETE FROM meta WHERE key LIKE ?`, s.namespace+":%")
	if err != nil {
		return 0, 0, err
	}
	metaAffected, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return int(issuesAffected), int(metaAffected), nil
}

func (s *Store) metaKey(key string) string {
	return s.namespace + ":" + key
}

// GetMeta returns the value stored under key, scoped to this namespace.
func (s *Store) GetMeta(ctx context.Context, key string) (*string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, s.metaKey(key)).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// SetMeta upserts the value stored under key.
func (s *Store) SetMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		s.metaKey(key), value,
	)
	return err
}

func dailyDoneKey(date string) string {
	return "done_count:" + date
}

// GetDailyDoneCount returns the number of issues completed on date
// (YYYY-MM-DD, in the caller's local date).
func (s *Store) GetDailyDoneCount(ctx context.Context, date string) (int, error) {
	value, err := s.GetMeta(ctx, dailyDoneKey(date))
	if err != nil {
		return 0, err
	}
	if value == nil {
		return 0, nil
	}
	n, err := strconv.Atoi(*value)
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// IncrementDailyDoneCount performs a read-modify-write increment of the
// daily completion counter inside a single write transaction.
func (s *Store) IncrementDailyDoneCount(ctx context.Context, date string) (int, error) {
	conn, err := s.beginImmediate(ctx)
	if err != nil {
		return 0, err
	}
	key := s.metaKey(dailyDoneKey(date))

	var current int
	var value string
	err = conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&value)
	switch {
	case err == sql.ErrNoRows:
		current = 0
	case err != nil:
		s.rollback(ctx, conn)
		return 0, err
	default:
		current, _ = strconv.Atoi(value)
	}
	current++

	if _, err := conn.ExecContext(ctx, `
		INSERT INTO meta(key, value) VALUES(?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, strconv.Itoa(current),
	); err != nil {
		s.rollback(ctx, conn)
		return 0, err
	}
	if err := s.commit(ctx, conn); err != nil {
		return 0, err
	}
	return current, nil
}
