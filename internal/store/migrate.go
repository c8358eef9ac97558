package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migrate brings a database file up to schemaVersion. A legacy
// single-tenant `issues` table (no `repo` column) is renamed, the
// namespace-keyed schema is created, and legacy rows are copied in under
// the current namespace; `done_count:*` metadata keys are rewritten
// under the namespace prefix too. Every step runs in one transaction.
func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	legacy, err := issuesTableIsLegacy(ctx, tx)
	if err != nil {
		return err
	}

	if legacy {
		if err := migrateLegacyIssues(ctx, tx, s.namespace); err != nil {
			return err
		}
	} else if err := createSchemaV2(ctx, tx); err != nil {
		return err
	}

	if err := migrateLegacyMetaKeys(ctx, tx, s.namespace); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	return tx.Commit()
}

// issuesTableIsLegacy reports whether an `issues` table exists without a
// `repo` column — the marker of a pre-namespace, single-tenant schema.
func issuesTableIsLegacy(ctx context.Context, tx *sql.Tx) (bool, error) {
	var exists int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'issues'`).Scan(&exists)
	if err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	rows, err := tx.QueryContext(ctx, `PRAGMA table_info(issues)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	hasRepo := false
	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == "repo" {
			hasRepo = true
		}
	}
	return !hasRepo, rows.Err()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS issues (
  repo TEXT NOT NULL,
  id INTEGER NOT NULL,
  title TEXT NOT NULL,
  body TEXT,
  url TEXT,
  labels_json TEXT,
  status TEXT NOT NULL DEFAULT 'pending',
  attempt_count INTEGER NOT NULL DEFAULT 0,

  lease_until TEXT,
  claimed_by TEXT,

  branch TEXT,
  pr_number INTEGER,
  pr_url TEXT,
  head_sha TEXT,

  last_error TEXT,
  last_run_dir TEXT,

  created_at TEXT DEFAULT CURRENT_TIMESTAMP,
  updated_at TEXT,
  started_at TEXT,
  completed_at TEXT,

  PRIMARY KEY (repo, id)
);

CREATE INDEX IF NOT EXISTS idx_issues_repo_status ON issues(repo, status);
CREATE INDEX IF NOT EXISTS idx_issues_repo_lease ON issues(repo, lease_until);

CREATE TABLE IF NOT EXISTS meta (
  key TEXT PRIMARY KEY,
  value TEXT
);
`

func createSchemaV2(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, schemaDDL)
	return err
}

func migrateLegacyIssues(ctx context.Context, tx *sql.Tx, namespace string) error {
	if _, err := tx.ExecContext(ctx, `ALTER TABLE issues RENAME TO issues_legacy_v1`); err != nil {
		return err
	}
	if err := createSchemaV2(ctx, tx); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO issues (
		  repo, id, title, body, url, labels_json, status, attempt_count,
		  lease_until, claimed_by, branch, pr_number, pr_url, head_sha,
		  last_error, last_run_dir, created_at, updated_at, started_at, completed_at
		)
		SELECT ?, id, title, body, url, labels_json, status, attempt_count,
		  lease_until, claimed_by, branch, pr_number, pr_url, head_sha,
		  last_error, last_run_dir, created_at, updated_at, started_at, completed_at
		FROM issues_legacy_v1`,
		namespace,
	)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DROP TABLE issues_legacy_v1`)
	return err
}

func migrateLegacyMetaKeys(ctx context.Context, tx *sql.Tx, namespace string) error {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'meta'`).Scan(&exists); err != nil {
		return err
	}
	if exists == 0 {
		return nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT key, value FROM meta WHERE key LIKE 'done_count:%'`)
	if err != nil {
		return err
	}
	type kv struct{ key, value string }
	var legacy []kv
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return err
		}
		legacy = append(legacy, kv{k, v})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, pair := range legacy {
		scopedKey := namespace + ":" + pair.key
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO meta(key, value) VALUES(?, ?)
			ON CONFLICT(key) DO NOTHING`,
			scopedKey, pair.value,
		); err != nil {
			return err
		}
	}
	return nil
}
