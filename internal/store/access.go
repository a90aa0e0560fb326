package store

import (
	"context"
	"database/sql"
	"time"

	"kiln/internal/kilnerr"
)

// Grant records that organization org may access blob_key, upserting both
// the key's existence row and the (org, key) grant row. Idempotent: calling
// it twice for the same pair is not an error, and the second call reports
// alreadyHad=true.
func (s *Store) Grant(ctx context.Context, org int64, blobKey string) (isNew bool, alreadyHad bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, false, kilnerr.New(kilnerr.Internal, "store.Grant", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO cas_keys (blob_key) VALUES (?) ON CONFLICT DO NOTHING`, blobKey); err != nil {
		return false, false, kilnerr.New(kilnerr.Internal, "store.Grant", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO access_grants (organization_id, blob_key, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(organization_id, blob_key) DO NOTHING
	`, org, blobKey, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return false, false, kilnerr.New(kilnerr.Internal, "store.Grant", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, false, kilnerr.New(kilnerr.Internal, "store.Grant", err)
	}
	if err := tx.Commit(); err != nil {
		return false, false, kilnerr.New(kilnerr.Internal, "store.Grant", err)
	}
	return n > 0, n == 0, nil
}

// Check reports whether org has been granted access to blobKey. A hit bumps
// the grant's access_count, which TopKeys later reads to seed a newly
// minted token's key-set cache with the org's most-frequently-read keys.
func (s *Store) Check(ctx context.Context, org int64, blobKey string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM access_grants WHERE organization_id = ? AND blob_key = ?
	`, org, blobKey).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, kilnerr.New(kilnerr.Internal, "store.Check", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE access_grants SET access_count = access_count + 1
		WHERE organization_id = ? AND blob_key = ?
	`, org, blobKey); err != nil {
		return true, kilnerr.New(kilnerr.Internal, "store.Check", err)
	}
	return true, nil
}

// TopKeysForOrg returns up to limit blob keys granted to org, ordered by
// access_count descending — the "most-frequently-accessed keys" C4's token
// mint step seeds a freshly created OrgKeySet with. Grants scoped to the
// organization stand in for "the account's" keys here: kiln's access model
// doesn't track per-account read history, only per-org grants, and every
// account in an org shares that org's key-set cache.
func (s *Store) TopKeysForOrg(ctx context.Context, org int64, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT blob_key FROM access_grants
		WHERE organization_id = ?
		ORDER BY access_count DESC, blob_key ASC
		LIMIT ?
	`, org, limit)
	if err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "store.TopKeysForOrg", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, kilnerr.New(kilnerr.Internal, "store.TopKeysForOrg", err)
		}
		keys = append(keys, k)
	}
	return keys, kilnerr.Wrap(kilnerr.Internal, "store.TopKeysForOrg", rows.Err())
}

// CheckBulk returns the subset of keys that org may access. An empty input
// returns an empty output without touching the database, per spec.
func (s *Store) CheckBulk(ctx context.Context, org int64, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	query, args := buildInQuery(
		`SELECT blob_key FROM access_grants WHERE organization_id = ? AND blob_key IN (`,
		org, keys,
	)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "store.CheckBulk", err)
	}
	defer rows.Close()

	var allowed []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, kilnerr.New(kilnerr.Internal, "store.CheckBulk", err)
		}
		allowed = append(allowed, k)
	}
	return allowed, kilnerr.Wrap(kilnerr.Internal, "store.CheckBulk", rows.Err())
}

// Reset deletes all of an organization's access grants and saved units in a
// single transaction, per spec's reset(org) contract.
func (s *Store) Reset(ctx context.Context, org int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kilnerr.New(kilnerr.Internal, "store.Reset", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM access_grants WHERE organization_id = ?`, org); err != nil {
		return kilnerr.New(kilnerr.Internal, "store.Reset", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM saved_units WHERE organization_id = ?`, org); err != nil {
		return kilnerr.New(kilnerr.Internal, "store.Reset", err)
	}
	return kilnerr.Wrap(kilnerr.Internal, "store.Reset", tx.Commit())
}

// buildInQuery appends len(values) placeholders and a closing paren to
// prefix, returning the finished query string and its full argument list
// (org first, then one arg per value).
func buildInQuery(prefix string, org int64, values []string) (string, []any) {
	args := make([]any, 0, len(values)+1)
	args = append(args, org)
	for i, v := range values {
		if i > 0 {
			prefix += ", "
		}
		prefix += "?"
		args = append(args, v)
	}
	prefix += ")"
	return prefix, args
}
