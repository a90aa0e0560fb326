package store

import (
	"context"
	"time"

	"kiln/internal/kilnerr"
)

// Save inserts one unit record per call, batched into a single transaction
// for the whole request. Conflicts (same org + unit_hash already saved) are
// ignored, matching spec's save semantics.
func (s *Store) Save(ctx context.Context, org int64, records []UnitRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return kilnerr.New(kilnerr.Internal, "store.Save", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO saved_units (organization_id, unit_hash, target, libc, content_hash, payload_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(organization_id, unit_hash) DO NOTHING
	`)
	if err != nil {
		return kilnerr.New(kilnerr.Internal, "store.Save", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, org, r.UnitHash, r.Target, r.Libc.String(), r.ContentHash, r.PayloadJSON, now); err != nil {
			return kilnerr.New(kilnerr.Internal, "store.Save", err)
		}
	}
	return kilnerr.Wrap(kilnerr.Internal, "store.Save", tx.Commit())
}

// Restore returns the subset of unitHashes the org owns, filtered by the
// host libc compatibility rule: a record is returned iff hostLibc is
// present, shares the record's libc family, and hostLibc's ordinal is >=
// the record's. Records with no libc tag match only when hostPresent is
// false. The filter runs in Go rather than SQL so the comparison logic is
// unit-testable independent of the SQL dialect.
func (s *Store) Restore(ctx context.Context, org int64, unitHashes []string, hostLibc UnitLibc, hostPresent bool) (map[string]UnitRecord, error) {
	out := map[string]UnitRecord{}
	if len(unitHashes) == 0 {
		return out, nil
	}

	query, args := buildUnitHashQuery(org, unitHashes)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, kilnerr.New(kilnerr.Internal, "store.Restore", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r         UnitRecord
			libcRaw   string
			createdAt string
		)
		r.OrganizationID = org
		if err := rows.Scan(&r.UnitHash, &r.Target, &libcRaw, &r.ContentHash, &r.PayloadJSON, &createdAt); err != nil {
			return nil, kilnerr.New(kilnerr.Internal, "store.Restore", err)
		}
		r.Libc = ParseUnitLibc(libcRaw)
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)

		if !r.Libc.CompatibleWith(hostLibc, hostPresent) {
			continue
		}
		out[r.UnitHash] = r
	}
	return out, kilnerr.Wrap(kilnerr.Internal, "store.Restore", rows.Err())
}

func buildUnitHashQuery(org int64, unitHashes []string) (string, []any) {
	query := `
		SELECT unit_hash, target, libc, content_hash, payload_json, created_at
		FROM saved_units
		WHERE organization_id = ? AND unit_hash IN (`
	args := make([]any, 0, len(unitHashes)+1)
	args = append(args, org)
	for i, h := range unitHashes {
		if i > 0 {
			query += ", "
		}
		query += "?"
		args = append(args, h)
	}
	query += ")"
	return query, args
}
