package store

import (
	"context"
	"database/sql"

	"kiln/internal/kilnerr"
)

// AccountByTokenHash satisfies auth.AccountLookup: it resolves a hashed API
// token to the account and organization that own it.
func (s *Store) AccountByTokenHash(ctx context.Context, tokenHashHex string) (accountID int64, orgID int64, orgHeader string, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT account_id, organization_id FROM accounts WHERE token_sha256 = ?
	`, tokenHashHex)
	if err := row.Scan(&accountID, &orgID); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, "", kilnerr.New(kilnerr.Unauthorized, "store.AccountByTokenHash", err)
		}
		return 0, 0, "", kilnerr.New(kilnerr.Internal, "store.AccountByTokenHash", err)
	}
	return accountID, orgID, "", nil
}

// CreateAccount registers a new account under an organization with the
// given token's SHA-256. Used by provisioning tooling, not by the HTTP API.
func (s *Store) CreateAccount(ctx context.Context, accountID, orgID int64, tokenSHA256 string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (account_id, organization_id, token_sha256) VALUES (?, ?, ?)
	`, accountID, orgID, tokenSHA256)
	return kilnerr.Wrap(kilnerr.Internal, "store.CreateAccount", err)
}
