// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package recipestore

import (
	"context"
	"errors"
	"fmt"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/pantry/lib/passhash"
)

// Account is a user identity record. Credential holds the stored
// form: an argon2id hash, or plaintext for rows not yet upgraded.
type Account struct {
	ID           int64  `json:"id"`
	Handle       string `json:"username"`
	Credential   string `json:"password"`
	IsAdmin      bool   `json:"admin"`
	IsAuthorized bool   `json:"authorized"`
}

const accountColumns = "id, username, password, admin, authorized"

func scanAccount(stmt *sqlite.Stmt) Account {
	return Account{
		ID:           stmt.ColumnInt64(0),
		Handle:       stmt.ColumnText(1),
		Credential:   stmt.ColumnText(2),
		IsAdmin:      stmt.ColumnInt(3) != 0,
		IsAuthorized: stmt.ColumnInt(4) != 0,
	}
}

// CheckLogin returns the account whose handle is exactly handle and
// whose credential verifies against credential. Any mismatch, including
// an unknown handle, returns ErrInvalidCredentials.
//
// A plaintext or outdated stored credential is replaced with a fresh
// hash after a successful check; a failed upgrade is logged and does
// not fail the login.
func (s *Store) CheckLogin(ctx context.Context, handle, credential string) (Account, error) {
	var account Account
	found := false
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT "+accountColumns+" FROM users WHERE username = ?",
			&sqlitex.ExecOptions{
				Args: []any{handle},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					account = scanAccount(stmt)
					found = true
					return nil
				},
			})
	})
	if err != nil {
		return Account{}, fmt.Errorf("recipestore: looking up account: %w", err)
	}

	if !found {
		if _, err := s.verify(ctx, credential, s.dummyHash); err != nil && ctx.Err() != nil {
			return Account{}, fmt.Errorf("recipestore: checking login: %w", err)
		}
		return Account{}, ErrInvalidCredentials
	}

	matched, err := s.verify(ctx, credential, account.Credential)
	if err != nil {
		return Account{}, fmt.Errorf("recipestore: verifying credential of account %d: %w", account.ID, err)
	}
	if !matched {
		return Account{}, ErrInvalidCredentials
	}

	if passhash.NeedsRehash(account.Credential, s.credentials) {
		if upgraded, err := s.upgradeCredential(ctx, account, credential); err != nil {
			s.logger.Warn("credential upgrade failed",
				"account_id", account.ID,
				"error", err,
			)
		} else {
			account.Credential = upgraded
		}
	}
	return account, nil
}

// upgradeCredential replaces account's stored credential with a hash of
// credential, unless the row changed since it was read.
func (s *Store) upgradeCredential(ctx context.Context, account Account, credential string) (string, error) {
	hash, err := s.hash(ctx, credential)
	if err != nil {
		return "", err
	}
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"UPDATE users SET password = ? WHERE id = ? AND password = ?",
			&sqlitex.ExecOptions{Args: []any{hash, account.ID, account.Credential}})
	})
	if err != nil {
		return "", err
	}
	s.logger.Info("credential rehashed", "account_id", account.ID)
	return hash, nil
}

// hash derives a credential hash once a hashing slot is free.
func (s *Store) hash(ctx context.Context, credential string) (string, error) {
	if err := s.hashing.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer s.hashing.Release(1)
	return passhash.Hash(credential, s.credentials)
}

// verify checks credential against stored once a hashing slot is free.
func (s *Store) verify(ctx context.Context, credential, stored string) (bool, error) {
	if err := s.hashing.Acquire(ctx, 1); err != nil {
		return false, err
	}
	defer s.hashing.Release(1)
	return passhash.Verify(credential, stored)
}

// Register creates an account that is neither admin nor authorized and
// returns its id. A taken handle returns ErrDuplicateHandle.
func (s *Store) Register(ctx context.Context, handle, credential string) (int64, error) {
	hash, err := s.hash(ctx, credential)
	if err != nil {
		return 0, fmt.Errorf("recipestore: %w", err)
	}

	var id int64
	err = s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		id = 0
		err := sqlitex.Execute(conn,
			"INSERT INTO users (username, password, admin, authorized) VALUES (?, ?, 0, 0)",
			&sqlitex.ExecOptions{Args: []any{handle, hash}})
		if err != nil {
			return err
		}
		id = conn.LastInsertRowID()
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("recipestore: registering %q: %w", handle, ErrDuplicateHandle)
		}
		return 0, fmt.Errorf("recipestore: registering %q: %w", handle, err)
	}

	s.logger.Info("account registered", "account_id", id)
	return id, nil
}

// ListAccounts returns every account ordered by id, including stored
// credentials. Never nil.
func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	accounts := []Account{}
	err := s.pool.Read(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			"SELECT "+accountColumns+" FROM users ORDER BY id",
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					accounts = append(accounts, scanAccount(stmt))
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("recipestore: listing accounts: %w", err)
	}
	return accounts, nil
}

// SetAuthorized sets the authorized flag of account id. An unknown id
// is not an error.
func (s *Store) SetAuthorized(ctx context.Context, id int64, authorized bool) error {
	return s.execWrite(ctx, "setting authorization",
		"UPDATE users SET authorized = ? WHERE id = ?", sqliteBool(authorized), id)
}

// GrantAdmin makes account id both admin and authorized in one
// statement. An unknown id is not an error.
func (s *Store) GrantAdmin(ctx context.Context, id int64) error {
	return s.execWrite(ctx, "granting admin",
		"UPDATE users SET admin = 1, authorized = 1 WHERE id = ?", id)
}

// DeleteAccount removes account id. Recipes attributed to its handle
// are left in place. An unknown id is not an error.
func (s *Store) DeleteAccount(ctx context.Context, id int64) error {
	return s.execWrite(ctx, "deleting account",
		"DELETE FROM users WHERE id = ?", id)
}

// execWrite runs a single statement in a write transaction.
func (s *Store) execWrite(ctx context.Context, operation, query string, args ...any) error {
	err := s.pool.Write(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args})
	})
	if err != nil {
		return fmt.Errorf("recipestore: %s: %w", operation, err)
	}
	return nil
}

// sqliteBool maps b to the 0/1 integers the schema stores.
func sqliteBool(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	code := sqlite.ErrCode(err)
	return code == sqlite.ResultConstraintUnique || code == sqlite.ResultConstraintPrimaryKey
}

// errorsIsAny reports whether err matches any of targets.
func errorsIsAny(err error, targets ...error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
