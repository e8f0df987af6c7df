package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Account status values
const (
	AccountStatusActive   = "active"
	AccountStatusDisabled = "disabled"
	AccountStatusError    = "error"
)

// Account is a pooled upstream account. Zero values stand in for SQL NULLs:
// an empty AccessToken means no refresh has ever succeeded, a zero
// AccessTokenExpiresAt means no usable token, a zero LastUsedAt sorts oldest.
type Account struct {
	ID                   int64  `json:"id"`
	Email                string `json:"email"`
	RefreshToken         string `json:"-"`
	AccessToken          string `json:"-"`
	AccessTokenExpiresAt int64  `json:"accessTokenExpiresAt"`
	ProjectID            string `json:"projectId"`
	Tier                 string `json:"tier"`
	Status               string `json:"status"`
	ErrorCount           int    `json:"errorCount"`
	LastUsedAt           int64  `json:"lastUsedAt"`
	LastErrorAt          int64  `json:"lastErrorAt"`
	LastErrorMessage     string `json:"lastErrorMessage"`
	CreatedAt            int64  `json:"createdAt"`
}

const accountColumns = `id, COALESCE(email, ''), refresh_token,
	COALESCE(access_token, ''), COALESCE(access_token_expires_at, 0),
	COALESCE(project_id, ''), COALESCE(tier, ''),
	status, error_count,
	COALESCE(last_used_at, 0), COALESCE(last_error_at, 0),
	COALESCE(last_error_message, ''), created_at`

func scanAccount(row interface{ Scan(...interface{}) error }) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Email, &a.RefreshToken,
		&a.AccessToken, &a.AccessTokenExpiresAt,
		&a.ProjectID, &a.Tier,
		&a.Status, &a.ErrorCount,
		&a.LastUsedAt, &a.LastErrorAt,
		&a.LastErrorMessage, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccount inserts a new account with just an email and refresh token.
// The account is not selectable until initialization fills project_id and tier.
func (s *Store) CreateAccount(email, refreshToken string) (*Account, error) {
	now := time.Now().UnixMilli()
	res, err := s.db.Exec(
		`INSERT INTO accounts (email, refresh_token, status, created_at) VALUES (?, ?, ?, ?)`,
		nullIfEmpty(email), refreshToken, AccountStatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return s.GetAccount(id)
}

// GetAccount returns the account with the given id, or nil if absent.
func (s *Store) GetAccount(id int64) (*Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// GetAccountByProjectID returns the account bound to projectID, or nil.
func (s *Store) GetAccountByProjectID(projectID string) (*Account, error) {
	row := s.db.QueryRow(`SELECT `+accountColumns+` FROM accounts WHERE project_id = ?`, projectID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return a, err
}

// ListAccounts returns all accounts ordered by id.
func (s *Store) ListAccounts() ([]*Account, error) {
	rows, err := s.db.Query(`SELECT ` + accountColumns + ` FROM accounts ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpdateAccountTokens persists a refreshed access token.
func (s *Store) UpdateAccountTokens(id int64, accessToken string, expiresAt int64) error {
	_, err := s.db.Exec(
		`UPDATE accounts SET access_token = ?, access_token_expires_at = ? WHERE id = ?`,
		accessToken, expiresAt, id)
	return err
}

// UpdateAccountProject persists the discovered project id and tier.
func (s *Store) UpdateAccountProject(id int64, projectID, tier string) error {
	_, err := s.db.Exec(
		`UPDATE accounts SET project_id = ?, tier = ? WHERE id = ?`,
		projectID, tier, id)
	return err
}

// UpdateAccountEmail sets the email field.
func (s *Store) UpdateAccountEmail(id int64, email string) error {
	_, err := s.db.Exec(`UPDATE accounts SET email = ? WHERE id = ?`, nullIfEmpty(email), id)
	return err
}

// UpdateAccountStatus sets the status field.
func (s *Store) UpdateAccountStatus(id int64, status string) error {
	_, err := s.db.Exec(`UPDATE accounts SET status = ? WHERE id = ?`, status, id)
	return err
}

// TouchAccount records a selection.
func (s *Store) TouchAccount(id int64, usedAt int64) error {
	_, err := s.db.Exec(`UPDATE accounts SET last_used_at = ? WHERE id = ?`, usedAt, id)
	return err
}

// RecordAccountError increments error_count and records the message. When the
// new count reaches threshold, status flips to error. Returns the new count.
func (s *Store) RecordAccountError(id int64, message string, threshold int) (int, error) {
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(
		`UPDATE accounts SET error_count = error_count + 1, last_error_at = ?, last_error_message = ? WHERE id = ?`,
		now, message, id)
	if err != nil {
		return 0, err
	}

	var count int
	if err := s.db.QueryRow(`SELECT error_count FROM accounts WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, err
	}
	if threshold > 0 && count >= threshold {
		if err := s.UpdateAccountStatus(id, AccountStatusError); err != nil {
			return count, err
		}
	}
	return count, nil
}

// ResetAccountErrors clears error_count after a successful upstream call.
func (s *Store) ResetAccountErrors(id int64) error {
	_, err := s.db.Exec(`UPDATE accounts SET error_count = 0 WHERE id = ?`, id)
	return err
}

// DeleteAccount removes an account.
func (s *Store) DeleteAccount(id int64) error {
	_, err := s.db.Exec(`DELETE FROM accounts WHERE id = ?`, id)
	return err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
