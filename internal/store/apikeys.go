package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// APIKey authenticates inbound callers.
type APIKey struct {
	ID         int64  `json:"id"`
	Key        string `json:"key"`
	Name       string `json:"name"`
	Enabled    bool   `json:"enabled"`
	CreatedAt  int64  `json:"createdAt"`
	LastUsedAt int64  `json:"lastUsedAt"`
}

// CreateAPIKey mints and stores a new API key.
func (s *Store) CreateAPIKey(name string) (*APIKey, error) {
	key := "sk-" + strings.ReplaceAll(uuid.New().String(), "-", "")
	now := time.Now().UnixMilli()
	res, err := s.db.Exec(
		`INSERT INTO api_keys (key, name, enabled, created_at) VALUES (?, ?, 1, ?)`,
		key, nullIfEmpty(name), now)
	if err != nil {
		return nil, fmt.Errorf("failed to create api key: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &APIKey{ID: id, Key: key, Name: name, Enabled: true, CreatedAt: now}, nil
}

// GetAPIKey looks up an enabled key by its value. Returns nil if unknown or
// disabled.
func (s *Store) GetAPIKey(key string) (*APIKey, error) {
	row := s.db.QueryRow(
		`SELECT id, key, COALESCE(name, ''), enabled, created_at, COALESCE(last_used_at, 0)
		 FROM api_keys WHERE key = ? AND enabled = 1`, key)
	var k APIKey
	err := row.Scan(&k.ID, &k.Key, &k.Name, &k.Enabled, &k.CreatedAt, &k.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// ListAPIKeys returns all keys ordered by id.
func (s *Store) ListAPIKeys() ([]*APIKey, error) {
	rows, err := s.db.Query(
		`SELECT id, key, COALESCE(name, ''), enabled, created_at, COALESCE(last_used_at, 0)
		 FROM api_keys ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var k APIKey
		if err := rows.Scan(&k.ID, &k.Key, &k.Name, &k.Enabled, &k.CreatedAt, &k.LastUsedAt); err != nil {
			return nil, err
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// TouchAPIKey records key usage.
func (s *Store) TouchAPIKey(id int64) error {
	_, err := s.db.Exec(`UPDATE api_keys SET last_used_at = ? WHERE id = ?`, time.Now().UnixMilli(), id)
	return err
}

// SetAPIKeyEnabled enables or disables a key.
func (s *Store) SetAPIKeyEnabled(id int64, enabled bool) error {
	_, err := s.db.Exec(`UPDATE api_keys SET enabled = ? WHERE id = ?`, enabled, id)
	return err
}

// DeleteAPIKey removes a key.
func (s *Store) DeleteAPIKey(id int64) error {
	_, err := s.db.Exec(`DELETE FROM api_keys WHERE id = ?`, id)
	return err
}
