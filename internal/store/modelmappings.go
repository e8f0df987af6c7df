package store

import (
	"time"
)

// ModelMapping maps a caller-facing model alias to the upstream model id.
// Mappings in the store take precedence over the static config aliases.
type ModelMapping struct {
	ID        int64  `json:"id"`
	Alias     string `json:"alias"`
	Target    string `json:"target"`
	CreatedAt int64  `json:"createdAt"`
}

// UpsertModelMapping creates or replaces the mapping for alias.
func (s *Store) UpsertModelMapping(alias, target string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO model_mappings (alias, target, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(alias) DO UPDATE SET target = excluded.target`,
		alias, target, now)
	return err
}

// ListModelMappings returns all mappings ordered by alias.
func (s *Store) ListModelMappings() ([]*ModelMapping, error) {
	rows, err := s.db.Query(`SELECT id, alias, target, created_at FROM model_mappings ORDER BY alias ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []*ModelMapping
	for rows.Next() {
		var m ModelMapping
		if err := rows.Scan(&m.ID, &m.Alias, &m.Target, &m.CreatedAt); err != nil {
			return nil, err
		}
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}

// DeleteModelMapping removes the mapping for alias.
func (s *Store) DeleteModelMapping(alias string) error {
	_, err := s.db.Exec(`DELETE FROM model_mappings WHERE alias = ?`, alias)
	return err
}
