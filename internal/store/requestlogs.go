package store

import (
	"time"
)

// Request log status values
const (
	LogStatusSuccess = "success"
	LogStatusError   = "error"
)

// RequestLog is one append-only row per inbound request.
type RequestLog struct {
	ID               int64  `json:"id"`
	AccountID        int64  `json:"accountId"`
	APIKeyID         int64  `json:"apiKeyId"`
	Model            string `json:"model"`
	PromptTokens     int64  `json:"promptTokens"`
	CompletionTokens int64  `json:"completionTokens"`
	TotalTokens      int64  `json:"totalTokens"`
	ThinkingTokens   int64  `json:"thinkingTokens"`
	Status           string `json:"status"`
	LatencyMs        int64  `json:"latencyMs"`
	ErrorMessage     string `json:"errorMessage"`
	CreatedAt        int64  `json:"createdAt"`
	RequestID        string `json:"requestId"`
	AttemptNo        int    `json:"attemptNo"`
	AccountAttempt   int    `json:"accountAttempt"`
	SameRetry        bool   `json:"sameRetry"`
}

// InsertRequestLog appends a log row. A zero AccountID or APIKeyID is stored
// as NULL.
func (s *Store) InsertRequestLog(l *RequestLog) error {
	if l.CreatedAt == 0 {
		l.CreatedAt = time.Now().UnixMilli()
	}
	var accountID, apiKeyID interface{}
	if l.AccountID != 0 {
		accountID = l.AccountID
	}
	if l.APIKeyID != 0 {
		apiKeyID = l.APIKeyID
	}
	res, err := s.db.Exec(
		`INSERT INTO request_logs (account_id, api_key_id, model,
			prompt_tokens, completion_tokens, total_tokens, thinking_tokens,
			status, latency_ms, error_message, created_at,
			request_id, attempt_no, account_attempt, same_retry)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		accountID, apiKeyID, l.Model,
		l.PromptTokens, l.CompletionTokens, l.TotalTokens, l.ThinkingTokens,
		l.Status, l.LatencyMs, nullIfEmpty(l.ErrorMessage), l.CreatedAt,
		nullIfEmpty(l.RequestID), l.AttemptNo, l.AccountAttempt, l.SameRetry)
	if err != nil {
		return err
	}
	l.ID, _ = res.LastInsertId()
	return nil
}

// ListRequestLogs returns the most recent rows, newest first.
func (s *Store) ListRequestLogs(limit int) ([]*RequestLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT id, COALESCE(account_id, 0), COALESCE(api_key_id, 0), model,
			prompt_tokens, completion_tokens, total_tokens, thinking_tokens,
			status, latency_ms, COALESCE(error_message, ''), created_at,
			COALESCE(request_id, ''), attempt_no, account_attempt, same_retry
		 FROM request_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*RequestLog
	for rows.Next() {
		var l RequestLog
		if err := rows.Scan(&l.ID, &l.AccountID, &l.APIKeyID, &l.Model,
			&l.PromptTokens, &l.CompletionTokens, &l.TotalTokens, &l.ThinkingTokens,
			&l.Status, &l.LatencyMs, &l.ErrorMessage, &l.CreatedAt,
			&l.RequestID, &l.AttemptNo, &l.AccountAttempt, &l.SameRetry); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// CountRequestLogs returns the total number of log rows.
func (s *Store) CountRequestLogs() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM request_logs`).Scan(&n)
	return n, err
}
