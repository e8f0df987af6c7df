// Package stats records hourly usage counters in Redis. The recorder is
// optional; a nil *Recorder is safe to call and does nothing.
package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/poemonsense/codeassist-gateway/internal/utils"
	"github.com/poemonsense/codeassist-gateway/pkg/redis"
)

// retention keeps hourly buckets for one week.
const retention = 7 * 24 * time.Hour

// Recorder accumulates per-model usage in hourly Redis hashes.
type Recorder struct {
	client *redis.Client
}

// NewRecorder creates a Recorder. A nil client yields a disabled recorder.
func NewRecorder(client *redis.Client) *Recorder {
	if client == nil {
		return nil
	}
	return &Recorder{client: client}
}

func hourKey(t time.Time) string {
	return redis.PrefixStats + t.UTC().Format("2006010215")
}

// RecordRequest bumps the counters for one completed request. Failures are
// logged and swallowed; stats must never affect the request path.
func (r *Recorder) RecordRequest(model, status string, totalTokens int64) {
	if r == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := hourKey(time.Now())
	fields := map[string]int64{
		fmt.Sprintf("%s:%s", model, status): 1,
		model + ":tokens":                   totalTokens,
	}
	for field, incr := range fields {
		if _, err := r.client.HIncrBy(ctx, key, field, incr); err != nil {
			utils.Debug("[Stats] Failed to record %s: %v", field, err)
			return
		}
	}
	if err := r.client.Expire(ctx, key, retention); err != nil {
		utils.Debug("[Stats] Failed to set TTL on %s: %v", key, err)
	}
}

// HourlyUsage returns the raw counters for the hour containing t.
func (r *Recorder) HourlyUsage(ctx context.Context, t time.Time) (map[string]string, error) {
	if r == nil {
		return map[string]string{}, nil
	}
	return r.client.HGetAll(ctx, hourKey(t))
}
