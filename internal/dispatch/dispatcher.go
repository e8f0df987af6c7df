// Package dispatch wires the rate limiter, account pool, token manager, and
// upstream client into the per-request state machine: authenticate, take a
// model slot, pick an account, call upstream, retry across accounts on
// capacity errors, and record the outcome.
package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/poemonsense/codeassist-gateway/internal/clock"
	"github.com/poemonsense/codeassist-gateway/internal/config"
	apierr "github.com/poemonsense/codeassist-gateway/internal/errors"
	"github.com/poemonsense/codeassist-gateway/internal/pool"
	"github.com/poemonsense/codeassist-gateway/internal/store"
	"github.com/poemonsense/codeassist-gateway/internal/upstream"
	"github.com/poemonsense/codeassist-gateway/internal/utils"
)

// AccountPool is the slice of the pool the dispatcher uses.
type AccountPool interface {
	GetBestAccount(ctx context.Context, model string) (*pool.Lease, error)
	UnlockAccount(id int64)
	MarkCapacityLimited(id int64, model, message string)
	MarkCapacityRecovered(id int64, model string)
	MarkAccountError(id int64, err error)
	MarkAccountSuccess(id int64)
}

// UpstreamClient is the slice of the upstream client the dispatcher uses.
type UpstreamClient interface {
	Chat(ctx context.Context, acct upstream.Account, accessToken, projectID, model string, inner []byte) ([]byte, *upstream.Usage, error)
	StreamChat(ctx context.Context, acct upstream.Account, accessToken, projectID, model string, inner []byte, emit func(chunk []byte) error) (*upstream.Usage, error)
}

// SlotLimiter is the per-model concurrency gate.
type SlotLimiter interface {
	Acquire(model string) bool
	Release(model string)
}

// LogStore persists request log rows and resolves model mappings.
type LogStore interface {
	InsertRequestLog(l *store.RequestLog) error
	ListModelMappings() ([]*store.ModelMapping, error)
}

// Request is one inbound generate call, already normalised to the upstream
// dialect by the handler layer.
type Request struct {
	Model    string // caller-facing model name
	Inner    []byte // normalised inner request body
	APIKeyID int64
}

// Result is a completed non-streaming call.
type Result struct {
	Body      []byte
	Usage     *upstream.Usage
	AccountID int64
}

// StreamSink receives decoded upstream events for a streaming call. Emit
// must flush each event to the caller before returning.
type StreamSink interface {
	Emit(chunk []byte) error
	EmitError(message, code string)
}

// Dispatcher runs the request state machine.
type Dispatcher struct {
	cfg      *config.Config
	clk      clock.Clock
	pool     AccountPool
	limiter  SlotLimiter
	client   UpstreamClient
	logs     LogStore
}

// New creates a Dispatcher.
func New(cfg *config.Config, clk clock.Clock, p AccountPool, limiter SlotLimiter, client UpstreamClient, logs LogStore) *Dispatcher {
	if clk == nil {
		clk = clock.System()
	}
	return &Dispatcher{cfg: cfg, clk: clk, pool: p, limiter: limiter, client: client, logs: logs}
}

// ResolveModel maps a caller-facing model through the stored mappings first,
// then the static config aliases.
func (d *Dispatcher) ResolveModel(model string) string {
	if mappings, err := d.logs.ListModelMappings(); err == nil {
		for _, m := range mappings {
			if m.Alias == model {
				return m.Target
			}
		}
	}
	return d.cfg.ResolveModel(model)
}

// Generate handles a non-streaming request end to end.
func (d *Dispatcher) Generate(ctx context.Context, req *Request) (*Result, error) {
	model := d.ResolveModel(req.Model)
	requestID := uuid.New().String()
	start := d.clk.Now()

	if !d.limiter.Acquire(model) {
		err := apierr.NewSlotLimitError(model)
		d.writeLog(req, model, requestID, 0, nil, start, 1, 1, false, err)
		return nil, err
	}
	defer d.limiter.Release(model)

	res, attempts, accountAttempts, sameRetry, err := d.attemptLoop(ctx, req, model, nil)
	var accountID int64
	var usage *upstream.Usage
	if res != nil {
		accountID = res.AccountID
		usage = res.Usage
	}
	d.writeLog(req, model, requestID, accountID, usage, start, attempts, accountAttempts, sameRetry, err)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// StreamGenerate handles a streaming request. The sink's headers must be
// committed before calling; terminal errors after any emitted bytes are
// surfaced as in-stream error events.
func (d *Dispatcher) StreamGenerate(ctx context.Context, req *Request, sink StreamSink) error {
	model := d.ResolveModel(req.Model)
	requestID := uuid.New().String()
	start := d.clk.Now()

	if !d.limiter.Acquire(model) {
		err := apierr.NewSlotLimitError(model)
		sink.EmitError(err.Error(), apierr.ErrorCode(err))
		d.writeLog(req, model, requestID, 0, nil, start, 1, 1, false, err)
		return err
	}
	defer d.limiter.Release(model)

	res, attempts, accountAttempts, sameRetry, err := d.attemptLoop(ctx, req, model, sink)
	var accountID int64
	var usage *upstream.Usage
	if res != nil {
		accountID = res.AccountID
		usage = res.Usage
	}
	d.writeLog(req, model, requestID, accountID, usage, start, attempts, accountAttempts, sameRetry, err)

	if err != nil && !apierr.IsCancelled(err) {
		sink.EmitError(terminalMessage(err), apierr.ErrorCode(err))
	}
	return err
}

// attemptLoop runs up to capacityRetries+1 attempts across accounts. When
// sink is non-nil the call streams; once any event has reached the caller no
// further retries happen, even on capacity errors.
func (d *Dispatcher) attemptLoop(ctx context.Context, req *Request, model string, sink StreamSink) (res *Result, attempts, accountAttempts int, sameRetry bool, err error) {
	maxAttempts := d.cfg.CapacityRetries + 1
	seen := make(map[int64]int)
	grantRetried := false

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		if ctx.Err() != nil {
			return nil, attempts, accountAttempts, sameRetry, ctx.Err()
		}

		lease, perr := d.pool.GetBestAccount(ctx, model)
		if perr != nil {
			return nil, attempts, accountAttempts, sameRetry, perr
		}
		acctID := lease.Account.ID
		accountAttempts++
		seen[acctID]++
		if seen[acctID] > 1 {
			sameRetry = true
		}

		acct := upstream.Account{ID: acctID, Email: lease.Account.Email, Tier: lease.Account.Tier}

		var usage *upstream.Usage
		var body []byte
		emitted := false
		var callErr error

		if sink != nil {
			usage, callErr = d.client.StreamChat(ctx, acct, lease.Token.AccessToken, lease.Token.ProjectID, model, req.Inner,
				func(chunk []byte) error {
					emitted = true
					return sink.Emit(chunk)
				})
		} else {
			body, usage, callErr = d.client.Chat(ctx, acct, lease.Token.AccessToken, lease.Token.ProjectID, model, req.Inner)
		}

		if callErr == nil {
			d.pool.MarkCapacityRecovered(acctID, model)
			d.pool.MarkAccountSuccess(acctID)
			d.pool.UnlockAccount(acctID)
			return &Result{Body: body, Usage: usage, AccountID: acctID}, attempts, accountAttempts, sameRetry, nil
		}

		if apierr.IsCancelled(callErr) {
			d.pool.UnlockAccount(acctID)
			return nil, attempts, accountAttempts, sameRetry, callErr
		}

		if apierr.IsInvalidGrant(callErr) {
			// The mid-call forced refresh hit a revoked refresh token. The
			// token manager already flipped the account to error status, so
			// the next selection cannot land on it; give the request one
			// shot on another account within the same attempt budget.
			d.pool.UnlockAccount(acctID)
			if !emitted && !grantRetried && attempt < maxAttempts {
				grantRetried = true
				continue
			}
			return nil, attempts, accountAttempts, sameRetry, callErr
		}

		if apierr.IsCapacityError(callErr) {
			d.pool.MarkCapacityLimited(acctID, model, callErr.Error())
			d.pool.UnlockAccount(acctID)

			// A partially streamed transcript is bound to this attempt;
			// switching accounts mid-stream would hand the caller a
			// spliced response.
			if emitted {
				return nil, attempts, accountAttempts, sameRetry, callErr
			}
			if attempt < maxAttempts {
				d.sleepBeforeRetry(ctx, callErr, attempt)
				if ctx.Err() != nil {
					return nil, attempts, accountAttempts, sameRetry, ctx.Err()
				}
				continue
			}
			return nil, attempts, accountAttempts, sameRetry, callErr
		}

		// Empty responses and protocol failures are terminal for this
		// request.
		d.pool.MarkAccountError(acctID, callErr)
		d.pool.UnlockAccount(acctID)
		return nil, attempts, accountAttempts, sameRetry, callErr
	}

	return nil, attempts, accountAttempts, sameRetry, apierr.NewAllLimitedError(model)
}

// sleepBeforeRetry waits for the parsed reset hint when the capacity error
// carried one, otherwise for baseDelay x attempt.
func (d *Dispatcher) sleepBeforeRetry(ctx context.Context, capErr error, attempt int) {
	delayMs := d.cfg.CapacityRetryDelayMs * int64(attempt)
	var ce *apierr.CapacityError
	if errors.As(capErr, &ce) && ce.ResetMs > 0 {
		delayMs = ce.ResetMs
	}
	utils.Debug("[Dispatch] Capacity hit, backing off %s before attempt %d", utils.FormatDuration(delayMs), attempt+1)
	d.clk.Sleep(ctx, time.Duration(delayMs)*time.Millisecond)
}

func (d *Dispatcher) writeLog(req *Request, model, requestID string, accountID int64, usage *upstream.Usage, start time.Time, attempts, accountAttempts int, sameRetry bool, err error) {
	row := &store.RequestLog{
		AccountID:      accountID,
		APIKeyID:       req.APIKeyID,
		Model:          model,
		Status:         store.LogStatusSuccess,
		LatencyMs:      d.clk.Now().Sub(start).Milliseconds(),
		RequestID:      requestID,
		AttemptNo:      attempts,
		AccountAttempt: accountAttempts,
		SameRetry:      sameRetry,
	}
	if usage != nil {
		row.PromptTokens = usage.PromptTokens
		row.CompletionTokens = usage.CompletionTokens
		row.TotalTokens = usage.TotalTokens
		row.ThinkingTokens = usage.ThinkingTokens
	}
	if err != nil {
		row.Status = store.LogStatusError
		if apierr.IsCancelled(err) {
			row.ErrorMessage = "client disconnected"
		} else {
			row.ErrorMessage = utils.TruncateString(err.Error(), 500)
		}
	}
	if lerr := d.logs.InsertRequestLog(row); lerr != nil {
		utils.Error("[Dispatch] Failed to write request log: %v", lerr)
	}
}

// terminalMessage keeps caller-facing stream errors short.
func terminalMessage(err error) string {
	return utils.TruncateString(err.Error(), 300)
}
