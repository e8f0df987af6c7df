// Package pool selects, locks, and cools down upstream accounts. All pool
// state lives behind a single mutex; selection is O(n) over accounts, which
// is fine because pools hold tens of accounts, not thousands.
package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/poemonsense/codeassist-gateway/internal/clock"
	"github.com/poemonsense/codeassist-gateway/internal/config"
	apierr "github.com/poemonsense/codeassist-gateway/internal/errors"
	"github.com/poemonsense/codeassist-gateway/internal/store"
	"github.com/poemonsense/codeassist-gateway/internal/token"
	"github.com/poemonsense/codeassist-gateway/internal/utils"
)

// TokenSource is the slice of the token manager the pool needs.
type TokenSource interface {
	EnsureValidToken(ctx context.Context, accountID int64) (*token.Snapshot, error)
}

// Lease is a locked account plus its fresh token snapshot. The holder must
// call Pool.UnlockAccount when done.
type Lease struct {
	Account *store.Account
	Token   *token.Snapshot
}

type cooldownKey struct {
	accountID int64
	model     string
}

type cooldownEntry struct {
	until int64 // epoch ms
	hits  int
}

type waiter struct {
	model string
	ch    chan struct{}
}

// Pool hands out exclusive account leases per model.
type Pool struct {
	store  *store.Store
	cfg    *config.Config
	clk    clock.Clock
	tokens TokenSource

	mu        sync.Mutex
	locked    map[int64]bool
	cooldowns map[cooldownKey]*cooldownEntry
	waiters   []*waiter
}

// New creates a Pool.
func New(st *store.Store, cfg *config.Config, clk clock.Clock, tokens TokenSource) *Pool {
	if clk == nil {
		clk = clock.System()
	}
	return &Pool{
		store:     st,
		cfg:       cfg,
		clk:       clk,
		tokens:    tokens,
		locked:    make(map[int64]bool),
		cooldowns: make(map[cooldownKey]*cooldownEntry),
	}
}

func (p *Pool) lock()   { p.mu.Lock() }
func (p *Pool) unlock() { p.mu.Unlock() }

// GetBestAccount selects, locks, and returns an account eligible for model,
// with a valid token. Blocks until an account frees up, the wait budget
// elapses, or ctx is cancelled.
func (p *Pool) GetBestAccount(ctx context.Context, model string) (*Lease, error) {
	deadline := p.clk.Now().Add(time.Duration(p.cfg.AccountWaitMs) * time.Millisecond)
	attempts := 0

	for {
		lease, err := p.trySelect(ctx, model)
		if err != nil {
			if apierr.IsInvalidGrant(err) || apierr.IsTransient(err) {
				// Token failure on the selected account: reselect, but do
				// not spin forever on a pool that keeps failing.
				attempts++
				if attempts > p.cfg.CapacityRetries+1 {
					return nil, err
				}
				continue
			}
			return nil, err
		}
		if lease != nil {
			return lease, nil
		}

		// Nothing selectable right now. Wait for an unlock, a cooldown
		// expiry, the deadline, or cancellation.
		now := p.clk.Now()
		if !now.Before(deadline) {
			return nil, p.exhaustedError(model)
		}

		w := p.addWaiter(model)

		// Re-check after registering: an unlock landing between the failed
		// pass and addWaiter would otherwise be a lost wakeup, stalling the
		// caller toward the full wait budget.
		lease, err = p.trySelect(ctx, model)
		if err != nil || lease != nil {
			p.removeWaiter(w)
			if lease != nil {
				return lease, nil
			}
			if apierr.IsInvalidGrant(err) || apierr.IsTransient(err) {
				attempts++
				if attempts > p.cfg.CapacityRetries+1 {
					return nil, err
				}
				continue
			}
			return nil, err
		}

		sleepFor := deadline.Sub(now)
		if next := p.nextCooldownExpiry(model); next > 0 {
			if d := time.Duration(next-now.UnixMilli()) * time.Millisecond; d > 0 && d < sleepFor {
				sleepFor = d
			}
		}

		if err := p.waitSignal(ctx, w, sleepFor); err != nil {
			p.removeWaiter(w)
			return nil, err
		}
		p.removeWaiter(w)
	}
}

// waitSignal blocks on the waiter channel, a timer, or cancellation.
func (p *Pool) waitSignal(ctx context.Context, w *waiter, d time.Duration) error {
	sleepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.clk.Sleep(sleepCtx, d)
		close(done)
	}()
	select {
	case <-w.ch:
		return nil
	case <-done:
		return ctx.Err()
	}
}

// trySelect attempts one selection pass. Returns (nil, nil) when nothing is
// selectable right now and the caller should wait.
func (p *Pool) trySelect(ctx context.Context, model string) (*Lease, error) {
	p.lock()

	accounts, err := p.store.ListAccounts()
	if err != nil {
		p.unlock()
		return nil, err
	}
	if len(accounts) == 0 {
		p.unlock()
		return nil, apierr.NewNoAccountsError()
	}

	now := p.clk.Now().UnixMilli()
	eligible := make([]*store.Account, 0, len(accounts))
	for _, a := range accounts {
		if a.Status != store.AccountStatusActive || a.ProjectID == "" || a.Tier == "" {
			continue
		}
		if p.locked[a.ID] {
			continue
		}
		if p.inCooldownLocked(a.ID, model, now) {
			continue
		}
		eligible = append(eligible, a)
	}

	if len(eligible) == 0 {
		p.unlock()
		return nil, nil
	}

	best := p.pickBest(eligible, model)
	p.locked[best.ID] = true
	p.unlock()

	if err := p.store.TouchAccount(best.ID, now); err != nil {
		utils.Warn("[Pool] Failed to touch account %d: %v", best.ID, err)
	}

	snap, err := p.tokens.EnsureValidToken(ctx, best.ID)
	if err != nil {
		p.UnlockAccount(best.ID)
		if apierr.IsInvalidGrant(err) {
			utils.Warn("[Pool] Account %d token invalid, reselecting", best.ID)
		}
		return nil, err
	}

	best.LastUsedAt = now
	return &Lease{Account: best, Token: snap}, nil
}

// pickBest applies the selection policy: preferred tier first, then least
// recently used, then lowest id.
func (p *Pool) pickBest(accounts []*store.Account, model string) *store.Account {
	preferred := p.cfg.PreferredTiersFor(model)
	tierRank := func(tier string) int {
		for i, t := range preferred {
			if t == tier {
				return i
			}
		}
		return len(preferred)
	}

	sorted := make([]*store.Account, len(accounts))
	copy(sorted, accounts)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri, rj := tierRank(sorted[i].Tier), tierRank(sorted[j].Tier)
		if ri != rj {
			return ri < rj
		}
		if sorted[i].LastUsedAt != sorted[j].LastUsedAt {
			return sorted[i].LastUsedAt < sorted[j].LastUsedAt
		}
		return sorted[i].ID < sorted[j].ID
	})
	return sorted[0]
}

// UnlockAccount releases the exclusive lock. Idempotent.
func (p *Pool) UnlockAccount(id int64) {
	p.lock()
	if !p.locked[id] {
		p.unlock()
		return
	}
	delete(p.locked, id)

	// Wake the oldest waiter that could use this account.
	now := p.clk.Now().UnixMilli()
	for i, w := range p.waiters {
		if p.inCooldownLocked(id, w.model, now) {
			continue
		}
		p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
		close(w.ch)
		break
	}
	p.unlock()
}

// IsLocked reports whether an account is currently leased.
func (p *Pool) IsLocked(id int64) bool {
	p.lock()
	defer p.unlock()
	return p.locked[id]
}

// MarkCapacityLimited puts (id, model) into cooldown. The duration comes
// from the reset hint in message when present, otherwise from the tiered
// backoff ladder keyed by consecutive hits on this pair.
func (p *Pool) MarkCapacityLimited(id int64, model, message string) {
	now := p.clk.Now().UnixMilli()

	p.lock()
	defer p.unlock()

	key := cooldownKey{accountID: id, model: model}
	entry := p.cooldowns[key]
	if entry == nil {
		entry = &cooldownEntry{}
		p.cooldowns[key] = entry
	}
	entry.hits++

	durationMs := ParseResetHint(message)
	if durationMs < 0 {
		durationMs = backoffForHit(entry.hits)
	}
	entry.until = now + durationMs

	utils.Warn("[Pool] Account %d cooling down for %s on %s (hit %d)",
		id, utils.FormatDuration(durationMs), model, entry.hits)
}

// MarkCapacityRecovered clears the cooldown entry for (id, model).
func (p *Pool) MarkCapacityRecovered(id int64, model string) {
	p.lock()
	delete(p.cooldowns, cooldownKey{accountID: id, model: model})
	p.unlock()
}

// MarkAccountError increments the account's consecutive error count; at the
// configured threshold the account flips to error status.
func (p *Pool) MarkAccountError(id int64, err error) {
	message := ""
	if err != nil {
		message = utils.TruncateString(err.Error(), 500)
	}
	count, serr := p.store.RecordAccountError(id, message, p.cfg.ErrorThreshold)
	if serr != nil {
		utils.Error("[Pool] Failed to record error for account %d: %v", id, serr)
		return
	}
	if p.cfg.ErrorThreshold > 0 && count >= p.cfg.ErrorThreshold {
		utils.Error("[Pool] Account %d disabled after %d consecutive errors", id, count)
	}
}

// MarkAccountSuccess resets the consecutive error count.
func (p *Pool) MarkAccountSuccess(id int64) {
	if err := p.store.ResetAccountErrors(id); err != nil {
		utils.Warn("[Pool] Failed to reset errors for account %d: %v", id, err)
	}
}

// CooldownUntil reports the cooldown expiry for (id, model) in epoch ms,
// or 0 when the pair is not cooling down.
func (p *Pool) CooldownUntil(id int64, model string) int64 {
	p.lock()
	defer p.unlock()
	if e, ok := p.cooldowns[cooldownKey{accountID: id, model: model}]; ok {
		return e.until
	}
	return 0
}

// CooldownStatus describes one active (account, model) cooldown.
type CooldownStatus struct {
	AccountID int64  `json:"accountId"`
	Model     string `json:"model"`
	UntilMs   int64  `json:"untilMs"`
	Hits      int    `json:"hits"`
}

// Status returns a snapshot of locked accounts, active cooldowns, and the
// number of blocked waiters. Expired cooldown entries are omitted.
func (p *Pool) Status() (locked []int64, cooldowns []CooldownStatus, waiting int) {
	now := p.clk.Now().UnixMilli()

	p.lock()
	defer p.unlock()

	for id, held := range p.locked {
		if held {
			locked = append(locked, id)
		}
	}
	sort.Slice(locked, func(i, j int) bool { return locked[i] < locked[j] })

	for k, e := range p.cooldowns {
		if now >= e.until {
			continue
		}
		cooldowns = append(cooldowns, CooldownStatus{
			AccountID: k.accountID,
			Model:     k.model,
			UntilMs:   e.until,
			Hits:      e.hits,
		})
	}
	sort.Slice(cooldowns, func(i, j int) bool {
		if cooldowns[i].AccountID != cooldowns[j].AccountID {
			return cooldowns[i].AccountID < cooldowns[j].AccountID
		}
		return cooldowns[i].Model < cooldowns[j].Model
	})

	return locked, cooldowns, len(p.waiters)
}

func (p *Pool) inCooldownLocked(id int64, model string, now int64) bool {
	e, ok := p.cooldowns[cooldownKey{accountID: id, model: model}]
	return ok && now < e.until
}

// nextCooldownExpiry returns the earliest cooldown expiry for model in epoch
// ms, or 0 when none.
func (p *Pool) nextCooldownExpiry(model string) int64 {
	p.lock()
	defer p.unlock()
	var earliest int64
	for k, e := range p.cooldowns {
		if k.model != model {
			continue
		}
		if earliest == 0 || e.until < earliest {
			earliest = e.until
		}
	}
	return earliest
}

func (p *Pool) addWaiter(model string) *waiter {
	w := &waiter{model: model, ch: make(chan struct{})}
	p.lock()
	p.waiters = append(p.waiters, w)
	p.unlock()
	return w
}

func (p *Pool) removeWaiter(w *waiter) {
	p.lock()
	for i, existing := range p.waiters {
		if existing == w {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			break
		}
	}
	p.unlock()
}

// exhaustedError classifies a timed-out wait: AllBusy when any account is
// still locked, AllLimited when everything sits in cooldown.
func (p *Pool) exhaustedError(model string) error {
	p.lock()
	anyLocked := len(p.locked) > 0
	p.unlock()
	if anyLocked {
		return apierr.NewAllBusyError()
	}
	return apierr.NewAllLimitedError(model)
}
