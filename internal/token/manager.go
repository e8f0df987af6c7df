// Package token owns access-token freshness and account initialization.
// At most one refresh is in flight per account id; concurrent callers for
// the same account await that refresh and share its result.
package token

import (
	"context"
	"net/http"
	"strconv"

	"golang.org/x/sync/singleflight"

	"github.com/poemonsense/codeassist-gateway/internal/clock"
	"github.com/poemonsense/codeassist-gateway/internal/config"
	apierr "github.com/poemonsense/codeassist-gateway/internal/errors"
	"github.com/poemonsense/codeassist-gateway/internal/store"
	"github.com/poemonsense/codeassist-gateway/internal/utils"
)

// Snapshot is the result of a successful EnsureValidToken call. It is a
// point-in-time view; holders must not cache it across requests.
type Snapshot struct {
	AccessToken string
	ProjectID   string
	Tier        string
}

// Manager refreshes tokens and discovers project bindings.
type Manager struct {
	store      *store.Store
	cfg        *config.Config
	clk        clock.Clock
	httpClient *http.Client
	group      singleflight.Group

	tokenURL    string
	userInfoURL string
	endpoints   []string

	onboardMaxAttempts int
	onboardDelayMs     int64
}

// NewManager creates a token Manager.
func NewManager(st *store.Store, cfg *config.Config, clk clock.Clock, httpClient *http.Client) *Manager {
	if clk == nil {
		clk = clock.System()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Manager{
		store:              st,
		cfg:                cfg,
		clk:                clk,
		httpClient:         httpClient,
		tokenURL:           config.OAuthTokenURL,
		userInfoURL:        config.UserInfoURL,
		endpoints:          config.UpstreamEndpoints,
		onboardMaxAttempts: 10,
		onboardDelayMs:     5000,
	}
}

// SetEndpoints overrides the OAuth and upstream endpoints. Used by tests.
func (m *Manager) SetEndpoints(tokenURL, userInfoURL string, upstream []string) {
	if tokenURL != "" {
		m.tokenURL = tokenURL
	}
	if userInfoURL != "" {
		m.userInfoURL = userInfoURL
	}
	if len(upstream) > 0 {
		m.endpoints = upstream
	}
}

// EnsureValidToken returns a fresh token snapshot for the account,
// refreshing first when the persisted token is expired or within the
// configured skew of expiring.
func (m *Manager) EnsureValidToken(ctx context.Context, accountID int64) (*Snapshot, error) {
	account, err := m.store.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apierr.NewUpstreamError("account not found", 0)
	}

	if m.isFresh(account) {
		return &Snapshot{
			AccessToken: account.AccessToken,
			ProjectID:   account.ProjectID,
			Tier:        account.Tier,
		}, nil
	}

	return m.refresh(ctx, accountID, false)
}

// ForceRefresh discards the persisted token and refreshes unconditionally.
// Used after an upstream 401, where the token is typically still unexpired
// but has been revoked server-side; the freshness short-circuit must not
// hand it back. Concurrent forced refreshes for one account coalesce.
func (m *Manager) ForceRefresh(ctx context.Context, accountID int64) (*Snapshot, error) {
	return m.refresh(ctx, accountID, true)
}

func (m *Manager) isFresh(a *store.Account) bool {
	if a.AccessToken == "" || a.AccessTokenExpiresAt == 0 {
		return false
	}
	return a.AccessTokenExpiresAt > m.clk.Now().UnixMilli()+m.cfg.TokenRefreshSkewMs
}

// refresh performs the coalesced refresh for an account. The singleflight
// key is the account id; forced refreshes use a separate key so they never
// join a normal flight whose freshness check would return the persisted
// token. The shared work is released on both success and failure so a later
// caller can start a fresh attempt.
func (m *Manager) refresh(ctx context.Context, accountID int64, force bool) (*Snapshot, error) {
	key := strconv.FormatInt(accountID, 10)
	if force {
		key += ":force"
	}
	result, err, _ := m.group.Do(key, func() (interface{}, error) {
		return m.doRefresh(ctx, accountID, force)
	})
	if err != nil {
		return nil, err
	}
	return result.(*Snapshot), nil
}

func (m *Manager) doRefresh(ctx context.Context, accountID int64, force bool) (*Snapshot, error) {
	account, err := m.store.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apierr.NewUpstreamError("account not found", 0)
	}

	// A caller that queued behind a completed refresh sees the fresh token
	// without hitting the OAuth endpoint again. Forced refreshes skip this:
	// an unexpired token can still be revoked server-side.
	if !force && m.isFresh(account) {
		return &Snapshot{AccessToken: account.AccessToken, ProjectID: account.ProjectID, Tier: account.Tier}, nil
	}

	utils.Debug("[Token] Refreshing access token for account %d (%s)", account.ID, utils.MaskEmail(account.Email))

	result, err := m.refreshAccessToken(ctx, account.ID, account.RefreshToken)
	if err != nil {
		if apierr.IsInvalidGrant(err) {
			utils.Error("[Token] Refresh token rejected for account %d, marking as error", account.ID)
			if serr := m.store.UpdateAccountStatus(account.ID, store.AccountStatusError); serr != nil {
				utils.Error("[Token] Failed to mark account %d: %v", account.ID, serr)
			}
		}
		return nil, err
	}

	expiresAt := m.clk.Now().UnixMilli() + int64(result.ExpiresIn)*1000
	if err := m.store.UpdateAccountTokens(account.ID, result.AccessToken, expiresAt); err != nil {
		return nil, err
	}

	utils.Debug("[Token] Account %d token refreshed, expires in %s", account.ID, utils.FormatDuration(int64(result.ExpiresIn)*1000))

	return &Snapshot{
		AccessToken: result.AccessToken,
		ProjectID:   account.ProjectID,
		Tier:        account.Tier,
	}, nil
}

// InitializeAccount makes a freshly created account selectable: refresh the
// token, discover project id and tier, resolve the email when missing, and
// mark the account active. A discovery that lands on a project already bound
// to another local account deletes the new row and fails.
func (m *Manager) InitializeAccount(ctx context.Context, accountID int64) (*store.Account, error) {
	snap, err := m.refresh(ctx, accountID, true)
	if err != nil {
		return nil, err
	}

	account, err := m.store.GetAccount(accountID)
	if err != nil {
		return nil, err
	}
	if account == nil {
		return nil, apierr.NewUpstreamError("account not found", 0)
	}

	if account.Email == "" {
		if email, err := m.fetchUserEmail(ctx, snap.AccessToken); err == nil && email != "" {
			if serr := m.store.UpdateAccountEmail(accountID, email); serr != nil {
				utils.Warn("[Token] Could not persist email for account %d: %v", accountID, serr)
			}
		} else if err != nil {
			utils.Warn("[Token] Could not resolve email for account %d: %v", accountID, err)
		}
	}

	disc, err := m.discoverProject(ctx, snap.AccessToken)
	if err != nil {
		return nil, err
	}

	existing, err := m.store.GetAccountByProjectID(disc.ProjectID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.ID != accountID {
		utils.Warn("[Token] Project %s already bound to account %d, removing duplicate %d",
			disc.ProjectID, existing.ID, accountID)
		if derr := m.store.DeleteAccount(accountID); derr != nil {
			utils.Error("[Token] Failed to delete duplicate account %d: %v", accountID, derr)
		}
		return nil, apierr.NewDuplicateAccountError(disc.ProjectID)
	}

	if err := m.store.UpdateAccountProject(accountID, disc.ProjectID, disc.Tier); err != nil {
		return nil, err
	}
	if err := m.store.UpdateAccountStatus(accountID, store.AccountStatusActive); err != nil {
		return nil, err
	}

	utils.Success("[Token] Account %d initialized: project=%s tier=%s", accountID, disc.ProjectID, disc.Tier)
	return m.store.GetAccount(accountID)
}
