package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	apierr "github.com/poemonsense/codeassist-gateway/internal/errors"
	"github.com/poemonsense/codeassist-gateway/internal/store"
	"github.com/poemonsense/codeassist-gateway/internal/token"
	"github.com/poemonsense/codeassist-gateway/internal/utils"
)

// AccountsHandler serves the admin account surface.
type AccountsHandler struct {
	store  *store.Store
	tokens *token.Manager
}

// NewAccountsHandler creates a new AccountsHandler
func NewAccountsHandler(st *store.Store, tokens *token.Manager) *AccountsHandler {
	return &AccountsHandler{store: st, tokens: tokens}
}

// List handles GET /admin/accounts.
func (h *AccountsHandler) List(c *gin.Context) {
	accounts, err := h.store.ListAccounts()
	if err != nil {
		writeErrorBody(c, http.StatusInternalServerError, err.Error(), "internal_error")
		return
	}
	out := make([]gin.H, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, gin.H{
			"id":         a.ID,
			"email":      utils.MaskEmail(a.Email),
			"projectId":  a.ProjectID,
			"tier":       a.Tier,
			"status":     a.Status,
			"errorCount": a.ErrorCount,
			"lastUsedAt": a.LastUsedAt,
			"createdAt":  a.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"accounts": out})
}

type createAccountRequest struct {
	Email        string `json:"email"`
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// Create handles POST /admin/accounts: store the refresh token, then run
// initialization (refresh, project discovery, tier) before the account
// becomes selectable.
func (h *AccountsHandler) Create(c *gin.Context) {
	var req createAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorBody(c, http.StatusBadRequest, "refreshToken is required", "internal_error")
		return
	}

	account, err := h.store.CreateAccount(req.Email, req.RefreshToken)
	if err != nil {
		writeErrorBody(c, http.StatusInternalServerError, err.Error(), "internal_error")
		return
	}

	initialized, err := h.tokens.InitializeAccount(c.Request.Context(), account.ID)
	if err != nil {
		if apierr.IsDuplicateAccount(err) {
			writeErrorBody(c, http.StatusConflict, err.Error(), "internal_error")
			return
		}
		if apierr.IsInvalidGrant(err) {
			writeErrorBody(c, http.StatusBadRequest, "refresh token rejected", "internal_error")
			return
		}
		writeErrorBody(c, http.StatusBadGateway, err.Error(), "internal_error")
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"id":        initialized.ID,
		"email":     utils.MaskEmail(initialized.Email),
		"projectId": initialized.ProjectID,
		"tier":      initialized.Tier,
		"status":    initialized.Status,
	})
}

// Initialize handles POST /admin/accounts/:id/initialize: re-runs project
// discovery for an existing account, e.g. after its refresh token was
// replaced or its project was deleted upstream.
func (h *AccountsHandler) Initialize(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeErrorBody(c, http.StatusBadRequest, "invalid account id", "internal_error")
		return
	}

	account, err := h.tokens.InitializeAccount(c.Request.Context(), id)
	if err != nil {
		if apierr.IsDuplicateAccount(err) {
			writeErrorBody(c, http.StatusConflict, err.Error(), "internal_error")
			return
		}
		if apierr.IsInvalidGrant(err) {
			writeErrorBody(c, http.StatusBadRequest, "refresh token rejected", "internal_error")
			return
		}
		writeErrorBody(c, http.StatusBadGateway, err.Error(), "internal_error")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":        account.ID,
		"email":     utils.MaskEmail(account.Email),
		"projectId": account.ProjectID,
		"tier":      account.Tier,
		"status":    account.Status,
	})
}

// Delete handles DELETE /admin/accounts/:id.
func (h *AccountsHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeErrorBody(c, http.StatusBadRequest, "invalid account id", "internal_error")
		return
	}
	if err := h.store.DeleteAccount(id); err != nil {
		writeErrorBody(c, http.StatusInternalServerError, err.Error(), "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

type setStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

// SetStatus handles PATCH /admin/accounts/:id/status for manual disable and
// re-enable.
func (h *AccountsHandler) SetStatus(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeErrorBody(c, http.StatusBadRequest, "invalid account id", "internal_error")
		return
	}

	var req setStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorBody(c, http.StatusBadRequest, "status is required", "internal_error")
		return
	}
	switch req.Status {
	case store.AccountStatusActive, store.AccountStatusDisabled:
	default:
		writeErrorBody(c, http.StatusBadRequest, "status must be active or disabled", "internal_error")
		return
	}

	if err := h.store.UpdateAccountStatus(id, req.Status); err != nil {
		writeErrorBody(c, http.StatusInternalServerError, err.Error(), "internal_error")
		return
	}
	if req.Status == store.AccountStatusActive {
		if err := h.store.ResetAccountErrors(id); err != nil {
			utils.Warn("[Admin] Failed to reset errors for account %d: %v", id, err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": req.Status})
}
