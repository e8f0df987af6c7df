package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/codeassist-gateway/internal/modellog"
	"github.com/poemonsense/codeassist-gateway/internal/store"
	"github.com/poemonsense/codeassist-gateway/internal/utils"
)

// AdminHandler serves API keys, logs, and model mappings.
type AdminHandler struct {
	store *store.Store
	mlog  *modellog.Logger
}

// NewAdminHandler creates a new AdminHandler
func NewAdminHandler(st *store.Store, mlog *modellog.Logger) *AdminHandler {
	return &AdminHandler{store: st, mlog: mlog}
}

// ListKeys handles GET /admin/keys.
func (h *AdminHandler) ListKeys(c *gin.Context) {
	keys, err := h.store.ListAPIKeys()
	if err != nil {
		writeErrorBody(c, http.StatusInternalServerError, err.Error(), "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys})
}

type createKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey handles POST /admin/keys.
func (h *AdminHandler) CreateKey(c *gin.Context) {
	var req createKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil && c.Request.ContentLength > 0 {
		writeErrorBody(c, http.StatusBadRequest, "invalid request body", "internal_error")
		return
	}
	key, err := h.store.CreateAPIKey(req.Name)
	if err != nil {
		writeErrorBody(c, http.StatusInternalServerError, err.Error(), "internal_error")
		return
	}
	c.JSON(http.StatusCreated, key)
}

// DeleteKey handles DELETE /admin/keys/:id.
func (h *AdminHandler) DeleteKey(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		writeErrorBody(c, http.StatusBadRequest, "invalid key id", "internal_error")
		return
	}
	if err := h.store.DeleteAPIKey(id); err != nil {
		writeErrorBody(c, http.StatusInternalServerError, err.Error(), "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

// ListRequestLogs handles GET /admin/logs/requests.
func (h *AdminHandler) ListRequestLogs(c *gin.Context) {
	limit := 100
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	logs, err := h.store.ListRequestLogs(limit)
	if err != nil {
		writeErrorBody(c, http.StatusInternalServerError, err.Error(), "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

// ListModelLogs handles GET /admin/logs/upstream.
func (h *AdminHandler) ListModelLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": h.mlog.Entries()})
}

// ListServerLogs handles GET /admin/logs/server.
func (h *AdminHandler) ListServerLogs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": utils.GetLogger().GetHistory()})
}

// ListMappings handles GET /admin/models/mappings.
func (h *AdminHandler) ListMappings(c *gin.Context) {
	mappings, err := h.store.ListModelMappings()
	if err != nil {
		writeErrorBody(c, http.StatusInternalServerError, err.Error(), "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"mappings": mappings})
}

type upsertMappingRequest struct {
	Alias  string `json:"alias" binding:"required"`
	Target string `json:"target" binding:"required"`
}

// UpsertMapping handles PUT /admin/models/mappings.
func (h *AdminHandler) UpsertMapping(c *gin.Context) {
	var req upsertMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeErrorBody(c, http.StatusBadRequest, "alias and target are required", "internal_error")
		return
	}
	if err := h.store.UpsertModelMapping(req.Alias, req.Target); err != nil {
		writeErrorBody(c, http.StatusInternalServerError, err.Error(), "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"alias": req.Alias, "target": req.Target})
}

// DeleteMapping handles DELETE /admin/models/mappings/:alias.
func (h *AdminHandler) DeleteMapping(c *gin.Context) {
	alias := c.Param("alias")
	if err := h.store.DeleteModelMapping(alias); err != nil {
		writeErrorBody(c, http.StatusInternalServerError, err.Error(), "internal_error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": alias})
}
