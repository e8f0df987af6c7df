package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/codeassist-gateway/internal/config"
	"github.com/poemonsense/codeassist-gateway/internal/store"
)

// HealthHandler serves liveness and pool summary.
type HealthHandler struct {
	store *store.Store
}

// NewHealthHandler creates a new HealthHandler
func NewHealthHandler(st *store.Store) *HealthHandler {
	return &HealthHandler{store: st}
}

// Health handles GET /health.
func (h *HealthHandler) Health(c *gin.Context) {
	accounts, err := h.store.ListAccounts()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "message": err.Error()})
		return
	}

	active, disabled, errored := 0, 0, 0
	for _, a := range accounts {
		switch a.Status {
		case store.AccountStatusActive:
			active++
		case store.AccountStatusDisabled:
			disabled++
		case store.AccountStatusError:
			errored++
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"accounts": gin.H{
			"total":    len(accounts),
			"active":   active,
			"disabled": disabled,
			"error":    errored,
		},
	})
}

// ModelsHandler serves the model list.
type ModelsHandler struct {
	cfg   *config.Config
	store *store.Store
}

// NewModelsHandler creates a new ModelsHandler
func NewModelsHandler(cfg *config.Config, st *store.Store) *ModelsHandler {
	return &ModelsHandler{cfg: cfg, store: st}
}

// knownModels are the upstream model ids served when no aliases are
// configured.
var knownModels = []string{
	"gemini-2.5-flash",
	"gemini-2.5-pro",
	"gemini-3-flash",
	"gemini-3-pro",
	"gemini-3-pro-image",
}

// ListModels handles GET /v1/models in the chat-completions shape.
func (h *ModelsHandler) ListModels(c *gin.Context) {
	seen := make(map[string]bool)
	var ids []string

	for alias := range h.cfg.ModelAliases {
		if !seen[alias] {
			seen[alias] = true
			ids = append(ids, alias)
		}
	}
	if mappings, err := h.store.ListModelMappings(); err == nil {
		for _, m := range mappings {
			if !seen[m.Alias] {
				seen[m.Alias] = true
				ids = append(ids, m.Alias)
			}
		}
	}
	for _, id := range knownModels {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	models := make([]gin.H, 0, len(ids))
	for _, id := range ids {
		models = append(models, gin.H{
			"id":       id,
			"object":   "model",
			"owned_by": "cloudcode",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": models})
}
