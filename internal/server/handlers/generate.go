// Package handlers implements the HTTP handlers for the gateway.
package handlers

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/codeassist-gateway/internal/dispatch"
	apierr "github.com/poemonsense/codeassist-gateway/internal/errors"
	"github.com/poemonsense/codeassist-gateway/internal/server/sse"
	"github.com/poemonsense/codeassist-gateway/internal/stats"
	"github.com/poemonsense/codeassist-gateway/internal/utils"
)

// GenerateHandler serves the native generateContent dialect.
type GenerateHandler struct {
	dispatcher *dispatch.Dispatcher
	stats      *stats.Recorder
}

// NewGenerateHandler creates a new GenerateHandler
func NewGenerateHandler(dispatcher *dispatch.Dispatcher, recorder *stats.Recorder) *GenerateHandler {
	return &GenerateHandler{dispatcher: dispatcher, stats: recorder}
}

// Generate handles POST /v1beta/models/<model>:generateContent and
// :streamGenerateContent. Gin's wildcard captures "<model>:<action>" in one
// segment.
func (h *GenerateHandler) Generate(c *gin.Context, apiKeyID int64) {
	modelAction := strings.TrimPrefix(c.Param("modelAction"), "/")
	model, action, ok := strings.Cut(modelAction, ":")
	if !ok || model == "" {
		writeErrorBody(c, http.StatusNotFound, "unknown model action", "internal_error")
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeErrorBody(c, http.StatusBadRequest, "failed to read request body", "internal_error")
		return
	}

	req := &dispatch.Request{Model: model, Inner: body, APIKeyID: apiKeyID}

	switch action {
	case "generateContent":
		h.generate(c, req)
	case "streamGenerateContent":
		h.stream(c, req)
	default:
		writeErrorBody(c, http.StatusNotFound, "unknown model action "+action, "internal_error")
	}
}

func (h *GenerateHandler) generate(c *gin.Context, req *dispatch.Request) {
	res, err := h.dispatcher.Generate(c.Request.Context(), req)
	h.recordStats(req.Model, res, err)
	if err != nil {
		writeDispatchError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", res.Body)
}

func (h *GenerateHandler) stream(c *gin.Context, req *dispatch.Request) {
	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		writeErrorBody(c, http.StatusInternalServerError, "streaming not supported", "internal_error")
		return
	}
	writer.SetHeaders()
	c.Writer.WriteHeaderNow()

	sink := &rawSink{writer: writer}
	serr := h.dispatcher.StreamGenerate(c.Request.Context(), req, sink)
	h.recordStats(req.Model, nil, serr)
}

func (h *GenerateHandler) recordStats(model string, res *dispatch.Result, err error) {
	status := "success"
	var tokens int64
	if err != nil {
		status = "error"
	}
	if res != nil && res.Usage != nil {
		tokens = res.Usage.TotalTokens
	}
	h.stats.RecordRequest(model, status, tokens)
}

// rawSink forwards unwrapped upstream events verbatim.
type rawSink struct {
	writer *sse.Writer
}

func (s *rawSink) Emit(chunk []byte) error {
	return s.writer.WriteData(chunk)
}

func (s *rawSink) EmitError(message, code string) {
	if err := s.writer.WriteErrorEvent(message, code); err != nil {
		utils.Debug("[API] Failed to write stream error event: %v", err)
	}
}

// writeDispatchError maps a dispatcher error to the non-streaming error
// body.
func writeDispatchError(c *gin.Context, err error) {
	if apierr.IsCancelled(err) {
		c.Abort()
		return
	}
	writeErrorBody(c, apierr.HTTPStatusFromError(err), err.Error(), apierr.ErrorCode(err))
}

func writeErrorBody(c *gin.Context, status int, message, code string) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"code":    code,
		},
	})
}
