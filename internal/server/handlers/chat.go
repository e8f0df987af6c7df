package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/poemonsense/codeassist-gateway/internal/convert"
	"github.com/poemonsense/codeassist-gateway/internal/dispatch"
	"github.com/poemonsense/codeassist-gateway/internal/server/sse"
	"github.com/poemonsense/codeassist-gateway/internal/stats"
	"github.com/poemonsense/codeassist-gateway/internal/utils"
)

// ChatHandler serves the chat-completions dialect.
type ChatHandler struct {
	dispatcher *dispatch.Dispatcher
	stats      *stats.Recorder
}

// NewChatHandler creates a new ChatHandler
func NewChatHandler(dispatcher *dispatch.Dispatcher, recorder *stats.Recorder) *ChatHandler {
	return &ChatHandler{dispatcher: dispatcher, stats: recorder}
}

// ChatCompletions handles POST /v1/chat/completions.
func (h *ChatHandler) ChatCompletions(c *gin.Context, apiKeyID int64) {
	var chatReq convert.ChatRequest
	if err := c.ShouldBindJSON(&chatReq); err != nil {
		writeErrorBody(c, http.StatusBadRequest, "invalid request body: "+err.Error(), "internal_error")
		return
	}
	if chatReq.Model == "" {
		writeErrorBody(c, http.StatusBadRequest, "model is required", "internal_error")
		return
	}

	inner, err := convert.ToUpstreamBody(&chatReq)
	if err != nil {
		writeErrorBody(c, http.StatusBadRequest, err.Error(), "internal_error")
		return
	}

	req := &dispatch.Request{Model: chatReq.Model, Inner: inner, APIKeyID: apiKeyID}

	if chatReq.Stream {
		h.stream(c, req, chatReq.Model)
		return
	}

	res, err := h.dispatcher.Generate(c.Request.Context(), req)
	h.recordStats(chatReq.Model, res, err)
	if err != nil {
		writeDispatchError(c, err)
		return
	}

	body, err := convert.FromUpstreamResponse(res.Body, chatReq.Model)
	if err != nil {
		writeErrorBody(c, http.StatusBadGateway, "failed to convert upstream response", "internal_error")
		return
	}
	c.Data(http.StatusOK, "application/json", body)
}

func (h *ChatHandler) stream(c *gin.Context, req *dispatch.Request, model string) {
	writer, err := sse.NewWriter(c.Writer)
	if err != nil {
		writeErrorBody(c, http.StatusInternalServerError, "streaming not supported", "internal_error")
		return
	}
	writer.SetHeaders()
	c.Writer.WriteHeaderNow()

	sink := &chatSink{writer: writer, converter: convert.NewChunkConverter(model)}
	serr := h.dispatcher.StreamGenerate(c.Request.Context(), req, sink)
	h.recordStats(model, nil, serr)
	if serr == nil {
		if derr := writer.WriteDone(); derr != nil {
			utils.Debug("[API] Failed to write stream terminator: %v", derr)
		}
	}
}

func (h *ChatHandler) recordStats(model string, res *dispatch.Result, err error) {
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

// chatSink converts upstream events to chat.completion.chunk payloads.
type chatSink struct {
	writer    *sse.Writer
	converter *convert.ChunkConverter
}

func (s *chatSink) Emit(chunk []byte) error {
	converted, err := s.converter.Convert(chunk)
	if err != nil || converted == nil {
		return err
	}
	return s.writer.WriteData(converted)
}

func (s *chatSink) EmitError(message, code string) {
	if err := s.writer.WriteErrorEvent(message, code); err != nil {
		utils.Debug("[API] Failed to write stream error event: %v", err)
	}
}
