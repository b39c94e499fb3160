package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"edu-llm/internal/domain"
	"edu-llm/internal/service"
)

// TurnRunner es lo que el handler necesita del orquestador de chat.
type TurnRunner interface {
	Chat(ctx context.Context, req service.TurnRequest) (service.TurnResult, error)
	ChatStream(ctx context.Context, req service.TurnRequest, sink service.ChunkSink) (service.TurnResult, error)
}

// ChatHandler expone el pipeline de chat por HTTP, en JSON o como stream SSE.
type ChatHandler struct {
	logger       *zap.Logger
	orchestrator TurnRunner
}

func NewChatHandler(logger *zap.Logger, orchestrator TurnRunner) *ChatHandler {
	return &ChatHandler{logger: logger, orchestrator: orchestrator}
}

// PostTurn maneja POST /chat/turns.
func (h *ChatHandler) PostTurn(c *gin.Context) {
	claims, ok := GetAuthClaims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}

	var req struct {
		SessionID string `json:"session_id"`
		Mode      string `json:"mode"`
		Message   string `json:"message" binding:"required"`
		Stream    bool   `json:"stream"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Warn("invalid turn request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	mode := domain.SessionMode(req.Mode)
	if req.Mode != "" && !domain.ValidMode(mode) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid mode"})
		return
	}
	if req.Mode == "" {
		mode = domain.ModeGeneral
	}

	turn := service.TurnRequest{
		UserID:    claims.UserID,
		SessionID: req.SessionID,
		Mode:      mode,
		Message:   req.Message,
	}

	if req.Stream {
		h.streamTurn(c, turn)
		return
	}

	result, err := h.orchestrator.Chat(c.Request.Context(), turn)
	if err != nil {
		h.writeTurnError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"session_id":  result.Session.ID,
		"bot_message": result.BotMessage,
	})
}

// streamTurn reenvia los fragmentos por SSE apenas llegan y cierra con un
// evento end explicito. Los errores previos al primer fragmento se devuelven
// como JSON normal porque aun no se escribio nada en el transporte.
func (h *ChatHandler) streamTurn(c *gin.Context, turn service.TurnRequest) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	started := false
	sink := func(chunk string) error {
		if !started {
			writeSSEHeaders(c.Writer)
			started = true
		}
		return writeSSEEvent(c.Writer, flusher, "chunk", gin.H{"content": chunk})
	}

	result, err := h.orchestrator.ChatStream(c.Request.Context(), turn, sink)
	if err != nil {
		if started {
			// Transporte ya abierto: notificar por el stream y cerrar.
			writeSSEEvent(c.Writer, flusher, "error", gin.H{"error": "turn failed"})
			return
		}
		h.writeTurnError(c, err)
		return
	}

	if !started {
		writeSSEHeaders(c.Writer)
	}
	if result.Fallback {
		writeSSEEvent(c.Writer, flusher, "error", gin.H{
			"error":   "provider failed",
			"message": result.BotMessage.Content,
		})
	}
	writeSSEEvent(c.Writer, flusher, "end", gin.H{
		"session_id":  result.Session.ID,
		"bot_message": result.BotMessage,
		"fallback":    result.Fallback,
	})
}

// writeTurnError mapea la taxonomia de errores del orquestador a HTTP.
func (h *ChatHandler) writeTurnError(c *gin.Context, err error) {
	var admission *service.AdmissionError
	if errors.As(err, &admission) {
		c.Header("Retry-After", strconv.Itoa(int(admission.RetryAfter.Seconds())))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limited"})
		return
	}

	var validation *service.ValidationError
	if errors.As(err, &validation) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": validation.Reason})
		return
	}

	if errors.Is(err, service.ErrSessionNotAccessible) {
		c.JSON(http.StatusForbidden, gin.H{"error": "session not accessible"})
		return
	}

	var provider *service.ProviderError
	if errors.As(err, &provider) {
		h.logger.Error("completion provider failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "could not generate response"})
		return
	}

	h.logger.Error("turn failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal sse payload: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload); err != nil {
		return fmt.Errorf("write sse event: %w", err)
	}
	flusher.Flush()
	return nil
}
