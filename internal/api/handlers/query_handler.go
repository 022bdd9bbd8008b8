package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/research-agent/backend/internal/agent"
	"github.com/research-agent/backend/internal/metrics"
	"github.com/research-agent/backend/internal/models"
	"github.com/research-agent/backend/pkg/logger"
)

type QueryHandler struct {
	agent *agent.Agent
}

func NewQueryHandler(a *agent.Agent) *QueryHandler {
	return &QueryHandler{agent: a}
}

func (h *QueryHandler) HandleAnswer(c *fiber.Ctx) error {
	var req struct {
		Query       string                    `json:"query"`
		ChatHistory []models.ConversationTurn `json:"chat_history"`
		TopK        int                       `json:"top_k"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.Query == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Query is required",
		})
	}

	requestID := uuid.New().String()
	logger.Info("Processing answer request",
		zap.String("request_id", requestID),
		zap.Int("history_turns", len(req.ChatHistory)),
	)

	resp, err := h.agent.Answer(c.Context(), agent.Request{
		Query:   req.Query,
		History: req.ChatHistory,
		TopK:    req.TopK,
	})
	if err != nil {
		metrics.QueriesTotal.WithLabelValues("error").Inc()
		if errors.Is(err, agent.ErrEmptyQuery) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Query is required",
			})
		}
		logger.Error("Failed to answer query",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to process query",
		})
	}

	metrics.QueriesTotal.WithLabelValues("ok").Inc()

	return c.JSON(resp)
}
