package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/research-agent/backend/internal/ingestion"
	"github.com/research-agent/backend/pkg/logger"
)

type IngestHandler struct {
	pipeline *ingestion.Pipeline
}

func NewIngestHandler(pipeline *ingestion.Pipeline) *IngestHandler {
	return &IngestHandler{pipeline: pipeline}
}

func (h *IngestHandler) HandleIngest(c *fiber.Ctx) error {
	var req struct {
		SourceRef  string `json:"source_ref"`
		SourceType string `json:"source_type"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if req.SourceRef == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "source_ref is required",
		})
	}

	src, err := ingestion.OpenSource(req.SourceType, req.SourceRef)
	if err != nil {
		logger.Error("Failed to open ingestion source", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Failed to open source",
		})
	}
	defer src.Close()

	report, err := h.pipeline.Ingest(c.Context(), src)
	if err != nil {
		logger.Error("Ingestion failed", zap.Error(err))
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Ingestion failed",
		})
	}

	return c.JSON(report)
}
