package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/research-agent/backend/internal/agent"
	"github.com/research-agent/backend/internal/llm"
	"github.com/research-agent/backend/internal/models"
	"github.com/research-agent/backend/internal/retrieval"
)

type stubRetriever struct {
	candidates []models.Candidate
}

func (s *stubRetriever) Retrieve(ctx context.Context, queryText string, topK int) ([]models.Candidate, retrieval.Diagnostics, error) {
	return s.candidates, retrieval.Diagnostics{}, nil
}

type stubGenerator struct {
	answer string
	err    error
}

func (s *stubGenerator) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	return s.answer, s.err
}

func newTestApp(generator *stubGenerator, candidates []models.Candidate) *fiber.App {
	a := agent.New(&stubRetriever{candidates: candidates}, generator, agent.Config{})
	handler := NewQueryHandler(a)

	app := fiber.New()
	app.Post("/api/v1/answer", handler.HandleAnswer)
	return app
}

func postJSON(t *testing.T, app *fiber.App, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestHandleAnswerSuccess(t *testing.T) {
	candidates := []models.Candidate{
		{DocumentID: "report_a.txt", Text: "the findings", CombinedScore: 0.9, Provenance: models.ProvenanceVector},
	}
	generator := &stubGenerator{answer: "The findings are summarized in [report_a.txt]."}
	app := newTestApp(generator, candidates)

	resp := postJSON(t, app, "/api/v1/answer", map[string]any{
		"query": "what are the findings",
	})
	require.Equal(t, fiber.StatusOK, resp.StatusCode)

	var body models.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, generator.answer, body.AnswerText)
	assert.True(t, body.RetrievalPerformed)
	require.Len(t, body.Citations, 1)
	assert.Equal(t, "report_a.txt", body.Citations[0].DocumentID)
	assert.Greater(t, body.QualityScore, 0.0)
}

func TestHandleAnswerMissingQuery(t *testing.T) {
	app := newTestApp(&stubGenerator{answer: "unused"}, nil)

	resp := postJSON(t, app, "/api/v1/answer", map[string]any{
		"chat_history": []models.ConversationTurn{{Role: "user", Content: "hi"}},
	})
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandleAnswerInvalidBody(t *testing.T) {
	app := newTestApp(&stubGenerator{answer: "unused"}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/answer", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Content-Type", "application/json")

	resp, err := app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
}

func TestHandleAnswerGeneratorFailure(t *testing.T) {
	app := newTestApp(&stubGenerator{err: errors.New("model overloaded")}, nil)

	resp := postJSON(t, app, "/api/v1/answer", map[string]any{
		"query": "what happened",
	})
	assert.Equal(t, fiber.StatusInternalServerError, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Failed to process query", body["error"])
}
