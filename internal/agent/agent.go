package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/research-agent/backend/internal/llm"
	"github.com/research-agent/backend/internal/metrics"
	"github.com/research-agent/backend/internal/models"
	"github.com/research-agent/backend/internal/retrieval"
	"github.com/research-agent/backend/pkg/logger"
)

var ErrEmptyQuery = errors.New("query text is empty")

const defaultSystemInstruction = `You are a document research assistant answering questions over a collection of ingested documents.

When answering:
1. Base your answer only on the provided document context and conversation history
2. Cite documents by their id in square brackets, e.g. [report_2024-03-01.txt]
3. If the context is insufficient, say so instead of guessing
4. Be concise and analytical`

// Retriever is the slice of the hybrid retriever the agent consumes.
type Retriever interface {
	Retrieve(ctx context.Context, queryText string, topK int) ([]models.Candidate, retrieval.Diagnostics, error)
}

type Config struct {
	SystemInstruction string
	MaxHistoryTurns   int
	MaxHistoryChars   int
	ContextCharBudget int
	CitationWeight    float64
	LengthWeight      float64
	NonEmptyWeight    float64
	DegradedPenalty   float64
}

type Agent struct {
	retriever Retriever
	generator llm.Generator
	cfg       Config
}

type Request struct {
	Query   string
	History []models.ConversationTurn
	TopK    int
}

func New(retriever Retriever, generator llm.Generator, cfg Config) *Agent {
	if cfg.SystemInstruction == "" {
		cfg.SystemInstruction = defaultSystemInstruction
	}
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = 6
	}
	if cfg.MaxHistoryChars <= 0 {
		cfg.MaxHistoryChars = 8000
	}
	if cfg.ContextCharBudget <= 0 {
		cfg.ContextCharBudget = 1200
	}
	if cfg.CitationWeight == 0 && cfg.LengthWeight == 0 && cfg.NonEmptyWeight == 0 {
		cfg.CitationWeight = 0.5
		cfg.LengthWeight = 0.3
		cfg.NonEmptyWeight = 0.2
	}
	if cfg.DegradedPenalty == 0 {
		cfg.DegradedPenalty = 0.15
	}

	return &Agent{
		retriever: retriever,
		generator: generator,
		cfg:       cfg,
	}
}

// Answer runs one query end to end: decide whether retrieval is needed,
// retrieve, assemble the prompt, call the model once, and post-process the
// output into a cited, quality-scored response. A language model failure
// fails the call; a retrieval failure degrades it.
func (a *Agent) Answer(ctx context.Context, req Request) (*models.Response, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, ErrEmptyQuery
	}

	needsRetrieval := a.needsRetrieval(req.Query)

	var candidates []models.Candidate
	contextDegraded := false

	if needsRetrieval {
		retrieved, diags, err := a.retriever.Retrieve(ctx, req.Query, req.TopK)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			// Degrade to answering without external context, visibly.
			logger.Warn("Retrieval failed, answering without context", zap.Error(err))
			contextDegraded = true
		} else {
			candidates = retrieved
			contextDegraded = diags.Degraded()
		}
	}

	prompt := a.buildPrompt(req.Query, req.History, candidates)

	answer, err := a.generator.Generate(ctx, llm.GenerateRequest{
		SystemPrompt: a.cfg.SystemInstruction,
		UserPrompt:   prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("language model call failed: %w", err)
	}

	citations := extractCitations(answer, candidates)
	quality := a.qualityScore(answer, candidates, citations, contextDegraded)

	metrics.QualityScore.Observe(quality)

	resp := &models.Response{
		AnswerText:         answer,
		Citations:          citations,
		QualityScore:       quality,
		RetrievalPerformed: needsRetrieval,
		ContextDegraded:    contextDegraded,
	}

	logger.Info("Query answered",
		zap.Bool("retrieval_performed", needsRetrieval),
		zap.Int("citations", len(citations)),
		zap.Float64("quality_score", quality),
		zap.Bool("context_degraded", contextDegraded),
	)

	return resp, nil
}

var chitChatPhrases = []string{
	"hello", "hi", "hey", "good morning", "good afternoon", "good evening",
	"how are you", "thanks", "thank you", "goodbye", "bye", "ok", "okay",
}

// needsRetrieval is a trivial intent check: bare greetings and
// acknowledgements skip the retrieval pipeline entirely.
func (a *Agent) needsRetrieval(query string) bool {
	normalized := strings.ToLower(strings.TrimSpace(query))
	normalized = strings.Trim(normalized, ".,!?")

	for _, phrase := range chitChatPhrases {
		if normalized == phrase {
			return false
		}
	}

	return true
}

func (a *Agent) buildPrompt(query string, history []models.ConversationTurn, candidates []models.Candidate) string {
	var b strings.Builder

	historyBlock := a.formatHistory(history)
	if historyBlock != "" {
		b.WriteString("Previous conversation:\n")
		b.WriteString(historyBlock)
		b.WriteString("\n\n")
	}

	if len(candidates) > 0 {
		b.WriteString("Document context:\n")
		for _, c := range candidates {
			text := c.Text
			if len(text) > a.cfg.ContextCharBudget {
				cut := a.cfg.ContextCharBudget
				// Back off to a rune boundary so the prompt stays valid UTF-8.
				for cut > 0 && !utf8.RuneStart(text[cut]) {
					cut--
				}
				text = text[:cut] + "…truncated"
			}
			fmt.Fprintf(&b, "\n[%s] (type: %s, retrieved via: %s, score: %.3f)\n%s\n",
				c.DocumentID, c.DocType, c.Provenance, c.CombinedScore, text)
		}
		b.WriteString("\n")
	} else {
		b.WriteString("No document context is available for this question.\n\n")
	}

	b.WriteString("Question: ")
	b.WriteString(query)

	return b.String()
}

// formatHistory keeps the most recent turns, defensively capped on both turn
// count and total characters. The caller owns real history trimming.
func (a *Agent) formatHistory(history []models.ConversationTurn) string {
	if len(history) == 0 {
		return ""
	}

	if len(history) > a.cfg.MaxHistoryTurns {
		history = history[len(history)-a.cfg.MaxHistoryTurns:]
	}

	var lines []string
	total := 0
	for i := len(history) - 1; i >= 0; i-- {
		turn := history[i]
		prefix := "User: "
		if turn.Role == "assistant" {
			prefix = "Assistant: "
		}
		line := prefix + turn.Content
		if total+len(line) > a.cfg.MaxHistoryChars {
			break
		}
		total += len(line)
		lines = append([]string{line}, lines...)
	}

	return strings.Join(lines, "\n")
}

// extractCitations keeps only the retrieved items actually referenced in the
// answer text, distinguishing "used" from merely "considered". The document id
// stays a valid citation key even when its context text was truncated.
func extractCitations(answer string, candidates []models.Candidate) []models.Citation {
	citations := make([]models.Citation, 0)
	for _, c := range candidates {
		if !strings.Contains(answer, c.DocumentID) {
			continue
		}
		citations = append(citations, models.Citation{
			DocumentID:      c.DocumentID,
			RelevanceScore:  c.CombinedScore,
			RetrievalMethod: c.Provenance,
		})
	}
	return citations
}

// qualityScore is a deterministic weighted combination of measurable signals.
// No model call: the same inputs always give the same score.
func (a *Agent) qualityScore(answer string, candidates []models.Candidate, citations []models.Citation, degraded bool) float64 {
	trimmed := strings.TrimSpace(answer)
	if len(trimmed) < 10 {
		return 0.1
	}

	coverage := 0.3
	if len(candidates) > 0 {
		coverage = float64(len(citations)) / float64(len(candidates))
	}

	words := len(strings.Fields(trimmed))
	lengthScore := float64(words) / 150.0
	if lengthScore > 1.0 {
		lengthScore = 1.0
	}

	score := a.cfg.CitationWeight*coverage +
		a.cfg.LengthWeight*lengthScore +
		a.cfg.NonEmptyWeight*1.0

	if degraded {
		score -= a.cfg.DegradedPenalty
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	return score
}
