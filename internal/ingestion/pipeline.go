package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/research-agent/backend/internal/embedding"
	"github.com/research-agent/backend/internal/metrics"
	"github.com/research-agent/backend/internal/models"
	"github.com/research-agent/backend/pkg/logger"
	"github.com/research-agent/backend/pkg/retry"
)

// VectorIndex is the write/read surface the pipeline needs from the vector
// store.
type VectorIndex interface {
	Upsert(ctx context.Context, docs []models.Document) error
	Delete(ctx context.Context, ids []string) error
	Search(ctx context.Context, queryEmbedding []float32, topK int) ([]models.ScoredDocument, error)
	ListIDs(ctx context.Context) ([]string, error)
}

// GraphStore is the write surface the pipeline needs from the graph store.
type GraphStore interface {
	UpsertDocument(ctx context.Context, doc models.Document) error
	DeleteDocument(ctx context.Context, docID string) error
	SetMentions(ctx context.Context, docID string, entities []string) error
	ReplaceSimilarEdges(ctx context.Context, docID string, edges []models.SimilarityEdge) error
	ListIDs(ctx context.Context) ([]string, error)
}

type Config struct {
	Workers             int
	MaxRowAttempts      int
	SimilarityThreshold float64
	NeighborK           int
	MaxEntitiesPerDoc   int
}

type Pipeline struct {
	vector   VectorIndex
	graph    GraphStore
	embedder embedding.Provider
	cfg      Config

	// Serializes upserts of the same document id; concurrent upserts of
	// different ids are free to interleave.
	idLocks sync.Map
}

func NewPipeline(vector VectorIndex, graph GraphStore, embedder embedding.Provider, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxRowAttempts <= 0 {
		cfg.MaxRowAttempts = 3
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.8
	}
	if cfg.NeighborK <= 0 {
		cfg.NeighborK = 15
	}

	return &Pipeline{
		vector:   vector,
		graph:    graph,
		embedder: embedder,
		cfg:      cfg,
	}
}

// Ingest reads every row from the source, embeds and writes each one to both
// stores through a bounded worker pool, then runs the reconciliation and
// similarity passes over the batch. Row failures are recorded in the report;
// only source-level failures abort the call.
func (p *Pipeline) Ingest(ctx context.Context, src Source) (*models.IngestReport, error) {
	start := time.Now()
	report := &models.IngestReport{}

	var mu sync.Mutex
	ingested := make(map[string]models.Document)
	// Failed rows keep whatever was built before the failure so the
	// reconciliation pass can complete or undo their one-sided writes.
	attempted := make(map[string]models.Document)

	jobs := make(chan Row)
	var wg sync.WaitGroup

	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for row := range jobs {
				doc, outcome, err := p.processRow(ctx, row)

				mu.Lock()
				switch outcome {
				case rowProcessed:
					report.Processed++
					ingested[doc.ID] = doc
					metrics.DocumentsProcessed.Inc()
				case rowSkipped:
					report.Skipped++
					metrics.RowsSkipped.Inc()
				case rowFailed:
					report.Errors = append(report.Errors, models.RowError{
						ID:     row.ID,
						Reason: err.Error(),
					})
					if doc.ID != "" {
						attempted[doc.ID] = doc
					}
					metrics.RowsFailed.Inc()
				}
				mu.Unlock()
			}
		}()
	}

	var readErr error
	for {
		row, err := src.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}

		select {
		case jobs <- row:
		case <-ctx.Done():
			readErr = ctx.Err()
		}
		if readErr != nil {
			break
		}
	}
	close(jobs)

	// Barrier: the reconciliation and similarity passes only make sense once
	// every row task has completed.
	wg.Wait()

	if readErr != nil {
		return report, fmt.Errorf("failed to read source: %w", readErr)
	}

	if err := p.reconcile(ctx, ingested, attempted, report); err != nil {
		logger.Warn("Reconciliation pass failed", zap.Error(err))
	}

	if err := p.buildSimilarityEdges(ctx, ingested); err != nil {
		logger.Warn("Similarity pass failed", zap.Error(err))
	}

	report.Duration = time.Since(start)

	logger.Info("Ingestion batch completed",
		zap.Int("processed", report.Processed),
		zap.Int("skipped", report.Skipped),
		zap.Int("errors", len(report.Errors)),
		zap.Duration("duration", report.Duration),
	)

	return report, nil
}

type rowOutcome int

const (
	rowProcessed rowOutcome = iota
	rowSkipped
	rowFailed
)

func (p *Pipeline) processRow(ctx context.Context, row Row) (models.Document, rowOutcome, error) {
	if row.ID == "" {
		return models.Document{}, rowFailed, errors.New("row has no id")
	}
	if !row.HasText {
		return models.Document{}, rowFailed, errors.New("row is missing the text field")
	}

	text := sanitizeText(row.Text)
	if text == "" {
		return models.Document{}, rowSkipped, nil
	}

	doc := models.Document{
		ID:        row.ID,
		Text:      text,
		DocType:   inferDocType(row.ID, text),
		Timestamp: timestampToken(row.ID),
		Entities:  extractEntities(text, p.cfg.MaxEntitiesPerDoc),
	}

	retryCfg := retry.Config{
		MaxAttempts:  p.cfg.MaxRowAttempts,
		InitialDelay: 200 * time.Millisecond,
		Logger:       logger.GetLogger(),
	}

	// On any failure the whole embed+write sequence for the row is retried, so
	// the two stores converge to the same set of ingested ids.
	err := retry.Do(ctx, retryCfg, func() error {
		vec, err := p.embedder.Embed(ctx, doc.Text)
		if err != nil {
			return fmt.Errorf("embed %s: %w", doc.ID, err)
		}
		doc.Embedding = vec

		return p.writeBoth(ctx, doc)
	})
	if err != nil {
		logger.Warn("Row failed after retries",
			zap.String("id", row.ID),
			zap.Error(err),
		)
		// Return the document as built: the vector half may already be
		// written, and reconciliation needs the content to repair it.
		return doc, rowFailed, err
	}

	return doc, rowProcessed, nil
}

// writeBoth performs the two-phase write: vector index first, then graph
// store. The per-id lock keeps concurrent upserts of the same id serialized.
func (p *Pipeline) writeBoth(ctx context.Context, doc models.Document) error {
	lock := p.lockFor(doc.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := p.vector.Upsert(ctx, []models.Document{doc}); err != nil {
		return fmt.Errorf("vector upsert %s: %w", doc.ID, err)
	}

	if err := p.graph.UpsertDocument(ctx, doc); err != nil {
		return fmt.Errorf("graph upsert %s: %w", doc.ID, err)
	}
	if err := p.graph.SetMentions(ctx, doc.ID, doc.Entities); err != nil {
		return fmt.Errorf("graph mentions %s: %w", doc.ID, err)
	}

	return nil
}

func (p *Pipeline) lockFor(id string) *sync.Mutex {
	actual, _ := p.idLocks.LoadOrStore(id, &sync.Mutex{})
	return actual.(*sync.Mutex)
}

// reconcile diffs the id sets of the two stores and repairs one-sided writes
// from this batch: roll the missing half forward, and if that fails too,
// remove the orphaned half so both stores expose the same id set. Ids from
// earlier batches are left alone since their content is not at hand.
func (p *Pipeline) reconcile(ctx context.Context, ingested, attempted map[string]models.Document, report *models.IngestReport) error {
	vectorIDs, err := p.vector.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("list vector ids: %w", err)
	}
	graphIDs, err := p.graph.ListIDs(ctx)
	if err != nil {
		return fmt.Errorf("list graph ids: %w", err)
	}

	vectorSet := toSet(vectorIDs)
	graphSet := toSet(graphIDs)

	lookup := func(id string) (models.Document, bool) {
		if doc, ok := ingested[id]; ok {
			return doc, true
		}
		doc, ok := attempted[id]
		return doc, ok
	}

	for id := range vectorSet {
		if graphSet[id] {
			continue
		}
		doc, ok := lookup(id)
		if !ok {
			logger.Warn("Vector-only document outside current batch, leaving as is",
				zap.String("id", id))
			continue
		}
		if err := p.graph.UpsertDocument(ctx, doc); err == nil {
			if err := p.graph.SetMentions(ctx, doc.ID, doc.Entities); err != nil {
				logger.Warn("Failed to roll forward mentions", zap.String("id", id), zap.Error(err))
			}
			continue
		}
		logger.Warn("Graph write still failing, removing vector orphan", zap.String("id", id))
		if err := p.vector.Delete(ctx, []string{id}); err != nil {
			report.Errors = append(report.Errors, models.RowError{
				ID:     id,
				Reason: fmt.Sprintf("stores diverged and orphan removal failed: %v", err),
			})
		}
	}

	for id := range graphSet {
		if vectorSet[id] {
			continue
		}
		doc, ok := lookup(id)
		if ok && len(doc.Embedding) > 0 {
			if err := p.vector.Upsert(ctx, []models.Document{doc}); err == nil {
				continue
			}
			logger.Warn("Vector write still failing, removing graph orphan", zap.String("id", id))
		} else if !ok {
			logger.Warn("Graph-only document outside current batch, leaving as is",
				zap.String("id", id))
			continue
		}
		if err := p.graph.DeleteDocument(ctx, id); err != nil {
			report.Errors = append(report.Errors, models.RowError{
				ID:     id,
				Reason: fmt.Sprintf("stores diverged and orphan removal failed: %v", err),
			})
		}
	}

	return nil
}

// buildSimilarityEdges runs the bounded post-pass: each ingested document asks
// the vector index for its nearest neighbors and keeps edges above the
// threshold. The fan-out per node is NeighborK, never all pairs.
func (p *Pipeline) buildSimilarityEdges(ctx context.Context, ingested map[string]models.Document) error {
	tau := p.cfg.SimilarityThreshold

	for id, doc := range ingested {
		neighbors, err := p.vector.Search(ctx, doc.Embedding, p.cfg.NeighborK)
		if err != nil {
			logger.Warn("Neighbor search failed", zap.String("id", id), zap.Error(err))
			continue
		}

		var edges []models.SimilarityEdge
		for _, n := range neighbors {
			if n.ID == id {
				continue
			}
			score := n.Score
			if score > 1.0 {
				score = 1.0
			}
			if score <= tau {
				continue
			}
			edges = append(edges, models.SimilarityEdge{OtherID: n.ID, Score: score})
		}

		// Re-ingested documents get their edge set recomputed, not accumulated.
		if err := p.graph.ReplaceSimilarEdges(ctx, id, edges); err != nil {
			logger.Warn("Failed to write similarity edges", zap.String("id", id), zap.Error(err))
			continue
		}
		metrics.SimilarityEdges.Add(float64(len(edges)))
	}

	return nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if strings.TrimSpace(id) == "" {
			continue
		}
		set[id] = true
	}
	return set
}
