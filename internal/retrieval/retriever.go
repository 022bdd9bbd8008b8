package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/research-agent/backend/internal/embedding"
	"github.com/research-agent/backend/internal/metrics"
	"github.com/research-agent/backend/internal/models"
	"github.com/research-agent/backend/pkg/logger"
)

var ErrEmptyQuery = errors.New("query text is empty")

// VectorSearcher is the read surface of the vector index.
type VectorSearcher interface {
	Search(ctx context.Context, queryEmbedding []float32, topK int) ([]models.ScoredDocument, error)
}

// GraphTraverser is the read surface of the graph store.
type GraphTraverser interface {
	Traverse(ctx context.Context, seedIDs []string, edgeTypes []string, maxHops int) ([]models.GraphNeighbor, error)
}

// Diagnostics reports branch degradation to the caller; a timed-out branch is
// reduced confidence, never a silent gap.
type Diagnostics struct {
	VectorDegraded bool
	GraphDegraded  bool
}

func (d Diagnostics) Degraded() bool {
	return d.VectorDegraded || d.GraphDegraded
}

type Config struct {
	FanoutFactor    int
	SeedK           int
	GraphDiscount   float64
	EntityEdgeScore float64
	BranchTimeout   time.Duration
}

type Retriever struct {
	embedder embedding.Provider
	vector   VectorSearcher
	graph    GraphTraverser
	cfg      Config
}

func NewRetriever(embedder embedding.Provider, vector VectorSearcher, graph GraphTraverser, cfg Config) *Retriever {
	if cfg.FanoutFactor <= 0 {
		cfg.FanoutFactor = 3
	}
	if cfg.SeedK <= 0 {
		cfg.SeedK = 3
	}
	if cfg.GraphDiscount <= 0 || cfg.GraphDiscount > 1 {
		cfg.GraphDiscount = 0.7
	}
	if cfg.EntityEdgeScore <= 0 {
		cfg.EntityEdgeScore = 0.5
	}
	if cfg.BranchTimeout <= 0 {
		cfg.BranchTimeout = 3 * time.Second
	}

	return &Retriever{
		embedder: embedder,
		vector:   vector,
		graph:    graph,
		cfg:      cfg,
	}
}

// Retrieve embeds the query and fans out to the vector and graph branches
// concurrently, then merges the two candidate sets into one deterministic
// ranking of at most topK entries. Embedding failure is fatal; a branch
// timing out degrades the result instead.
func (r *Retriever) Retrieve(ctx context.Context, queryText string, topK int) ([]models.Candidate, Diagnostics, error) {
	var diags Diagnostics

	if queryText == "" {
		return nil, diags, ErrEmptyQuery
	}
	if topK <= 0 {
		topK = 5
	}

	queryVec, err := r.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, diags, fmt.Errorf("failed to embed query: %w", err)
	}

	var vectorHits []models.ScoredDocument
	var graphHits []models.GraphNeighbor

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		start := time.Now()
		branchCtx, cancel := context.WithTimeout(gctx, r.cfg.BranchTimeout)
		defer cancel()

		hits, err := r.vector.Search(branchCtx, queryVec, r.cfg.FanoutFactor*topK)
		metrics.RetrievalBranchDuration.WithLabelValues("vector").Observe(time.Since(start).Seconds())
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				metrics.RetrievalBranchTimeouts.WithLabelValues("vector").Inc()
			}
			logger.Warn("Vector branch degraded", zap.Error(err))
			diags.VectorDegraded = true
			return nil
		}

		vectorHits = hits
		metrics.RetrievalCandidates.WithLabelValues("vector").Observe(float64(len(hits)))
		return nil
	})

	g.Go(func() error {
		start := time.Now()
		branchCtx, cancel := context.WithTimeout(gctx, r.cfg.BranchTimeout)
		defer cancel()

		hits, err := r.graphBranch(branchCtx, queryVec)
		metrics.RetrievalBranchDuration.WithLabelValues("graph").Observe(time.Since(start).Seconds())
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				metrics.RetrievalBranchTimeouts.WithLabelValues("graph").Inc()
			}
			logger.Warn("Graph branch degraded", zap.Error(err))
			diags.GraphDegraded = true
			return nil
		}

		graphHits = hits
		metrics.RetrievalCandidates.WithLabelValues("graph").Observe(float64(len(hits)))
		return nil
	})

	// Branch errors degrade rather than fail, so the only group error left is
	// caller cancellation.
	if err := g.Wait(); err != nil {
		return nil, diags, err
	}
	if err := ctx.Err(); err != nil {
		return nil, diags, err
	}

	candidates := r.merge(vectorHits, graphHits)
	if len(candidates) > topK {
		candidates = candidates[:topK]
	}

	logger.Debug("Retrieval completed",
		zap.Int("vector_hits", len(vectorHits)),
		zap.Int("graph_hits", len(graphHits)),
		zap.Int("candidates", len(candidates)),
		zap.Bool("degraded", diags.Degraded()),
	)

	return candidates, diags, nil
}

// graphBranch runs its own small seed lookup so it stays independent of the
// vector branch, then expands one hop along similarity and shared-entity
// edges.
func (r *Retriever) graphBranch(ctx context.Context, queryVec []float32) ([]models.GraphNeighbor, error) {
	seeds, err := r.vector.Search(ctx, queryVec, r.cfg.SeedK)
	if err != nil {
		return nil, fmt.Errorf("seed lookup: %w", err)
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	seedIDs := make([]string, len(seeds))
	for i, s := range seeds {
		seedIDs[i] = s.ID
	}

	neighbors, err := r.graph.Traverse(ctx, seedIDs, []string{"SIMILAR_TO", "MENTIONS"}, 1)
	if err != nil {
		return nil, fmt.Errorf("traversal: %w", err)
	}

	return neighbors, nil
}

// merge unions the branches by document id. Vector evidence sets the combined
// score directly; graph-only evidence is the mean path score scaled by the
// discount factor so vector-confirmed candidates rank at least as high.
func (r *Retriever) merge(vectorHits []models.ScoredDocument, graphHits []models.GraphNeighbor) []models.Candidate {
	byID := make(map[string]*models.Candidate)

	for _, hit := range vectorHits {
		byID[hit.ID] = &models.Candidate{
			DocumentID:    hit.ID,
			Text:          hit.Text,
			DocType:       hit.DocType,
			VectorScore:   hit.Score,
			CombinedScore: hit.Score,
			Provenance:    models.ProvenanceVector,
		}
	}

	for _, hit := range graphHits {
		pathScore := hit.Score
		if pathScore == 0 {
			// Shared-entity paths carry no similarity score.
			pathScore = r.cfg.EntityEdgeScore
		}

		if existing, ok := byID[hit.ID]; ok {
			existing.Provenance = models.ProvenanceBoth
			existing.GraphDistance = hit.Hops
			continue
		}

		byID[hit.ID] = &models.Candidate{
			DocumentID:    hit.ID,
			Text:          hit.Text,
			DocType:       hit.DocType,
			GraphDistance: hit.Hops,
			CombinedScore: pathScore * r.cfg.GraphDiscount,
			Provenance:    models.ProvenanceGraph,
		}
	}

	candidates := make([]models.Candidate, 0, len(byID))
	for _, c := range byID {
		candidates = append(candidates, *c)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CombinedScore != candidates[j].CombinedScore {
			return candidates[i].CombinedScore > candidates[j].CombinedScore
		}
		return candidates[i].DocumentID < candidates[j].DocumentID
	})

	return candidates
}
