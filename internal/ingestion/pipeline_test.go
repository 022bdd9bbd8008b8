package ingestion

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/research-agent/backend/internal/models"
)

type sliceSource struct {
	rows []Row
	pos  int
}

func (s *sliceSource) Next() (Row, error) {
	if s.pos >= len(s.rows) {
		return Row{}, io.EOF
	}
	row := s.rows[s.pos]
	s.pos++
	return row, nil
}

func (s *sliceSource) Close() error { return nil }

type memEmbedder struct {
	err error
}

func (m *memEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.err != nil {
		return nil, m.err
	}
	return []float32{float32(len(text))}, nil
}

type memVector struct {
	mu   sync.Mutex
	docs map[string]models.Document
	// neighbors is the canned answer for the similarity pass, keyed by the
	// querying document id via its embedding length.
	neighbors map[string][]models.ScoredDocument
	upsertErr error
}

func newMemVector() *memVector {
	return &memVector{
		docs:      make(map[string]models.Document),
		neighbors: make(map[string][]models.ScoredDocument),
	}
}

func (m *memVector) Upsert(ctx context.Context, docs []models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	for _, doc := range docs {
		m.docs[doc.ID] = doc
	}
	return nil
}

func (m *memVector) Delete(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.docs, id)
	}
	return nil
}

func (m *memVector) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]models.ScoredDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, doc := range m.docs {
		if len(doc.Embedding) > 0 && len(queryEmbedding) > 0 && doc.Embedding[0] == queryEmbedding[0] {
			if hits, ok := m.neighbors[id]; ok {
				return hits, nil
			}
		}
	}
	return nil, nil
}

func (m *memVector) ListIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type memGraph struct {
	mu       sync.Mutex
	docs     map[string]models.Document
	mentions map[string][]string
	edges    map[string][]models.SimilarityEdge
	// dropUpserts acknowledges but discards the first N UpsertDocument calls
	// per id, simulating a write that was confirmed and then lost.
	dropUpserts map[string]int
	// failUpserts rejects every UpsertDocument call for the id, simulating a
	// persistently broken write path.
	failUpserts map[string]bool
}

func newMemGraph() *memGraph {
	return &memGraph{
		docs:        make(map[string]models.Document),
		mentions:    make(map[string][]string),
		edges:       make(map[string][]models.SimilarityEdge),
		dropUpserts: make(map[string]int),
		failUpserts: make(map[string]bool),
	}
}

func (m *memGraph) UpsertDocument(ctx context.Context, doc models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failUpserts[doc.ID] {
		return errors.New("graph write rejected")
	}
	if m.dropUpserts[doc.ID] > 0 {
		m.dropUpserts[doc.ID]--
		return nil
	}
	m.docs[doc.ID] = doc
	return nil
}

func (m *memGraph) DeleteDocument(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.docs, docID)
	delete(m.mentions, docID)
	delete(m.edges, docID)
	return nil
}

func (m *memGraph) SetMentions(ctx context.Context, docID string, entities []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mentions[docID] = entities
	return nil
}

func (m *memGraph) ReplaceSimilarEdges(ctx context.Context, docID string, edges []models.SimilarityEdge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges[docID] = edges
	return nil
}

func (m *memGraph) ListIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.docs))
	for id := range m.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func newTestPipeline(vector *memVector, graph *memGraph, embedder *memEmbedder) *Pipeline {
	return NewPipeline(vector, graph, embedder, Config{
		Workers:             2,
		MaxRowAttempts:      2,
		SimilarityThreshold: 0.8,
		NeighborK:           5,
		MaxEntitiesPerDoc:   8,
	})
}

func TestIngestCountsOutcomes(t *testing.T) {
	vector := newMemVector()
	graph := newMemGraph()
	p := newTestPipeline(vector, graph, &memEmbedder{})

	src := &sliceSource{rows: []Row{
		{ID: "report_2024-03-01.txt", Text: "The committee released its findings in March.", HasText: true},
		{ID: "memo_a.txt", Text: "   ", HasText: true},
		{ID: "memo_b.txt", HasText: false},
		{ID: "", Text: "orphan text", HasText: true},
	}}

	report, err := p.Ingest(context.Background(), src)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Errors, 2)

	reasons := map[string]string{}
	for _, re := range report.Errors {
		reasons[re.ID] = re.Reason
	}
	assert.Contains(t, reasons["memo_b.txt"], "missing the text field")
	assert.Contains(t, reasons[""], "no id")

	// Both stores converged on the same single document.
	vectorIDs, _ := vector.ListIDs(context.Background())
	graphIDs, _ := graph.ListIDs(context.Background())
	assert.Equal(t, []string{"report_2024-03-01.txt"}, vectorIDs)
	assert.Equal(t, vectorIDs, graphIDs)
}

func TestIngestIsIdempotent(t *testing.T) {
	vector := newMemVector()
	graph := newMemGraph()
	p := newTestPipeline(vector, graph, &memEmbedder{})

	rows := []Row{
		{ID: "report_a.txt", Text: "First quarterly report on the pipeline project.", HasText: true},
		{ID: "report_b.txt", Text: "Second quarterly report covering new findings.", HasText: true},
	}

	first, err := p.Ingest(context.Background(), &sliceSource{rows: rows})
	require.NoError(t, err)
	second, err := p.Ingest(context.Background(), &sliceSource{rows: rows})
	require.NoError(t, err)

	assert.Equal(t, first.Processed, second.Processed)
	assert.Empty(t, second.Errors)

	vectorIDs, _ := vector.ListIDs(context.Background())
	assert.Len(t, vectorIDs, 2, "re-ingesting the same batch must not duplicate documents")
	graphIDs, _ := graph.ListIDs(context.Background())
	assert.Len(t, graphIDs, 2)
}

func TestIngestRowFailureDoesNotAbortBatch(t *testing.T) {
	vector := newMemVector()
	graph := newMemGraph()
	embedder := &memEmbedder{}
	p := newTestPipeline(vector, graph, embedder)

	// Vector writes fail outright: every row with text fails after retries,
	// but the batch itself completes.
	vector.upsertErr = errors.New("collection unavailable")

	src := &sliceSource{rows: []Row{
		{ID: "doc_a.txt", Text: "some text", HasText: true},
		{ID: "doc_b.txt", Text: "more text", HasText: true},
	}}

	report, err := p.Ingest(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Processed)
	assert.Len(t, report.Errors, 2)
}

func TestIngestReconcilesOneSidedWrites(t *testing.T) {
	vector := newMemVector()
	graph := newMemGraph()
	p := newTestPipeline(vector, graph, &memEmbedder{})

	// The graph store acknowledges but loses the first write for this id;
	// the reconciliation pass must roll the graph half forward.
	graph.dropUpserts["report_lost.txt"] = 1

	src := &sliceSource{rows: []Row{
		{ID: "report_lost.txt", Text: "A report whose graph write goes missing.", HasText: true},
		{ID: "report_kept.txt", Text: "A report written cleanly to both stores.", HasText: true},
	}}

	report, err := p.Ingest(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)

	vectorIDs, _ := vector.ListIDs(context.Background())
	graphIDs, _ := graph.ListIDs(context.Background())
	assert.Equal(t, vectorIDs, graphIDs, "stores must converge after reconciliation")
	assert.Contains(t, graphIDs, "report_lost.txt")
}

func TestIngestRemovesVectorOrphanWhenGraphWriteKeepsFailing(t *testing.T) {
	vector := newMemVector()
	graph := newMemGraph()
	p := newTestPipeline(vector, graph, &memEmbedder{})

	// Every graph write for this id fails, in the row retries and in the
	// reconciliation re-attempt, so its vector half must be removed rather
	// than left behind for retrieval to surface.
	graph.failUpserts["orphan.txt"] = true

	src := &sliceSource{rows: []Row{
		{ID: "orphan.txt", Text: "A document the graph store keeps rejecting.", HasText: true},
		{ID: "clean.txt", Text: "A document written cleanly to both stores.", HasText: true},
	}}

	report, err := p.Ingest(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "orphan.txt", report.Errors[0].ID)

	vectorIDs, _ := vector.ListIDs(context.Background())
	graphIDs, _ := graph.ListIDs(context.Background())
	assert.Equal(t, []string{"clean.txt"}, vectorIDs, "the failed row's vector half must not survive")
	assert.Equal(t, vectorIDs, graphIDs)
}

func TestSimilarityEdgesRespectThreshold(t *testing.T) {
	vector := newMemVector()
	graph := newMemGraph()
	p := newTestPipeline(vector, graph, &memEmbedder{})

	text := "Two nearly identical reports about the same incident."
	src := &sliceSource{rows: []Row{
		{ID: "dup_a.txt", Text: text, HasText: true},
	}}

	// Neighbor search for dup_a returns itself, a near-duplicate above the
	// threshold with an out-of-range score, and two below-threshold hits.
	vector.neighbors["dup_a.txt"] = []models.ScoredDocument{
		{ID: "dup_a.txt", Score: 1.0},
		{ID: "dup_b.txt", Score: 1.0000002},
		{ID: "other.txt", Score: 0.8},
		{ID: "unrelated.txt", Score: 0.4},
	}

	_, err := p.Ingest(context.Background(), src)
	require.NoError(t, err)

	edges := graph.edges["dup_a.txt"]
	require.Len(t, edges, 1, "only the above-threshold non-self neighbor survives")
	assert.Equal(t, "dup_b.txt", edges[0].OtherID)
	assert.LessOrEqual(t, edges[0].Score, 1.0, "float drift must be clamped")
}

func TestSimilarityEdgesRecomputedOnReingest(t *testing.T) {
	vector := newMemVector()
	graph := newMemGraph()
	p := newTestPipeline(vector, graph, &memEmbedder{})

	text := "Document whose neighborhood changes between batches."
	rows := []Row{{ID: "doc.txt", Text: text, HasText: true}}

	vector.neighbors["doc.txt"] = []models.ScoredDocument{
		{ID: "old_neighbor.txt", Score: 0.95},
	}
	_, err := p.Ingest(context.Background(), &sliceSource{rows: rows})
	require.NoError(t, err)
	require.Len(t, graph.edges["doc.txt"], 1)

	// The neighborhood moved on: the stale edge must not accumulate.
	vector.neighbors["doc.txt"] = []models.ScoredDocument{
		{ID: "new_neighbor.txt", Score: 0.9},
	}
	_, err = p.Ingest(context.Background(), &sliceSource{rows: rows})
	require.NoError(t, err)

	edges := graph.edges["doc.txt"]
	require.Len(t, edges, 1)
	assert.Equal(t, "new_neighbor.txt", edges[0].OtherID)
}
