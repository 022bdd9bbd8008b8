package models

import "time"

// Document is the unit of ingestion. The ID is derived from the source
// filename and is the unique key across both stores.
type Document struct {
	ID        string
	Text      string
	DocType   string
	Timestamp string
	Entities  []string
	Embedding []float32
}

// ScoredDocument is a vector index hit ordered by cosine similarity.
type ScoredDocument struct {
	ID      string
	Text    string
	DocType string
	Score   float64
}

// GraphNeighbor is a document reached by traversing SIMILAR_TO or
// shared-entity edges from a seed set. Score is the mean edge score along
// the path that reached it.
type GraphNeighbor struct {
	ID      string
	Text    string
	DocType string
	Score   float64
	Hops    int
}

// SimilarityEdge links a document to a near-duplicate neighbor. Score must
// exceed the configured threshold and never reaches past 1.0.
type SimilarityEdge struct {
	OtherID string
	Score   float64
}

const (
	ProvenanceVector = "vector"
	ProvenanceGraph  = "graph"
	ProvenanceBoth   = "both"
)

// Candidate is a query-scoped retrieval result. Created per query and
// discarded after response assembly.
type Candidate struct {
	DocumentID    string
	Text          string
	DocType       string
	VectorScore   float64
	GraphDistance int
	CombinedScore float64
	Provenance    string
}

// ConversationTurn is supplied by the caller as chat history. The core never
// persists it.
type ConversationTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Citation struct {
	DocumentID      string  `json:"document_id"`
	RelevanceScore  float64 `json:"relevance_score"`
	RetrievalMethod string  `json:"retrieval_method"`
}

// Response is produced once per query and not stored by the core.
type Response struct {
	AnswerText         string     `json:"answer_text"`
	Citations          []Citation `json:"citations"`
	QualityScore       float64    `json:"quality_score"`
	RetrievalPerformed bool       `json:"retrieval_performed"`
	ContextDegraded    bool       `json:"context_degraded"`
}

type RowError struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type IngestReport struct {
	Processed int        `json:"processed"`
	Skipped   int        `json:"skipped"`
	Errors    []RowError `json:"errors"`
	Duration  time.Duration `json:"-"`
}
