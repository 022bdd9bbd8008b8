package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	DocumentsProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "research_agent_documents_processed_total",
			Help: "Total documents successfully ingested",
		},
	)

	RowsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "research_agent_ingest_rows_skipped_total",
			Help: "Total rows skipped for empty text",
		},
	)

	RowsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "research_agent_ingest_rows_failed_total",
			Help: "Total rows that failed after retries",
		},
	)

	SimilarityEdges = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "research_agent_similarity_edges_total",
			Help: "Total similarity edges written",
		},
	)

	RetrievalBranchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_agent_retrieval_branch_duration_seconds",
			Help:    "Duration of each retrieval branch",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"branch"},
	)

	RetrievalBranchTimeouts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_agent_retrieval_branch_timeouts_total",
			Help: "Retrieval branches that hit their timeout",
		},
		[]string{"branch"},
	)

	RetrievalCandidates = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "research_agent_retrieval_candidates",
			Help:    "Number of candidates per branch per query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"branch"},
	)

	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "research_agent_queries_total",
			Help: "Total answer requests processed",
		},
		[]string{"status"},
	)

	QualityScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "research_agent_quality_score",
			Help:    "Response quality scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)
)

func Init() {
	prometheus.MustRegister(DocumentsProcessed)
	prometheus.MustRegister(RowsSkipped)
	prometheus.MustRegister(RowsFailed)
	prometheus.MustRegister(SimilarityEdges)
	prometheus.MustRegister(RetrievalBranchDuration)
	prometheus.MustRegister(RetrievalBranchTimeouts)
	prometheus.MustRegister(RetrievalCandidates)
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(QualityScore)
}

func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
