package milvus

import (
	"context"
	"fmt"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"
	"go.uber.org/zap"

	"github.com/research-agent/backend/internal/models"
	"github.com/research-agent/backend/pkg/logger"
)

const (
	fieldDocID     = "doc_id"
	fieldEmbedding = "embedding"
	fieldText      = "text"
	fieldDocType   = "doc_type"
	fieldTimestamp = "timestamp"
)

type Client struct {
	client         client.Client
	collectionName string
	vectorDim      int
}

func NewClient(endpoint, collectionName string, vectorDim int) (*Client, error) {
	c, err := client.NewGrpcClient(context.Background(), endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create milvus client: %w", err)
	}

	logger.Info("Milvus client initialized",
		zap.String("endpoint", endpoint),
		zap.String("collection", collectionName),
	)

	return &Client{
		client:         c,
		collectionName: collectionName,
		vectorDim:      vectorDim,
	}, nil
}

func (m *Client) Close() error {
	return m.client.Close()
}

func (m *Client) EnsureCollection(ctx context.Context) error {
	has, err := m.client.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection %s: %w", m.collectionName, err)
	}

	if has {
		return m.client.LoadCollection(ctx, m.collectionName, false)
	}

	schema := &entity.Schema{
		CollectionName: m.collectionName,
		Description:    "Document embeddings",
		Fields: []*entity.Field{
			{
				Name:       fieldDocID,
				DataType:   entity.FieldTypeVarChar,
				PrimaryKey: true,
				AutoID:     false,
				TypeParams: map[string]string{
					"max_length": "256",
				},
			},
			{
				Name:     fieldEmbedding,
				DataType: entity.FieldTypeFloatVector,
				TypeParams: map[string]string{
					"dim": fmt.Sprintf("%d", m.vectorDim),
				},
			},
			{
				Name:     fieldText,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "16384",
				},
			},
			{
				Name:     fieldDocType,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
			{
				Name:     fieldTimestamp,
				DataType: entity.FieldTypeVarChar,
				TypeParams: map[string]string{
					"max_length": "64",
				},
			},
		},
	}

	err = m.client.CreateCollection(ctx, schema, entity.DefaultShardNumber)
	if err != nil {
		return fmt.Errorf("failed to create collection %s: %w", m.collectionName, err)
	}

	idx, err := entity.NewIndexIvfFlat(entity.COSINE, 1024)
	if err != nil {
		return fmt.Errorf("failed to build index definition: %w", err)
	}
	err = m.client.CreateIndex(ctx, m.collectionName, fieldEmbedding, idx, false)
	if err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}

	err = m.client.LoadCollection(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to load collection: %w", err)
	}

	logger.Info("Collection created and loaded", zap.String("collection", m.collectionName))

	return nil
}

// Upsert writes documents keyed by doc_id. Existing rows with the same id are
// deleted first so re-ingesting is idempotent rather than duplicating.
func (m *Client) Upsert(ctx context.Context, docs []models.Document) error {
	if len(docs) == 0 {
		return nil
	}

	ids := make([]string, len(docs))
	embeddings := make([][]float32, len(docs))
	texts := make([]string, len(docs))
	docTypes := make([]string, len(docs))
	timestamps := make([]string, len(docs))

	for i, doc := range docs {
		ids[i] = doc.ID
		embeddings[i] = doc.Embedding
		texts[i] = doc.Text
		docTypes[i] = doc.DocType
		timestamps[i] = doc.Timestamp
	}

	expr := idInExpr(ids)
	if err := m.client.Delete(ctx, m.collectionName, "", expr); err != nil {
		return fmt.Errorf("failed to delete existing rows: %w", err)
	}

	_, err := m.client.Insert(
		ctx,
		m.collectionName,
		"",
		entity.NewColumnVarChar(fieldDocID, ids),
		entity.NewColumnFloatVector(fieldEmbedding, m.vectorDim, embeddings),
		entity.NewColumnVarChar(fieldText, texts),
		entity.NewColumnVarChar(fieldDocType, docTypes),
		entity.NewColumnVarChar(fieldTimestamp, timestamps),
	)
	if err != nil {
		return fmt.Errorf("failed to insert documents: %w", err)
	}

	err = m.client.Flush(ctx, m.collectionName, false)
	if err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Debug("Documents upserted into vector index", zap.Int("count", len(docs)))

	return nil
}

// Delete removes documents by id. Missing ids are a no-op.
func (m *Client) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	if err := m.client.Delete(ctx, m.collectionName, "", idInExpr(ids)); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	if err := m.client.Flush(ctx, m.collectionName, false); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	logger.Debug("Documents deleted from vector index", zap.Int("count", len(ids)))

	return nil
}

// Search returns the top-k documents by descending cosine similarity.
func (m *Client) Search(ctx context.Context, queryEmbedding []float32, topK int) ([]models.ScoredDocument, error) {
	sp, err := entity.NewIndexIvfFlatSearchParam(16)
	if err != nil {
		return nil, fmt.Errorf("failed to build search params: %w", err)
	}

	searchResult, err := m.client.Search(
		ctx,
		m.collectionName,
		[]string{},
		"",
		[]string{fieldDocID, fieldText, fieldDocType},
		[]entity.Vector{entity.FloatVector(queryEmbedding)},
		fieldEmbedding,
		entity.COSINE,
		topK,
		sp,
	)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	results := make([]models.ScoredDocument, 0)
	for _, sr := range searchResult {
		idCol := sr.Fields.GetColumn(fieldDocID)
		textCol := sr.Fields.GetColumn(fieldText)
		typeCol := sr.Fields.GetColumn(fieldDocType)

		for i := 0; i < sr.ResultCount; i++ {
			id, _ := idCol.Get(i)
			text, _ := textCol.Get(i)
			docType, _ := typeCol.Get(i)

			results = append(results, models.ScoredDocument{
				ID:      id.(string),
				Text:    text.(string),
				DocType: docType.(string),
				Score:   float64(sr.Scores[i]),
			})
		}
	}

	logger.Debug("Vector search completed",
		zap.Int("topK", topK),
		zap.Int("results", len(results)),
	)

	return results, nil
}

// ListIDs returns every document id in the collection. Used by the ingestion
// reconciliation pass to diff the two stores.
func (m *Client) ListIDs(ctx context.Context) ([]string, error) {
	rs, err := m.client.Query(
		ctx,
		m.collectionName,
		[]string{},
		fmt.Sprintf(`%s != ""`, fieldDocID),
		[]string{fieldDocID},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list ids: %w", err)
	}

	var ids []string
	for _, col := range rs {
		if col.Name() != fieldDocID {
			continue
		}
		for i := 0; i < col.Len(); i++ {
			v, err := col.Get(i)
			if err != nil {
				return nil, fmt.Errorf("failed to read id column: %w", err)
			}
			if id, ok := v.(string); ok {
				ids = append(ids, id)
			}
		}
	}

	return ids, nil
}

func idInExpr(ids []string) string {
	expr := fieldDocID + " in ["
	for i, id := range ids {
		if i > 0 {
			expr += ", "
		}
		expr += fmt.Sprintf("%q", id)
	}
	return expr + "]"
}
