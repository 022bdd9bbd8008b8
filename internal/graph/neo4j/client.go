package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/research-agent/backend/internal/models"
	"github.com/research-agent/backend/pkg/circuitbreaker"
	"github.com/research-agent/backend/pkg/logger"
	"github.com/research-agent/backend/pkg/retry"
)

const (
	EdgeSimilarTo = "SIMILAR_TO"
	EdgeMentions  = "MENTIONS"
)

type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	err = driver.VerifyConnectivity(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.New("neo4j", circuitbreaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         20 * time.Second,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

func (c *Client) run(ctx context.Context, cypher string, params map[string]any) (*neo4j.EagerResult, error) {
	var result *neo4j.EagerResult

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			r, err := neo4j.ExecuteQuery(ctx, c.driver, cypher, params,
				neo4j.EagerResultTransformer,
				neo4j.ExecuteQueryWithDatabase(c.database),
			)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})

	return result, err
}

// UpsertDocument merges the document node by id, replacing its properties.
func (c *Client) UpsertDocument(ctx context.Context, doc models.Document) error {
	_, err := c.run(ctx, `
		MERGE (d:Document {id: $id})
		SET d.text = $text,
		    d.doc_type = $doc_type,
		    d.timestamp = $timestamp,
		    d.updated_at = timestamp()
	`, map[string]any{
		"id":        doc.ID,
		"text":      doc.Text,
		"doc_type":  doc.DocType,
		"timestamp": doc.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert document %s: %w", doc.ID, err)
	}

	return nil
}

// DeleteDocument removes the document node together with every edge touching
// it. Entities stay, they may still be mentioned elsewhere.
func (c *Client) DeleteDocument(ctx context.Context, docID string) error {
	_, err := c.run(ctx, `
		MATCH (d:Document {id: $id})
		DETACH DELETE d
	`, map[string]any{"id": docID})
	if err != nil {
		return fmt.Errorf("failed to delete document %s: %w", docID, err)
	}

	return nil
}

// SetMentions replaces the document's MENTIONS edges with the given entity
// set. Entities are merged by normalized name so mentions across documents
// converge on one node.
func (c *Client) SetMentions(ctx context.Context, docID string, entities []string) error {
	_, err := c.run(ctx, `
		MATCH (d:Document {id: $id})
		OPTIONAL MATCH (d)-[r:MENTIONS]->(:Entity)
		DELETE r
	`, map[string]any{"id": docID})
	if err != nil {
		return fmt.Errorf("failed to clear mentions for %s: %w", docID, err)
	}

	if len(entities) == 0 {
		return nil
	}

	_, err = c.run(ctx, `
		MATCH (d:Document {id: $id})
		UNWIND $entities AS name
		MERGE (e:Entity {name: name})
		MERGE (d)-[:MENTIONS]->(e)
	`, map[string]any{
		"id":       docID,
		"entities": entities,
	})
	if err != nil {
		return fmt.Errorf("failed to set mentions for %s: %w", docID, err)
	}

	logger.Debug("Mentions written",
		zap.String("doc_id", docID),
		zap.Int("entities", len(entities)),
	)

	return nil
}

// ReplaceSimilarEdges drops every SIMILAR_TO edge touching the document and
// writes the new set. Edges are stored once with the endpoint ids ordered so
// the relation stays symmetric without duplicates.
func (c *Client) ReplaceSimilarEdges(ctx context.Context, docID string, edges []models.SimilarityEdge) error {
	_, err := c.run(ctx, `
		MATCH (d:Document {id: $id})-[r:SIMILAR_TO]-(:Document)
		DELETE r
	`, map[string]any{"id": docID})
	if err != nil {
		return fmt.Errorf("failed to clear similar edges for %s: %w", docID, err)
	}

	for _, edge := range edges {
		if edge.OtherID == docID {
			continue
		}
		low, high := docID, edge.OtherID
		if high < low {
			low, high = high, low
		}
		_, err = c.run(ctx, `
			MATCH (a:Document {id: $low})
			MATCH (b:Document {id: $high})
			MERGE (a)-[r:SIMILAR_TO]->(b)
			SET r.score = $score
		`, map[string]any{
			"low":   low,
			"high":  high,
			"score": edge.Score,
		})
		if err != nil {
			return fmt.Errorf("failed to create similar edge %s-%s: %w", low, high, err)
		}
	}

	return nil
}

// Traverse expands one to maxHops hops from the seed documents along the given
// edge types. MENTIONS edges are followed through the shared entity to the
// documents on the other side. Seeds themselves are not returned.
func (c *Client) Traverse(ctx context.Context, seedIDs []string, edgeTypes []string, maxHops int) ([]models.GraphNeighbor, error) {
	if len(seedIDs) == 0 {
		return nil, nil
	}
	if maxHops <= 0 {
		maxHops = 1
	}

	neighbors := make(map[string]models.GraphNeighbor)

	for _, edgeType := range edgeTypes {
		switch edgeType {
		case EdgeSimilarTo:
			result, err := c.run(ctx, fmt.Sprintf(`
				MATCH path = (seed:Document)-[:SIMILAR_TO*1..%d]-(other:Document)
				WHERE seed.id IN $seeds AND NOT other.id IN $seeds
				WITH other, path,
				     reduce(total = 0.0, r IN relationships(path) | total + r.score) / length(path) AS mean_score
				RETURN other.id AS id, other.text AS text, other.doc_type AS doc_type,
				       max(mean_score) AS score, min(length(path)) AS hops
			`, maxHops), map[string]any{"seeds": seedIDs})
			if err != nil {
				return nil, fmt.Errorf("similar traversal failed: %w", err)
			}
			collectNeighbors(result, neighbors)

		case EdgeMentions:
			result, err := c.run(ctx, `
				MATCH (seed:Document)-[:MENTIONS]->(e:Entity)<-[:MENTIONS]-(other:Document)
				WHERE seed.id IN $seeds AND NOT other.id IN $seeds
				RETURN other.id AS id, other.text AS text, other.doc_type AS doc_type,
				       0.0 AS score, 1 AS hops
			`, map[string]any{"seeds": seedIDs})
			if err != nil {
				return nil, fmt.Errorf("entity traversal failed: %w", err)
			}
			collectNeighbors(result, neighbors)

		default:
			return nil, fmt.Errorf("unknown edge type %q", edgeType)
		}
	}

	out := make([]models.GraphNeighbor, 0, len(neighbors))
	for _, n := range neighbors {
		out = append(out, n)
	}

	logger.Debug("Graph traversal completed",
		zap.Int("seeds", len(seedIDs)),
		zap.Int("neighbors", len(out)),
	)

	return out, nil
}

// ListIDs returns every document id in the graph, for reconciliation.
func (c *Client) ListIDs(ctx context.Context) ([]string, error) {
	result, err := c.run(ctx, `MATCH (d:Document) RETURN d.id AS id`, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list document ids: %w", err)
	}

	var ids []string
	for _, record := range result.Records {
		if id, ok := record.Get("id"); ok {
			if s, ok := id.(string); ok {
				ids = append(ids, s)
			}
		}
	}

	return ids, nil
}

func (c *Client) CountDocuments(ctx context.Context) (int64, error) {
	result, err := c.run(ctx, `MATCH (d:Document) RETURN count(d) AS n`, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}

	if len(result.Records) > 0 {
		if n, ok := result.Records[0].Get("n"); ok {
			if v, ok := n.(int64); ok {
				return v, nil
			}
		}
	}

	return 0, nil
}

func collectNeighbors(result *neo4j.EagerResult, into map[string]models.GraphNeighbor) {
	for _, record := range result.Records {
		id, _ := record.Get("id")
		text, _ := record.Get("text")
		docType, _ := record.Get("doc_type")
		score, _ := record.Get("score")
		hops, _ := record.Get("hops")

		idStr, ok := id.(string)
		if !ok {
			continue
		}

		neighbor := models.GraphNeighbor{ID: idStr}
		if s, ok := text.(string); ok {
			neighbor.Text = s
		}
		if s, ok := docType.(string); ok {
			neighbor.DocType = s
		}
		if f, ok := score.(float64); ok {
			neighbor.Score = f
		}
		if h, ok := hops.(int64); ok {
			neighbor.Hops = int(h)
		}

		// A node reachable through several edge types keeps its best score.
		if existing, seen := into[idStr]; !seen || neighbor.Score > existing.Score {
			into[idStr] = neighbor
		}
	}
}
