package embedding

import (
	"context"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/research-agent/backend/pkg/circuitbreaker"
	"github.com/research-agent/backend/pkg/logger"
	"github.com/research-agent/backend/pkg/retry"
	"github.com/research-agent/backend/pkg/utils"
)

// Provider turns text into a fixed-dimension vector. Implementations must be
// deterministic for identical input so similarity scores are reproducible.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Cache is the optional embedding cache in front of the inference call.
type Cache interface {
	GetEmbedding(ctx context.Context, textHash string) ([]float32, bool, error)
	SetEmbedding(ctx context.Context, textHash string, embedding []float32, ttl time.Duration) error
}

type Client struct {
	client      *openai.Client
	model       string
	dim         int
	cache       Cache
	cacheTTL    time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(apiKey, model string, dim int, cache Cache) *Client {
	cb := circuitbreaker.New("embedding", circuitbreaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         30 * time.Second,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Embedding client initialized",
		zap.String("model", model),
		zap.Int("dim", dim),
	)

	return &Client{
		client:      openai.NewClient(apiKey),
		model:       model,
		dim:         dim,
		cache:       cache,
		cacheTTL:    24 * time.Hour,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	textHash := utils.HashString(text)

	if c.cache != nil {
		if cached, ok, err := c.cache.GetEmbedding(ctx, textHash); err == nil && ok {
			return cached, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: []string{text},
					Model: openai.EmbeddingModel(c.model),
				},
			)

			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if err := c.cache.SetEmbedding(ctx, textHash, embedding, c.cacheTTL); err != nil {
			logger.Warn("Failed to cache embedding", zap.Error(err))
		}
	}

	return embedding, nil
}

// Dim is the vector dimension the configured model produces. The vector index
// collection must be created with the same dimension.
func (c *Client) Dim() int {
	return c.dim
}
