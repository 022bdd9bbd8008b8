package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig
	Neo4j     Neo4jConfig
	Milvus    MilvusConfig
	Redis     RedisConfig
	LLM       LLMConfig
	Ingestion IngestionConfig
	Retrieval RetrievalConfig
	Agent     AgentConfig
	Logging   LoggingConfig
}

type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  int
	WriteTimeout int
	BodyLimit    int
}

type Neo4jConfig struct {
	URI      string
	Username string
	Password string
	Database string
}

type MilvusConfig struct {
	Endpoint       string
	APIKey         string
	CollectionName string
	VectorDim      int
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Password string
	DB       int
}

type LLMConfig struct {
	APIKey         string
	Model          string
	Temperature    float32
	MaxTokens      int
	EmbeddingModel string
	EmbeddingDim   int
}

type IngestionConfig struct {
	Workers             int
	MaxRowAttempts      int
	SimilarityThreshold float64
	NeighborK           int
	MaxEntitiesPerDoc   int
}

type RetrievalConfig struct {
	TopK            int
	FanoutFactor    int
	SeedK           int
	GraphDiscount   float64
	EntityEdgeScore float64
	BranchTimeoutMS int
}

type AgentConfig struct {
	SystemInstruction string
	MaxHistoryTurns   int
	MaxHistoryChars   int
	ContextCharBudget int
	CitationWeight    float64
	LengthWeight      float64
	NonEmptyWeight    float64
	DegradedPenalty   float64
}

type LoggingConfig struct {
	Level      string
	Format     string
	OutputPath string
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/research-agent")

	viper.SetEnvPrefix("RESEARCH_AGENT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.readTimeout", 30)
	viper.SetDefault("server.writeTimeout", 30)
	viper.SetDefault("server.bodyLimit", 10485760)

	viper.SetDefault("neo4j.uri", "bolt://localhost:7687")
	viper.SetDefault("neo4j.username", "neo4j")
	viper.SetDefault("neo4j.password", "password")
	viper.SetDefault("neo4j.database", "neo4j")

	viper.SetDefault("milvus.endpoint", "localhost:19530")
	viper.SetDefault("milvus.collectionName", "documents")
	viper.SetDefault("milvus.vectorDim", 1536)

	viper.SetDefault("redis.enabled", false)
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.db", 0)

	viper.SetDefault("llm.model", "gpt-4")
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.maxTokens", 2048)
	viper.SetDefault("llm.embeddingModel", "text-embedding-3-small")
	viper.SetDefault("llm.embeddingDim", 1536)

	viper.SetDefault("ingestion.workers", 4)
	viper.SetDefault("ingestion.maxRowAttempts", 3)
	viper.SetDefault("ingestion.similarityThreshold", 0.8)
	viper.SetDefault("ingestion.neighborK", 15)
	viper.SetDefault("ingestion.maxEntitiesPerDoc", 16)

	viper.SetDefault("retrieval.topK", 5)
	viper.SetDefault("retrieval.fanoutFactor", 3)
	viper.SetDefault("retrieval.seedK", 3)
	viper.SetDefault("retrieval.graphDiscount", 0.7)
	viper.SetDefault("retrieval.entityEdgeScore", 0.5)
	viper.SetDefault("retrieval.branchTimeoutMS", 3000)

	viper.SetDefault("agent.systemInstruction", "")
	viper.SetDefault("agent.maxHistoryTurns", 6)
	viper.SetDefault("agent.maxHistoryChars", 8000)
	viper.SetDefault("agent.contextCharBudget", 1200)
	viper.SetDefault("agent.citationWeight", 0.5)
	viper.SetDefault("agent.lengthWeight", 0.3)
	viper.SetDefault("agent.nonEmptyWeight", 0.2)
	viper.SetDefault("agent.degradedPenalty", 0.15)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.outputPath", "stdout")
}
