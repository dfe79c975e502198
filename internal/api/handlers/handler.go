package handlers

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/voice-bridge/internal/call"
	"github.com/troikatech/voice-bridge/pkg/agent"
	"github.com/troikatech/voice-bridge/pkg/env"
	"github.com/troikatech/voice-bridge/pkg/exotel"
	"github.com/troikatech/voice-bridge/pkg/logger"
	"github.com/troikatech/voice-bridge/pkg/mongo"
	"github.com/troikatech/voice-bridge/pkg/pipeline"
)

// voicePipeline is the slice of the pipeline client the adapters use.
// It lets tests drive turn handling with a scripted pipeline.
type voicePipeline interface {
	IsAvailable() bool
	Transcribe(ctx context.Context, wavData []byte) (string, error)
	Reply(ctx context.Context, systemPrompt string, history []pipeline.Message, userText string) (string, string, error)
	Synthesize(ctx context.Context, req *pipeline.SynthesisRequest) (*pipeline.SynthesisResult, error)
}

type Handler struct {
	cfg          *env.Config
	redisClient  *redis.Client
	mongoClient  *mongo.Client
	logger       *zap.Logger
	pipeline     voicePipeline
	registry     *call.Registry
	resolver     agent.Resolver
	exotelClient *exotel.Client
}

func NewHandler(
	cfg *env.Config,
	redisClient *redis.Client,
	mongoClient *mongo.Client,
	pipelineClient *pipeline.Client,
	registry *call.Registry,
	resolver agent.Resolver,
	exotelClient *exotel.Client,
) *Handler {
	return &Handler{
		cfg:          cfg,
		redisClient:  redisClient,
		mongoClient:  mongoClient,
		logger:       logger.Log,
		pipeline:     pipelineClient,
		registry:     registry,
		resolver:     resolver,
		exotelClient: exotelClient,
	}
}
