package test

import (
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/troikatech/voice-bridge/internal/api/handlers"
	"github.com/troikatech/voice-bridge/internal/call"
	"github.com/troikatech/voice-bridge/pkg/agent"
	"github.com/troikatech/voice-bridge/pkg/env"
	"github.com/troikatech/voice-bridge/pkg/exotel"
	"github.com/troikatech/voice-bridge/pkg/middleware"
	"github.com/troikatech/voice-bridge/pkg/mongo"
	"github.com/troikatech/voice-bridge/pkg/pipeline"
)

// buildTestRouter mirrors the server route table with mock dependencies.
func buildTestRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	cfg := &env.Config{
		JWTSecret:           "test-secret",
		VoiceSampleRate:     8000,
		VoiceChunkThreshold: 8000,
		VoiceHistoryLimit:   20,
		VoicePlaybackCap:    16000,
		VoiceMaxTurns:       50,
	}
	mongoClient, _ := mongo.NewClient("mongodb://localhost:27017", "test")
	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})

	pipelineClient := pipeline.NewClient(cfg, zap.NewNop())
	registry := call.NewRegistry(call.RegistryConfig{
		SampleRate:   cfg.VoiceSampleRate,
		HistoryLimit: cfg.VoiceHistoryLimit,
		PlaybackCap:  cfg.VoicePlaybackCap,
	})
	resolver := agent.NewMongoResolver(mongoClient)
	exotelClient := exotel.NewClient("api", "", "", "")

	h := handlers.NewHandler(cfg, redisClient, mongoClient, pipelineClient, registry, resolver, exotelClient)
	rateLimiter := middleware.NewRateLimiter(redisClient, 60)

	router.GET("/health", h.HealthCheck)
	router.GET("/metrics", h.GetMetrics)
	router.GET("/metrics/prometheus", h.GetPrometheusMetrics)

	api := router.Group("/api")
	api.Use(middleware.AuthMiddleware(cfg.JWTSecret))
	api.Use(middleware.IdempotencyMiddleware(redisClient))
	api.Use(rateLimiter.Middleware())
	{
		calls := api.Group("/calls")
		{
			calls.POST("", middleware.RoleMiddleware("admin", "operator"), h.CreateCall)
			calls.GET("/:call_sid", middleware.ValidateCallSidParam("call_sid"), h.GetCall)
		}
	}

	router.POST("/webhooks/exotel", h.StatusCallback)

	router.GET("/webhook/voice", h.VoiceTurnStatus)
	router.POST("/webhook/voice", h.VoiceTurn)

	router.GET("/voicebot/init", h.VoicebotInit)
	router.POST("/voicebot/init", h.VoicebotInit)
	router.GET("/voicebot/ws", h.VoicebotStream)

	return router
}

var expectedRoutes = []struct {
	method string
	path   string
}{
	// Health & Metrics
	{"GET", "/health"},
	{"GET", "/metrics"},
	{"GET", "/metrics/prometheus"},

	// Calls
	{"POST", "/api/calls"},
	{"GET", "/api/calls/:call_sid"},

	// Webhooks & Voicebot
	{"POST", "/webhooks/exotel"},
	{"GET", "/webhook/voice"},
	{"POST", "/webhook/voice"},
	{"GET", "/voicebot/init"},
	{"POST", "/voicebot/init"},
	{"GET", "/voicebot/ws"},
}

func Test_Routes_Registered(t *testing.T) {
	r := buildTestRouter()
	routes := r.Routes()

	registered := make(map[string]bool)
	for _, rt := range routes {
		key := rt.Method + " " + rt.Path
		registered[key] = true
	}

	for _, expected := range expectedRoutes {
		key := expected.method + " " + expected.path
		if !registered[key] {
			t.Errorf("missing route: %s %s", expected.method, expected.path)
		}
	}
}

func Test_Routes_Count(t *testing.T) {
	r := buildTestRouter()
	routes := r.Routes()

	// May have more due to OPTIONS and HEAD registrations.
	if len(routes) < len(expectedRoutes) {
		t.Errorf("expected at least %d routes, got %d", len(expectedRoutes), len(routes))
	}
}
