package agent

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/zap"

	"github.com/troikatech/voice-bridge/pkg/logger"
	"github.com/troikatech/voice-bridge/pkg/mongo"
	"github.com/troikatech/voice-bridge/pkg/utils"
)

// Config is the agent persona bound to one phone identifier. It is
// resolved once per call and cached on the session.
type Config struct {
	ID           string
	Name         string
	SystemPrompt string
	VoiceID      string
	Greeting     string
}

// Resolver maps a phone identifier to its agent configuration.
// A nil Config with a nil error means no agent is bound to the phone;
// callers produce a graceful hangup rather than an error response.
type Resolver interface {
	Resolve(ctx context.Context, phoneID string) (*Config, error)
}

// MongoResolver looks agents up in the agents collection, keyed by the
// exophone they answer on.
type MongoResolver struct {
	db *mongo.Client
}

func NewMongoResolver(db *mongo.Client) *MongoResolver {
	return &MongoResolver{db: db}
}

func (r *MongoResolver) Resolve(ctx context.Context, phoneID string) (*Config, error) {
	if phoneID == "" {
		return nil, nil
	}
	normalized := utils.NormalizePhone(phoneID)

	doc, err := r.db.NewQuery("agents").
		Eq("phone_number", normalized).
		Eq("active", true).
		FindOne(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent lookup failed: %w", err)
	}
	if doc == nil {
		logger.Log.Debug("no agent bound to phone",
			zap.String("phone", utils.MaskPhoneNumber(normalized)))
		return nil, nil
	}

	cfg := &Config{
		Name:         asString(doc["name"]),
		SystemPrompt: asString(doc["system_prompt"]),
		VoiceID:      asString(doc["voice_id"]),
		Greeting:     asString(doc["greeting"]),
	}
	if oid, ok := doc["_id"].(primitive.ObjectID); ok {
		cfg.ID = mongo.ObjectIDToString(oid)
	}
	if cfg.SystemPrompt == "" {
		return nil, nil
	}
	return cfg, nil
}

// ResolveByID fetches a specific agent, used when the streaming start
// event carries an agent hint in its custom parameters.
func (r *MongoResolver) ResolveByID(ctx context.Context, agentID string) (*Config, error) {
	oid, err := mongo.StringToObjectID(agentID)
	if err != nil {
		return nil, fmt.Errorf("invalid agent id %q: %w", agentID, err)
	}

	doc, err := r.db.NewQuery("agents").
		Eq("_id", oid).
		Eq("active", true).
		FindOne(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent lookup failed: %w", err)
	}
	if doc == nil {
		return nil, nil
	}

	return &Config{
		ID:           agentID,
		Name:         asString(doc["name"]),
		SystemPrompt: asString(doc["system_prompt"]),
		VoiceID:      asString(doc["voice_id"]),
		Greeting:     asString(doc["greeting"]),
	}, nil
}

// StaticResolver serves a fixed phone→agent table. Used in tests and
// in single-agent deployments that run without a database.
type StaticResolver map[string]*Config

func (s StaticResolver) Resolve(_ context.Context, phoneID string) (*Config, error) {
	return s[utils.NormalizePhone(phoneID)], nil
}

func asString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
