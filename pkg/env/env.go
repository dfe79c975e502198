package env

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv  string
	AppPort string
	TZ      string

	JWTSecret   string
	JWTIssuer   string
	JWTAudience string

	RedisURL string

	MongoURI string
	DBName   string

	// Pipeline services
	OpenAIApiKey    string
	OpenAIModel     string
	OpenAIMaxTokens int
	WhisperModel    string
	WhisperLanguage string
	TTSModel        string
	TTSVoice        string

	ElevenLabsApiKey  string
	ElevenLabsVoiceID string
	ElevenLabsModel   string

	PipelineTimeoutMs int

	// Telephony provider
	ExotelSubdomain     string
	ExotelAccountSID    string
	ExotelAPIKey        string
	ExotelAPIToken      string
	ExotelExophone      string
	ExotelWebhookSecret string
	VoicebotBaseURL     string // public base URL the provider calls back on

	// Call bridge tuning
	VoiceSampleRate       int // default until the stream reports its own
	VoiceChunkThreshold   int // buffered inbound bytes that trigger a pipeline run
	VoiceKeepaliveMs      int // silent-frame cadence before first real playback
	VoicePlaybackCap      int // inbound bytes retained while playing back
	VoiceHistoryLimit     int // messages kept in conversation history
	VoiceMaxTurns         int // webhook turns before a forced goodbye
	VoiceRecordMaxSeconds int // per-utterance capture bound in webhook mode

	APIRateLimitRPM int

	LogLevel           string
	CORSAllowedOrigins string

	OTELEndpoint string
	OTELEnabled  bool
}

func Load(envFile string) (*Config, error) {
	if envFile != "" {
		// Missing .env is fine: production runs on real environment variables.
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	cfg := &Config{
		AppEnv:  getEnv("APP_ENV", "development"),
		AppPort: getEnv("APP_PORT", "8080"),
		TZ:      getEnv("TZ", "Asia/Kolkata"),

		JWTSecret:   mustGetEnv("JWT_SECRET"),
		JWTIssuer:   getEnv("JWT_ISSUER", "troika-voice-bridge"),
		JWTAudience: getEnv("JWT_AUDIENCE", "troika-api"),

		RedisURL: getEnv("REDIS_URL", "redis://localhost:6379/0"),

		MongoURI: getEnv("MONGO_URI", "mongodb://localhost:27017"),
		DBName:   getEnv("DB_NAME", "troika"),

		OpenAIApiKey:    getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:     getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIMaxTokens: getEnvInt("OPENAI_MAX_TOKENS", 2000),
		WhisperModel:    getEnv("WHISPER_MODEL", "whisper-1"),
		WhisperLanguage: getEnv("WHISPER_LANGUAGE", ""),
		TTSModel:        getEnv("TTS_MODEL", "tts-1-hd"),
		TTSVoice:        getEnv("TTS_VOICE", "shimmer"),

		ElevenLabsApiKey:  getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID: getEnv("ELEVENLABS_VOICE_ID", "21m00Tcm4TlvDq8ikWAM"),
		ElevenLabsModel:   getEnv("ELEVENLABS_MODEL", "eleven_multilingual_v2"),

		PipelineTimeoutMs: getEnvInt("PIPELINE_TIMEOUT_MS", 10000),

		ExotelSubdomain:     getEnv("EXOTEL_SUBDOMAIN", "api"),
		ExotelAccountSID:    getEnv("EXOTEL_ACCOUNT_SID", ""),
		ExotelAPIKey:        getEnv("EXOTEL_API_KEY", ""),
		ExotelAPIToken:      getEnv("EXOTEL_API_TOKEN", ""),
		ExotelExophone:      getEnv("EXOTEL_EXOPHONE", ""),
		ExotelWebhookSecret: getEnv("EXOTEL_WEBHOOK_SIGNATURE_SECRET", ""),
		VoicebotBaseURL:     getEnv("VOICEBOT_BASE_URL", ""),

		VoiceSampleRate:       getEnvInt("VOICE_SAMPLE_RATE", 8000),
		VoiceChunkThreshold:   getEnvInt("VOICE_CHUNK_THRESHOLD", 8000),
		VoiceKeepaliveMs:      getEnvInt("VOICE_KEEPALIVE_MS", 2000),
		VoicePlaybackCap:      getEnvInt("VOICE_PLAYBACK_BUFFER_CAP", 16000),
		VoiceHistoryLimit:     getEnvInt("VOICE_HISTORY_LIMIT", 20),
		VoiceMaxTurns:         getEnvInt("VOICE_MAX_TURNS", 50),
		VoiceRecordMaxSeconds: getEnvInt("VOICE_RECORD_MAX_SECONDS", 30),

		APIRateLimitRPM: getEnvInt("API_RATE_LIMIT_RPM", 180),

		LogLevel:           getEnv("LOG_LEVEL", "info"),
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),

		OTELEndpoint: getEnv("OTEL_ENDPOINT", ""),
		OTELEnabled:  getEnvBool("OTEL_ENABLED", false),
	}

	loc, err := time.LoadLocation(cfg.TZ)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %s: %w", cfg.TZ, err)
	}
	time.Local = loc

	return cfg, nil
}

// PipelineTimeout returns the per-stage deadline for STT/LLM/TTS calls.
func (c *Config) PipelineTimeout() time.Duration {
	if c.PipelineTimeoutMs <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.PipelineTimeoutMs) * time.Millisecond
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func mustGetEnv(key string) string {
	value := os.Getenv(key)
	if value == "" {
		panic(fmt.Sprintf("required environment variable %s is not set", key))
	}
	return value
}

func getEnvInt(key string, defaultValue int) int {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	strValue := os.Getenv(key)
	if strValue == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(strValue)
	if err != nil {
		return defaultValue
	}
	return value
}
