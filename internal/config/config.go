// Package config loads parley's process configuration.
//
// Configuration comes from a YAML file and is then overridden by environment
// variables. Every field has a default, so an empty file is valid apart from
// the credential list.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	LogLevel string `yaml:"log_level"`

	Agent     AgentConfig     `yaml:"agent"`
	Pool      PoolConfig      `yaml:"pool"`
	Speech    SpeechConfig    `yaml:"speech"`
	Inference InferenceConfig `yaml:"inference"`
	Timing    TimingConfig    `yaml:"timing"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Redis     RedisConfig     `yaml:"redis"`
	RTP       RTPConfig       `yaml:"rtp"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Mirror    MirrorConfig    `yaml:"mirror"`
}

// AgentConfig describes who the agent is.
type AgentConfig struct {
	Name    string   `yaml:"name"`
	Aliases []string `yaml:"aliases"`
	// Persona is the system prompt handed to the reply generator.
	Persona string `yaml:"persona"`
	// Apology is spoken when reply generation fails without output.
	Apology string `yaml:"apology"`
}

// CredentialConfig is one backend credential and its per-capability limits.
type CredentialConfig struct {
	ID     string         `yaml:"id"`
	Key    string         `yaml:"key"`
	KeyEnv string         `yaml:"key_env"`
	Limits map[string]int `yaml:"limits"`
}

// PoolConfig configures the credential pool.
type PoolConfig struct {
	Credentials    []CredentialConfig `yaml:"credentials"`
	ErrorThreshold int                `yaml:"error_threshold"`
	Cooldown       time.Duration      `yaml:"cooldown"`
	Band           float64            `yaml:"band"`
}

// SpeechConfig points at the streaming transcription and synthesis
// backends.
type SpeechConfig struct {
	ListenURL  string `yaml:"listen_url"`
	Model      string `yaml:"model"`
	Language   string `yaml:"language"`
	SampleRate int    `yaml:"sample_rate"`

	SpeakURL   string `yaml:"speak_url"`
	Voice      string `yaml:"voice"`
	VoiceModel string `yaml:"voice_model"`
	// SpeakTransport is "websocket" or "http".
	SpeakTransport string `yaml:"speak_transport"`
}

// InferenceConfig points at the OpenAI-compatible reply/classifier endpoint.
type InferenceConfig struct {
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	Model           string        `yaml:"model"`
	ClassifierModel string        `yaml:"classifier_model"`
	UseClassifier   bool          `yaml:"use_classifier"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxAttempts     int           `yaml:"max_attempts"`

	// Fallbacks are tried in order when the primary endpoint fails.
	Fallbacks []EndpointConfig `yaml:"fallbacks"`
}

// EndpointConfig is a secondary OpenAI-compatible endpoint.
type EndpointConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	KeyEnv  string `yaml:"key_env"`
	Model   string `yaml:"model"`
}

// TimingConfig holds the pipeline's timing constants.
type TimingConfig struct {
	SilenceTimeout  time.Duration `yaml:"silence_timeout"`
	Debounce        time.Duration `yaml:"debounce"`
	DecisionTTL     time.Duration `yaml:"decision_ttl"`
	TicketTimeout   time.Duration `yaml:"ticket_timeout"`
	PacingCooldown  time.Duration `yaml:"pacing_cooldown"`
	PauseMin        time.Duration `yaml:"pause_min"`
	PauseMax        time.Duration `yaml:"pause_max"`
	QuestionWindow  time.Duration `yaml:"question_window"`
	SpeakerHangover time.Duration `yaml:"speaker_hangover"`
}

// SynthesisConfig controls post-processing of synthesized audio.
type SynthesisConfig struct {
	SpeakingRate float64 `yaml:"speaking_rate"`
}

// RedisConfig enables the shared decision cache when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// RTPConfig configures the voice transport.
type RTPConfig struct {
	Listen         string            `yaml:"listen"`
	SinkAddr       string            `yaml:"sink_addr"`
	ConversationID string            `yaml:"conversation_id"`
	SSRC           uint32            `yaml:"ssrc"`
	Participants   map[uint32]string `yaml:"participants"`
	Names          map[string]string `yaml:"names"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// MirrorConfig throttles the optional text mirror.
type MirrorConfig struct {
	Enabled   bool    `yaml:"enabled"`
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Default returns a configuration populated with the pipeline defaults.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Agent: AgentConfig{
			Name:    "Eva",
			Persona: "You are a friendly voice assistant in a group voice chat. Keep replies short and conversational.",
			Apology: "Sorry, I ran into a problem answering that.",
		},
		Pool: PoolConfig{
			ErrorThreshold: 5,
			Cooldown:       60 * time.Second,
			Band:           0.8,
		},
		Speech: SpeechConfig{
			ListenURL:      "wss://api.deepgram.com/v1/listen",
			Model:          "nova-2",
			Language:       "en",
			SampleRate:     48000,
			SpeakURL:       "https://api.elevenlabs.io/v1",
			Voice:          "21m00Tcm4TlvDq8ikWAM",
			VoiceModel:     "eleven_turbo_v2_5",
			SpeakTransport: "websocket",
		},
		Inference: InferenceConfig{
			BaseURL:         "https://api.openai.com/v1",
			Model:           "gpt-4o-mini",
			ClassifierModel: "gpt-4o-mini",
			Timeout:         30 * time.Second,
			MaxAttempts:     3,
		},
		Timing: TimingConfig{
			SilenceTimeout:  800 * time.Millisecond,
			Debounce:        800 * time.Millisecond,
			DecisionTTL:     30 * time.Second,
			TicketTimeout:   5 * time.Minute,
			PacingCooldown:  3 * time.Second,
			PauseMin:        500 * time.Millisecond,
			PauseMax:        1500 * time.Millisecond,
			QuestionWindow:  30 * time.Second,
			SpeakerHangover: 800 * time.Millisecond,
		},
		Synthesis: SynthesisConfig{
			SpeakingRate: 1.0,
		},
		Redis: RedisConfig{
			Prefix: "parley:intent:",
		},
		RTP: RTPConfig{
			Listen:         ":5004",
			ConversationID: "default",
			SSRC:           0x5041524c,
		},
		Mirror: MirrorConfig{
			PerSecond: 2,
			Burst:     5,
		},
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.LoadEnv()
	return cfg, nil
}

// LoadEnv applies environment variable overrides.
// Call this after file parsing.
func (c *Config) LoadEnv() {
	c.LogLevel = EnvOr("PARLEY_LOG_LEVEL", c.LogLevel)
	c.Agent.Name = EnvOr("PARLEY_AGENT_NAME", c.Agent.Name)
	c.Inference.APIKey = EnvOr("PARLEY_INFERENCE_API_KEY", c.Inference.APIKey)
	c.Inference.BaseURL = EnvOr("PARLEY_INFERENCE_BASE_URL", c.Inference.BaseURL)
	c.Redis.Addr = EnvOr("PARLEY_REDIS_ADDR", c.Redis.Addr)
	c.Metrics.Addr = EnvOr("PARLEY_METRICS_ADDR", c.Metrics.Addr)
	c.Timing.Debounce = EnvDuration("PARLEY_DEBOUNCE", c.Timing.Debounce)
	c.Pool.ErrorThreshold = EnvInt("PARLEY_POOL_ERROR_THRESHOLD", c.Pool.ErrorThreshold)

	for i := range c.Inference.Fallbacks {
		fb := &c.Inference.Fallbacks[i]
		if fb.KeyEnv != "" {
			fb.APIKey = EnvOr(fb.KeyEnv, fb.APIKey)
		}
	}

	for i := range c.Pool.Credentials {
		cred := &c.Pool.Credentials[i]
		if cred.KeyEnv != "" {
			cred.Key = EnvOr(cred.KeyEnv, cred.Key)
		}
	}
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Agent.Name) == "" {
		return &Error{Field: "agent.name", Message: "agent name is required"}
	}
	if len(c.Pool.Credentials) == 0 {
		return &Error{Field: "pool.credentials", Message: "at least one speech credential is required"}
	}
	seen := make(map[string]bool, len(c.Pool.Credentials))
	for i, cred := range c.Pool.Credentials {
		field := fmt.Sprintf("pool.credentials[%d]", i)
		if cred.ID == "" {
			return &Error{Field: field + ".id", Message: "credential id is required"}
		}
		if seen[cred.ID] {
			return &Error{Field: field + ".id", Message: "duplicate credential id " + cred.ID}
		}
		seen[cred.ID] = true
		if cred.Key == "" {
			return &Error{Field: field + ".key", Message: "credential " + cred.ID + " has no key (set key or key_env)"}
		}
		if len(cred.Limits) == 0 {
			return &Error{Field: field + ".limits", Message: "credential " + cred.ID + " has no capability limits"}
		}
	}
	for i, fb := range c.Inference.Fallbacks {
		field := fmt.Sprintf("inference.fallbacks[%d]", i)
		if fb.BaseURL == "" {
			return &Error{Field: field + ".base_url", Message: "fallback base_url is required"}
		}
		if fb.Model == "" {
			return &Error{Field: field + ".model", Message: "fallback model is required"}
		}
	}
	if c.Pool.Band <= 0 || c.Pool.Band > 1 {
		return &Error{Field: "pool.band", Message: "band must be in (0, 1]"}
	}
	if c.Timing.PauseMax < c.Timing.PauseMin {
		return &Error{Field: "timing.pause_max", Message: "pause_max must not be below pause_min"}
	}
	if t := c.Speech.SpeakTransport; t != "websocket" && t != "http" {
		return &Error{Field: "speech.speak_transport", Message: "speak_transport must be websocket or http"}
	}
	if c.Synthesis.SpeakingRate <= 0 {
		return &Error{Field: "synthesis.speaking_rate", Message: "speaking_rate must be positive"}
	}
	return nil
}

// Error represents a configuration validation error.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return "config: " + e.Field + ": " + e.Message
}
