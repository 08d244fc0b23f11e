package config

import (
	"fmt"
)

type Config struct {
	Server    ServerConfig
	Storage   StorageConfig
	Log       LogConfig
	OpenAI    OpenAIConfig
	Retrieval RetrievalConfig
	WebSearch WebSearchConfig
	Billing   BillingConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	DataDir    string
	CorpusFile string // optional extra corpus JSON, loaded after the seed
}

type LogConfig struct {
	Level string
}

type OpenAIConfig struct {
	APIKey     string
	Model      string
	EmbedModel string
}

type RetrievalConfig struct {
	MaxLocalPassages int
	MaxWebSnippets   int
	AllowWeb         bool
	UseEmbeddings    bool
}

type WebSearchConfig struct {
	TavilyAPIKey string
}

type BillingConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string
	PriceProID          string
	PriceUnlimitedID    string
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	// AllowUnmeteredFallback serves subscribers without metering when the
	// plan cannot be verified. Off by default: unverifiable plans fail closed.
	AllowUnmeteredFallback bool
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4000,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Log: LogConfig{
			Level: "info",
		},
		OpenAI: OpenAIConfig{
			Model:      "gpt-4o-mini",
			EmbedModel: "text-embedding-3-large",
		},
		Retrieval: RetrievalConfig{
			MaxLocalPassages: 14,
			MaxWebSnippets:   6,
			AllowWeb:         true,
			UseEmbeddings:    true,
		},
		Billing: BillingConfig{
			CheckoutSuccessURL: "http://localhost:4000/?checkout=success",
			CheckoutCancelURL:  "http://localhost:4000/?checkout=cancel",
		},
	}
}

// Load reads configuration from the JSON file backend at
// $XDG_CONFIG_HOME/porttrip/config.json with defaults underneath.
// Environment variables (PORTTRIP_*) override backend values; secrets can
// only come from the environment.
func Load() (Config, error) {
	return loadWith(newPlatformBackend())
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if cfg.OpenAI.APIKey == "" {
		return Config{}, fmt.Errorf("missing required config: OpenAI API key. " +
			"Set it via environment variable PORTTRIP_OPENAI_API_KEY")
	}

	return cfg, nil
}
