package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "PORTTRIP_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "storage.data_dir", typ: kString, env: "PORTTRIP_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.corpus_file", typ: kString, env: "PORTTRIP_STORAGE_CORPUS_FILE",
		apply:   func(cfg *Config, v any) { cfg.Storage.CorpusFile = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.CorpusFile },
	},
	{
		key: "log.level", typ: kString, env: "PORTTRIP_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "openai.api_key", typ: kString, env: "PORTTRIP_OPENAI_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.OpenAI.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.APIKey },
	},
	{
		key: "openai.model", typ: kString, env: "PORTTRIP_OPENAI_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.Model },
	},
	{
		key: "openai.embed_model", typ: kString, env: "PORTTRIP_OPENAI_EMBED_MODEL",
		apply:   func(cfg *Config, v any) { cfg.OpenAI.EmbedModel = v.(string) },
		extract: func(cfg Config) any { return cfg.OpenAI.EmbedModel },
	},
	{
		key: "retrieval.max_local_passages", typ: kInt, env: "PORTTRIP_RETRIEVAL_MAX_LOCAL_PASSAGES",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxLocalPassages = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxLocalPassages },
	},
	{
		key: "retrieval.max_web_snippets", typ: kInt, env: "PORTTRIP_RETRIEVAL_MAX_WEB_SNIPPETS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.MaxWebSnippets = v.(int) },
		extract: func(cfg Config) any { return cfg.Retrieval.MaxWebSnippets },
	},
	{
		key: "retrieval.allow_web", typ: kBool, env: "PORTTRIP_RETRIEVAL_ALLOW_WEB",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.AllowWeb = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.AllowWeb },
	},
	{
		key: "retrieval.use_embeddings", typ: kBool, env: "PORTTRIP_RETRIEVAL_USE_EMBEDDINGS",
		apply:   func(cfg *Config, v any) { cfg.Retrieval.UseEmbeddings = v.(bool) },
		extract: func(cfg Config) any { return cfg.Retrieval.UseEmbeddings },
	},
	{
		key: "websearch.tavily_api_key", typ: kString, env: "PORTTRIP_TAVILY_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.WebSearch.TavilyAPIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.WebSearch.TavilyAPIKey },
	},
	{
		key: "billing.stripe_secret_key", typ: kString, env: "PORTTRIP_STRIPE_SECRET_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Billing.StripeSecretKey = v.(string) },
		extract: func(cfg Config) any { return cfg.Billing.StripeSecretKey },
	},
	{
		key: "billing.stripe_webhook_secret", typ: kString, env: "PORTTRIP_STRIPE_WEBHOOK_SECRET",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Billing.StripeWebhookSecret = v.(string) },
		extract: func(cfg Config) any { return cfg.Billing.StripeWebhookSecret },
	},
	{
		key: "billing.price_pro_id", typ: kString, env: "PORTTRIP_BILLING_PRICE_PRO_ID",
		apply:   func(cfg *Config, v any) { cfg.Billing.PriceProID = v.(string) },
		extract: func(cfg Config) any { return cfg.Billing.PriceProID },
	},
	{
		key: "billing.price_unlimited_id", typ: kString, env: "PORTTRIP_BILLING_PRICE_UNLIMITED_ID",
		apply:   func(cfg *Config, v any) { cfg.Billing.PriceUnlimitedID = v.(string) },
		extract: func(cfg Config) any { return cfg.Billing.PriceUnlimitedID },
	},
	{
		key: "billing.checkout_success_url", typ: kString, env: "PORTTRIP_BILLING_CHECKOUT_SUCCESS_URL",
		apply:   func(cfg *Config, v any) { cfg.Billing.CheckoutSuccessURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Billing.CheckoutSuccessURL },
	},
	{
		key: "billing.checkout_cancel_url", typ: kString, env: "PORTTRIP_BILLING_CHECKOUT_CANCEL_URL",
		apply:   func(cfg *Config, v any) { cfg.Billing.CheckoutCancelURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Billing.CheckoutCancelURL },
	},
	{
		key: "billing.allow_unmetered_fallback", typ: kBool, env: "PORTTRIP_BILLING_ALLOW_UNMETERED_FALLBACK",
		apply:   func(cfg *Config, v any) { cfg.Billing.AllowUnmeteredFallback = v.(bool) },
		extract: func(cfg Config) any { return cfg.Billing.AllowUnmeteredFallback },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kBool:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok && v != "" {
				if bv, err := strconv.ParseBool(v); err == nil {
					s.apply(cfg, bv)
				} else {
					fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from config key %s=%q: %v. Using default value.\n", s.key, v, err)
				}
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		case kBool:
			if b, err := strconv.ParseBool(raw); err == nil {
				s.apply(cfg, b)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
