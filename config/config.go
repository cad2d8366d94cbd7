// Package config loads the engine configuration from defaults, an optional
// YAML file, and MNEMO_* environment variables, in increasing precedence.
// Components receive their slice of the config at construction and never
// read it afterwards.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openmem/mnemo/consolidate"
	"github.com/openmem/mnemo/narrative"
	"github.com/openmem/mnemo/rank"
)

// Config is the full engine configuration.
type Config struct {
	Store       StoreConfig       `mapstructure:"store"`
	Provider    ProviderConfig    `mapstructure:"provider"`
	Search      SearchConfig      `mapstructure:"search"`
	Consolidate ConsolidateConfig `mapstructure:"consolidate"`
	Narrative   NarrativeConfig   `mapstructure:"narrative"`
	Fanout      FanoutConfig      `mapstructure:"fanout"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// StoreConfig selects and parameterizes the record store.
type StoreConfig struct {
	// Backend is "chromem" (embedded, in-process) or "milvus".
	Backend string `mapstructure:"backend"`
	// Addr is the Milvus address, ignored for chromem.
	Addr string `mapstructure:"addr"`
	// Collection is the Milvus collection base name.
	Collection string `mapstructure:"collection"`
	// Dimensions must match the embedder's output width.
	Dimensions int `mapstructure:"dimensions"`
}

// ProviderConfig parameterizes the model clients. The Anthropic API key is
// read by the SDK from its own environment variable.
type ProviderConfig struct {
	Model         string `mapstructure:"model"`
	MaxTokens     int    `mapstructure:"max_tokens"`
	RetryAttempts int    `mapstructure:"retry_attempts"`
	// EmbedCacheSize caps the embedding cache in vectors. Zero disables it.
	EmbedCacheSize int64 `mapstructure:"embed_cache_size"`
	// ONNX embedder paths, used only by builds carrying the onnx tag.
	OnnxModelPath     string `mapstructure:"onnx_model_path"`
	OnnxTokenizerPath string `mapstructure:"onnx_tokenizer_path"`
	OnnxLibraryPath   string `mapstructure:"onnx_library_path"`
}

// SearchConfig holds the retrieval caps and ranking weights.
type SearchConfig struct {
	KEpisodic      int     `mapstructure:"k_episodic"`
	KSemantic      int     `mapstructure:"k_semantic"`
	SemanticWeight float64 `mapstructure:"semantic_weight"`
	DecayRate      float64 `mapstructure:"decay_rate"`
	UsageEpsilon   float64 `mapstructure:"usage_epsilon"`
}

// ConsolidateConfig holds the state-machine thresholds and windows.
type ConsolidateConfig struct {
	MergeThreshold          float64       `mapstructure:"merge_threshold"`
	SeparateThreshold       float64       `mapstructure:"separate_threshold"`
	SameConversationWindow  time.Duration `mapstructure:"same_conversation_window"`
	CrossConversationWindow time.Duration `mapstructure:"cross_conversation_window"`
	Neighbors               int           `mapstructure:"neighbors"`
	PromotionUsageThreshold int64         `mapstructure:"promotion_usage_threshold"`
	DedupeThreshold         float64       `mapstructure:"dedupe_threshold"`
}

// NarrativeConfig tunes how retrieved records are threaded into groups.
type NarrativeConfig struct {
	// SimilarityThreshold is the minimum centroid similarity for a record
	// to join an existing group.
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
}

// FanoutConfig bounds the background consumers.
type FanoutConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

// LoggingConfig controls the zerolog output.
type LoggingConfig struct {
	// Level is a zerolog level name: debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Pretty switches to the human console writer.
	Pretty bool `mapstructure:"pretty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	rankCfg := rank.DefaultConfig()
	conCfg := consolidate.DefaultConfig()
	return &Config{
		Store: StoreConfig{
			Backend:    "chromem",
			Addr:       "localhost:19530",
			Collection: "mnemo",
			Dimensions: 384,
		},
		Provider: ProviderConfig{
			Model:          "claude-sonnet-4-20250514",
			MaxTokens:      4096,
			RetryAttempts:  3,
			EmbedCacheSize: 4096,
		},
		Search: SearchConfig{
			KEpisodic:      5,
			KSemantic:      5,
			SemanticWeight: rankCfg.SemanticWeight,
			DecayRate:      rankCfg.DecayRate,
			UsageEpsilon:   rankCfg.UsageEpsilon,
		},
		Consolidate: ConsolidateConfig{
			MergeThreshold:          conCfg.MergeThreshold,
			SeparateThreshold:       conCfg.SeparateThreshold,
			SameConversationWindow:  conCfg.SameConversationWindow,
			CrossConversationWindow: conCfg.CrossConversationWindow,
			Neighbors:               conCfg.Neighbors,
			PromotionUsageThreshold: conCfg.PromotionUsageThreshold,
			DedupeThreshold:         conCfg.DedupeThreshold,
		},
		Narrative: NarrativeConfig{
			SimilarityThreshold: narrative.DefaultThreshold,
		},
		Fanout: FanoutConfig{
			Timeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the optional file at path,
// and MNEMO_* environment variables. An empty path skips the file layer; a
// named file that does not exist is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix("MNEMO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.addr", d.Store.Addr)
	v.SetDefault("store.collection", d.Store.Collection)
	v.SetDefault("store.dimensions", d.Store.Dimensions)
	v.SetDefault("provider.model", d.Provider.Model)
	v.SetDefault("provider.max_tokens", d.Provider.MaxTokens)
	v.SetDefault("provider.retry_attempts", d.Provider.RetryAttempts)
	v.SetDefault("provider.embed_cache_size", d.Provider.EmbedCacheSize)
	v.SetDefault("provider.onnx_model_path", d.Provider.OnnxModelPath)
	v.SetDefault("provider.onnx_tokenizer_path", d.Provider.OnnxTokenizerPath)
	v.SetDefault("provider.onnx_library_path", d.Provider.OnnxLibraryPath)
	v.SetDefault("search.k_episodic", d.Search.KEpisodic)
	v.SetDefault("search.k_semantic", d.Search.KSemantic)
	v.SetDefault("search.semantic_weight", d.Search.SemanticWeight)
	v.SetDefault("search.decay_rate", d.Search.DecayRate)
	v.SetDefault("search.usage_epsilon", d.Search.UsageEpsilon)
	v.SetDefault("consolidate.merge_threshold", d.Consolidate.MergeThreshold)
	v.SetDefault("consolidate.separate_threshold", d.Consolidate.SeparateThreshold)
	v.SetDefault("consolidate.same_conversation_window", d.Consolidate.SameConversationWindow)
	v.SetDefault("consolidate.cross_conversation_window", d.Consolidate.CrossConversationWindow)
	v.SetDefault("consolidate.neighbors", d.Consolidate.Neighbors)
	v.SetDefault("consolidate.promotion_usage_threshold", d.Consolidate.PromotionUsageThreshold)
	v.SetDefault("consolidate.dedupe_threshold", d.Consolidate.DedupeThreshold)
	v.SetDefault("narrative.similarity_threshold", d.Narrative.SimilarityThreshold)
	v.SetDefault("fanout.timeout", d.Fanout.Timeout)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.pretty", d.Logging.Pretty)
}

// Validate rejects configurations that components would misbehave on.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "chromem", "milvus":
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Store.Dimensions <= 0 {
		return fmt.Errorf("config: store dimensions must be positive")
	}
	if c.Consolidate.SeparateThreshold > c.Consolidate.MergeThreshold {
		return fmt.Errorf("config: separate threshold %.2f above merge threshold %.2f",
			c.Consolidate.SeparateThreshold, c.Consolidate.MergeThreshold)
	}
	if c.Search.KEpisodic < 0 || c.Search.KSemantic < 0 {
		return fmt.Errorf("config: retrieval caps must be non-negative")
	}
	return nil
}

// RankConfig converts the search section for the ranker.
func (c *Config) RankConfig() rank.Config {
	return rank.Config{
		SemanticWeight: c.Search.SemanticWeight,
		DecayRate:      c.Search.DecayRate,
		UsageEpsilon:   c.Search.UsageEpsilon,
	}
}

// ConsolidateConfig converts the consolidation section for the engine.
func (c *Config) ConsolidateConfig() consolidate.Config {
	return consolidate.Config{
		MergeThreshold:          c.Consolidate.MergeThreshold,
		SeparateThreshold:       c.Consolidate.SeparateThreshold,
		SameConversationWindow:  c.Consolidate.SameConversationWindow,
		CrossConversationWindow: c.Consolidate.CrossConversationWindow,
		Neighbors:               c.Consolidate.Neighbors,
		PromotionUsageThreshold: c.Consolidate.PromotionUsageThreshold,
		DedupeThreshold:         c.Consolidate.DedupeThreshold,
	}
}

// NarrativeConfig converts the narrative section for the grouper.
func (c *Config) NarrativeConfig() narrative.Config {
	return narrative.Config{
		Threshold: c.Narrative.SimilarityThreshold,
	}
}

// LogLevel parses the configured level, defaulting to info.
func (c *Config) LogLevel() string {
	level := strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if level == "" {
		return "info"
	}
	return level
}

// FileExists reports whether a config file is present at path, for callers
// that only pass Load a path when one exists.
func FileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
