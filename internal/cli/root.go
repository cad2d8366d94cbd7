// Package cli implements the mnemo command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openmem/mnemo/config"
	"github.com/openmem/mnemo/lifecycle"
	"github.com/openmem/mnemo/provider"
	"github.com/openmem/mnemo/provider/anthropic"
	"github.com/openmem/mnemo/provider/embed"
	"github.com/openmem/mnemo/store"
	"github.com/openmem/mnemo/store/chromem"
	"github.com/openmem/mnemo/store/milvus"
)

// Exit codes. Scripts branch on these, so they are part of the interface.
const (
	ExitOK                  = 0
	ExitOther               = 1
	ExitInvalidRequest      = 2
	ExitProviderUnavailable = 3
	ExitStoreUnavailable    = 4
)

var (
	configPath string
	ownerFlag  string
)

var rootCmd = &cobra.Command{
	Use:           "mnemo",
	Short:         "Memory lifecycle engine for conversational agents",
	Long:          "mnemo stores, retrieves, consolidates and rewrites per-user conversational memories.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default: env + built-ins)")
	rootCmd.PersistentFlags().StringVarP(&ownerFlag, "owner", "o", "", "Owner id the operation is scoped to")
}

// Execute runs the command tree and returns the process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return ExitCode(err)
	}
	return ExitOK
}

// ExitCode maps an error to the documented exit codes.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, lifecycle.ErrInvalidRequest):
		return ExitInvalidRequest
	case errors.Is(err, provider.ErrUnavailable):
		return ExitProviderUnavailable
	case errors.Is(err, store.ErrUnavailable):
		return ExitStoreUnavailable
	default:
		return ExitOther
	}
}

type app struct {
	cfg    *config.Config
	log    zerolog.Logger
	store  store.Store
	memory *lifecycle.Memory
}

// setup loads config and wires the orchestrator for one command run.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg)

	embedder, err := newEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Provider.EmbedCacheSize > 0 {
		cached, err := embed.NewCached(embedder, cfg.Provider.EmbedCacheSize)
		if err != nil {
			return nil, err
		}
		embedder = cached
	}

	s, err := newStore(ctx, cfg, embedder, log)
	if err != nil {
		return nil, err
	}

	client := anthropicsdk.NewClient()
	llm := anthropic.New(&client,
		anthropic.WithModel(cfg.Provider.Model),
		anthropic.WithMaxTokens(int64(cfg.Provider.MaxTokens)),
		anthropic.WithRetryPolicy(provider.RetryPolicy{
			MaxAttempts: cfg.Provider.RetryAttempts,
			BaseDelay:   provider.DefaultRetryPolicy().BaseDelay,
			Multiplier:  provider.DefaultRetryPolicy().Multiplier,
		}),
		anthropic.WithLogger(log),
	)

	memory := lifecycle.New(s, embedder, llm,
		lifecycle.WithRankConfig(cfg.RankConfig()),
		lifecycle.WithConsolidateConfig(cfg.ConsolidateConfig()),
		lifecycle.WithNarrativeConfig(cfg.NarrativeConfig()),
		lifecycle.WithFanoutTimeout(cfg.Fanout.Timeout),
		lifecycle.WithPromotionUsageThreshold(cfg.Consolidate.PromotionUsageThreshold),
		lifecycle.WithLogger(log),
	)

	return &app{cfg: cfg, log: log, store: s, memory: memory}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("store close failed")
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel())
	if err != nil {
		level = zerolog.InfoLevel
	}
	var w = zerolog.ConsoleWriter{Out: os.Stderr}
	if !cfg.Logging.Pretty {
		return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func newStore(ctx context.Context, cfg *config.Config, embedder provider.Embedder, log zerolog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "milvus":
		return milvus.Dial(ctx, milvus.Config{
			Addr:       cfg.Store.Addr,
			Collection: cfg.Store.Collection,
			Dimensions: cfg.Store.Dimensions,
		}, milvus.WithLogger(log))
	default:
		return chromem.New(chromem.WithLogger(log)), nil
	}
}

func requireOwner() (string, error) {
	if ownerFlag == "" {
		return "", fmt.Errorf("--owner is required: %w", lifecycle.ErrInvalidRequest)
	}
	return ownerFlag, nil
}
