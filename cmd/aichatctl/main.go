package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/wizicer/aichat/internal/config"
	"github.com/wizicer/aichat/internal/conversation"
	"github.com/wizicer/aichat/internal/crypto"
	"github.com/wizicer/aichat/internal/settings"
	"github.com/wizicer/aichat/internal/storage"
	"github.com/wizicer/aichat/internal/usage"
)

var (
	groupBy string
	seed    bool
	timeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:           "aichatctl",
	Short:         "Operate an aichat deployment",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE:  runMigrate,
}

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show token usage totals",
	Long: `Show token usage recorded for successful provider calls.

Rows are grouped by character, provider, or character and provider
together, and sorted by total tokens, largest first.`,
	RunE: runUsage,
}

var usageClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all recorded token usage",
	RunE:  runUsageClear,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Send a test prompt with the stored provider settings",
	RunE:  runPing,
}

var rotateCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Reseal the stored API key with the current master key",
	RunE:  runRotate,
}

func init() {
	migrateCmd.Flags().BoolVar(&seed, "seed", false, "install character and lore templates into an empty database")
	usageCmd.Flags().StringVar(&groupBy, "by", string(usage.ByCharacter), "grouping: character, provider or pair")
	pingCmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")

	usageCmd.AddCommand(usageClearCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(rotateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// env bundles what every subcommand opens.
type env struct {
	cfg    *config.Config
	store  *storage.Store
	logger zerolog.Logger
}

func openEnv(ctx context.Context, migrate bool) (*env, error) {
	cfg, err := config.LoadCore()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(parseLevel(cfg.Log.Level)).With().Timestamp().Logger()
	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, migrate || cfg.DB.AutoMigrate)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	return &env{cfg: cfg, store: store, logger: logger}, nil
}

func (e *env) settings() (*settings.Service, error) {
	sealer, err := crypto.NewSealer(e.cfg.Crypto.CurrentKeyID, e.cfg.Crypto.Keys)
	if err != nil {
		return nil, err
	}
	return settings.NewService(e.store, sealer, settings.Defaults{
		Provider: e.cfg.LLM.Provider,
		Endpoint: e.cfg.LLM.Endpoint,
		Model:    e.cfg.LLM.Model,
		APIKey:   e.cfg.LLM.APIKey,
	}), nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	e, err := openEnv(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer e.store.Close()
	e.logger.Info().Str("driver", e.store.Driver()).Msg("schema is up to date")
	if !seed {
		return nil
	}
	seeded, err := e.store.SeedDefaults(cmd.Context())
	if err != nil {
		return err
	}
	if seeded {
		e.logger.Info().Int("characters", len(storage.CharacterTemplates)).Int("lore", len(storage.LoreTemplates)).Msg("templates installed")
	} else {
		e.logger.Info().Msg("characters exist, templates skipped")
	}
	return nil
}

func runUsage(cmd *cobra.Command, _ []string) error {
	by, err := usage.ParseGroupBy(groupBy)
	if err != nil {
		return err
	}
	e, err := openEnv(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.store.Close()

	stats, err := usage.NewLedger(e.store).Aggregate(cmd.Context(), by)
	if err != nil {
		return err
	}
	return printStats(cmd.OutOrStdout(), stats, by)
}

func printStats(out io.Writer, stats []usage.Stat, by usage.GroupBy) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	switch by {
	case usage.ByProvider:
		fmt.Fprintln(tw, "PROVIDER\tPROMPT\tCOMPLETION\tTOTAL\tREQUESTS")
	case usage.ByCharacterProvider:
		fmt.Fprintln(tw, "CHARACTER\tPROVIDER\tPROMPT\tCOMPLETION\tTOTAL\tREQUESTS")
	default:
		fmt.Fprintln(tw, "CHARACTER\tPROMPT\tCOMPLETION\tTOTAL\tREQUESTS")
	}
	for _, s := range stats {
		name := s.CharacterName
		if name == "" {
			name = "-"
		}
		switch by {
		case usage.ByProvider:
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", s.Provider, s.PromptTokens, s.CompletionTokens, s.TotalTokens, s.Requests)
		case usage.ByCharacterProvider:
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%d\n", name, s.Provider, s.PromptTokens, s.CompletionTokens, s.TotalTokens, s.Requests)
		default:
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\n", name, s.PromptTokens, s.CompletionTokens, s.TotalTokens, s.Requests)
		}
	}
	return tw.Flush()
}

func runUsageClear(cmd *cobra.Command, _ []string) error {
	e, err := openEnv(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.store.Close()
	if err := usage.NewLedger(e.store).Clear(cmd.Context()); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "token usage cleared")
	return nil
}

func runPing(cmd *cobra.Command, _ []string) error {
	e, err := openEnv(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.store.Close()
	svc, err := e.settings()
	if err != nil {
		return err
	}

	conv := conversation.NewService(conversation.Config{
		Store:    e.store,
		Settings: svc,
		Build:    conversation.RegistryBuilder(&http.Client{Timeout: timeout}),
		Logger:   e.logger,
	})
	reply, err := conv.TestConnection(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Connection OK:", reply)
	return nil
}

func runRotate(cmd *cobra.Command, _ []string) error {
	e, err := openEnv(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer e.store.Close()
	svc, err := e.settings()
	if err != nil {
		return err
	}
	rotated, err := svc.Rotate(cmd.Context())
	if err != nil {
		return err
	}
	if rotated {
		fmt.Fprintln(cmd.OutOrStdout(), "api key resealed with key", e.cfg.Crypto.CurrentKeyID)
	} else {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing to reseal")
	}
	return nil
}

func parseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}
