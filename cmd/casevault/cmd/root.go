package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/wesm/casevault/internal/actions"
	"github.com/wesm/casevault/internal/config"
	"github.com/wesm/casevault/internal/labels"
	"github.com/wesm/casevault/internal/search"
	"github.com/wesm/casevault/internal/store"
)

var (
	cfgFile string
	homeDir string
	verbose bool
	cfg     *config.Config
	logger  *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "casevault",
	Short: "Message labelling, search and bulk actions for case management",
	Long: `casevault stores incoming messages for one or more organizations,
labels them automatically with keyword, group and contact field rules, and
serves folder searches and bulk actions over an HTTP API.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --home is passed through the environment so it also decides
		// where config.toml is loaded from.
		if homeDir != "" {
			if err := os.Setenv("CASEVAULT_HOME", homeDir); err != nil {
				return fmt.Errorf("set home: %w", err)
			}
		}

		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		logger, err = newLogger(os.Stderr, cfg.Log, verbose)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		if err := os.MkdirAll(cfg.Data.DataDir, 0o700); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.Data.DataDir, err)
		}
		return nil
	},
}

// newLogger builds the process logger. An unset format picks text on a
// terminal and JSON otherwise; --verbose forces debug.
func newLogger(w io.Writer, lc config.LogConfig, verbose bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	if lc.Level != "" {
		if err := level.UnmarshalText([]byte(lc.Level)); err != nil {
			return nil, fmt.Errorf("log level %q: %w", lc.Level, err)
		}
	}
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	format := lc.Format
	if format == "" {
		format = "json"
		if f, ok := w.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
			format = "text"
		}
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// checkOrg rejects a missing or non-positive --org value.
func checkOrg(orgID int64) error {
	if orgID <= 0 {
		return fmt.Errorf("--org must be a positive organization id")
	}
	return nil
}

// openStore opens the configured database and brings its schema up to date.
func openStore() (*store.Store, error) {
	dbPath := cfg.DatabasePath()
	s, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := s.InitSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s.WithLogger(logger), nil
}

// services wires the labelling, search and action components over one store.
type services struct {
	store    *store.Store
	search   *search.Engine
	actions  *actions.Coordinator
	labeller *labels.Labeller
}

func newServices(s *store.Store) *services {
	matcher := labels.NewMatcher(s, s).WithLogger(logger)
	return &services{
		store:    s,
		search:   search.NewEngine(s).WithPageSize(cfg.Search.PageSize).WithLogger(logger),
		actions:  actions.NewCoordinator(s, s, s, s).WithConcurrency(cfg.Actions.Concurrency).WithLogger(logger),
		labeller: labels.NewLabeller(s, s, matcher, s).WithConcurrency(cfg.Actions.Concurrency).WithLogger(logger),
	}
}

// Execute runs the root command with a background context.
// Prefer ExecuteContext for signal-aware execution.
func Execute() error {
	return ExecuteContext(context.Background())
}

// ExecuteContext runs the root command with the given context,
// enabling graceful shutdown when the context is cancelled.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.casevault/config.toml)")
	rootCmd.PersistentFlags().StringVar(&homeDir, "home", "", "home directory (overrides CASEVAULT_HOME)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
