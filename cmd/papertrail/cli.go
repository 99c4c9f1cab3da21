package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/HendryAvila/papertrail/internal/config"
	"github.com/HendryAvila/papertrail/internal/engine"
	"github.com/HendryAvila/papertrail/internal/logging"
	"github.com/HendryAvila/papertrail/internal/server"
	"github.com/HendryAvila/papertrail/internal/tokens"
	"github.com/HendryAvila/papertrail/internal/vault"
)

// Global flags.
var (
	cfgFile   string
	dataDir   string
	vaultPath string
	logLevel  string
)

func buildRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "papertrail",
		Short: "Context and memory engine for AI coding sessions",
		Long: strings.TrimSpace(`papertrail keeps a tiered paper trail for every work session, splits the
context window into budget pools, compresses history as it ages, and serves
notes and reference documents within budget. Run "papertrail serve" from your
AI tool's MCP configuration.`),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default <data-dir>/config.yaml)")
	root.PersistentFlags().StringVar(&dataDir, "data-dir", "", "override the data directory")
	root.PersistentFlags().StringVar(&vaultPath, "vault", "", "override the notes vault path")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the log level (debug, info, warn, error)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newCountCommand())
	root.AddCommand(newIndexCommand())
	root.AddCommand(newSearchCommand())
	root.AddCommand(newBudgetCommand())
	root.AddCommand(newSweepCommand())
	root.AddCommand(newVersionCommand())
	return root
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" && dataDir != "" {
		path = filepath.Join(dataDir, config.FileName)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if vaultPath != "" {
		cfg.VaultPath = vaultPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, cfg.Validate()
}

func setup() (*config.Config, *zap.Logger, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

func openEngine() (*engine.Engine, *zap.Logger, error) {
	cfg, log, err := setup()
	if err != nil {
		return nil, nil, err
	}
	e, err := engine.New(engine.Options{Config: cfg, Logger: log})
	if err != nil {
		return nil, nil, fmt.Errorf("opening engine: %w", err)
	}
	return e, log, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ─── serve ───────────────────────────────────────────────────────────────────

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the MCP server (stdio transport)",
		Long: `Start the MCP server on stdin/stdout. The notes vault is indexed at start
and re-indexed when it changes; aged paper-trail items are compressed on the
configured schedule. Logs go to stderr.`,
		Example: `  {
    "mcpServers": {
      "papertrail": { "command": "papertrail", "args": ["serve"] }
    }
  }`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}

func runServe(ctx context.Context, in io.Reader, out io.Writer) error {
	e, log, err := openEngine()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	defer func() {
		if err := e.Close(); err != nil {
			log.Warn("closing engine", zap.Error(err))
		}
	}()

	// Graceful shutdown on interrupt.
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if stats, err := e.RebuildVault(ctx); err == nil {
		log.Info("vault indexed", zap.String("root", stats.Root), zap.Int("notes", stats.Notes), zap.Int("errors", len(stats.Errors)))
	} else if !errors.Is(err, vault.ErrNotConfigured) {
		log.Warn("vault not indexed", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.RunSweeper(gctx) })
	g.Go(func() error { return e.Watch(gctx) })

	log.Info("serving MCP on stdio", zap.String("version", server.Version), zap.String("data_dir", e.Config().DataDir))
	stdio := mcpserver.NewStdioServer(server.New(e))
	serveErr := stdio.Listen(gctx, in, out)
	stop()

	if err := g.Wait(); err != nil {
		return err
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) && !errors.Is(serveErr, io.EOF) {
		return fmt.Errorf("serving: %w", serveErr)
	}
	return nil
}

// ─── count ───────────────────────────────────────────────────────────────────

func newCountCommand() *cobra.Command {
	var estimate bool
	cmd := &cobra.Command{
		Use:     "count [FILE...]",
		Short:   "Count the tokens of files or stdin",
		Example: "  papertrail count README.md docs/*.md\n  git diff | papertrail count",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			counter := tokens.NewCounter(tokens.Options{
				Encoding:     cfg.Tokens.Encoding,
				CacheSize:    cfg.Tokens.CacheSize,
				EstimateOnly: estimate || cfg.Tokens.Estimate,
			})
			return runCount(cmd.OutOrStdout(), cmd.InOrStdin(), counter, args)
		},
	}
	cmd.Flags().BoolVar(&estimate, "estimate", false, "use the four-bytes-per-token estimate")
	return cmd
}

func runCount(w io.Writer, stdin io.Reader, counter *tokens.Counter, files []string) error {
	if len(files) == 0 {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("reading stdin: %w", err)
		}
		fmt.Fprintln(w, counter.Count(string(data)))
		return nil
	}
	total := 0
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return err
		}
		n := counter.Count(string(data))
		total += n
		fmt.Fprintf(w, "%8d  %s\n", n, f)
	}
	if len(files) > 1 {
		fmt.Fprintf(w, "%8d  total\n", total)
	}
	return nil
}

// ─── index / search ──────────────────────────────────────────────────────────

func buildVault(ctx context.Context) (*vault.Index, error) {
	cfg, log, err := setup()
	if err != nil {
		return nil, err
	}
	counter := tokens.NewCounter(tokens.Options{
		Encoding:     cfg.Tokens.Encoding,
		CacheSize:    cfg.Tokens.CacheSize,
		EstimateOnly: cfg.Tokens.Estimate,
		Logger:       log.Named("tokens"),
	})
	ix := vault.New(cfg.VaultPath, vault.Options{Counter: counter, Logger: log.Named("vault")})
	if _, err := ix.Rebuild(ctx); err != nil {
		return nil, err
	}
	return ix, nil
}

func newIndexCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Index the notes vault and print its statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ix, err := buildVault(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ix.Stats())
		},
	}
}

func newSearchCommand() *cobra.Command {
	var limit, maxTokens int
	cmd := &cobra.Command{
		Use:     "search QUERY",
		Short:   "Search the notes vault",
		Example: "  papertrail search kafka retention\n  papertrail search '#architecture' --limit 5",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ix, err := buildVault(cmd.Context())
			if err != nil {
				return err
			}
			results := ix.Search(strings.Join(args, " "), maxTokens, limit)
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum results")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "token budget for the results (0 = unlimited)")
	return cmd
}

// ─── budget / sweep ──────────────────────────────────────────────────────────

func newBudgetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "budget [SESSION]",
		Short: "Show the budget of a session, or list all sessions",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()
			return runBudget(cmd.OutOrStdout(), e, args)
		},
	}
}

func runBudget(w io.Writer, e *engine.Engine, args []string) error {
	if len(args) == 1 {
		rep, err := e.Budget(args[0])
		if err != nil {
			return err
		}
		return printJSON(w, rep)
	}

	records, err := e.Sessions()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return nil
	}
	fmt.Fprintf(w, "%-24s %-9s %8s %8s %6s  %s\n", "SESSION", "CLASS", "USED", "TOTAL", "PCT", "STATUS")
	for _, rec := range records {
		rep, err := e.Budget(rec.ID)
		if err != nil {
			fmt.Fprintf(w, "%-24s error: %v\n", rec.ID, err)
			continue
		}
		fmt.Fprintf(w, "%-24s %-9s %8d %8d %5.1f%%  %s\n",
			rec.ID, rep.Classification, rep.Used, rep.Total, rep.PercentUsed, rep.Status)
	}
	return nil
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Compress aged paper-trail items of every session now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, _, err := openEngine()
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()
			rep, err := e.Sweep()
			if rep != nil {
				if perr := printJSON(cmd.OutOrStdout(), rep); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}

// ─── version ─────────────────────────────────────────────────────────────────

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "papertrail v%s\n", server.Version)
		},
	}
}
