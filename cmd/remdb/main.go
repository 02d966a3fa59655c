// Package main provides the remdb CLI entry point.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orneryd/remdb/pkg/config"
	"github.com/orneryd/remdb/pkg/entity"
	"github.com/orneryd/remdb/pkg/logging"
	"github.com/orneryd/remdb/pkg/query"
	"github.com/orneryd/remdb/pkg/rem"
	"github.com/orneryd/remdb/pkg/storage"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	version   = "0.1.0"
	commit    = "dev"
	buildTime = "unknown" // Set via ldflags: -X main.buildTime=$(date +%Y%m%d-%H%M%S)
)

var (
	flagConfig  string
	flagBackend string
	flagDataDir string
	flagTenant  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "remdb",
		Short: "remdb - label-addressed entity query and graph traversal engine",
		Long: `remdb resolves labels to entities in O(1) through a reverse-mapping
index, and walks the graph edges embedded in entity records without a
separate graph store.

Query language:
  LOOKUP <label>[, <label>...]        exact label resolution
  FUZZY "<text>" [THRESHOLD t]        approximate label resolution
  SEARCH "<text>" [IN <table>]        vector similarity search
  SELECT ... FROM <table> [...]       read-only SQL (server backends)
  TRAVERSE [types] WITH <stmt>        graph traversal from a seed query
  TRAVERSE PLAN [types] WITH <stmt>   inspect edges without walking them`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: auto-detect remdb.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagBackend, "backend", "", "storage backend: badger, memory, postgres, tidb")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory for embedded storage")
	rootCmd.PersistentFlags().StringVar(&flagTenant, "tenant", "default", "tenant id")

	rootCmd.AddCommand(queryCmd(), replCmd(), loadCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	path := flagConfig
	if path == "" {
		path = config.FindConfigFile()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	if flagBackend != "" {
		cfg.Storage.Backend = flagBackend
	}
	if flagDataDir != "" {
		cfg.Storage.DataDir = flagDataDir
	}
	return cfg, cfg.Validate()
}

// openEngine builds the adapter the config selects and wraps it in an
// engine. The caller owns Close on the returned adapter.
func openEngine(ctx context.Context, cfg *config.Config, log *zap.Logger) (*rem.Engine, storage.Adapter, error) {
	var (
		adapter storage.Adapter
		err     error
	)
	switch cfg.Storage.Backend {
	case "memory":
		adapter = storage.NewMemoryAdapter(nil)
	case "badger":
		adapter, err = storage.NewBadgerAdapter(storage.BadgerOptions{
			DataDir:    cfg.Storage.DataDir,
			SyncWrites: cfg.Storage.SyncWrites,
		})
	case "postgres":
		adapter, err = openPostgres(ctx, cfg, log)
	case "tidb":
		adapter, err = openTiDB(ctx, cfg, log)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Storage.Backend)
	}
	if err != nil {
		return nil, nil, err
	}

	engine, err := rem.NewEngine(adapter, log, rem.Options{
		BreadthLimit:  cfg.Traverse.BreadthLimit,
		DepthTimeout:  cfg.Traverse.DepthTimeout,
		RetryAttempts: cfg.Retry.Attempts,
		RetryBackoff:  cfg.Retry.Backoff,
	})
	if err != nil {
		adapter.Close()
		return nil, nil, err
	}
	return engine, adapter, nil
}

func openPostgres(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Adapter, error) {
	pool, err := pgxpool.New(ctx, cfg.Storage.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	adapter, err := storage.NewPostgresAdapter(ctx, pool, nil, log)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if err := adapter.EnsureSchema(ctx); err != nil {
		adapter.Close()
		return nil, err
	}
	return adapter, nil
}

func openTiDB(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Adapter, error) {
	adapter, err := storage.NewTiDBAdapter(ctx, cfg.Storage.TiDBDSN, nil, log)
	if err != nil {
		return nil, err
	}
	if err := adapter.EnsureSchema(ctx); err != nil {
		adapter.Close()
		return nil, err
	}
	return adapter, nil
}

func queryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <statement>",
		Short: "Execute one query statement and print the result as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			defer logging.Sync(log)

			ctx := signalContext()
			engine, adapter, err := openEngine(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer adapter.Close()

			return runStatement(ctx, engine, strings.Join(args, " "), cmd.OutOrStdout())
		},
	}
	return cmd
}

func runStatement(ctx context.Context, engine *rem.Engine, statement string, out io.Writer) error {
	plan, err := query.Parse(statement, true)
	if err != nil {
		return err
	}
	plan.TenantID = flagTenant

	result, err := engine.Execute(ctx, plan)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func replCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Interactive query shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			defer logging.Sync(log)

			ctx := signalContext()
			engine, adapter, err := openEngine(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer adapter.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "remdb %s (backend: %s). Type 'exit' to quit.\n",
				version, cfg.Storage.Backend)

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(cmd.OutOrStdout(), "rem> ")
				if !scanner.Scan() {
					break
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "exit" || line == "quit" {
					break
				}
				if err := runStatement(ctx, engine, line, cmd.OutOrStdout()); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "error: %v\n", err)
				}
				if ctx.Err() != nil {
					break
				}
			}
			return scanner.Err()
		},
	}
}

func loadCmd() *cobra.Command {
	var table string
	cmd := &cobra.Command{
		Use:   "load <file.jsonl>",
		Short: "Import entities from a JSON-lines file",
		Long: `Import entities from a file with one JSON object per line. Objects may
use any schema; label, kind, graph_paths and related_entities columns are
lifted into the envelope and everything else lands in fields. Objects
without an id get one generated.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log := logging.New(cfg.Logging.Level, cfg.Logging.Format)
			defer logging.Sync(log)

			ctx := signalContext()
			_, adapter, err := openEngine(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer adapter.Close()

			n, err := loadFile(ctx, adapter, args[0], table, log)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "loaded %d entities into %q\n", n, table)
			return nil
		},
	}
	cmd.Flags().StringVar(&table, "table", "resources", "target table")
	return cmd
}

// loadFile streams the JSONL file through a parser goroutine into a writer
// goroutine, so decode and storage overlap on large imports.
func loadFile(ctx context.Context, adapter storage.Adapter, path, table string, log *zap.Logger) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	rows := make(chan *entity.Entity, 64)
	count := 0

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(rows)
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var row map[string]any
			if err := json.Unmarshal([]byte(line), &row); err != nil {
				return fmt.Errorf("line %d: %w", lineNo, err)
			}
			e := entity.FromRow(table, row)
			if e.ID == "" {
				e.ID = uuid.NewString()
			}
			if e.TenantID == "" {
				e.TenantID = flagTenant
			}
			select {
			case rows <- e:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return scanner.Err()
	})
	g.Go(func() error {
		for e := range rows {
			if err := adapter.PutEntity(ctx, e); err != nil {
				return fmt.Errorf("entity %s: %w", e.ID, err)
			}
			count++
			if count%1000 == 0 {
				log.Info("import progress", zap.Int("entities", count))
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return count, err
	}
	return count, nil
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "remdb %s (commit %s, built %s)\n", version, commit, buildTime)
		},
	}
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx
}
