package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lorebank/internal/config"
	"lorebank/internal/conversation"
	"lorebank/internal/embedding"
	"lorebank/internal/logging"
	"lorebank/internal/memory"
	"lorebank/internal/migration"
	"lorebank/internal/store"
	"lorebank/internal/vecindex"
)

var (
	// Global flags
	configPath string
	verbose    bool

	// Logger
	logger *zap.Logger
	cfg    *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "lorebank",
	Short: "lorebank - dual-store actor memory for the game server",
	Long: `lorebank persists and retrieves semantically searchable memories for
characters and civilizations across a relational store and a vector index,
with privacy-gated conversation capture and a legacy-data migration pipeline.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		zcfg := zap.NewProductionConfig()
		if verbose {
			zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zcfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		logging.Init(logger)

		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// stores bundles the opened stores behind one cleanup call.
type stores struct {
	idx  *vecindex.SQLiteIndex
	db   *store.DB
	mem  *memory.Manager
	conv *conversation.Store
	orch *migration.Orchestrator
}

func (s *stores) Close() {
	if s.idx != nil {
		_ = s.idx.Close()
	}
	if s.db != nil {
		_ = s.db.Close()
	}
}

func openStores() (*stores, error) {
	idx, err := vecindex.Open(cfg.Storage.VectorPath)
	if err != nil {
		return nil, err
	}
	db, err := store.Open(cfg.Storage.RelationalPath)
	if err != nil {
		idx.Close()
		return nil, err
	}
	engine, err := embedding.New(cfg.Embedding)
	if err != nil {
		idx.Close()
		db.Close()
		return nil, err
	}

	mem := memory.NewManager(idx, db, engine)
	conv := conversation.NewStore(db, conversation.DefaultRules())
	orch := migration.NewOrchestrator(mem, conv, db)
	return &stores{idx: idx, db: db, mem: mem, conv: conv, orch: orch}, nil
}

var (
	migrateDataPath  string
	migrateDryRun    bool
	migrateSkipVec   bool
	migrateBatchSize int
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Replay legacy posts and conversations into the dual-store model",
	Long: `Reads a JSON dump of legacy posts and conversations and replays it
through the ingestion engine and conversation store in batches. A bad
record is recorded and skipped, never fatal. Use --dry-run to estimate
scope without writing.

Example:
  lorebank migrate --data legacy.json --dry-run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(migrateDataPath)
		if err != nil {
			return fmt.Errorf("read legacy data: %w", err)
		}
		var data migration.LegacyData
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("parse legacy data: %w", err)
		}

		s, err := openStores()
		if err != nil {
			return err
		}
		defer s.Close()

		opts := migration.Options{
			BatchSize:         migrateBatchSize,
			DryRun:            migrateDryRun,
			SkipVectorization: migrateSkipVec,
			CollectiveActorID: cfg.Migration.CollectiveActorID,
		}
		if opts.BatchSize <= 0 {
			opts.BatchSize = cfg.Migration.BatchSize
		}

		result := s.orch.MigrateAll(cmd.Context(), data, opts)
		return printJSON(result)
	},
}

var validateExpected []string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Compare live store counts against expected values",
	Long: `Recomputes memory counts from the vector index and row counts from
the relational store, and compares them to expectations given as
actor=count pairs. Read-only.

Example:
  lorebank validate --expect char_1=120 --expect char_2=75`,
	RunE: func(cmd *cobra.Command, args []string) error {
		expect := migration.Expectations{CharacterMemories: map[string]int64{}}
		for _, pair := range validateExpected {
			name, count, err := parseExpectation(pair)
			if err != nil {
				return err
			}
			expect.CharacterMemories[name] = count
		}

		s, err := openStores()
		if err != nil {
			return err
		}
		defer s.Close()

		report, err := s.orch.Validate(cmd.Context(), expect)
		if err != nil {
			return err
		}
		if err := printJSON(report); err != nil {
			return err
		}
		if !report.Valid {
			return fmt.Errorf("validation found %d issues", len(report.Issues))
		}
		return nil
	},
}

func parseExpectation(pair string) (string, int64, error) {
	idx := strings.LastIndex(pair, "=")
	if idx <= 0 {
		return "", 0, fmt.Errorf("expectation %q must be actor=count", pair)
	}
	var count int64
	if _, err := fmt.Sscanf(pair[idx+1:], "%d", &count); err != nil {
		return "", 0, fmt.Errorf("expectation %q must be actor=count", pair)
	}
	return pair[:idx], count, nil
}

var (
	rollbackCharacters    []string
	rollbackCivilizations []string
)

var rollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Clear migrated vector collections",
	Long: `Drops the named actors' vector collections and resets their cached
counts. Relational rows written during migration are left in place and
must be cleaned up manually if needed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(rollbackCharacters) == 0 && len(rollbackCivilizations) == 0 {
			return fmt.Errorf("nothing to roll back: pass --character or --civilization")
		}
		s, err := openStores()
		if err != nil {
			return err
		}
		defer s.Close()

		result := s.orch.Rollback(cmd.Context(), migration.RollbackOptions{
			CharacterIDs:    rollbackCharacters,
			CivilizationIDs: rollbackCivilizations,
		})
		return printJSON(result)
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete conversations past their retention period",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStores()
		if err != nil {
			return err
		}
		defer s.Close()

		result, err := s.conv.CleanupExpired(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("deleted %d conversations (%d messages)\n",
			result.ConversationsDeleted, result.MessagesDeleted)
		return nil
	},
}

var statsActorKind string

var statsCmd = &cobra.Command{
	Use:   "stats [actor-id]",
	Short: "Show memory statistics for an actor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStores()
		if err != nil {
			return err
		}
		defer s.Close()

		st, err := s.mem.Stats(cmd.Context(), memory.ActorKind(statsActorKind), args[0])
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

var (
	searchActorKind string
	searchLimit     int
	searchThreshold float64
	searchTypes     []string
)

var searchCmd = &cobra.Command{
	Use:   "search [actor-id] [query]",
	Short: "Semantic search over an actor's memories",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := openStores()
		if err != nil {
			return err
		}
		defer s.Close()

		opts := memory.SearchOptions{
			ContentTypes:   searchTypes,
			Limit:          searchLimit,
			ScoreThreshold: searchThreshold,
			ThresholdSet:   cmd.Flags().Changed("threshold"),
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		results, err := s.mem.Search(ctx, memory.ActorKind(searchActorKind), args[0], args[1], opts)
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("%.3f  [%s] %s  %s\n", r.Score, r.ContentType,
				r.Timestamp.Format(time.RFC3339), r.Content)
		}
		return nil
	},
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "lorebank.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	migrateCmd.Flags().StringVar(&migrateDataPath, "data", "", "path to legacy JSON dump (required)")
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "walk the run without writing")
	migrateCmd.Flags().BoolVar(&migrateSkipVec, "skip-vectorization", false, "write relational metadata only")
	migrateCmd.Flags().IntVar(&migrateBatchSize, "batch-size", 0, "records per progress batch (default from config)")
	_ = migrateCmd.MarkFlagRequired("data")

	validateCmd.Flags().StringArrayVar(&validateExpected, "expect", nil, "expected actor=count pairs")

	rollbackCmd.Flags().StringArrayVar(&rollbackCharacters, "character", nil, "character actor ids to clear")
	rollbackCmd.Flags().StringArrayVar(&rollbackCivilizations, "civilization", nil, "civilization actor ids to clear")

	statsCmd.Flags().StringVar(&statsActorKind, "kind", "character", "actor kind (character|civilization)")

	searchCmd.Flags().StringVar(&searchActorKind, "kind", "character", "actor kind (character|civilization)")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 10, "max results")
	searchCmd.Flags().Float64Var(&searchThreshold, "threshold", 0.7, "minimum similarity score")
	searchCmd.Flags().StringSliceVar(&searchTypes, "type", nil, "content types to include")

	rootCmd.AddCommand(migrateCmd, validateCmd, rollbackCmd, cleanupCmd, statsCmd, searchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
