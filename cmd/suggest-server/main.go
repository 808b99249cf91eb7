package main

import (
	"context"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kvshw/phd-ehr-software-sub001/internal/config"
	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/adaptation"
	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/clinicaldata"
	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/feedback"
	"github.com/kvshw/phd-ehr-software-sub001/internal/domain/suggestion"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/auth"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/db"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/imagestore"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/middleware"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/scoring"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/webhook"
	"github.com/kvshw/phd-ehr-software-sub001/internal/platform/websocket"
	"github.com/kvshw/phd-ehr-software-sub001/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "suggest-server",
		Short: "Hybrid clinical suggestion and adaptive feedback API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(adaptCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	if os.Getenv("ENV") == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrationFiles(dir string) fs.FS {
	if dir == "" {
		return migrations.FS
	}
	return os.DirFS(dir)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrationFiles(dir)).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded migrations)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrationFiles(dir)).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.Modified {
						status = "modified"
					}
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("dir", "", "Migrations directory (defaults to the embedded migrations)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func adaptationConfig(a config.AdaptationConfig) adaptation.Config {
	return adaptation.Config{
		MinFeedback:   a.MinFeedback,
		HighCutoff:    a.HighCutoff,
		LowCutoff:     a.LowCutoff,
		Step:          a.Step,
		MaxAdjustment: a.Max,
		MinAdjustment: a.Min,
		Window:        a.Window(),
	}
}

func newAdjuster(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, fbRepo feedback.Repository, logger zerolog.Logger) (*adaptation.Adjuster, error) {
	adj, err := adaptation.NewAdjuster(
		adaptationConfig(cfg.Adaptation),
		adaptation.NewRepoPG(pool),
		fbRepo,
		db.NewTxRunner(pool),
		suggestion.KnownSources,
		logger,
	)
	if err != nil {
		return nil, err
	}
	if err := adj.Seed(ctx); err != nil {
		return nil, fmt.Errorf("seed confidence adjustments: %w", err)
	}
	return adj, nil
}

func adaptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "adapt",
		Short: "Inspect and run confidence adaptation",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Evaluate every suggestion source once",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Adaptation.Validate(); err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			adj, err := newAdjuster(ctx, cfg, pool, feedback.NewRepoPG(pool), logger)
			if err != nil {
				return err
			}
			events, err := adj.EvaluateAll(ctx)
			for _, ev := range events {
				fmt.Printf("%-18s %-20s %+.2f -> %+.2f  %s\n",
					ev.AffectedSource, ev.EventType, ev.PreviousValue, ev.NewValue, ev.TriggerReason)
			}
			fmt.Printf("%d source(s) evaluated, %d adjusted.\n", len(adj.Sources()), len(events))
			return err
		},
	})

	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent learning events",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			adj, err := newAdjuster(ctx, cfg, pool, feedback.NewRepoPG(pool), logger)
			if err != nil {
				return err
			}
			events, err := adj.History(ctx, limit)
			if err != nil {
				return err
			}

			fmt.Printf("%-20s %-18s %-20s %-8s %-8s %s\n", "CREATED AT", "SOURCE", "TYPE", "FROM", "TO", "FEEDBACK")
			for _, ev := range events {
				fmt.Printf("%-20s %-18s %-20s %+-8.2f %+-8.2f %d\n",
					ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.AffectedSource, ev.EventType,
					ev.PreviousValue, ev.NewValue, ev.FeedbackCountUsed)
			}
			fmt.Println()
			for source, v := range adj.Adjustments() {
				fmt.Printf("%-18s %+.2f\n", source, v)
			}
			return nil
		},
	}
	historyCmd.Flags().Int("limit", adaptation.DefaultHistoryLimit, "Maximum number of events")
	cmd.AddCommand(historyCmd)

	return cmd
}

func newPredictor(cfg *config.Config, logger zerolog.Logger) scoring.Predictor {
	switch {
	case cfg.ModelServiceURL != "":
		logger.Info().Str("url", cfg.ModelServiceURL).Msg("using model service")
		return scoring.NewHTTPPredictor("model-service", cfg.ModelServiceURL, &http.Client{Timeout: cfg.ModelTimeout})
	case cfg.ModelSimulated:
		logger.Warn().Msg("using simulated model predictor; scores are demo data only")
		return scoring.NewSimulatedPredictor()
	}
	logger.Warn().Msg("no model service configured; suggestions are rules only")
	return nil
}

func newCombiner(cfg *config.Config, predictor scoring.Predictor, logger zerolog.Logger) (*scoring.Combiner, error) {
	rules := scoring.DefaultRules()
	if cfg.ScoringRulesFile != "" {
		rs, err := scoring.LoadRules(cfg.ScoringRulesFile)
		if err != nil {
			return nil, err
		}
		rules = rs
	}

	var model *scoring.ModelScorer
	if predictor != nil {
		model = scoring.NewModelScorer(predictor, scoring.ModelConfig{
			Timeout:             cfg.ModelTimeout,
			CacheSize:           cfg.ModelCacheSize,
			CacheTTL:            cfg.ModelCacheTTL,
			SupportedModalities: scoring.ChestXRayModalities,
		})
	}

	cc := scoring.DefaultCombinerConfig()
	cc.VitalRuleWeight = cfg.VitalRuleWeight
	cc.VitalModelWeight = cfg.VitalModelWeight
	cc.ImageOverrideThreshold = cfg.ImageOverrideThreshold
	return scoring.NewCombiner(cc, scoring.NewRuleScorer(rules), model, logger)
}

func newNotifier(cfg *config.Config, logger zerolog.Logger) (*webhook.Notifier, error) {
	if cfg.LearningWebhookURL == "" {
		return nil, nil
	}
	return webhook.NewNotifier([]webhook.Endpoint{{
		URL:    cfg.LearningWebhookURL,
		Secret: cfg.LearningWebhookSecret,
	}}, logger)
}

func runServer() error {
	logger := newLogger()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()
	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	predictor := newPredictor(cfg, logger)
	combiner, err := newCombiner(cfg, predictor, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build scorers")
	}

	var images imagestore.Store = imagestore.NewPGStore(pool)
	if cfg.ImageStore == "memory" {
		images = imagestore.NewMemoryStore()
	}

	tx := db.NewTxRunner(pool)
	suggestionRepo := suggestion.NewRepoPG(pool)
	feedbackRepo := feedback.NewRepoPG(pool)

	adjuster, err := newAdjuster(ctx, cfg, pool, feedbackRepo, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize confidence adjuster")
	}
	metrics := newMetrics(adjuster, pool)
	hub := websocket.NewHub(logger)

	suggestionSvc := suggestion.NewService(
		suggestionRepo,
		clinicaldata.NewPatientRepoPG(pool),
		clinicaldata.NewVitalRepoPG(pool),
		clinicaldata.NewLabRepoPG(pool),
		images,
		combiner,
		adjuster,
		tx,
		logger,
	)
	notifier, err := newNotifier(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid learning webhook")
	}
	watchSuggestions(suggestionSvc, metrics, hub)
	watchLearningEvents(adjuster, metrics, hub, notifier)
	feedbackSvc := feedback.NewService(
		countingFeedback{Repository: feedbackRepo, metrics: metrics},
		suggestionRepo,
		adjuster,
		logger,
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))
	e.Use(middleware.BodyLimit("1M", "20M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))

	if cfg.IsDev() && cfg.AuthIssuer == "" && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	var deps []db.Dependency
	if p, ok := predictor.(db.Pinger); ok {
		deps = append(deps, db.Dependency{Name: "model_service", Pinger: p, Optional: true})
	}
	e.GET("/health/db", db.HealthHandler(pool, deps...))
	e.GET("/metrics", metrics.Handler())

	apiV1 := e.Group("/api/v1")
	suggestion.NewHandler(suggestionSvc).RegisterRoutes(apiV1)
	feedback.NewHandler(feedbackSvc).RegisterRoutes(apiV1)
	adaptation.NewHandler(adjuster).RegisterRoutes(apiV1)
	imagestore.NewHandler(images).RegisterRoutes(apiV1)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1,
		auth.RequireRole(auth.RolePhysician, auth.RoleNurse, auth.RoleResearcher, auth.RoleAdmin))
	if notifier != nil {
		webhook.NewHandler(notifier).RegisterRoutes(apiV1)
	}

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	if notifier != nil {
		if err := notifier.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("pending webhook deliveries dropped")
		}
	}
	logger.Info().Msg("server stopped")
	return nil
}
