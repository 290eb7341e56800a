package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/EspenRiis/attensi-spin-sub000/internal/app"
	"github.com/EspenRiis/attensi-spin-sub000/internal/config"
	"github.com/EspenRiis/attensi-spin-sub000/internal/domain"
	"github.com/EspenRiis/attensi-spin-sub000/internal/infra/memory"
	pgloader "github.com/EspenRiis/attensi-spin-sub000/internal/infra/postgres"
	redisinfra "github.com/EspenRiis/attensi-spin-sub000/internal/infra/redis"
	transport "github.com/EspenRiis/attensi-spin-sub000/internal/transport/http"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the session engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, log); err != nil {
			return err
		}
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	checkpointTTL := config.TTLDuration(cfg.Redis.TTL, 24*time.Hour)

	var pool *pgxpool.Pool
	if cfg.Postgres.URL != "" {
		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
	}

	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if pool != nil {
		loader = pgloader.NewQuizLoader(pool)
	}

	quizTTL := config.TTLDuration(cfg.Quiz.TTL, 10*time.Minute)
	var quizRepo app.QuizRepository
	if redisClient != nil {
		quizRepo = redisinfra.NewQuizRepository(redisClient, loader, quizTTL)
	} else {
		quizRepo = memory.NewQuizRepository(loader, quizTTL)
	}

	var checkpoints app.CheckpointStore
	if redisClient != nil {
		checkpoints = redisinfra.NewCheckpointStore(redisClient, checkpointTTL)
	} else {
		checkpoints = memory.NewCheckpointStore()
	}

	var results app.ResultsWriter
	if pool != nil {
		results = pgloader.NewResultsWriter(pool)
	}

	scoring := app.ScoringConfig{Base: cfg.Scoring.Base, BonusMax: cfg.Scoring.BonusMax}
	service := app.NewSessionService(quizRepo, checkpoints, results, app.ServiceOptions{
		Scoring: scoring,
		Logger:  log,
	})
	defer service.CloseAll()

	wsHandler := transport.NewWSHandler(service, cfg.Session.AutoReveal, log)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("port", finalPort).Msg("starting session engine")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Info().Msg("shutting down server")
	case <-ctx.Done():
		log.Info().Msg("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuizzes provides a minimal demo quiz; production deployments load
// quizzes from Postgres instead.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Warm-up",
			Questions: []domain.Question{
				{
					Text:             "What is 2 + 2?",
					Options:          []string{"3", "4", "5", "22"},
					Correct:          []int{1},
					TimeLimitSeconds: 20,
				},
				{
					Text:             "Which of these are prime?",
					Options:          []string{"2", "4", "5", "9"},
					Correct:          []int{0, 2},
					TimeLimitSeconds: 30,
					ShuffleOptions:   true,
				},
			},
		},
	}
}
