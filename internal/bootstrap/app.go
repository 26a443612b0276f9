package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"analyzer-backend/internal/dispatch"
	"analyzer-backend/internal/engine"
	openaiengine "analyzer-backend/internal/engine/openai"
	"analyzer-backend/internal/jobs"
	"analyzer-backend/internal/pipeline"
	"analyzer-backend/internal/shared/config"
	"analyzer-backend/internal/shared/server"
	"analyzer-backend/internal/shared/storage/db"
	"analyzer-backend/internal/shared/storage/object"
	localstore "analyzer-backend/internal/shared/storage/object/local"
	s3store "analyzer-backend/internal/shared/storage/object/s3"
)

// App holds shared dependencies for the api and worker processes.
type App struct {
	Config config.Config
	Router *gin.Engine
	DB     *sql.DB
	Redis  *redis.Client
	Queue  *dispatch.Queue
	Store  object.Store
	Engine engine.Engine

	Repo         jobs.Repo
	JobsService  *jobs.Service
	Orchestrator *jobs.Orchestrator
	JobsHandler  *jobs.Handler
	Runner       *pipeline.Runner
}

// Build prepares shared dependencies and wires routes.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rdb, queue := buildQueue(ctx, cfg)

	eng, err := buildEngine(cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config: cfg,
		DB:     sqlDB,
		Redis:  rdb,
		Queue:  queue,
		Store:  store,
		Engine: eng,
	}

	if app.DB != nil {
		app.Repo = &jobs.PGRepo{DB: app.DB}
	} else {
		app.Repo = jobs.NewMemoryRepo()
	}

	app.JobsService = jobs.NewService(app.Repo, app.Queue, app.Store, cfg.DefaultQuery)
	app.Orchestrator = jobs.NewOrchestrator(app.Repo, app.Queue)
	app.JobsHandler = jobs.NewHandler(app.JobsService, app.Orchestrator)
	app.Runner = pipeline.NewRunner(app.Repo, app.Queue, app.Store, app.Engine)

	app.Router = server.NewRouter(server.RouterDeps{
		Config: &app.Config,
		Jobs:   app.JobsHandler,
	})

	return app, nil
}

// Close releases database and redis connections.
func (a *App) Close() {
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			log.Printf("bootstrap: close db: %v", err)
		}
	}
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			log.Printf("bootstrap: close redis: %v", err)
		}
	}
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory job records")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	opts := db.OptionsFromEnv(db.DefaultServerOptions())
	sqlDB, err := db.Connect(ctx, cfg.DatabaseURL, opts)
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory job records: %v", err)
			return nil, nil
		}
		return nil, err
	}
	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.Store, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

// buildQueue connects to Redis. Submissions fail with 503 while the queue
// is nil; status reads still work off the record store.
func buildQueue(ctx context.Context, cfg config.Config) (*redis.Client, *dispatch.Queue) {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("bootstrap: invalid REDIS_URL; running without dispatch queue: %v", err)
		return nil, nil
	}

	rdb := redis.NewClient(redisOpts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Printf("bootstrap: redis unreachable; running without dispatch queue: %v", err)
		rdb.Close()
		return nil, nil
	}

	queue := dispatch.New(rdb, dispatch.Options{
		QueueName:  cfg.QueueName,
		JobTimeout: cfg.JobTimeout,
		ResultTTL:  cfg.ResultTTL,
	})
	return rdb, queue
}

func buildEngine(cfg config.Config) (engine.Engine, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if cfg.LLMProvider == "openai" && strings.TrimSpace(apiKey) != "" {
		return openaiengine.NewClient(apiKey, cfg.LLMModel)
	}
	log.Printf("bootstrap: no LLM provider configured; using placeholder engine")
	return engine.Placeholder{}, nil
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
