package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/markdave123-py/pdfrag/internal/config"
	"github.com/markdave123-py/pdfrag/internal/core"
	db "github.com/markdave123-py/pdfrag/internal/core/database"
	"github.com/markdave123-py/pdfrag/internal/core/embedding"
	"github.com/markdave123-py/pdfrag/internal/core/events"
	"github.com/markdave123-py/pdfrag/internal/core/ingestion_engine"
	"github.com/markdave123-py/pdfrag/internal/core/llm"
	objectclient "github.com/markdave123-py/pdfrag/internal/core/object-client"
	"github.com/markdave123-py/pdfrag/internal/core/queue"
	"github.com/markdave123-py/pdfrag/internal/core/rag"
	"github.com/markdave123-py/pdfrag/internal/core/textclean"
	"github.com/markdave123-py/pdfrag/internal/core/tokenizer"
	"github.com/markdave123-py/pdfrag/internal/core/vectorindex"
	"github.com/markdave123-py/pdfrag/internal/logger"
	"github.com/markdave123-py/pdfrag/internal/services"
)

// App holds every long-lived component of one process. The API and the
// worker build the same graph and use different parts of it.
type App struct {
	Config *config.Config
	Log    logger.Logger

	DB        core.DbClient
	Objects   core.ObjectClient
	Redis     *redis.Client
	Embedder  *embedding.Client
	Index     *vectorindex.Index
	Ingestor  *ingestion_engine.DocumentIngestor
	Engine    *rag.Engine
	Documents *services.DocumentService
	Users     *services.UserService
	Events    events.Publisher

	closers []func() error
}

// Providers lets callers (tests, local runs) bypass the remote model clients.
type Providers struct {
	Embeddings core.EmbeddingProvider
	LLM        core.LLMProvider
}

func NewApp(ctx context.Context, cfg *config.Config, log logger.Logger) (*App, error) {
	return build(ctx, cfg, log, Providers{})
}

func build(ctx context.Context, cfg *config.Config, log logger.Logger, p Providers) (*App, error) {
	a := &App{Config: cfg, Log: log}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()

	initCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	if err := a.initStorage(initCtx); err != nil {
		return nil, err
	}
	if err := a.initProviders(initCtx, &p); err != nil {
		return nil, err
	}
	if err := a.initRedis(initCtx); err != nil {
		return nil, err
	}
	if err := a.initEvents(); err != nil {
		return nil, err
	}

	tune := cfg.Tuning
	counter := tokenizer.New(tune.Embedding.Tokenizer, log)

	var cache embedding.Cache
	switch cfg.EmbedCache {
	case "memory":
		cache = embedding.NewMemoryCache(cfg.EmbedCacheSize, cfg.EmbedCacheTTL)
	case "redis":
		cache = embedding.NewRedisCache(a.Redis, cfg.EmbedCacheTTL)
	}

	a.Embedder = embedding.NewClient(p.Embeddings, counter, cache, embedding.Options{
		BatchSize:         tune.Embedding.BatchSize,
		InterBatchDelay:   tune.Embedding.InterBatchDelay,
		MaxAttempts:       tune.Embedding.MaxAttempts,
		BaseDelay:         tune.Embedding.BaseDelay,
		MaxJitter:         tune.Embedding.MaxJitter,
		RequestsPerSecond: tune.Embedding.RequestsPerSecond,
	}, log)

	a.Index = vectorindex.New(a.DB, vectorindex.Options{
		Dimension:       cfg.EmbedDim,
		InsertBatchSize: tune.Search.InsertBatchSize,
		DefaultTopK:     tune.Search.TopK,
		MaxTopK:         tune.Search.MaxTopK,
		MinSimilarity:   tune.Search.MinSimilarity,
	}, log)

	extractor := ingestion_engine.NewPDFExtractor(textclean.Options{
		StripHeadersFooters:   true,
		HeaderFooterThreshold: tune.Cleaning.HeaderFooterThreshold,
	}, log)

	ingestCfg := ingestion_engine.DefaultIngestConfig(cfg.BucketName)
	ingestCfg.Chunking = ingestion_engine.ChunkOptions{
		MaxTokens:         tune.Chunking.MaxTokens,
		OverlapPercentage: tune.Chunking.OverlapPercentage,
		PreserveSentences: tune.Chunking.PreserveSentences,
	}
	ingestCfg.UseFallback = tune.Chunking.UseFallback
	ingestCfg.Workers = cfg.IngestWorkers
	ingestCfg.JobTimeout = cfg.IngestTimeout
	ingestCfg.StaleAfter = cfg.StaleProcessing

	a.Ingestor = ingestion_engine.NewDocumentIngestor(
		a.DB, a.Objects, extractor, ingestion_engine.NewChunker(counter),
		a.Embedder, a.Index, a.Events, ingestCfg, log,
	)

	var dispatcher services.Dispatcher = a.Ingestor
	if cfg.QueueBackend == "asynq" {
		d := queue.NewAsynqDispatcher(a.redisConfig(), cfg.IngestTimeout, log)
		a.closers = append(a.closers, d.Close)
		dispatcher = d
	}

	a.Engine = rag.NewEngine(a.Embedder, a.Index, p.LLM, a.Events, tune.Search.ExcerptLength, log)
	a.Documents = services.NewDocumentService(a.DB, a.Objects, dispatcher, a.Index, a.Events, services.DocumentConfig{
		Bucket:         cfg.BucketName,
		MaxUploadBytes: cfg.MaxUploadBytes,
		MaxDocsPerUser: cfg.MaxDocsPerUser,
	}, log)
	a.Users = services.NewUserService(a.DB, cfg.JWTSecret, cfg.TokenTTL, log)

	log.Info("application ready",
		logger.String("db", cfg.DBBackend),
		logger.String("objects", cfg.ObjectStore),
		logger.String("embeddings", p.Embeddings.Name()+"/"+p.Embeddings.Model()),
		logger.String("cache", cfg.EmbedCache),
		logger.String("queue", cfg.QueueBackend),
		logger.Int("dimension", cfg.EmbedDim))
	ready = true
	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	cfg := a.Config
	switch cfg.DBBackend {
	case "memory":
		a.DB = db.NewMemoryClient()
	default:
		client, err := db.NewDatabaseClient(ctx, cfg)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		a.DB = client
	}
	a.closers = append(a.closers, a.DB.Close)
	a.Log.Info("database ready", logger.String("backend", cfg.DBBackend))

	var err error
	switch cfg.ObjectStore {
	case "memory":
		a.Objects = objectclient.NewMemoryClient()
	case "minio":
		a.Objects, err = objectclient.NewMinioClient(ctx, cfg, a.Log)
	default:
		a.Objects, err = objectclient.NewS3Client(ctx, cfg, a.Log)
	}
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	a.Log.Info("object store ready", logger.String("backend", cfg.ObjectStore), logger.String("bucket", cfg.BucketName))
	return nil
}

// initProviders connects the model clients that were not supplied and checks
// that embeddings fit the index column.
func (a *App) initProviders(ctx context.Context, p *Providers) error {
	cfg := a.Config
	if p.Embeddings == nil {
		switch cfg.EmbedProvider {
		case "openai":
			e, err := llm.NewOpenAIEmbedder(llm.OpenAIEmbedderConfig{
				APIKey:    cfg.OpenAIAPIKey,
				BaseURL:   cfg.OpenAIBaseURL,
				Model:     cfg.EmbedModel,
				Dimension: cfg.EmbedDim,
			})
			if err != nil {
				return fmt.Errorf("openai embedder: %w", err)
			}
			p.Embeddings = e
		default:
			e, err := llm.NewGeminiEmbedder(ctx, cfg.AIAPIKey, cfg.EmbedModel, cfg.EmbedDim)
			if err != nil {
				return fmt.Errorf("gemini embedder: %w", err)
			}
			a.closers = append(a.closers, e.Close)
			p.Embeddings = e
		}
	}
	if got := p.Embeddings.Dimension(); got != cfg.EmbedDim {
		return fmt.Errorf("%w: %s/%s produces %d-dimensional vectors but EMBED_DIM is %d",
			core.ErrValidation, p.Embeddings.Name(), p.Embeddings.Model(), got, cfg.EmbedDim)
	}

	if p.LLM == nil {
		g, err := llm.NewGeminiLLM(ctx, cfg.AIAPIKey, cfg.GenModel, cfg.GenTemperature)
		if err != nil {
			return fmt.Errorf("gemini llm: %w", err)
		}
		a.closers = append(a.closers, g.Close)
		p.LLM = g
	}
	return nil
}

func (a *App) initRedis(ctx context.Context) error {
	cfg := a.Config
	if cfg.EmbedCache != "redis" && cfg.QueueBackend != "asynq" {
		return nil
	}
	a.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	a.closers = append(a.closers, a.Redis.Close)
	if err := a.Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
	}
	return nil
}

func (a *App) initEvents() error {
	if len(a.Config.KafkaBrokers) == 0 {
		a.Events = events.NopPublisher{}
		return nil
	}
	pub, err := events.NewKafkaPublisher(a.Config.KafkaBrokers, a.Config.KafkaTopic)
	if err != nil {
		return fmt.Errorf("kafka publisher: %w", err)
	}
	a.Events = pub
	a.closers = append(a.closers, pub.Close)
	return nil
}

func (a *App) redisConfig() queue.RedisConfig {
	return queue.RedisConfig{Addr: a.Config.RedisAddr, Password: a.Config.RedisPassword, DB: a.Config.RedisDB}
}

// Worker returns the asynq consumer that runs this app's ingestor.
func (a *App) Worker() *queue.Worker {
	return queue.NewWorker(a.redisConfig(), a.Config.IngestWorkers, a.Ingestor, a.Log)
}

// Recover fails documents left PROCESSING by a previous run.
func (a *App) Recover(ctx context.Context) {
	n, err := a.Ingestor.RecoverStale(ctx)
	if err != nil {
		a.Log.Warn("stale document recovery failed", logger.Error(err))
		return
	}
	if n > 0 {
		a.Log.Info("stale documents failed", logger.Int64("count", n))
	}
}

// Close releases clients in reverse order of creation.
func (a *App) Close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.Log.Warn("shutdown left clients open", logger.Error(err))
	}
}
