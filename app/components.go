package app

import (
	"context"
	"fmt"

	"github.com/sahilchouksey/go-exam-grader/config"
	"github.com/sahilchouksey/go-exam-grader/services"
	"github.com/sahilchouksey/go-exam-grader/services/digitalocean"
	"github.com/sahilchouksey/go-exam-grader/utils/cache"
	"github.com/sahilchouksey/go-exam-grader/utils/logger"
)

// Components is the wired grading system shared by the server and the CLI
type Components struct {
	Log       *logger.Logger
	Store     services.Storage
	Blobs     services.BlobStore
	Memory    *cache.MemoryCache
	Redis     *cache.RedisCache
	Tracker   *services.ProgressTracker
	Documents *services.DocumentService
	Pipeline  *services.GradingPipeline

	// Checks probes external dependencies for the health endpoint
	Checks map[string]func(ctx context.Context) error

	closers []func() error
}

// Overrides replaces external backends, for tests and local runs. Nil
// fields are built from config.
type Overrides struct {
	LLM   services.LanguageModel
	OCR   services.ExtractionBackend
	Blobs services.BlobStore
}

type closer interface {
	Close() error
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Build wires every service from the environment config.
func Build(ctx context.Context, env *config.EnviornmentVariable, store services.Storage, ov Overrides, log *logger.Logger) (*Components, error) {
	log = logger.OrNop(log)
	c := &Components{Log: log, Store: store, Checks: make(map[string]func(ctx context.Context) error)}

	// Cache tiers: in-process always, Redis when configured
	c.Memory = cache.NewMemoryCache(env.CACHE_MAX_ENTRIES)
	var shared cache.Cache = c.Memory
	var lock services.JobLock = services.NewMemoryJobLock()
	var notifier services.Notifier = services.NewProgressHub()

	if env.REDIS_URL != "" {
		rc, err := cache.NewRedisCache(env.REDIS_URL)
		if err != nil {
			log.Warn("redis unavailable, using in-process cache, locks and progress hub", "error", err.Error())
		} else {
			c.Redis = rc
			c.Checks["redis"] = rc.Ping
			shared = cache.NewTiered(c.Memory, rc)
			lock = services.NewRedisJobLock(rc, services.JobLockTTL)
			rn := services.NewRedisNotifier(rc.Client(), log)
			notifier = rn
			c.closers = append(c.closers, func() error { rn.Close(); return nil }, rc.Close)
			log.Info("redis connected")
		}
	}

	resilience := services.NewResilience(services.ResilienceConfig{
		ModelCallTimeout:      env.MODEL_CALL_TIMEOUT,
		ExtractionCallTimeout: env.EXTRACTION_CALL_TIMEOUT,
		MaxAttempts:           env.MAX_ATTEMPTS,
		BreakerFailures:       uint32(env.BREAKER_FAILURES),
		BreakerCooldown:       env.BREAKER_COOLDOWN,
		ModelRPS:              env.MODEL_RPS,
		Burst:                 2,
	}, log)

	ocr := ov.OCR
	if ocr == nil {
		var err error
		ocr, err = c.buildOCR(ctx, env)
		if err != nil {
			c.Close()
			return nil, err
		}
	}
	if hc, ok := ocr.(healthChecker); ok {
		c.Checks["ocr"] = hc.HealthCheck
	}

	llm := ov.LLM
	if llm == nil {
		var err error
		llm, err = services.BuildLanguageModel(ctx, services.ModelConfig{
			Provider:        env.LLM_PROVIDER,
			Model:           env.LLM_MODEL,
			APIKey:          env.LLM_API_KEY,
			BaseURL:         env.LLM_BASE_URL,
			OpenAIAPIKey:    env.OPENAI_API_KEY,
			AnthropicAPIKey: env.ANTHROPIC_API_KEY,
			OllamaHost:      env.OLLAMA_HOST,
			GCPProject:      env.GCP_PROJECT,
			GCPRegion:       env.GCP_REGION,
		}, env.LLM_FALLBACK_PROVIDER, env.LLM_FALLBACK_MODEL, log)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("language model: %w", err)
		}
		c.track(llm)
	}

	c.Blobs = ov.Blobs
	if c.Blobs == nil {
		blobs, err := services.NewBlobStore(services.BlobConfig{
			Provider: env.BLOB_PROVIDER,
			Dir:      env.BLOB_DIR,
			Spaces: digitalocean.SpacesConfig{
				AccessKey: env.DO_SPACES_KEY,
				SecretKey: env.DO_SPACES_SECRET,
				Bucket:    env.DO_SPACES_BUCKET,
				Region:    env.DO_SPACES_REGION,
				Endpoint:  env.DO_SPACES_ENDPOINT,
			},
		})
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("blob store: %w", err)
		}
		c.Blobs = blobs
	}

	extraction := services.NewExtractionService(ocr, shared, resilience, services.ExtractionConfig{
		Workers:  env.EXTRACTION_WORKERS,
		CacheTTL: env.EXTRACTION_CACHE_TTL,
	}, log)
	classifier := services.NewGuideClassifier(llm, shared, resilience, env.CLASSIFIER_CACHE_TTL, log)
	parser := services.NewGuideParser(llm, resilience, log)

	c.Tracker = services.NewProgressTracker(store, notifier, lock, log)
	c.Documents = services.NewDocumentService(store, c.Blobs, extraction, classifier, parser, env.MAX_UPLOAD_MB<<20, log)
	c.Pipeline = services.NewGradingPipeline(services.PipelineDeps{
		Store:      store,
		Blobs:      c.Blobs,
		Tracker:    c.Tracker,
		Extraction: extraction,
		Classifier: classifier,
		Mapper:     services.NewMappingEngine(llm, resilience, log),
		Grader:     services.NewGradingEngine(llm, resilience, env.GRADING_BATCH_SIZE, log),
		Aggregator: services.NewResultAggregator(store, log),
	}, services.PipelineConfig{MaxConcurrentJobs: int64(env.PIPELINE_MAX_CONCURRENT)}, log)

	return c, nil
}

func (c *Components) buildOCR(ctx context.Context, env *config.EnviornmentVariable) (services.ExtractionBackend, error) {
	primary, err := c.newOCRBackend(ctx, env.OCR_PROVIDER, env.OCR_SERVICE_URL)
	if err != nil {
		return nil, fmt.Errorf("ocr backend: %w", err)
	}
	if env.OCR_FALLBACK_PROVIDER == "" || env.OCR_FALLBACK_PROVIDER == env.OCR_PROVIDER {
		return primary, nil
	}
	secondary, err := c.newOCRBackend(ctx, env.OCR_FALLBACK_PROVIDER, env.OCR_SERVICE_URL)
	if err != nil {
		c.Log.Warn("fallback OCR backend unavailable", "provider", env.OCR_FALLBACK_PROVIDER, "error", err.Error())
		return primary, nil
	}
	return &services.FallbackBackend{Primary: primary, Secondary: secondary}, nil
}

func (c *Components) newOCRBackend(ctx context.Context, provider, url string) (services.ExtractionBackend, error) {
	switch provider {
	case "", "http":
		return services.NewOCRClient(url), nil
	case "vision":
		v, err := services.NewVisionOCR(ctx)
		if err != nil {
			return nil, err
		}
		c.track(v)
		return v, nil
	}
	return nil, fmt.Errorf("unsupported OCR provider: %s", provider)
}

func (c *Components) track(v interface{}) {
	if cl, ok := v.(closer); ok {
		c.closers = append(c.closers, cl.Close)
	}
}

// Close stops running jobs and releases external clients.
func (c *Components) Close() {
	if c.Pipeline != nil {
		c.Pipeline.Shutdown()
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.Log.Warn("close failed", "error", err.Error())
		}
	}
	c.closers = nil
}
