package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
)

type Config struct {
	AppEnv    string
	LogLevel  string
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Media     MediaConfig
	Policy    PolicyConfig
	Providers ProvidersConfig
	Webhook   WebhookConfig
	Telemetry TelemetryConfig
}

type APIConfig struct {
	Addr               string
	RateLimitCapacity  int
	RateLimitWindow    time.Duration
	RateLimitUserIDKey string
	MaxUploadBytes     int64
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

// WorkerConfig.Dispatch selects how submitted jobs reach the executor:
// "local" runs them on an in-process pool, "asynq" enqueues them to Redis.
type WorkerConfig struct {
	Dispatch        string
	Concurrency     int
	MaxActiveJobs   int
	QueueSize       int
	StepTimeout     time.Duration
	ProviderTimeout time.Duration
	MetricsAddr     string
}

type StorageConfig struct {
	Enabled    bool
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Bucket     string
	Region     string
	UseSSL     bool
	PresignTTL time.Duration
}

// DatabaseConfig.Driver is one of memory, sqlite or postgres.
type DatabaseConfig struct {
	Driver string
	DSN    string
}

type MediaConfig struct {
	OutputsDir  string
	UploadsDir  string
	FFmpegPath  string
	FFprobePath string
	FontFile    string
	Thumbnails  bool
}

type PolicyConfig struct {
	Path string
}

type ProvidersConfig struct {
	Default             string
	HTTPTimeout         time.Duration
	ComfyUIURL          string
	ComfyUIWorkflowsDir string
	ComfyUIPollInterval time.Duration
	HFToken             string
	HFBaseURL           string
	HFModels            map[string]string
	HostedURL           string
	HostedAPIKey        string
	HostedPollInterval  time.Duration
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type TelemetryConfig struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

func Load() Config {
	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		AppEnv:   env("APP_ENV", "production"),
		LogLevel: env("LOG_LEVEL", ""),
		API: APIConfig{
			Addr:               env("MEDIAFLOW_API_ADDR", ":8080"),
			RateLimitCapacity:  envInt("API_RATE_LIMIT_CAPACITY", 0),
			RateLimitWindow:    envDuration("API_RATE_LIMIT_WINDOW", time.Minute),
			RateLimitUserIDKey: env("API_RATE_LIMIT_USER_HEADER", "X-User-ID"),
			MaxUploadBytes:     int64(envInt("API_MAX_UPLOAD_MB", 512)) << 20,
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Worker: WorkerConfig{
			Dispatch:        strings.ToLower(env("WORKER_DISPATCH", "local")),
			Concurrency:     envInt("WORKER_CONCURRENCY", 2),
			MaxActiveJobs:   envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			QueueSize:       envInt("WORKER_QUEUE_SIZE", 256),
			StepTimeout:     envDuration("WORKER_STEP_TIMEOUT", 10*time.Minute),
			ProviderTimeout: envDuration("WORKER_PROVIDER_TIMEOUT", 15*time.Minute),
			MetricsAddr:     env("WORKER_METRICS_ADDR", ":9091"),
		},
		Storage: StorageConfig{
			Enabled:    envBool("MINIO_ENABLED", false),
			Endpoint:   env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey:  env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey:  env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:     env("MINIO_BUCKET", "mediaflow-artifacts"),
			Region:     env("MINIO_REGION", "us-east-1"),
			UseSSL:     envBool("MINIO_USE_SSL", false),
			PresignTTL: envDuration("MINIO_PRESIGN_TTL", 15*time.Minute),
		},
		Database: DatabaseConfig{
			Driver: strings.ToLower(env("DATABASE_DRIVER", "sqlite")),
			DSN:    env("DATABASE_DSN", "file:mediaflow.db?_busy_timeout=5000&_journal_mode=WAL"),
		},
		Media: MediaConfig{
			OutputsDir:  env("OUTPUTS_DIR", "./outputs"),
			UploadsDir:  env("UPLOADS_DIR", "./uploads"),
			FFmpegPath:  env("FFMPEG_PATH", "ffmpeg"),
			FFprobePath: env("FFPROBE_PATH", "ffprobe"),
			FontFile:    env("DRAWTEXT_FONTFILE", ""),
			Thumbnails:  envBool("THUMBNAILS_ENABLED", true),
		},
		Policy: PolicyConfig{
			Path: env("POLICY_PATH", "./policy.json"),
		},
		Providers: ProvidersConfig{
			Default:             env("DEFAULT_PROVIDER", "mock"),
			HTTPTimeout:         envDuration("PROVIDER_HTTP_TIMEOUT", 60*time.Second),
			ComfyUIURL:          env("COMFYUI_URL", ""),
			ComfyUIWorkflowsDir: env("COMFYUI_WORKFLOWS_DIR", "./workflows"),
			ComfyUIPollInterval: envDuration("COMFYUI_POLL_INTERVAL", 2*time.Second),
			HFToken:             env("HF_TOKEN", ""),
			HFBaseURL:           env("HF_BASE_URL", "https://api-inference.huggingface.co/models"),
			HFModels: map[string]string{
				"text_to_image": env("HF_TEXT_TO_IMAGE_MODEL", "stabilityai/stable-diffusion-xl-base-1.0"),
				"image_edit":    env("HF_IMAGE_EDIT_MODEL", "timbrooks/instruct-pix2pix"),
			},
			HostedURL:          env("HOSTED_API_URL", ""),
			HostedAPIKey:       env("HOSTED_API_KEY", ""),
			HostedPollInterval: envDuration("HOSTED_POLL_INTERVAL", 3*time.Second),
		},
		Webhook: WebhookConfig{
			SigningSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", 10*time.Second),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  env("OTEL_SERVICE_NAME", "mediaflow"),
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
	}
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// envDuration accepts Go duration strings ("90s") or a bare number of seconds.
func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return fallback
}
