package config

import "time"

// OrchestratorConfig holds runtime configuration for the deployment orchestrator.
type OrchestratorConfig struct {
	Environment string
	Addr        string
	DatabaseURL string
	LogLevel    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	QueueName          string
	WorkerConcurrency  int
	DeploymentTimeout  time.Duration
	DeploymentLimit    int
	QueueRetryAfter    time.Duration
	QueueRequeueAfter  time.Duration
	StaleDeploymentTTL time.Duration
	HelperImage        string
	DockerNetwork      string
	HealthAttempts     int
	HealthInterval     time.Duration

	StatusPollInterval     time.Duration
	StatusReconcileTimeout time.Duration
	StatusConcurrency      int

	ProxyContainerName    string
	ProxyImage            string
	ProxyLatestVersion    string
	ProxyStopTimeout      time.Duration
	ProxyStopPollAttempts int
	ProxyStopPollInterval time.Duration
	ProxyConfigDir        string
	ProxyRedirectURL      string

	APIToken            string
	WebhookSecret       string
	WebhookRateLimit    int
	RepoRateLimit       int
	RateLimitRedisAddr  string
	KeyEncryptionSecret string
	PreviewURLTemplate  string
	SSHConnectTimeout   time.Duration
	SSHCommandTimeout   time.Duration
	LocalDockerHost     string
}

// LoadOrchestratorConfig constructs an OrchestratorConfig from environment variables.
func LoadOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Environment: GetString("APP_ENV", "development"),
		Addr:        GetString("ORCHESTRATOR_ADDR", ":4000"),
		DatabaseURL: GetString("DATABASE_URL", ""),
		LogLevel:    GetString("LOG_LEVEL", "info"),

		RedisAddr:     GetString("REDIS_ADDR", ""),
		RedisPassword: GetString("REDIS_PASSWORD", ""),
		RedisDB:       GetInt("REDIS_DB", 0),

		QueueName:          GetString("DEPLOY_QUEUE_NAME", "peep:deployments"),
		WorkerConcurrency:  GetInt("DEPLOY_WORKERS", 4),
		DeploymentTimeout:  GetSeconds("DEPLOY_TIMEOUT_SECONDS", 3600),
		DeploymentLimit:    GetInt("DEPLOY_QUEUE_LIMIT", 25),
		QueueRetryAfter:    GetSeconds("DEPLOY_QUEUE_RETRY_AFTER_SECONDS", 60),
		QueueRequeueAfter:  GetSeconds("DEPLOY_REQUEUE_SECONDS", 120),
		StaleDeploymentTTL: GetSeconds("DEPLOY_STALE_SECONDS", 7200),
		HelperImage:        GetString("DEPLOY_HELPER_IMAGE", "ghcr.io/splax/peep-helper:latest"),
		DockerNetwork:      GetString("DEPLOY_NETWORK", "peep"),
		HealthAttempts:     GetInt("DEPLOY_HEALTH_ATTEMPTS", 30),
		HealthInterval:     GetSeconds("DEPLOY_HEALTH_INTERVAL_SECONDS", 2),

		StatusPollInterval:     GetSeconds("STATUS_POLL_SECONDS", 30),
		StatusReconcileTimeout: GetSeconds("STATUS_RECONCILE_TIMEOUT_SECONDS", 20),
		StatusConcurrency:      GetInt("STATUS_CONCURRENCY", 8),

		ProxyContainerName:    GetString("PROXY_CONTAINER_NAME", "peep-proxy"),
		ProxyImage:            GetString("PROXY_IMAGE", "traefik:v3.1"),
		ProxyLatestVersion:    GetString("PROXY_LATEST_VERSION", ""),
		ProxyStopTimeout:      GetSeconds("PROXY_STOP_TIMEOUT_SECONDS", 30),
		ProxyStopPollAttempts: GetInt("PROXY_STOP_POLL_ATTEMPTS", 10),
		ProxyStopPollInterval: GetMillis("PROXY_STOP_POLL_INTERVAL_MS", 1000),
		ProxyConfigDir:        GetString("PROXY_CONFIG_DIR", "/data/peep/proxy"),
		ProxyRedirectURL:      GetString("PROXY_DEFAULT_REDIRECT_URL", ""),

		APIToken:            GetString("ORCHESTRATOR_API_TOKEN", ""),
		WebhookSecret:       GetString("WEBHOOK_SECRET", "supersecret"),
		WebhookRateLimit:    GetInt("WEBHOOK_RATE_LIMIT", 120),
		RepoRateLimit:       GetInt("WEBHOOK_REPO_RATE_LIMIT", 30),
		RateLimitRedisAddr:  GetString("RATE_LIMIT_REDIS_ADDR", ""),
		KeyEncryptionSecret: GetString("KEY_ENCRYPTION_SECRET", "supersecuresecret"),
		PreviewURLTemplate:  GetString("PREVIEW_URL_TEMPLATE", "https://{{pr_id}}.{{domain}}"),
		SSHConnectTimeout:   GetSeconds("SSH_CONNECT_TIMEOUT_SECONDS", 10),
		SSHCommandTimeout:   GetSeconds("SSH_COMMAND_TIMEOUT_SECONDS", 3600),
		LocalDockerHost:     GetString("LOCAL_DOCKER_HOST", ""),
	}
}
