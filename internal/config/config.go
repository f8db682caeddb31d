package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Environment identifies the deployment tier the pipeline operates in. Policy
// thresholds, approval requirements, and allowlists all key off it.
type Environment string

const (
	EnvDev     Environment = "dev"
	EnvStaging Environment = "staging"
	EnvProd    Environment = "prod"
)

// Config is the unified runtime configuration. Values come from defaults,
// then a .env file in the data directory, then KUREMEDY_* environment
// variables, in increasing precedence.
type Config struct {
	Environment Environment `validate:"oneof=dev staging prod"`
	Cluster     string      `validate:"required"`
	DataDir     string      `validate:"required"`

	LogLevel    string
	LogFormat   string
	LogFilePath string

	ListenHost string
	ListenPort int `validate:"gte=0,lte=65535"`

	MetricsHost string
	MetricsPort int `validate:"gte=0,lte=65535"`

	KubeconfigPath string
	KubeContext    string
	LokiURL        string `validate:"omitempty,url"`
	PrometheusURL  string `validate:"omitempty,url"`
	GrafanaURL     string `validate:"omitempty,url"`
	RedisAddr      string
	SlackToken     string
	SlackChannel   string

	CollectionDeadlineTotal     time.Duration `validate:"gt=0"`
	CollectionDeadlinePerSource time.Duration `validate:"gt=0"`
	DeployLookback              time.Duration `validate:"gt=0"`

	VerificationDelay          time.Duration `validate:"gt=0"`
	VerificationImprovement    float64       `validate:"gt=0,lte=1"`
	VerificationErrorThreshold float64       `validate:"gte=0,lte=1"`

	ApprovalTimeout time.Duration `validate:"gt=0"`
	AutoApproveDev  bool

	RetryBudget      int `validate:"gte=0"`
	WorkerCount      int `validate:"gte=1"`
	WorkflowDeadline time.Duration

	FreezeHoursStart int `validate:"gte=0,lte=23"`
	FreezeHoursEnd   int `validate:"gte=0,lte=23"`

	ProtectedNamespaces []string
	HighRiskActions     []string

	DedupTTL        time.Duration `validate:"gt=0"`
	AlertRateLimit  int           `validate:"gte=0"`
	AlertRateWindow time.Duration `validate:"gt=0"`
}

// defaultProtectedNamespaces are never remediation targets outside dev.
var defaultProtectedNamespaces = []string{
	"kube-system",
	"kube-public",
	"kube-node-lease",
	"istio-system",
	"cert-manager",
	"monitoring",
}

// defaultHighRiskActions are denied outright outside dev.
var defaultHighRiskActions = []string{
	"drain_node",
	"delete_pvc",
	"update_resource_limits",
	"delete_namespace",
	"update_configmap",
	"uncordon_node",
}

// Load reads configuration from the environment with sane defaults.
func Load() (*Config, error) {
	dataDir := "/var/lib/kuremedy"
	if dir := strings.TrimSpace(os.Getenv("KUREMEDY_DATA_DIR")); dir != "" {
		dataDir = dir
	}

	// Load .env from the data directory for deployment overrides, then from
	// the working directory for development.
	envFile := filepath.Join(dataDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		} else {
			log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
		}
	}
	if err := godotenv.Load(); err == nil {
		log.Info().Msg("Loaded configuration from .env in current directory")
	}

	cfg := &Config{
		Environment: EnvDev,
		Cluster:     "default",
		DataDir:     dataDir,

		LogLevel:  "info",
		LogFormat: "auto",

		ListenHost: "0.0.0.0",
		ListenPort: 9470,

		MetricsHost: "0.0.0.0",
		MetricsPort: 9480,

		CollectionDeadlineTotal:     5 * time.Minute,
		CollectionDeadlinePerSource: 60 * time.Second,
		DeployLookback:              30 * time.Minute,

		VerificationDelay:          120 * time.Second,
		VerificationImprovement:    0.5,
		VerificationErrorThreshold: 0.05,

		ApprovalTimeout: 4 * time.Hour,
		AutoApproveDev:  true,

		RetryBudget:      1,
		WorkerCount:      4,
		WorkflowDeadline: 8 * time.Hour,

		FreezeHoursStart: 22,
		FreezeHoursEnd:   6,

		ProtectedNamespaces: append([]string(nil), defaultProtectedNamespaces...),
		HighRiskActions:     append([]string(nil), defaultHighRiskActions...),

		DedupTTL:        4 * time.Hour,
		AlertRateLimit:  120,
		AlertRateWindow: time.Minute,
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}
	if c.CollectionDeadlinePerSource > c.CollectionDeadlineTotal {
		return fmt.Errorf("validate config: per-source collection deadline %s exceeds total budget %s",
			c.CollectionDeadlinePerSource, c.CollectionDeadlineTotal)
	}
	return nil
}

// OverlayPath returns the watched policy overlay file location.
func (c *Config) OverlayPath() string {
	return filepath.Join(c.DataDir, "policy-overlay.json")
}

func applyEnvOverrides(cfg *Config) {
	if v := envString("KUREMEDY_ENVIRONMENT"); v != "" {
		cfg.Environment = Environment(strings.ToLower(v))
	}
	if v := envString("KUREMEDY_CLUSTER"); v != "" {
		cfg.Cluster = v
	}
	if v := envString("KUREMEDY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := envString("KUREMEDY_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := envString("KUREMEDY_LOG_FILE"); v != "" {
		cfg.LogFilePath = v
	}
	if v := envString("KUREMEDY_LISTEN_HOST"); v != "" {
		cfg.ListenHost = v
	}
	envInt("KUREMEDY_LISTEN_PORT", &cfg.ListenPort)
	if v := envString("KUREMEDY_METRICS_HOST"); v != "" {
		cfg.MetricsHost = v
	}
	envInt("KUREMEDY_METRICS_PORT", &cfg.MetricsPort)

	if v := envString("KUREMEDY_KUBECONFIG"); v != "" {
		cfg.KubeconfigPath = v
	}
	if v := envString("KUREMEDY_KUBE_CONTEXT"); v != "" {
		cfg.KubeContext = v
	}
	if v := envString("KUREMEDY_LOKI_URL"); v != "" {
		cfg.LokiURL = v
	}
	if v := envString("KUREMEDY_PROMETHEUS_URL"); v != "" {
		cfg.PrometheusURL = v
	}
	if v := envString("KUREMEDY_GRAFANA_URL"); v != "" {
		cfg.GrafanaURL = v
	}
	if v := envString("KUREMEDY_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := envString("KUREMEDY_SLACK_TOKEN"); v != "" {
		cfg.SlackToken = v
	}
	if v := envString("KUREMEDY_SLACK_CHANNEL"); v != "" {
		cfg.SlackChannel = v
	}

	envDuration("KUREMEDY_COLLECTION_DEADLINE_TOTAL", &cfg.CollectionDeadlineTotal)
	envDuration("KUREMEDY_COLLECTION_DEADLINE_PER_SOURCE", &cfg.CollectionDeadlinePerSource)
	envDuration("KUREMEDY_DEPLOY_LOOKBACK", &cfg.DeployLookback)
	envDuration("KUREMEDY_VERIFICATION_DELAY", &cfg.VerificationDelay)
	envFloat("KUREMEDY_VERIFICATION_IMPROVEMENT", &cfg.VerificationImprovement)
	envFloat("KUREMEDY_VERIFICATION_ERROR_THRESHOLD", &cfg.VerificationErrorThreshold)
	envDuration("KUREMEDY_APPROVAL_TIMEOUT", &cfg.ApprovalTimeout)
	envBool("KUREMEDY_AUTO_APPROVE_DEV", &cfg.AutoApproveDev)
	envInt("KUREMEDY_RETRY_BUDGET", &cfg.RetryBudget)
	envInt("KUREMEDY_WORKER_COUNT", &cfg.WorkerCount)
	envDuration("KUREMEDY_WORKFLOW_DEADLINE", &cfg.WorkflowDeadline)
	envInt("KUREMEDY_FREEZE_HOURS_START", &cfg.FreezeHoursStart)
	envInt("KUREMEDY_FREEZE_HOURS_END", &cfg.FreezeHoursEnd)
	envDuration("KUREMEDY_DEDUP_TTL", &cfg.DedupTTL)
	envInt("KUREMEDY_ALERT_RATE_LIMIT", &cfg.AlertRateLimit)
	envDuration("KUREMEDY_ALERT_RATE_WINDOW", &cfg.AlertRateWindow)

	if v := envList("KUREMEDY_PROTECTED_NAMESPACES"); v != nil {
		cfg.ProtectedNamespaces = v
	}
	if v := envList("KUREMEDY_HIGH_RISK_ACTIONS"); v != nil {
		cfg.HighRiskActions = v
	}
}

func envString(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envInt(key string, dst *int) {
	raw := envString(key)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("var", key).Str("value", raw).Msg("Ignoring non-integer environment override")
		return
	}
	*dst = v
}

func envFloat(key string, dst *float64) {
	raw := envString(key)
	if raw == "" {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Warn().Str("var", key).Str("value", raw).Msg("Ignoring non-numeric environment override")
		return
	}
	*dst = v
}

func envBool(key string, dst *bool) {
	raw := envString(key)
	if raw == "" {
		return
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn().Str("var", key).Str("value", raw).Msg("Ignoring non-boolean environment override")
		return
	}
	*dst = v
}

func envDuration(key string, dst *time.Duration) {
	raw := envString(key)
	if raw == "" {
		return
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("var", key).Str("value", raw).Msg("Ignoring unparseable duration override")
		return
	}
	*dst = v
}

func envList(key string) []string {
	raw := envString(key)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
