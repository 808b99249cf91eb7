package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	ImageStore     string   `mapstructure:"IMAGE_STORE"`

	// Model service
	ModelServiceURL string        `mapstructure:"MODEL_SERVICE_URL"`
	ModelSimulated  bool          `mapstructure:"MODEL_SIMULATED"`
	ModelTimeout    time.Duration `mapstructure:"MODEL_TIMEOUT"`
	ModelCacheSize  int           `mapstructure:"MODEL_CACHE_SIZE"`
	ModelCacheTTL   time.Duration `mapstructure:"MODEL_CACHE_TTL"`

	// Hybrid combination
	VitalRuleWeight        float64 `mapstructure:"VITAL_RULE_WEIGHT"`
	VitalModelWeight       float64 `mapstructure:"VITAL_MODEL_WEIGHT"`
	ImageOverrideThreshold float64 `mapstructure:"IMAGE_OVERRIDE_THRESHOLD"`
	ScoringRulesFile       string  `mapstructure:"SCORING_RULES_FILE"`

	Adaptation AdaptationConfig `mapstructure:",squash"`

	// Learning event webhook; empty URL disables delivery.
	LearningWebhookURL    string `mapstructure:"LEARNING_WEBHOOK_URL"`
	LearningWebhookSecret string `mapstructure:"LEARNING_WEBHOOK_SECRET"`
}

// AdaptationConfig is the single configuration block for the feedback-driven
// confidence adjuster. All cutoffs are inclusive.
type AdaptationConfig struct {
	MinFeedback int     `mapstructure:"ADAPT_MIN_FEEDBACK"`
	HighCutoff  float64 `mapstructure:"ADAPT_HIGH_CUTOFF"`
	LowCutoff   float64 `mapstructure:"ADAPT_LOW_CUTOFF"`
	Step        float64 `mapstructure:"ADAPT_STEP"`
	Max         float64 `mapstructure:"ADAPT_MAX"`
	Min         float64 `mapstructure:"ADAPT_MIN"`
	WindowDays  int     `mapstructure:"ADAPT_WINDOW_DAYS"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"CORS_ORIGINS", "IMAGE_STORE",
	"MODEL_SERVICE_URL", "MODEL_SIMULATED", "MODEL_TIMEOUT", "MODEL_CACHE_SIZE", "MODEL_CACHE_TTL",
	"VITAL_RULE_WEIGHT", "VITAL_MODEL_WEIGHT", "IMAGE_OVERRIDE_THRESHOLD", "SCORING_RULES_FILE",
	"ADAPT_MIN_FEEDBACK", "ADAPT_HIGH_CUTOFF", "ADAPT_LOW_CUTOFF", "ADAPT_STEP",
	"ADAPT_MAX", "ADAPT_MIN", "ADAPT_WINDOW_DAYS",
	"LEARNING_WEBHOOK_URL", "LEARNING_WEBHOOK_SECRET",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("IMAGE_STORE", "postgres")
	v.SetDefault("MODEL_SIMULATED", false)
	v.SetDefault("MODEL_TIMEOUT", "3s")
	v.SetDefault("MODEL_CACHE_SIZE", 512)
	v.SetDefault("MODEL_CACHE_TTL", "10m")
	v.SetDefault("VITAL_RULE_WEIGHT", 0.5)
	v.SetDefault("VITAL_MODEL_WEIGHT", 0.5)
	v.SetDefault("IMAGE_OVERRIDE_THRESHOLD", 0.7)
	v.SetDefault("ADAPT_MIN_FEEDBACK", 10)
	v.SetDefault("ADAPT_HIGH_CUTOFF", 0.80)
	v.SetDefault("ADAPT_LOW_CUTOFF", 0.20)
	v.SetDefault("ADAPT_STEP", 0.05)
	v.SetDefault("ADAPT_MAX", 0.30)
	v.SetDefault("ADAPT_MIN", -0.30)
	v.SetDefault("ADAPT_WINDOW_DAYS", 30)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active; all requests get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Window returns the feedback window used for acceptance-rate evaluation.
func (a AdaptationConfig) Window() time.Duration {
	return time.Duration(a.WindowDays) * 24 * time.Hour
}

// Validate checks that the configuration is safe to run. Scoring weights and
// adaptation constants out of range are programmer errors and refuse startup.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthIssuer == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"AUTH_ISSUER or AUTH_SIGNING_KEY must be set outside development (current ENV=%q)", c.Env)
	}
	if c.ImageStore != "postgres" && c.ImageStore != "memory" {
		return fmt.Errorf("IMAGE_STORE must be \"postgres\" or \"memory\", got %q", c.ImageStore)
	}

	if c.ModelTimeout <= 0 {
		return fmt.Errorf("MODEL_TIMEOUT must be positive, got %s", c.ModelTimeout)
	}
	if c.ModelCacheSize < 0 {
		return fmt.Errorf("MODEL_CACHE_SIZE must not be negative, got %d", c.ModelCacheSize)
	}
	if err := checkUnit("VITAL_RULE_WEIGHT", c.VitalRuleWeight); err != nil {
		return err
	}
	if err := checkUnit("VITAL_MODEL_WEIGHT", c.VitalModelWeight); err != nil {
		return err
	}
	if c.VitalRuleWeight == 0 && c.VitalModelWeight == 0 {
		return fmt.Errorf("VITAL_RULE_WEIGHT and VITAL_MODEL_WEIGHT cannot both be zero")
	}
	if err := checkUnit("IMAGE_OVERRIDE_THRESHOLD", c.ImageOverrideThreshold); err != nil {
		return err
	}
	if c.LearningWebhookURL != "" && c.LearningWebhookSecret == "" {
		return fmt.Errorf("LEARNING_WEBHOOK_SECRET is required when LEARNING_WEBHOOK_URL is set")
	}

	return c.Adaptation.Validate()
}

// Validate checks the adaptation block on its own so callers outside the
// server (the adapt CLI) can reuse it.
func (a AdaptationConfig) Validate() error {
	if a.MinFeedback < 1 {
		return fmt.Errorf("ADAPT_MIN_FEEDBACK must be at least 1, got %d", a.MinFeedback)
	}
	if err := checkUnit("ADAPT_HIGH_CUTOFF", a.HighCutoff); err != nil {
		return err
	}
	if err := checkUnit("ADAPT_LOW_CUTOFF", a.LowCutoff); err != nil {
		return err
	}
	if a.LowCutoff >= a.HighCutoff {
		return fmt.Errorf("ADAPT_LOW_CUTOFF (%.2f) must be below ADAPT_HIGH_CUTOFF (%.2f)", a.LowCutoff, a.HighCutoff)
	}
	if a.Step <= 0 || a.Step > 1 {
		return fmt.Errorf("ADAPT_STEP must be in (0, 1], got %.3f", a.Step)
	}
	if a.Min > 0 || a.Max < 0 || a.Min < -1 || a.Max > 1 {
		return fmt.Errorf("ADAPT_MIN/ADAPT_MAX must bracket zero within [-1, 1], got [%.2f, %.2f]", a.Min, a.Max)
	}
	if a.WindowDays < 1 {
		return fmt.Errorf("ADAPT_WINDOW_DAYS must be at least 1, got %d", a.WindowDays)
	}
	return nil
}

func checkUnit(name string, v float64) error {
	if v < 0 || v > 1 {
		return fmt.Errorf("%s must be in [0, 1], got %.3f", name, v)
	}
	return nil
}
