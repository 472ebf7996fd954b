package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/fieldmed/triage/internal/shared/errors"
)

type Config struct {
	Server    ServerConfig
	Log       LogConfig
	LLM       LLMConfig
	Estimator EstimatorConfig
	Forecast  ForecastConfig
	Risk      RiskConfig
	Charts    ChartConfig

	// PolicyFile is an optional YAML file overlaying Estimator, Forecast and Risk
	PolicyFile string
}

type ServerConfig struct {
	Port int
	Env  string

	// MaxUploadBytes bounds the multipart body of one assessment request
	MaxUploadBytes int64
	RequestTimeout time.Duration

	// Per-IP inbound rate limiting
	RateLimitRPS   int
	RateLimitBurst int

	CORSAllowedOrigins []string
}

type LogConfig struct {
	// Level: debug, info, warn, error
	Level string
	// Format: json or text
	Format string
}

// LLMConfig holds configuration for the narrative synthesis backend.
type LLMConfig struct {
	// Provider: "openai" for any OpenAI-compatible endpoint, "template" for the offline generator
	Provider string
	BaseURL  string
	APIKey   string
	Model    string
	// OutputMode: "json_schema" (structured output), "json" (instructed JSON) or "text"
	OutputMode  string
	Temperature float64

	// Timeout applies to a single attempt; retries get a fresh timeout each
	Timeout       time.Duration
	MaxAttempts   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration

	// Client-side limit on calls to the shared endpoint
	RequestsPerSecond float64
	Burst             int

	// Optional attribution headers some gateways (OpenRouter) expect
	Referer string
	Title   string
}

// EstimatorConfig tunes the scan anomaly estimator.
type EstimatorConfig struct {
	// Kind: "threshold" or "mock"
	Kind string `yaml:"kind"`
	// Threshold is the normalised intensity (0-255) at or above which a pixel is anomalous
	Threshold int `yaml:"threshold"`
	// ROIMargin is the fraction of each border excluded from analysis
	ROIMargin float64 `yaml:"roi_margin"`
	// MaxDimension bounds the longer side of the analysed region
	MaxDimension int `yaml:"max_dimension"`
	// DetectionPercent is the volume above which an anomaly counts as detected
	DetectionPercent float64 `yaml:"detection_percent"`
	MockSeed         int64   `yaml:"mock_seed"`
}

// ForecastConfig tunes the vitals forecaster.
type ForecastConfig struct {
	// Kind: "arima" or "flat"
	Kind string `yaml:"kind"`
	// SignalColumn is the preferred CSV column; falls back to the first numeric column
	SignalColumn string `yaml:"signal_column"`
	MinLength    int    `yaml:"min_length"`
	Window       int    `yaml:"window"`
	Horizon      int    `yaml:"horizon"`
	AROrder      int    `yaml:"ar_order"`
	// TrendTolerance is the deviation from the historic mean still reported as stable
	TrendTolerance float64 `yaml:"trend_tolerance"`
	// DefaultRisk is the floor used when the series is too short to fit
	DefaultRisk string `yaml:"default_risk"`
}

// Ladder holds ascending cut-offs for MODERATE, HIGH and CRITICAL.
type Ladder struct {
	Moderate float64 `yaml:"moderate"`
	High     float64 `yaml:"high"`
	Critical float64 `yaml:"critical"`
}

// RiskConfig holds the escalation ladders. Either ladder can raise risk on its own.
type RiskConfig struct {
	Anomaly    Ladder `yaml:"anomaly"`
	Volatility Ladder `yaml:"volatility"`
}

type ChartConfig struct {
	Dir string
}

func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnvInt("SERVER_PORT", 8080),
			Env:                getEnv("ENV", "development"),
			MaxUploadBytes:     int64(getEnvInt("SERVER_MAX_UPLOAD_BYTES", 20*1024*1024)),
			RequestTimeout:     getEnvDuration("SERVER_REQUEST_TIMEOUT", 90*time.Second),
			RateLimitRPS:       getEnvInt("SERVER_RATE_LIMIT_RPS", 5),
			RateLimitBurst:     getEnvInt("SERVER_RATE_LIMIT_BURST", 10),
			CORSAllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		LLM: LLMConfig{
			Provider:          getEnv("LLM_PROVIDER", "openai"),
			BaseURL:           getEnv("LLM_BASE_URL", "https://openrouter.ai/api/v1"),
			APIKey:            getEnv("LLM_API_KEY", os.Getenv("OPENAI_API_KEY")),
			Model:             getEnv("LLM_MODEL", "openai/gpt-4o-mini"),
			OutputMode:        getEnv("LLM_OUTPUT_MODE", "json_schema"),
			Temperature:       getEnvFloat("LLM_TEMPERATURE", 0.2),
			Timeout:           getEnvDuration("LLM_TIMEOUT", 30*time.Second),
			MaxAttempts:       getEnvInt("LLM_MAX_ATTEMPTS", 3),
			RetryDelay:        getEnvDuration("LLM_RETRY_DELAY", 500*time.Millisecond),
			MaxRetryDelay:     getEnvDuration("LLM_MAX_RETRY_DELAY", 5*time.Second),
			RequestsPerSecond: getEnvFloat("LLM_REQUESTS_PER_SECOND", 2),
			Burst:             getEnvInt("LLM_BURST", 4),
			Referer:           getEnv("LLM_REFERER", ""),
			Title:             getEnv("LLM_TITLE", "TBI Field Triage"),
		},
		Estimator: EstimatorConfig{
			Kind:             getEnv("ESTIMATOR_KIND", "threshold"),
			Threshold:        getEnvInt("ESTIMATOR_THRESHOLD", 200),
			ROIMargin:        getEnvFloat("ESTIMATOR_ROI_MARGIN", 0.1),
			MaxDimension:     getEnvInt("ESTIMATOR_MAX_DIMENSION", 256),
			DetectionPercent: getEnvFloat("ESTIMATOR_DETECTION_PERCENT", 0.1),
			MockSeed:         int64(getEnvInt("ESTIMATOR_MOCK_SEED", 0)),
		},
		Forecast: ForecastConfig{
			Kind:           getEnv("FORECASTER_KIND", "arima"),
			SignalColumn:   getEnv("FORECASTER_SIGNAL_COLUMN", "heart_rate"),
			MinLength:      getEnvInt("FORECASTER_MIN_LENGTH", 10),
			Window:         getEnvInt("FORECASTER_WINDOW", 100),
			Horizon:        getEnvInt("FORECASTER_HORIZON", 48),
			AROrder:        getEnvInt("FORECASTER_AR_ORDER", 2),
			TrendTolerance: getEnvFloat("FORECASTER_TREND_TOLERANCE", 1.0),
			DefaultRisk:    getEnv("FORECASTER_DEFAULT_RISK", "MODERATE"),
		},
		Risk: DefaultRisk(),
		Charts: ChartConfig{
			Dir: getEnv("CHART_DIR", "charts"),
		},
		PolicyFile: getEnv("PIPELINE_POLICY_FILE", ""),
	}

	if cfg.PolicyFile != "" {
		if err := LoadPolicyFile(cfg.PolicyFile, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultRisk returns the reference escalation ladders.
func DefaultRisk() RiskConfig {
	return RiskConfig{
		Anomaly: Ladder{
			Moderate: getEnvFloat("RISK_ANOMALY_MODERATE", 5),
			High:     getEnvFloat("RISK_ANOMALY_HIGH", 25),
			Critical: getEnvFloat("RISK_ANOMALY_CRITICAL", 40),
		},
		Volatility: Ladder{
			Moderate: getEnvFloat("RISK_VOLATILITY_MODERATE", 1),
			High:     getEnvFloat("RISK_VOLATILITY_HIGH", 5),
			Critical: getEnvFloat("RISK_VOLATILITY_CRITICAL", 10),
		},
	}
}

// Validate reports configuration that would make the pipeline unsound.
// Every failure is a contract error: the process must not start with it.
func (c *Config) Validate() error {
	if err := c.Risk.Anomaly.Validate("risk.anomaly"); err != nil {
		return err
	}
	if err := c.Risk.Volatility.Validate("risk.volatility"); err != nil {
		return err
	}

	switch c.Estimator.Kind {
	case "threshold", "mock":
	default:
		return apperrors.Contract(fmt.Sprintf("unknown estimator kind %q", c.Estimator.Kind), nil)
	}
	if c.Estimator.Threshold < 1 || c.Estimator.Threshold > 255 {
		return apperrors.Contract("estimator.threshold must be within 1..255", nil)
	}
	if c.Estimator.ROIMargin < 0 || c.Estimator.ROIMargin >= 0.5 {
		return apperrors.Contract("estimator.roi_margin must be within [0, 0.5)", nil)
	}
	if c.Estimator.MaxDimension < 8 {
		return apperrors.Contract("estimator.max_dimension must be at least 8", nil)
	}

	switch c.Forecast.Kind {
	case "arima", "flat":
	default:
		return apperrors.Contract(fmt.Sprintf("unknown forecaster kind %q", c.Forecast.Kind), nil)
	}
	if c.Forecast.AROrder < 1 {
		return apperrors.Contract("forecast.ar_order must be at least 1", nil)
	}
	// ARIMA(p,1,0) needs more regression rows than parameters
	if c.Forecast.MinLength < 2*c.Forecast.AROrder+3 {
		return apperrors.Contract(fmt.Sprintf("forecast.min_length must be at least %d for ar_order %d",
			2*c.Forecast.AROrder+3, c.Forecast.AROrder), nil)
	}
	if c.Forecast.Window < c.Forecast.MinLength {
		return apperrors.Contract("forecast.window must not be smaller than forecast.min_length", nil)
	}
	if c.Forecast.Horizon < 1 {
		return apperrors.Contract("forecast.horizon must be positive", nil)
	}
	switch c.Forecast.DefaultRisk {
	case "LOW", "MODERATE", "HIGH", "CRITICAL":
	default:
		return apperrors.Contract(fmt.Sprintf("unknown forecast.default_risk %q", c.Forecast.DefaultRisk), nil)
	}

	switch c.LLM.Provider {
	case "openai", "template":
	default:
		return apperrors.Contract(fmt.Sprintf("unknown LLM provider %q", c.LLM.Provider), nil)
	}
	switch c.LLM.OutputMode {
	case "json_schema", "json", "text":
	default:
		return apperrors.Contract(fmt.Sprintf("unknown LLM output mode %q", c.LLM.OutputMode), nil)
	}
	if c.LLM.MaxAttempts < 1 {
		return apperrors.Contract("LLM max attempts must be at least 1", nil)
	}
	if c.LLM.Timeout <= 0 {
		return apperrors.Contract("LLM timeout must be positive", nil)
	}

	return nil
}

// Validate checks that the cut-offs are non-negative and ascending.
func (l Ladder) Validate(name string) error {
	if l.Moderate < 0 {
		return apperrors.Contract(name+" cut-offs must not be negative", nil)
	}
	if l.Moderate > l.High || l.High > l.Critical {
		return apperrors.Contract(fmt.Sprintf("%s cut-offs must ascend (moderate %.2f, high %.2f, critical %.2f)",
			name, l.Moderate, l.High, l.Critical), nil)
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				result = append(result, v)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
