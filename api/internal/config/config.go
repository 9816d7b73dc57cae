package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Port       string `yaml:"port"`
	AdminAddr  string `yaml:"admin_addr"`
	AdminToken string `yaml:"admin_token"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	RateLimitWindow    time.Duration `yaml:"rate_limit_window"`
	MaxRequests        int           `yaml:"max_requests_per_minute"`
	RateLimitBackend   string        `yaml:"rate_limit_backend"`
	BlacklistThreshold int           `yaml:"blacklist_threshold"`
	RetentionHorizon   time.Duration `yaml:"retention_horizon"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`

	TrustProxyHeaders      bool `yaml:"trust_proxy_headers"`
	BlockScannerUserAgents bool `yaml:"block_scanner_user_agents"`

	ClassifierProvider   string        `yaml:"classifier_provider"`
	ClassifierTimeout    time.Duration `yaml:"classifier_timeout"`
	ClassifierQPS        float64       `yaml:"classifier_qps"`
	ClassifierBurst      int           `yaml:"classifier_burst"`
	GeminiAPIKey         string        `yaml:"gemini_api_key"`
	GeminiSafetyModel    string        `yaml:"gemini_safety_model"`
	GeminiRelevanceModel string        `yaml:"gemini_relevance_model"`
	OpenAIAPIKey         string        `yaml:"openai_api_key"`
	OpenAIBaseURL        string        `yaml:"openai_base_url"`
	OpenAISafetyModel    string        `yaml:"openai_safety_model"`
	OpenAIRelevanceModel string        `yaml:"openai_relevance_model"`
	GroqAPIKey           string        `yaml:"groq_api_key"`
	GroqSafetyModel      string        `yaml:"groq_safety_model"`
	GroqRelevanceModel   string        `yaml:"groq_relevance_model"`
	PromptDir            string        `yaml:"prompt_dir"`
	ServiceDomain        string        `yaml:"service_domain"`

	TutorModel   string        `yaml:"tutor_model"`
	TutorTimeout time.Duration `yaml:"tutor_timeout"`

	MaxConcurrentRequests int   `yaml:"max_concurrent_requests"`
	ImageWorkers          int   `yaml:"image_workers"`
	ClassifierWorkers     int   `yaml:"classifier_workers"`
	MaxImageBytes         int64 `yaml:"max_image_bytes"`

	DatabaseURL   string `yaml:"database_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	TelegramBotToken    string `yaml:"telegram_bot_token"`
	TelegramAdminChatID int64  `yaml:"telegram_admin_chat_id"`
}

// Defaults returns the configuration used when neither the file nor the environment set a value.
func Defaults() *Config {
	return &Config{
		Port:                  "8080",
		AdminAddr:             "127.0.0.1:9090",
		LogLevel:              "info",
		LogFormat:             "json",
		RateLimitWindow:       60 * time.Second,
		MaxRequests:           20,
		RateLimitBackend:      "memory",
		BlacklistThreshold:    5,
		SweepInterval:         10 * time.Minute,
		ClassifierProvider:    "gemini",
		ClassifierTimeout:     8 * time.Second,
		ClassifierQPS:         10,
		ClassifierBurst:       20,
		GeminiSafetyModel:     "gemini-2.5-flash-lite",
		GeminiRelevanceModel:  "gemini-2.5-flash-lite",
		OpenAIBaseURL:         "https://api.openai.com/v1",
		OpenAISafetyModel:     "gpt-4o-mini",
		OpenAIRelevanceModel:  "gpt-4o-mini",
		GroqSafetyModel:       "meta-llama/llama-guard-4-12b",
		GroqRelevanceModel:    "llama-3.1-8b-instant",
		ServiceDomain:         "Mahjong (the tile-based game): rules, strategy, scoring, hand analysis and the NMJL card",
		TutorModel:            "gemini-2.5-flash",
		TutorTimeout:          60 * time.Second,
		MaxConcurrentRequests: 64,
		ImageWorkers:          runtime.GOMAXPROCS(0),
		ClassifierWorkers:     32,
		MaxImageBytes:         10 << 20,
	}
}

// Load reads CONFIG_FILE (optional YAML) and then the environment; env wins.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	var errs []error

	c.Port = getEnv("PORT", c.Port)
	c.AdminAddr = getEnv("ADMIN_ADDR", c.AdminAddr)
	c.AdminToken = getEnv("ADMIN_TOKEN", c.AdminToken)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)

	c.RateLimitWindow = getDuration("RATE_LIMIT_WINDOW", c.RateLimitWindow, &errs)
	c.MaxRequests = getInt("MAX_REQUESTS_PER_MINUTE", c.MaxRequests, &errs)
	c.RateLimitBackend = strings.ToLower(getEnv("RATE_LIMIT_BACKEND", c.RateLimitBackend))
	c.BlacklistThreshold = getInt("BLACKLIST_THRESHOLD", c.BlacklistThreshold, &errs)
	c.RetentionHorizon = getDuration("RETENTION_HORIZON", c.RetentionHorizon, &errs)
	c.SweepInterval = getDuration("SWEEP_INTERVAL", c.SweepInterval, &errs)
	c.TrustProxyHeaders = getBool("TRUST_PROXY_HEADERS", c.TrustProxyHeaders, &errs)
	c.BlockScannerUserAgents = getBool("BLOCK_SCANNER_USER_AGENTS", c.BlockScannerUserAgents, &errs)

	c.ClassifierProvider = strings.ToLower(getEnv("CLASSIFIER_PROVIDER", c.ClassifierProvider))
	c.ClassifierTimeout = getDuration("CLASSIFIER_TIMEOUT", c.ClassifierTimeout, &errs)
	c.ClassifierQPS = getFloat("CLASSIFIER_QPS", c.ClassifierQPS, &errs)
	c.ClassifierBurst = getInt("CLASSIFIER_BURST", c.ClassifierBurst, &errs)
	c.GeminiAPIKey = getEnv("GEMINI_API_KEY", c.GeminiAPIKey)
	c.GeminiSafetyModel = getEnv("GEMINI_SAFETY_MODEL", c.GeminiSafetyModel)
	c.GeminiRelevanceModel = getEnv("GEMINI_RELEVANCE_MODEL", c.GeminiRelevanceModel)
	c.OpenAIAPIKey = getEnv("OPENAI_API_KEY", c.OpenAIAPIKey)
	c.OpenAIBaseURL = getEnv("OPENAI_BASE_URL", c.OpenAIBaseURL)
	c.OpenAISafetyModel = getEnv("OPENAI_SAFETY_MODEL", c.OpenAISafetyModel)
	c.OpenAIRelevanceModel = getEnv("OPENAI_RELEVANCE_MODEL", c.OpenAIRelevanceModel)
	c.GroqAPIKey = getEnv("GROQ_API_KEY", c.GroqAPIKey)
	c.GroqSafetyModel = getEnv("GROQ_SAFETY_MODEL", c.GroqSafetyModel)
	c.GroqRelevanceModel = getEnv("GROQ_RELEVANCE_MODEL", c.GroqRelevanceModel)
	c.PromptDir = getEnv("PROMPT_DIR", c.PromptDir)
	c.ServiceDomain = getEnv("SERVICE_DOMAIN", c.ServiceDomain)

	c.TutorModel = getEnv("TUTOR_MODEL", c.TutorModel)
	c.TutorTimeout = getDuration("TUTOR_TIMEOUT", c.TutorTimeout, &errs)

	c.MaxConcurrentRequests = getInt("MAX_CONCURRENT_REQUESTS", c.MaxConcurrentRequests, &errs)
	c.ImageWorkers = getInt("IMAGE_WORKERS", c.ImageWorkers, &errs)
	c.ClassifierWorkers = getInt("CLASSIFIER_WORKERS", c.ClassifierWorkers, &errs)
	c.MaxImageBytes = int64(getInt("MAX_IMAGE_BYTES", int(c.MaxImageBytes), &errs))

	if dsn := resolveDSN(); dsn != "" {
		c.DatabaseURL = dsn
	}
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = getInt("REDIS_DB", c.RedisDB, &errs)

	c.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", c.TelegramBotToken)
	if v := strings.TrimSpace(os.Getenv("TELEGRAM_ADMIN_CHAT_ID")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("TELEGRAM_ADMIN_CHAT_ID: %w", err))
		} else {
			c.TelegramAdminChatID = id
		}
	}

	return errors.Join(errs...)
}

// Validate checks ranges and cross-field requirements.
func (c *Config) Validate() error {
	var errs []error
	if c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_WINDOW must be > 0"))
	}
	if c.MaxRequests <= 0 {
		errs = append(errs, errors.New("MAX_REQUESTS_PER_MINUTE must be > 0"))
	}
	if c.BlacklistThreshold <= 0 {
		errs = append(errs, errors.New("BLACKLIST_THRESHOLD must be > 0"))
	}
	if c.RetentionHorizon < 0 {
		errs = append(errs, errors.New("RETENTION_HORIZON must be >= 0"))
	}
	if c.RetentionHorizon > 0 && c.RetentionHorizon < c.RateLimitWindow {
		errs = append(errs, errors.New("RETENTION_HORIZON must not be shorter than RATE_LIMIT_WINDOW"))
	}
	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			errs = append(errs, errors.New("RATE_LIMIT_BACKEND=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend))
	}
	switch c.ClassifierProvider {
	case "gemini":
		if c.GeminiAPIKey == "" {
			errs = append(errs, errors.New("missing required env GEMINI_API_KEY"))
		}
	case "openai":
		if c.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("missing required env OPENAI_API_KEY"))
		}
	case "groq":
		if c.GroqAPIKey == "" {
			errs = append(errs, errors.New("missing required env GROQ_API_KEY"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown CLASSIFIER_PROVIDER %q", c.ClassifierProvider))
	}
	if c.ClassifierTimeout <= 0 {
		errs = append(errs, errors.New("CLASSIFIER_TIMEOUT must be > 0"))
	}
	if c.MaxConcurrentRequests <= 0 || c.ImageWorkers <= 0 || c.ClassifierWorkers <= 0 {
		errs = append(errs, errors.New("worker pool sizes must be > 0"))
	}
	if c.MaxImageBytes <= 0 {
		errs = append(errs, errors.New("MAX_IMAGE_BYTES must be > 0"))
	}
	if c.TelegramBotToken != "" && c.TelegramAdminChatID == 0 {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN requires TELEGRAM_ADMIN_CHAT_ID"))
	}
	return errors.Join(errs...)
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return n
}

func getFloat(k string, def float64, errs *[]error) float64 {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return f
}

func getBool(k string, def bool, errs *[]error) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return b
}

// getDuration accepts Go durations ("90s") and bare integers as seconds ("60").
func getDuration(k string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", k, err))
		return def
	}
	return d
}

// resolveDSN prefers DATABASE_URL; otherwise builds one from POSTGRES_*/PG* when a password is set.
func resolveDSN() string {
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		return v
	}
	pass := os.Getenv("POSTGRES_PASSWORD")
	if pass == "" {
		return ""
	}
	user := getEnv("POSTGRES_USER", "tutorgate")
	host := getEnv("PGHOST", "db")
	port := getEnv("PGPORT", "5432")
	db := getEnv("POSTGRES_DB", "tutorgate")

	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(user, pass),
		Host:     net.JoinHostPort(host, port),
		Path:     "/" + db,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// SafeDSNSummary renders a DSN without the password, for logs.
func SafeDSNSummary(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "dsn: parse error"
	}
	user := u.User.Username()
	host := u.Host
	port := ""
	if h, p, err := net.SplitHostPort(u.Host); err == nil {
		host, port = h, p
	}
	db := strings.TrimPrefix(u.Path, "/")
	if port == "" {
		return fmt.Sprintf("host=%s db=%s user=%s", host, db, user)
	}
	return fmt.Sprintf("host=%s port=%s db=%s user=%s", host, port, db, user)
}
