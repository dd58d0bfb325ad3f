package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/BTreeMap/SalonPipe/internal/api"
	"github.com/BTreeMap/SalonPipe/internal/dedup"
	"github.com/BTreeMap/SalonPipe/internal/flow"
	"github.com/BTreeMap/SalonPipe/internal/queue"
	"github.com/BTreeMap/SalonPipe/internal/ratelimit"
	"github.com/BTreeMap/SalonPipe/internal/tenant"
	"github.com/BTreeMap/SalonPipe/internal/tools"
	"github.com/BTreeMap/SalonPipe/internal/util"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for SalonPipe state data
	DefaultStateDir = "/var/lib/salonpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "salonpipe.db"
	// DefaultBookingBase is the default booking backend endpoint
	DefaultBookingBase = "https://api.salonbooking.example/v1"
	// DefaultTimezone is the local time zone of the salons
	DefaultTimezone = "Europe/Berlin"
)

func main() {
	initializeLogger("debug")

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping SalonPipe")
	if err := run(ctx, flags, config); err != nil {
		slog.Error("SalonPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("SalonPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL      string
	StateDir         string
	APIAddr          string
	VerifyToken      string
	AppSecret        string
	AdminToken       string
	WhatsAppAPIBase  string
	BookingAPIBase   string
	OpenAIBaseURL    string
	DefaultLLMModel  string
	SystemPromptFile string
	TenantsFile      string
	RedisURL         string
	Timezone         string
	LogLevel         string

	Workers          int
	QueueDepth       int
	DedupTTL         time.Duration
	DedupCapacity    int
	RateLimit        int
	RateWindow       time.Duration
	IterationTimeout time.Duration
	LLMTimeout       time.Duration
	ToolTimeout      time.Duration
	MaxIterations    int
	TokenBudget      int
	TenantRefresh    time.Duration
}

// Flags holds command line flag values
type Flags struct {
	stateDir     *string
	dbDSN        *string
	apiAddr      *string
	tenantsFile  *string
	systemPrompt *string
	redisURL     *string
	logLevel     *string
}

// initializeLogger sets up the process-wide structured logger.
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StateDir:         util.GetEnv("SALONPIPE_STATE_DIR", DefaultStateDir),
		APIAddr:          util.GetEnv("API_ADDR", api.DefaultAddr),
		VerifyToken:      os.Getenv("WHATSAPP_VERIFY_TOKEN"),
		AppSecret:        os.Getenv("WHATSAPP_APP_SECRET"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		WhatsAppAPIBase:  os.Getenv("WHATSAPP_API_BASE"),
		BookingAPIBase:   util.GetEnv("BOOKING_API_BASE", DefaultBookingBase),
		OpenAIBaseURL:    os.Getenv("OPENAI_BASE_URL"),
		DefaultLLMModel:  os.Getenv("DEFAULT_LLM_MODEL"),
		SystemPromptFile: os.Getenv("SYSTEM_PROMPT_FILE"),
		TenantsFile:      os.Getenv("TENANTS_FILE"),
		RedisURL:         os.Getenv("REDIS_URL"),
		Timezone:         util.GetEnv("TIMEZONE", DefaultTimezone),
		LogLevel:         util.GetEnv("LOG_LEVEL", "debug"),

		Workers:          util.ParseIntEnv("WORKERS", queue.DefaultWorkers),
		QueueDepth:       util.ParseIntEnv("QUEUE_DEPTH", queue.DefaultQueueDepth),
		DedupTTL:         util.ParseDurationEnv("DEDUP_TTL", dedup.DefaultTTL),
		DedupCapacity:    util.ParseIntEnv("DEDUP_CAPACITY", dedup.DefaultCapacity),
		RateLimit:        util.ParseIntEnv("RATE_LIMIT", ratelimit.DefaultLimit),
		RateWindow:       util.ParseDurationEnv("RATE_WINDOW", ratelimit.DefaultWindow),
		IterationTimeout: util.ParseDurationEnv("ITERATION_TIMEOUT", flow.DefaultIterationTimeout),
		LLMTimeout:       util.ParseDurationEnv("LLM_TIMEOUT", flow.DefaultLLMTimeout),
		ToolTimeout:      util.ParseDurationEnv("TOOL_TIMEOUT", tools.DefaultToolTimeout),
		MaxIterations:    util.ParseIntEnv("MAX_ITERATIONS", flow.DefaultMaxIterations),
		TokenBudget:      util.ParseIntEnv("HISTORY_TOKEN_BUDGET", flow.DefaultTokenBudget),
		TenantRefresh:    util.ParseDurationEnv("TENANT_REFRESH", tenant.DefaultRefreshInterval),
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"SALONPIPE_STATE_DIR", config.StateDir,
		"API_ADDR", config.APIAddr,
		"WHATSAPP_VERIFY_TOKEN_SET", config.VerifyToken != "",
		"WHATSAPP_APP_SECRET_SET", config.AppSecret != "",
		"ADMIN_TOKEN_SET", config.AdminToken != "",
		"BOOKING_API_BASE", config.BookingAPIBase,
		"REDIS_URL_SET", config.RedisURL != "",
		"TENANTS_FILE", config.TenantsFile,
		"TIMEZONE", config.Timezone)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		stateDir:     fs.String("state-dir", config.StateDir, "state directory for SalonPipe data (overrides $SALONPIPE_STATE_DIR)"),
		dbDSN:        fs.String("db-dsn", config.DatabaseURL, "PostgreSQL DSN or SQLite path (overrides $DATABASE_URL; default: SQLite in the state directory)"),
		apiAddr:      fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		tenantsFile:  fs.String("tenants-file", config.TenantsFile, "YAML tenant seed file (overrides $TENANTS_FILE)"),
		systemPrompt: fs.String("system-prompt-file", config.SystemPromptFile, "system prompt file (overrides $SYSTEM_PROMPT_FILE)"),
		redisURL:     fs.String("redis-url", config.RedisURL, "Redis URL for shared dedup and rate limiting (overrides $REDIS_URL)"),
		logLevel:     fs.String("log-level", config.LogLevel, "log level: debug, info, warn, error (overrides $LOG_LEVEL)"),
	}
	if err := fs.Parse(args); err != nil {
		slog.Warn("failed to parse flags", "error", err)
	}

	// Default to SQLite in the state directory when no DSN was given
	if *flags.dbDSN == "" {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"tenantsFile", *flags.tenantsFile,
		"systemPromptFile", *flags.systemPrompt,
		"redisURL_set", *flags.redisURL != "",
		"logLevel", *flags.logLevel)

	return flags
}

// loadLocation resolves the salon time zone, falling back to UTC.
func loadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(strings.TrimSpace(name))
	if err != nil {
		slog.Warn("invalid TIMEZONE, using UTC", "timezone", name, "error", err)
		return time.UTC
	}
	return loc
}
