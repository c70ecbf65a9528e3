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

	"github.com/BTreeMap/MealPipe/internal/api"
	"github.com/BTreeMap/MealPipe/internal/genai"
	"github.com/BTreeMap/MealPipe/internal/messaging"
	"github.com/BTreeMap/MealPipe/internal/store"
	"github.com/BTreeMap/MealPipe/internal/util"
	"github.com/BTreeMap/MealPipe/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for MealPipe state data
	DefaultStateDir = "/var/lib/mealpipe"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultPlatform is the chat platform used when MESSAGING_PLATFORM is unset
	DefaultPlatform = PlatformWhatsApp
	// DefaultRateLimitRPS is the sustained per-chat event rate
	DefaultRateLimitRPS = 1.0
	// DefaultRateLimitBurst is the per-chat burst size
	DefaultRateLimitBurst = 5
)

// Supported chat platforms
const (
	PlatformWhatsApp = "whatsapp"
	PlatformTwilio   = "twilio"
	PlatformMemory   = "memory"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping MealPipe", "platform", *flags.platform, "state_dir", *flags.stateDir)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("MealPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("MealPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	LogLevel       string
	StateDir       string
	DatabaseURL    string
	RedisURL       string
	SessionTTL     time.Duration
	OpenAIKey      string
	OpenAIBaseURL  string
	OpenAIModel    string
	GenAITimeout   time.Duration
	GenAIDebug     bool
	PromptsFile    string
	GeoapifyKey    string
	Platform       string
	WhatsAppDSN    string
	TwilioSID      string
	TwilioToken    string
	TwilioFrom     string
	TwilioHookURL  string
	OAuthClientID  string
	OAuthSecret    string
	OAuthAuthURL   string
	OAuthTokenURL  string
	OAuthRedirect  string
	OAuthStateKey  string
	APIAddr        string
	RateLimitRPS   float64
	RateLimitBurst int
}

// Flags holds command line flag values
type Flags struct {
	qrOutput    *string
	numeric     *bool
	stateDir    *string
	dbDSN       *string
	redisURL    *string
	whatsappDSN *string
	openaiKey   *string
	apiAddr     *string
	platform    *string
	promptsFile *string
}

// initializeLogger sets up structured logging. MEALPIPE_LOG_LEVEL selects the level, debug by default.
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(os.Getenv("MEALPIPE_LOG_LEVEL"))}))
	slog.SetDefault(logger)
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelDebug
	}
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		LogLevel:       os.Getenv("MEALPIPE_LOG_LEVEL"),
		StateDir:       os.Getenv("MEALPIPE_STATE_DIR"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisURL:       os.Getenv("REDIS_URL"),
		SessionTTL:     util.ParseDurationEnv("SESSION_TTL", store.DefaultSessionTTL),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:    os.Getenv("OPENAI_MODEL"),
		GenAITimeout:   util.ParseDurationEnv("GENAI_TIMEOUT", genai.DefaultTimeout),
		GenAIDebug:     util.ParseBoolEnv("GENAI_DEBUG", false),
		PromptsFile:    os.Getenv("PROMPTS_FILE"),
		GeoapifyKey:    os.Getenv("GEOAPIFY_API_KEY"),
		Platform:       strings.ToLower(strings.TrimSpace(os.Getenv("MESSAGING_PLATFORM"))),
		WhatsAppDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		TwilioSID:      os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:    os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:     os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioHookURL:  os.Getenv("TWILIO_WEBHOOK_URL"),
		OAuthClientID:  os.Getenv("OAUTH_CLIENT_ID"),
		OAuthSecret:    os.Getenv("OAUTH_CLIENT_SECRET"),
		OAuthAuthURL:   os.Getenv("OAUTH_AUTH_URL"),
		OAuthTokenURL:  os.Getenv("OAUTH_TOKEN_URL"),
		OAuthRedirect:  os.Getenv("OAUTH_REDIRECT_URL"),
		OAuthStateKey:  os.Getenv("OAUTH_STATE_SECRET"),
		APIAddr:        os.Getenv("API_ADDR"),
		RateLimitRPS:   util.ParseFloatEnv("RATE_LIMIT_RPS", DefaultRateLimitRPS),
		RateLimitBurst: util.ParseIntEnv("RATE_LIMIT_BURST", DefaultRateLimitBurst),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No MEALPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.Platform == "" {
		config.Platform = DefaultPlatform
	}
	if config.WhatsAppDSN == "" {
		config.WhatsAppDSN = defaultWhatsAppDSN(config.StateDir)
		slog.Debug("No WHATSAPP_DB_DSN set, defaulting to SQLite in the state directory", "dsn", config.WhatsAppDSN)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}

	slog.Debug("environment variables loaded",
		"MEALPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"SESSION_TTL", config.SessionTTL,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_BASE_URL", config.OpenAIBaseURL,
		"GEOAPIFY_API_KEY_SET", config.GeoapifyKey != "",
		"MESSAGING_PLATFORM", config.Platform,
		"TWILIO_AUTH_TOKEN_SET", config.TwilioToken != "",
		"OAUTH_CONFIGURED", config.oauthConfigured(),
		"API_ADDR", config.APIAddr)

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// oauthConfigured reports whether enough OAuth settings are present to build login links.
func (c Config) oauthConfigured() bool {
	return c.OAuthClientID != "" && c.OAuthAuthURL != "" && c.OAuthTokenURL != "" && c.OAuthStateKey != ""
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:    flag.String("qr-output", "", "path to write login QR code"),
		numeric:     flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:    flag.String("state-dir", config.StateDir, "state directory for MealPipe data (overrides $MEALPIPE_STATE_DIR)"),
		dbDSN:       flag.String("db-dsn", config.DatabaseURL, "session database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_URL)"),
		redisURL:    flag.String("redis-url", config.RedisURL, "Redis URL for the session store (overrides $REDIS_URL)"),
		whatsappDSN: flag.String("whatsapp-db-dsn", config.WhatsAppDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:   flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:     flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		platform:    flag.String("platform", config.Platform, "chat platform: whatsapp, twilio or memory (overrides $MESSAGING_PLATFORM)"),
		promptsFile: flag.String("prompts-file", config.PromptsFile, "TOML file overriding the prompt templates (overrides $PROMPTS_FILE)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"redisURL_set", *flags.redisURL != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"platform", *flags.platform,
		"promptsFile", *flags.promptsFile)

	// Follow a state directory override unless the WhatsApp DSN was set explicitly.
	if *flags.whatsappDSN == defaultWhatsAppDSN(config.StateDir) && *flags.stateDir != config.StateDir {
		*flags.whatsappDSN = defaultWhatsAppDSN(*flags.stateDir)
		slog.Debug("Updated WhatsApp DSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config, flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	if lvl := strings.ToUpper(config.LogLevel); lvl != "" {
		waOpts = append(waOpts, whatsapp.WithLogLevel(lvl))
	}
	return waOpts
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(config Config, flags Flags) []store.Option {
	storeOpts := []store.Option{store.WithSessionTTL(config.SessionTTL)}
	switch {
	case *flags.redisURL != "":
		slog.Debug("Redis URL configured, using Redis session store")
		storeOpts = append(storeOpts, store.WithRedisURL(*flags.redisURL))
	case *flags.dbDSN == "":
		slog.Debug("No database DSN provided, will use in-memory store")
	case store.DetectDSNType(*flags.dbDSN) == "postgres":
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(config Config, flags Flags) []genai.Option {
	genaiOpts := []genai.Option{
		genai.WithTimeout(config.GenAITimeout),
		genai.WithDebugMode(config.GenAIDebug),
		genai.WithStateDir(*flags.stateDir),
	}
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if config.OpenAIBaseURL != "" {
		genaiOpts = append(genaiOpts, genai.WithBaseURL(config.OpenAIBaseURL))
	}
	if config.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.OpenAIModel))
	}
	return genaiOpts
}

// buildDispatcherOptions constructs the inbound dispatcher options
func buildDispatcherOptions(config Config) []messaging.DispatcherOption {
	return []messaging.DispatcherOption{
		messaging.WithRateLimit(config.RateLimitRPS, config.RateLimitBurst),
		messaging.WithHandlerTimeout(2*config.GenAITimeout + time.Minute),
	}
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}
