// Command NexusCoach runs the WhatsApp coaching bot: the dialogue runner, the
// chat transport, the monitoring session timers and the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/NexusCoach/internal/analysis"
	"github.com/BTreeMap/NexusCoach/internal/api"
	"github.com/BTreeMap/NexusCoach/internal/ephemeral"
	"github.com/BTreeMap/NexusCoach/internal/flow"
	"github.com/BTreeMap/NexusCoach/internal/lockfile"
	"github.com/BTreeMap/NexusCoach/internal/messaging"
	"github.com/BTreeMap/NexusCoach/internal/quota"
	"github.com/BTreeMap/NexusCoach/internal/recovery"
	"github.com/BTreeMap/NexusCoach/internal/scheduler"
	"github.com/BTreeMap/NexusCoach/internal/session"
	"github.com/BTreeMap/NexusCoach/internal/store"
	"github.com/BTreeMap/NexusCoach/internal/twiliowhatsapp"
	"github.com/BTreeMap/NexusCoach/internal/util"
	"github.com/BTreeMap/NexusCoach/internal/whatsapp"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for NexusCoach state data
	DefaultStateDir = "/var/lib/nexuscoach"
	// DefaultAppDBFileName is the default SQLite database filename
	DefaultAppDBFileName = "nexuscoach.db"
	// DefaultWhatsAppDBFileName is the whatsmeow device store filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"

	BackendWhatsApp = "whatsapp"
	BackendTwilio   = "twilio"

	ProviderOpenAI = "openai"
	ProviderGemini = "gemini"

	jobPollInterval = 5 * time.Second
)

// Config holds the resolved configuration. Environment variables provide
// the defaults and command line flags override them.
type Config struct {
	StateDir         string
	AppDBDSN         string
	WhatsAppDBDSN    string
	MessagingBackend string
	VisionProvider   string
	VisionModel      string
	OpenAIKey        string
	GeminiKey        string
	RedisURL         string
	APIAddr          string
	ViewerBaseURL    string
	EnrollmentCode   string
	CatalogPath      string
	LogLevel         string
	QuotaTimezone    string
	TwilioWebhookURL string

	FreeDailyMax          int
	PrivilegedDailyMax    int
	DefaultAlertThreshold int
	InboundWorkers        int
	ReminderInterval      time.Duration
	SessionGrace          time.Duration

	QROutput    string
	NumericCode bool
}

func main() {
	config := loadEnvironmentConfig()
	config, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		os.Exit(2)
	}
	initializeLogger(config.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping NexusCoach", "state_dir", config.StateDir, "backend", config.MessagingBackend, "vision", config.VisionProvider)
	if err := run(ctx, config); err != nil {
		slog.Error("NexusCoach failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("NexusCoach exited successfully")
}

// initializeLogger installs the default text logger at level.
func initializeLogger(level string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(level)}))
	slog.SetDefault(logger)
}

func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	limits := quota.DefaultLimits()
	config := Config{
		StateDir:         envOr("NEXUS_STATE_DIR", DefaultStateDir),
		AppDBDSN:         os.Getenv("DATABASE_URL"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		MessagingBackend: envOr("MESSAGING_BACKEND", BackendWhatsApp),
		VisionProvider:   os.Getenv("VISION_PROVIDER"),
		VisionModel:      os.Getenv("VISION_MODEL"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		GeminiKey:        os.Getenv("GEMINI_API_KEY"),
		RedisURL:         os.Getenv("REDIS_URL"),
		APIAddr:          envOr("API_ADDR", api.DefaultAddr),
		ViewerBaseURL:    envOr("VIEWER_BASE_URL", session.DefaultViewerBaseURL),
		EnrollmentCode:   os.Getenv("ENROLLMENT_CODE"),
		CatalogPath:      os.Getenv("CATALOG_PATH"),
		LogLevel:         envOr("LOG_LEVEL", "info"),
		QuotaTimezone:    os.Getenv("QUOTA_TIMEZONE"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		NumericCode:      util.ParseBoolEnv("WHATSAPP_NUMERIC_CODE", false),

		FreeDailyMax:          util.ParseIntEnv("FREE_DAILY_MAX", limits.FreeDailyMax),
		PrivilegedDailyMax:    util.ParseIntEnv("PRIVILEGED_DAILY_MAX", limits.PrivilegedDailyMax),
		DefaultAlertThreshold: util.ParseIntEnv("DEFAULT_ALERT_THRESHOLD", session.DefaultAlertThresholdSeconds),
		InboundWorkers:        util.ParseIntEnv("INBOUND_WORKERS", messaging.DefaultInboundWorkers),
		ReminderInterval:      util.ParseDurationEnv("REMINDER_INTERVAL", session.DefaultReminderInterval),
		SessionGrace:          util.ParseDurationEnv("SESSION_GRACE", session.DefaultGrace),
	}
	resolveDSNs(&config)
	return config
}

// resolveDSNs fills database locations left empty with files in the state directory.
func resolveDSNs(config *Config) {
	if config.AppDBDSN == "" {
		config.AppDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// parseCommandLineFlags parses args on fs with config as defaults.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Config, error) {
	envStateDir := config.StateDir
	defaultAppDSN := filepath.Join(envStateDir, DefaultAppDBFileName)

	fs.StringVar(&config.StateDir, "state-dir", config.StateDir, "state directory (overrides $NEXUS_STATE_DIR)")
	fs.StringVar(&config.AppDBDSN, "db-dsn", config.AppDBDSN, "application database DSN, SQLite path or Postgres URL (overrides $DATABASE_URL)")
	fs.StringVar(&config.WhatsAppDBDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&config.MessagingBackend, "backend", config.MessagingBackend, "messaging backend: whatsapp or twilio (overrides $MESSAGING_BACKEND)")
	fs.StringVar(&config.VisionProvider, "vision-provider", config.VisionProvider, "vision provider: openai or gemini (overrides $VISION_PROVIDER)")
	fs.StringVar(&config.VisionModel, "vision-model", config.VisionModel, "vision model name (overrides $VISION_MODEL)")
	fs.StringVar(&config.RedisURL, "redis-url", config.RedisURL, "Redis URL for ephemeral data; in-memory when empty (overrides $REDIS_URL)")
	fs.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&config.CatalogPath, "catalog", config.CatalogPath, "content catalog YAML; embedded default when empty (overrides $CATALOG_PATH)")
	fs.StringVar(&config.LogLevel, "log-level", config.LogLevel, "log level (overrides $LOG_LEVEL)")
	fs.StringVar(&config.QROutput, "qr-output", "", "path to write login QR code")
	fs.BoolVar(&config.NumericCode, "numeric-code", config.NumericCode, "use numeric login code instead of QR code (overrides $WHATSAPP_NUMERIC_CODE)")

	if err := fs.Parse(args); err != nil {
		return config, err
	}

	// Files that defaulted into the env state directory follow -state-dir.
	if config.StateDir != envStateDir {
		if config.AppDBDSN == defaultAppDSN {
			config.AppDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		}
		if config.WhatsAppDBDSN == "file:"+filepath.Join(envStateDir, DefaultWhatsAppDBFileName)+"?_foreign_keys=on" {
			config.WhatsAppDBDSN = "file:" + filepath.Join(config.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
		}
	}
	return config, nil
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(config Config) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDBDSN)}
	if config.QROutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(config.QROutput))
	}
	if config.NumericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	return waOpts
}

// buildSessionOptions constructs session manager options
func buildSessionOptions(config Config) []session.Option {
	return []session.Option{
		session.WithViewerBaseURL(config.ViewerBaseURL),
		session.WithReminderInterval(config.ReminderInterval),
		session.WithGrace(config.SessionGrace),
		session.WithDefaultAlertThreshold(config.DefaultAlertThreshold),
	}
}

// buildQuotaOptions constructs quota tracker options
func buildQuotaOptions(config Config) ([]quota.Option, error) {
	if config.QuotaTimezone == "" {
		return nil, nil
	}
	loc, err := time.LoadLocation(config.QuotaTimezone)
	if err != nil {
		return nil, fmt.Errorf("load quota timezone %q: %w", config.QuotaTimezone, err)
	}
	return []quota.Option{quota.WithLocation(loc)}, nil
}

// visionProvider picks the configured provider, or the one whose key is set.
func visionProvider(config Config) string {
	if config.VisionProvider != "" {
		return strings.ToLower(config.VisionProvider)
	}
	if config.OpenAIKey == "" && config.GeminiKey != "" {
		return ProviderGemini
	}
	return ProviderOpenAI
}

// buildGateway creates the analysis gateway for the configured provider.
func buildGateway(ctx context.Context, config Config) (analysis.Gateway, error) {
	switch p := visionProvider(config); p {
	case ProviderOpenAI:
		opts := []analysis.OpenAIOption{analysis.WithAPIKey(config.OpenAIKey)}
		if config.VisionModel != "" {
			opts = append(opts, analysis.WithModel(config.VisionModel))
		}
		return analysis.NewOpenAIGateway(opts...)
	case ProviderGemini:
		return analysis.NewGeminiGateway(ctx, config.GeminiKey, config.VisionModel)
	default:
		return nil, fmt.Errorf("unknown vision provider %q", p)
	}
}

// buildEphemeralStore returns Redis when configured, otherwise process memory.
func buildEphemeralStore(config Config) (ephemeral.Store, error) {
	if config.RedisURL == "" {
		slog.Info("No REDIS_URL set, keeping ephemeral data in memory")
		return ephemeral.NewMemoryStore(), nil
	}
	return ephemeral.NewRedisStore(ephemeral.WithURL(config.RedisURL))
}

// loadCatalog reads the content catalog, falling back to the embedded one.
func loadCatalog(config Config) (*flow.Catalog, error) {
	if config.CatalogPath == "" {
		return flow.DefaultCatalog()
	}
	return flow.LoadCatalog(config.CatalogPath)
}

// buildMessagingService connects the configured transport. The returned
// handler is the Twilio webhook, nil for WhatsApp.
func buildMessagingService(ctx context.Context, config Config) (messaging.Service, http.HandlerFunc, error) {
	switch strings.ToLower(config.MessagingBackend) {
	case BackendWhatsApp:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(config)...)
		if err != nil {
			return nil, nil, fmt.Errorf("whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	case BackendTwilio:
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, fmt.Errorf("twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if config.TwilioWebhookURL != "" {
			opts = append(opts, messaging.WithWebhookURL(config.TwilioWebhookURL))
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, svc.TwilioWebhookHandler, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging backend %q", config.MessagingBackend)
	}
}

// run wires every component and blocks until ctx is cancelled or one of the
// long-running loops fails.
func run(ctx context.Context, config Config) error {
	lock, err := lockfile.AcquireLock(config.StateDir)
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := store.Open(config.AppDBDSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	cache, err := buildEphemeralStore(config)
	if err != nil {
		return fmt.Errorf("ephemeral store: %w", err)
	}
	defer cache.Close()

	gateway, err := buildGateway(ctx, config)
	if err != nil {
		return fmt.Errorf("analysis gateway: %w", err)
	}
	catalog, err := loadCatalog(config)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	quotaOpts, err := buildQuotaOptions(config)
	if err != nil {
		return err
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	manager := session.NewManager(st, cache, sched, buildSessionOptions(config)...)

	svc, webhook, err := buildMessagingService(ctx, config)
	if err != nil {
		return err
	}

	engine := flow.NewEngine(catalog, flow.WithEnrollmentCode(config.EnrollmentCode))
	runner := flow.NewRunner(engine, flow.Deps{
		Conversations: st,
		Subjects:      st,
		Quota:         quota.NewTracker(st, quotaOpts...),
		Limits:        quota.Limits{FreeDailyMax: config.FreeDailyMax, PrivilegedDailyMax: config.PrivilegedDailyMax},
		Images:        cache,
		Gateway:       gateway,
		Sessions:      manager,
		Sender:        svc,
	})
	manager.SetNotifier(runner)

	jobs := store.NewJobRunner(st, jobPollInterval)
	session.RegisterJobHandlers(jobs, manager)
	if err := jobs.RecoverStaleJobs(ctx); err != nil {
		slog.Warn("Failed to recover stale jobs", "error", err)
	}

	rm := recovery.NewRecoveryManager(st, nil)
	rm.RegisterSessionRecovery(recovery.SessionRecoveryHandler(manager))
	rm.RegisterRecoverable(recovery.ActiveSessions{})
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start messaging: %w", err)
	}

	inbound := messaging.NewInboundProcessor(svc, runner, st, messaging.WithWorkers(config.InboundWorkers))
	apiOpts := []api.Option{api.WithAddr(config.APIAddr), api.WithCache(cache)}
	if webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(webhook))
	}
	server := api.NewServer(st, manager, apiOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		jobs.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return inbound.Run(gctx)
	})
	g.Go(func() error {
		return server.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		return svc.Stop()
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
