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

	"github.com/joho/godotenv"

	"github.com/BTreeMap/IntakeLine/internal/api"
	"github.com/BTreeMap/IntakeLine/internal/call"
	"github.com/BTreeMap/IntakeLine/internal/events"
	"github.com/BTreeMap/IntakeLine/internal/genai"
	"github.com/BTreeMap/IntakeLine/internal/intake"
	"github.com/BTreeMap/IntakeLine/internal/lockfile"
	"github.com/BTreeMap/IntakeLine/internal/messaging"
	"github.com/BTreeMap/IntakeLine/internal/realtime"
	"github.com/BTreeMap/IntakeLine/internal/scoring"
	"github.com/BTreeMap/IntakeLine/internal/store"
	"github.com/BTreeMap/IntakeLine/internal/telephony"
	"github.com/BTreeMap/IntakeLine/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for IntakeLine state data
	DefaultStateDir = "/var/lib/intakeline"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "intakeline.db"
	// DefaultScoringTimeout bounds one remote scoring request
	DefaultScoringTimeout = 8 * time.Second
)

func main() {
	initializeLogger(os.Getenv("LOG_LEVEL"))

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping IntakeLine")
	if err := run(ctx, config, flags); err != nil {
		slog.Error("IntakeLine failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("IntakeLine exited successfully")
}

// Config holds environment configuration
type Config struct {
	APIAddr          string
	PublicBaseURL    string
	DatabaseURL      string
	StateDir         string
	OpenAIKey        string
	RealtimeModel    string
	RealtimeURL      string
	RealtimeVoice    string
	SummaryModel     string
	TwilioSID        string
	TwilioToken      string
	TwilioFrom       string
	ValidateSig      bool
	TransferNumber   string
	SMSEnabled       bool
	OfficeName       string
	ScoringURL       string
	ScoringKey       string
	ScoringTimeout   time.Duration
	ScoringFallback  bool
	EmailURL         string
	EmailKey         string
	EmailFrom        string
	StaffEmail       string
	RedisURL         string
	SilenceFirst     time.Duration
	SilenceReprompt  time.Duration
	MaxReprompts     int
	VoicemailMessage string
}

// Flags holds command line flag values
type Flags struct {
	stateDir   *string
	dbDSN      *string
	openaiKey  *string
	apiAddr    *string
	publicURL  *string
	redisURL   *string
	scoringURL *string
	smsEnabled *bool
}

// initializeLogger sets up structured logging. The level defaults to debug.
func initializeLogger(level string) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		lvl = slog.LevelInfo
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
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
		APIAddr:          os.Getenv("API_ADDR"),
		PublicBaseURL:    os.Getenv("PUBLIC_BASE_URL"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		StateDir:         os.Getenv("INTAKELINE_STATE_DIR"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		RealtimeModel:    os.Getenv("OPENAI_REALTIME_MODEL"),
		RealtimeURL:      os.Getenv("OPENAI_REALTIME_URL"),
		RealtimeVoice:    os.Getenv("OPENAI_REALTIME_VOICE"),
		SummaryModel:     os.Getenv("OPENAI_SUMMARY_MODEL"),
		TwilioSID:        os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioToken:      os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		ValidateSig:      util.ParseBoolEnv("TWILIO_VALIDATE_SIGNATURE", true),
		TransferNumber:   os.Getenv("TRANSFER_NUMBER"),
		SMSEnabled:       util.ParseBoolEnv("SMS_ENABLED", false),
		OfficeName:       os.Getenv("OFFICE_NAME"),
		ScoringURL:       os.Getenv("SCORING_API_URL"),
		ScoringKey:       os.Getenv("SCORING_API_KEY"),
		ScoringTimeout:   util.ParseDurationEnv("SCORING_TIMEOUT", DefaultScoringTimeout),
		ScoringFallback:  util.ParseBoolEnv("SCORING_FALLBACK_ENABLED", true),
		EmailURL:         os.Getenv("EMAIL_API_URL"),
		EmailKey:         os.Getenv("EMAIL_API_KEY"),
		EmailFrom:        os.Getenv("EMAIL_FROM"),
		StaffEmail:       os.Getenv("STAFF_EMAIL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		SilenceFirst:     util.ParseDurationEnv("SILENCE_FIRST_TIMEOUT", realtime.DefaultSilenceFirst),
		SilenceReprompt:  util.ParseDurationEnv("SILENCE_REPROMPT_TIMEOUT", realtime.DefaultSilenceReprompt),
		MaxReprompts:     util.ParseIntEnv("SILENCE_MAX_REPROMPTS", realtime.DefaultMaxReprompts),
		VoicemailMessage: os.Getenv("VOICEMAIL_MESSAGE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No INTAKELINE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.OfficeName == "" {
		config.OfficeName = "our office"
	}

	slog.Debug("environment variables loaded",
		"API_ADDR", config.APIAddr,
		"PUBLIC_BASE_URL", config.PublicBaseURL,
		"INTAKELINE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"TWILIO_ACCOUNT_SID_SET", config.TwilioSID != "",
		"TWILIO_VALIDATE_SIGNATURE", config.ValidateSig,
		"TRANSFER_NUMBER_SET", config.TransferNumber != "",
		"SMS_ENABLED", config.SMSEnabled,
		"SCORING_API_URL_SET", config.ScoringURL != "",
		"EMAIL_API_URL_SET", config.EmailURL != "",
		"REDIS_URL_SET", config.RedisURL != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		stateDir:   flag.String("state-dir", config.StateDir, "state directory for IntakeLine data (overrides $INTAKELINE_STATE_DIR)"),
		dbDSN:      flag.String("db-dsn", config.DatabaseURL, "database DSN, a PostgreSQL URL or SQLite path (overrides $DATABASE_URL)"),
		openaiKey:  flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:    flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		publicURL:  flag.String("public-url", config.PublicBaseURL, "public https base URL of this server (overrides $PUBLIC_BASE_URL)"),
		redisURL:   flag.String("redis-url", config.RedisURL, "Redis URL for the live call feed (overrides $REDIS_URL)"),
		scoringURL: flag.String("scoring-url", config.ScoringURL, "remote scoring API URL (overrides $SCORING_API_URL)"),
		smsEnabled: flag.Bool("sms", config.SMSEnabled, "send consented caller confirmation texts (overrides $SMS_ENABLED)"),
	}

	flag.Parse()

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"publicURL", *flags.publicURL,
		"redisURL_set", *flags.redisURL != "",
		"scoringURL_set", *flags.scoringURL != "",
		"smsEnabled", *flags.smsEnabled)

	// Follow an overridden state directory when the DSN is the default SQLite file.
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	if *flags.dbDSN == defaultDSN && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	return flags
}

// ensureDirectoriesExist creates necessary directories for file-based storage
func ensureDirectoriesExist(flags Flags) error {
	if *flags.dbDSN == "" || store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	stateDir := filepath.Dir(*flags.dbDSN)
	slog.Debug("Creating state directory for file-based database", "state_dir", stateDir)
	if err := os.MkdirAll(stateDir, store.DefaultDirPermissions); err != nil {
		slog.Error("Failed to create state directory", "error", err, "state_dir", stateDir)
		return err
	}
	return nil
}

// run wires every module and serves until ctx is cancelled.
func run(ctx context.Context, config Config, flags Flags) error {
	if *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		lock, err := lockfile.Acquire(filepath.Dir(*flags.dbDSN))
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := store.Open(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	publisher := buildPublisher(ctx, *flags.redisURL)
	if closer, ok := publisher.(*events.RedisPublisher); ok {
		defer closer.Close()
	}

	var calls api.CallServer
	tracker := call.NewTracker()
	if *flags.openaiKey != "" {
		engine := scoring.NewEngine()
		orch := call.NewOrchestrator(
			call.WithRealtimeConfig(buildRealtimeConfig(config, *flags.openaiKey)),
			call.WithEngine(engine),
			call.WithScorer(buildScorer(config, *flags.scoringURL, engine)),
			call.WithEffects(buildEffects(config, *flags.openaiKey, *flags.smsEnabled, st)...),
			call.WithController(buildCallController(config, *flags.publicURL)),
			call.WithPublisher(publisher),
			call.WithTracker(tracker),
		)
		calls = orch
	} else {
		slog.Warn("OPENAI_API_KEY not set, incoming calls go to voicemail")
	}

	server := api.NewServer(calls, tracker, st, buildAPIOptions(config, flags)...)
	return server.Run(ctx)
}

// buildRealtimeConfig constructs the speech session settings
func buildRealtimeConfig(config Config, apiKey string) realtime.Config {
	cfg := realtime.DefaultConfig()
	cfg.APIKey = apiKey
	if config.RealtimeURL != "" {
		cfg.URL = config.RealtimeURL
	}
	if config.RealtimeModel != "" {
		cfg.Model = config.RealtimeModel
	}
	if config.RealtimeVoice != "" {
		cfg.Voice = config.RealtimeVoice
	}
	cfg.SilenceFirstTimeout = config.SilenceFirst
	cfg.SilenceRepromptTimeout = config.SilenceReprompt
	cfg.MaxReprompts = config.MaxReprompts
	return cfg
}

// buildScorer picks the local engine or a remote scorer with local fallback
func buildScorer(config Config, scoringURL string, engine *scoring.Engine) scoring.Scorer {
	local := scoring.NewLocalScorer(engine)
	if scoringURL == "" {
		slog.Debug("No scoring API configured, using local engine")
		return local
	}
	remote := scoring.NewRemoteScorer(scoringURL,
		scoring.WithAPIKey(config.ScoringKey),
		scoring.WithTimeout(config.ScoringTimeout))
	slog.Debug("Remote scoring configured", "fallback", config.ScoringFallback, "timeout", config.ScoringTimeout)
	return scoring.NewFallbackScorer(remote, local, config.ScoringFallback)
}

// buildEffects assembles the post-finalize effects in run order
func buildEffects(config Config, openaiKey string, smsEnabled bool, st store.Store) []intake.Effect {
	effects := []intake.Effect{intake.PersistEffect(st)}

	var sender messaging.SMSSender
	if smsEnabled {
		s, err := messaging.NewTwilioSMSSender(
			messaging.WithAccountSID(config.TwilioSID),
			messaging.WithAuthToken(config.TwilioToken),
			messaging.WithFromNumber(config.TwilioFrom))
		if err != nil {
			slog.Warn("SMS enabled but Twilio is not configured, texts disabled", "error", err)
			smsEnabled = false
		} else {
			sender = s
		}
	}
	sms := messaging.NewSMSNotifier(sender,
		messaging.WithSMSEnabled(smsEnabled),
		messaging.WithSMSLedger(st),
		messaging.WithOfficeName(config.OfficeName))
	effects = append(effects, intake.NotifyEffect(messaging.KindSMSCaller, sms.Effect))

	if config.EmailURL == "" {
		slog.Debug("No email API configured, email notifications disabled")
		return effects
	}
	emailOpts := []messaging.EmailOption{
		messaging.WithEmailFrom(config.EmailFrom),
		messaging.WithStaffEmail(config.StaffEmail),
		messaging.WithEmailLedger(st),
		messaging.WithEmailOfficeName(config.OfficeName),
	}
	var genaiOpts []genai.Option
	genaiOpts = append(genaiOpts, genai.WithAPIKey(openaiKey))
	if config.SummaryModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(config.SummaryModel))
	}
	if summarizer, err := genai.NewClient(genaiOpts...); err != nil {
		slog.Warn("Call summaries disabled", "error", err)
	} else {
		emailOpts = append(emailOpts, messaging.WithSummarizer(summarizer))
	}
	email := messaging.NewEmailNotifier(messaging.NewHTTPEmailSender(config.EmailURL, config.EmailKey, nil), emailOpts...)
	return append(effects,
		intake.NotifyEffect(messaging.KindEmailStaff, email.StaffEffect),
		intake.NotifyEffect(messaging.KindEmailCaller, email.CallerEffect))
}

// buildCallController returns the REST controller, or nil when Twilio credentials are absent
func buildCallController(config Config, publicURL string) telephony.CallController {
	ctrl, err := telephony.NewTwilioCallController(
		telephony.WithCredentials(config.TwilioSID, config.TwilioToken),
		telephony.WithTransferNumber(config.TransferNumber),
		telephony.WithVoicemail(config.VoicemailMessage, strings.TrimRight(publicURL, "/")+api.RecordingPath))
	if err != nil {
		slog.Warn("Twilio REST control disabled, calls end when the stream closes", "error", err)
		return nil
	}
	return ctrl
}

// buildPublisher connects the live feed, falling back to a no-op publisher
func buildPublisher(ctx context.Context, redisURL string) events.Publisher {
	if redisURL == "" {
		return events.NopPublisher{}
	}
	p, err := events.NewRedisPublisher(ctx, redisURL)
	if err != nil {
		slog.Warn("Redis unavailable, live call feed disabled", "error", err)
		return events.NopPublisher{}
	}
	return p
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(config Config, flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	if *flags.publicURL != "" {
		apiOpts = append(apiOpts, api.WithPublicBaseURL(*flags.publicURL))
	}
	if config.ValidateSig {
		if config.TwilioToken == "" {
			slog.Warn("TWILIO_VALIDATE_SIGNATURE is on but TWILIO_AUTH_TOKEN is empty, webhooks are not validated")
		}
		apiOpts = append(apiOpts, api.WithSignatureValidation(config.TwilioToken))
	}
	if config.VoicemailMessage != "" {
		apiOpts = append(apiOpts, api.WithVoicemailMessage(config.VoicemailMessage))
	}
	return apiOpts
}
