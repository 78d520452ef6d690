package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Common is shared by every binary that touches tenant data.
type Common struct {
	DBDSN       string `envconfig:"DB_DSN" required:"true"`
	Port        string `envconfig:"PORT" default:"8080"`
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`
	LogFormat   string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	DBPoolMaxConns          int32         `envconfig:"DB_POOL_MAX_CONNS" default:"0"`
	DBPoolMinConns          int32         `envconfig:"DB_POOL_MIN_CONNS" default:"0"`
	DBPoolMaxConnLifetime   time.Duration `envconfig:"DB_POOL_MAX_CONN_LIFETIME" default:"0s"`
	DBPoolMaxConnIdleTime   time.Duration `envconfig:"DB_POOL_MAX_CONN_IDLE_TIME" default:"0s"`
	DBPoolHealthCheckPeriod time.Duration `envconfig:"DB_POOL_HEALTH_CHECK_PERIOD" default:"0s"`

	// Empty REDIS_ADDR falls back to in-process locks and replay guards.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	// AWS / SQS. Empty queue URLs run the work inline.
	AWSRegion          string `envconfig:"AWS_REGION" default:"ap-south-1"`
	LocalstackEndpoint string `envconfig:"LOCALSTACK_ENDPOINT"`
	InboundQueueURL    string `envconfig:"SQS_INBOUND_QUEUE_URL"`
	JobQueueURL        string `envconfig:"SQS_JOB_QUEUE_URL"`

	// Hex encoded 32-byte key for integration credentials.
	SecretsKey string `envconfig:"SECRETS_ENCRYPTION_KEY" required:"true"`

	// Platform base URL overrides, e.g. "delhivery=http://localhost:8081,shopify=http://localhost:8081".
	PlatformEndpoints string `envconfig:"PLATFORM_ENDPOINTS"`
}

type SQSPoll struct {
	WaitTime    int32 `envconfig:"SQS_WAIT_TIME" default:"20"`
	MaxMsgs     int32 `envconfig:"SQS_MAX_MSGS" default:"10"`
	VizTimeout  int32 `envconfig:"SQS_VISIBILITY_TIMEOUT" default:"60"`
	Concurrency int   `envconfig:"SQS_CONCURRENCY" default:"10"`
}

type NDR struct {
	HighValueThreshold float64 `envconfig:"NDR_HIGH_VALUE_THRESHOLD" default:"5000"`
	AgentCapacity      int     `envconfig:"NDR_AGENT_CAPACITY" default:"50"`
	AgentsRaw          string  `envconfig:"NDR_AGENTS"`
}

func (n NDR) Agents() []string { return splitCSV(n.AgentsRaw) }

type Notify struct {
	TwilioAccountSID          string `envconfig:"TWILIO_ACCOUNT_SID"`
	TwilioAuthToken           string `envconfig:"TWILIO_AUTH_TOKEN"`
	TwilioMessagingServiceSID string `envconfig:"TWILIO_MESSAGING_SERVICE_SID"`
	TwilioFromNumber          string `envconfig:"TWILIO_FROM_NUMBER"`
	TwilioWhatsAppFrom        string `envconfig:"TWILIO_WHATSAPP_FROM"`
	TwilioBaseURL             string `envconfig:"TWILIO_BASE_URL" default:"https://api.twilio.com"`

	SendGridAPIKey    string `envconfig:"SENDGRID_API_KEY"`
	SendGridFromEmail string `envconfig:"SENDGRID_FROM_EMAIL"`
	SendGridFromName  string `envconfig:"SENDGRID_FROM_NAME" default:"Orders"`
	SendGridHost      string `envconfig:"SENDGRID_HOST"`

	// Public base of the provider status callback route.
	CallbackBase string `envconfig:"NOTIFY_CALLBACK_BASE"`
}

// KindSchedule is one job kind's loop settings.
type KindSchedule struct {
	Enabled  bool
	Interval time.Duration
}

type WorkerConfig struct {
	Common
	SQSPoll
	NDR
	Notify

	OrderSyncEnabled         bool          `envconfig:"ORDER_SYNC_ENABLED" default:"true"`
	OrderSyncInterval        time.Duration `envconfig:"ORDER_SYNC_INTERVAL" default:"15m"`
	OrderSyncLookbackHours   int           `envconfig:"ORDER_SYNC_LOOKBACK_HOURS" default:"24"`
	InventorySyncEnabled     bool          `envconfig:"INVENTORY_SYNC_ENABLED" default:"true"`
	InventorySyncInterval    time.Duration `envconfig:"INVENTORY_SYNC_INTERVAL" default:"10m"`
	TrackingEnabled          bool          `envconfig:"SHIPMENT_TRACKING_ENABLED" default:"true"`
	TrackingInterval         time.Duration `envconfig:"SHIPMENT_TRACKING_INTERVAL" default:"30m"`
	TrackingStaleAfterHours  int           `envconfig:"TRACKING_STALE_AFTER_HOURS" default:"2"`
	NdrFollowUpEnabled       bool          `envconfig:"NDR_FOLLOWUP_ENABLED" default:"true"`
	NdrFollowUpInterval      time.Duration `envconfig:"NDR_FOLLOWUP_INTERVAL" default:"5m"`
	WebhookRetryEnabled      bool          `envconfig:"WEBHOOK_RETRY_ENABLED" default:"true"`
	WebhookRetryInterval     time.Duration `envconfig:"WEBHOOK_RETRY_INTERVAL" default:"1m"`
	NotificationSendEnabled  bool          `envconfig:"NOTIFICATION_SEND_ENABLED" default:"true"`
	NotificationSendInterval time.Duration `envconfig:"NOTIFICATION_SEND_INTERVAL" default:"1m"`
	CleanupEnabled           bool          `envconfig:"DATA_CLEANUP_ENABLED" default:"true"`
	CleanupDailyAt           string        `envconfig:"CLEANUP_DAILY_AT" default:"03:00"`
	CleanupRetentionDays     int           `envconfig:"CLEANUP_RETENTION_DAYS" default:"30"`
	SchedulerShutdownGrace   time.Duration `envconfig:"SCHEDULER_SHUTDOWN_GRACE" default:"30s"`
	TenantParallelism        int           `envconfig:"TENANT_PARALLELISM" default:"4"`
	RunOnStart               bool          `envconfig:"SCHEDULER_RUN_ON_START" default:"false"`
}

type APIConfig struct {
	Common
	NDR

	// Inline sync requests are bounded by this timeout.
	InlineSyncTimeout       time.Duration `envconfig:"INLINE_SYNC_TIMEOUT" default:"60s"`
	OrderSyncLookbackHours  int           `envconfig:"ORDER_SYNC_LOOKBACK_HOURS" default:"24"`
	TrackingStaleAfterHours int           `envconfig:"TRACKING_STALE_AFTER_HOURS" default:"2"`
	CleanupRetentionDays    int           `envconfig:"CLEANUP_RETENTION_DAYS" default:"30"`
}

type WebhookConfig struct {
	Common
	NDR

	// Must match the URL configured at Twilio exactly, without the tenant/id suffix.
	TwilioAuthToken  string `envconfig:"TWILIO_AUTH_TOKEN"`
	PublicWebhookURL string `envconfig:"PUBLIC_WEBHOOK_URL"`

	// Replay window for inbound event ids.
	ReplayTTL time.Duration `envconfig:"INBOUND_REPLAY_TTL" default:"72h"`

	// e.g. "delhivery=s3cret,shiprocket=token".
	CourierWebhookSecrets string `envconfig:"COURIER_WEBHOOK_SECRETS"`
}

// CourierSecrets parses COURIER_WEBHOOK_SECRETS.
func (c WebhookConfig) CourierSecrets() (map[string]string, error) {
	return parsePairs("COURIER_WEBHOOK_SECRETS", c.CourierWebhookSecrets)
}

type WebhookProcessorConfig struct {
	Common
	SQSPoll
	NDR

	ReplayTTL time.Duration `envconfig:"INBOUND_REPLAY_TTL" default:"72h"`
}

type MockPlatformConfig struct {
	Port      string `envconfig:"PORT" default:"8081"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"json"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`

	// Mode is ok, rate_limit, server_error or flaky.
	Mode        string        `envconfig:"MOCK_MODE" default:"ok"`
	FailureRate float64       `envconfig:"MOCK_FAILURE_RATE" default:"0.3"`
	RetryAfter  int           `envconfig:"MOCK_RETRY_AFTER_SECONDS" default:"2"`
	Latency     time.Duration `envconfig:"MOCK_LATENCY" default:"0s"`
	Seed        int64         `envconfig:"MOCK_SEED" default:"0"`

	// Twilio Messages API simulation; outcomes cycle round robin.
	TwilioAccountSID string        `envconfig:"TWILIO_ACCOUNT_SID" default:"mock_sid"`
	TwilioAuthToken  string        `envconfig:"TWILIO_AUTH_TOKEN" default:"mock_token"`
	TwilioOutcomes   string        `envconfig:"MOCK_TWILIO_OUTCOMES" default:"ok"`
	CallbackDelay    time.Duration `envconfig:"MOCK_CALLBACK_DELAY" default:"500ms"`

	// Secret of the tenant webhook endpoint the receiver stands in for.
	ReceiverSecret string `envconfig:"MOCK_RECEIVER_SECRET"`
}

// Schedules returns the enabled flag and interval per job kind name.
func (c WorkerConfig) Schedules() map[string]KindSchedule {
	return map[string]KindSchedule{
		"order_sync":        {c.OrderSyncEnabled, c.OrderSyncInterval},
		"inventory_sync":    {c.InventorySyncEnabled, c.InventorySyncInterval},
		"shipment_tracking": {c.TrackingEnabled, c.TrackingInterval},
		"ndr_followup":      {c.NdrFollowUpEnabled, c.NdrFollowUpInterval},
		"webhook_retry":     {c.WebhookRetryEnabled, c.WebhookRetryInterval},
		"notification_send": {c.NotificationSendEnabled, c.NotificationSendInterval},
		"data_cleanup":      {c.CleanupEnabled, 0},
	}
}

// Endpoints parses PLATFORM_ENDPOINTS into platform -> base URL.
func (c Common) Endpoints() (map[string]string, error) {
	return parsePairs("PLATFORM_ENDPOINTS", c.PlatformEndpoints)
}

func parsePairs(key, raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range splitCSV(raw) {
		name, val, ok := strings.Cut(pair, "=")
		name, val = strings.TrimSpace(name), strings.TrimSpace(val)
		if !ok || name == "" || val == "" {
			return nil, fmt.Errorf("%s: bad entry %q", key, pair)
		}
		out[strings.ToLower(name)] = val
	}
	return out, nil
}

func LoadWorker() WorkerConfig {
	var cfg WorkerConfig
	load(&cfg)
	return cfg
}

func LoadAPI() APIConfig {
	var cfg APIConfig
	load(&cfg)
	return cfg
}

func LoadWebhook() WebhookConfig {
	var cfg WebhookConfig
	load(&cfg)
	return cfg
}

func LoadWebhookProcessor() WebhookProcessorConfig {
	var cfg WebhookProcessorConfig
	load(&cfg)
	return cfg
}

func LoadMockPlatform() MockPlatformConfig {
	var cfg MockPlatformConfig
	load(&cfg)
	return cfg
}

func load(cfg any) {
	if err := loadDotEnv(); err != nil {
		panic(err)
	}
	if err := envconfig.Process("", cfg); err != nil {
		panic(err)
	}
}

// loadDotEnv reads an optional .env; real environment variables win.
func loadDotEnv() error {
	err := godotenv.Load()
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("load .env: %w", err)
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
