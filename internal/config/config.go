package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "SITSIBOT"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "sitsibot.db"
	defaultLogLevel        = "info"
	defaultTelegramAPIURL  = "https://api.telegram.org"
	defaultTelegramMode    = ModePolling
	defaultMaxCandidates   = 8
	defaultCandidateGroup  = "ehdokkaat"
	defaultTitleMaxLen     = 80
	defaultDescMaxLen      = 500
	defaultHandleCooldown  = 120
	defaultTokenTTLMinutes = 60
	defaultFanoutWorkers   = 2
	defaultKafkaTopic      = "sitsibot-events"
)

// Telegram update delivery modes.
const (
	ModePolling = "polling"
	ModeWebhook = "webhook"
)

// AppConfig captures runtime configuration for the bot process.
type AppConfig struct {
	TelegramToken         string
	TelegramAPIURL        string
	TelegramMode          string
	TelegramWebhookSecret string
	TelegramWebhookURL    string
	BotUsername           string
	HTTPAddress           string
	DatabasePath          string
	LogLevel              string
	Admins                []int64
	Election              ElectionConfig
	Initiatives           InitiativesConfig
	SigningSecret         string
	TokenTTL              time.Duration
	RedisAddress          string
	RedisPassword         string
	KafkaBrokers          []string
	KafkaTopic            string
	FanoutWorkers         int
}

// ElectionConfig holds election generation limits.
type ElectionConfig struct {
	MaxCandidates  int
	CandidateGroup string
}

// InitiativesConfig holds the initiative authoring and moderation settings.
type InitiativesConfig struct {
	TitleMaxLen    int
	DescMaxLen     int
	ShitpostBans   []int
	DefaultAlerts  []int
	HandleCooldown time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("telegram.api_url", defaultTelegramAPIURL)
	configViper.SetDefault("telegram.mode", defaultTelegramMode)
	configViper.SetDefault("election.max_candidates", defaultMaxCandidates)
	configViper.SetDefault("election.candidate_group", defaultCandidateGroup)
	configViper.SetDefault("initiatives.title_max_len", defaultTitleMaxLen)
	configViper.SetDefault("initiatives.desc_max_len", defaultDescMaxLen)
	configViper.SetDefault("initiatives.shitpost_bans", []int{10, 30, 60})
	configViper.SetDefault("initiatives.default_alerts", []int{10, 25, 50})
	configViper.SetDefault("initiatives.handle_cooldown", defaultHandleCooldown)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("kafka.topic", defaultKafkaTopic)
	configViper.SetDefault("fanout.workers", defaultFanoutWorkers)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	admins, err := int64Slice(configViper.Get("admins"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("admins: %w", err)
	}

	cfg := AppConfig{
		TelegramToken:         configViper.GetString("telegram.token"),
		TelegramAPIURL:        configViper.GetString("telegram.api_url"),
		TelegramMode:          strings.ToLower(strings.TrimSpace(configViper.GetString("telegram.mode"))),
		TelegramWebhookSecret: configViper.GetString("telegram.webhook_secret"),
		TelegramWebhookURL:    strings.TrimRight(configViper.GetString("telegram.webhook_url"), "/"),
		BotUsername:           strings.TrimPrefix(configViper.GetString("telegram.bot_username"), "@"),
		HTTPAddress:           configViper.GetString("http.address"),
		DatabasePath:          configViper.GetString("database.path"),
		LogLevel:              configViper.GetString("log.level"),
		Admins:                admins,
		Election: ElectionConfig{
			MaxCandidates:  configViper.GetInt("election.max_candidates"),
			CandidateGroup: configViper.GetString("election.candidate_group"),
		},
		Initiatives: InitiativesConfig{
			TitleMaxLen:    configViper.GetInt("initiatives.title_max_len"),
			DescMaxLen:     configViper.GetInt("initiatives.desc_max_len"),
			ShitpostBans:   configViper.GetIntSlice("initiatives.shitpost_bans"),
			DefaultAlerts:  configViper.GetIntSlice("initiatives.default_alerts"),
			HandleCooldown: time.Duration(configViper.GetInt("initiatives.handle_cooldown")) * time.Second,
		},
		SigningSecret: configViper.GetString("auth.signing_secret"),
		TokenTTL:      time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RedisAddress:  configViper.GetString("redis.address"),
		RedisPassword: configViper.GetString("redis.password"),
		KafkaBrokers:  configViper.GetStringSlice("kafka.brokers"),
		KafkaTopic:    configViper.GetString("kafka.topic"),
		FanoutWorkers: configViper.GetInt("fanout.workers"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// PrimaryAdmin is the first configured admin; it receives the admin log and error reports.
func (c AppConfig) PrimaryAdmin() int64 {
	if len(c.Admins) == 0 {
		return 0
	}
	return c.Admins[0]
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TelegramToken) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if len(c.Admins) == 0 {
		return fmt.Errorf("admins must list at least one chat id")
	}
	switch c.TelegramMode {
	case ModePolling:
	case ModeWebhook:
		if strings.TrimSpace(c.TelegramWebhookSecret) == "" {
			return fmt.Errorf("telegram.webhook_secret is required in webhook mode")
		}
		if strings.TrimSpace(c.TelegramWebhookURL) == "" {
			return fmt.Errorf("telegram.webhook_url is required in webhook mode")
		}
	default:
		return fmt.Errorf("telegram.mode must be %q or %q", ModePolling, ModeWebhook)
	}
	if c.Election.MaxCandidates <= 0 {
		return fmt.Errorf("election.max_candidates must be positive")
	}
	if c.Initiatives.TitleMaxLen <= 0 || c.Initiatives.DescMaxLen <= 0 {
		return fmt.Errorf("initiatives.title_max_len and initiatives.desc_max_len must be positive")
	}
	if len(c.Initiatives.ShitpostBans) == 0 {
		return fmt.Errorf("initiatives.shitpost_bans must have at least one entry")
	}
	if c.FanoutWorkers <= 0 {
		return fmt.Errorf("fanout.workers must be positive")
	}
	return nil
}

func int64Slice(raw any) ([]int64, error) {
	switch values := raw.(type) {
	case nil:
		return nil, nil
	case []int64:
		return values, nil
	case []any:
		result := make([]int64, 0, len(values))
		for _, value := range values {
			parsed, err := toInt64(value)
			if err != nil {
				return nil, err
			}
			result = append(result, parsed)
		}
		return result, nil
	case []int:
		result := make([]int64, 0, len(values))
		for _, value := range values {
			result = append(result, int64(value))
		}
		return result, nil
	case string:
		result := make([]int64, 0)
		for _, field := range strings.FieldsFunc(values, func(r rune) bool { return r == ',' || r == ' ' }) {
			parsed, err := toInt64(field)
			if err != nil {
				return nil, err
			}
			result = append(result, parsed)
		}
		return result, nil
	default:
		return nil, fmt.Errorf("unsupported value %T", raw)
	}
}

func toInt64(value any) (int64, error) {
	switch typed := value.(type) {
	case int:
		return int64(typed), nil
	case int64:
		return typed, nil
	case float64:
		return int64(typed), nil
	case string:
		var parsed int64
		if _, err := fmt.Sscan(strings.TrimSpace(typed), &parsed); err != nil {
			return 0, fmt.Errorf("invalid chat id %q", typed)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("invalid chat id %v", value)
	}
}
