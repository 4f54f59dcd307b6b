/**
 * @description
 * This package handles the configuration management for the billing service. It uses the
 * Viper library to read configuration from environment variables (and an optional .env
 * file), providing a single place for gateway credentials, secrets and tunables.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the billing service.
type Config struct {
	ServerPort            string `mapstructure:"SERVER_PORT"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns      int32  `mapstructure:"DATABASE_MAX_CONNS"`
	RedisURL              string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix  string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL           string `mapstructure:"RABBITMQ_URL"`
	BillingEventsExchange string `mapstructure:"BILLING_EVENTS_EXCHANGE"`

	LavaAPIBaseURL         string `mapstructure:"LAVA_API_BASE_URL"`
	LavaAPIKey             string `mapstructure:"LAVA_API_KEY"`
	LavaOfferID            string `mapstructure:"LAVA_OFFER_ID"`
	LavaOfferSubPro        string `mapstructure:"LAVA_OFFER_SUB_PRO"`
	LavaOfferSubBusiness   string `mapstructure:"LAVA_OFFER_SUB_BUSINESS"`
	LavaWebhookSecret      string `mapstructure:"LAVA_WEBHOOK_SECRET"`
	LavaWebhookAPIKey      string `mapstructure:"LAVA_WEBHOOK_API_KEY"`
	PaymentSuccessURL      string `mapstructure:"PAYMENT_SUCCESS_URL"`
	SubscriptionSuccessURL string `mapstructure:"SUBSCRIPTION_SUCCESS_URL"`
	DefaultBuyerEmail      string `mapstructure:"DEFAULT_BUYER_EMAIL"`

	ProdamusPayformURL      string `mapstructure:"PRODAMUS_PAYFORM_URL"`
	ProdamusSecretKey       string `mapstructure:"PRODAMUS_SECRET_KEY"`
	ProdamusNotificationURL string `mapstructure:"PRODAMUS_NOTIFICATION_URL"`
	ProdamusSuccessURL      string `mapstructure:"PRODAMUS_SUCCESS_URL"`
	ProdamusReturnURL       string `mapstructure:"PRODAMUS_RETURN_URL"`

	N8NAPIURL             string `mapstructure:"N8N_API_URL"`
	N8NAPIKey             string `mapstructure:"N8N_API_KEY"`
	N8NCarouselWebhookURL string `mapstructure:"N8N_CAROUSEL_WEBHOOK_URL"`

	TelegramBotToken string `mapstructure:"TELEGRAM_BOT_TOKEN"`
	TelegramAPIURL   string `mapstructure:"TELEGRAM_API_URL"`
	AdminChatIDsRaw  string `mapstructure:"ADMIN_CHAT_IDS"`
	MiniAppURL       string `mapstructure:"MINI_APP_URL"`
	ReceiptBannerURL string `mapstructure:"RECEIPT_BANNER_URL"`
	SupportContact   string `mapstructure:"SUPPORT_CONTACT"`

	RefundWebhookSecret  string `mapstructure:"REFUND_WEBHOOK_SECRET"`
	RefundDefaultAmount  int64  `mapstructure:"REFUND_DEFAULT_AMOUNT"`
	ReferralBonusPercent int64  `mapstructure:"REFERRAL_BONUS_PERCENT"`

	SupabaseJWTSecret          string `mapstructure:"SUPABASE_JWT_SECRET"`
	CatalogPath                string `mapstructure:"CATALOG_PATH"`
	SubscriptionExpirySchedule string `mapstructure:"SUBSCRIPTION_EXPIRY_SCHEDULE"`

	InvoiceRateLimitPerMinute  int `mapstructure:"INVOICE_RATE_LIMIT_PER_MINUTE"`
	QuizLeadRateLimitPerMinute int `mapstructure:"QUIZ_LEAD_RATE_LIMIT_PER_MINUTE"`

	// AdminChatIDs is parsed from AdminChatIDsRaw.
	AdminChatIDs []int64 `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables and an optional .env file in path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("DATABASE_MAX_CONNS", 10)
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "billing:rate_limit")
	viper.SetDefault("BILLING_EVENTS_EXCHANGE", "billing_events")
	viper.SetDefault("LAVA_API_BASE_URL", "https://gate.lava.top")
	viper.SetDefault("DEFAULT_BUYER_EMAIL", "noreply@ai-citi.app")
	viper.SetDefault("PRODAMUS_PAYFORM_URL", "https://lagermlm.payform.ru")
	viper.SetDefault("N8N_API_URL", "https://n8n.iferma.pro")
	viper.SetDefault("TELEGRAM_API_URL", "https://api.telegram.org")
	viper.SetDefault("SUPPORT_CONTACT", "@dmbekk")
	viper.SetDefault("REFUND_DEFAULT_AMOUNT", 30)
	viper.SetDefault("REFERRAL_BONUS_PERCENT", 20)
	viper.SetDefault("SUBSCRIPTION_EXPIRY_SCHEDULE", "@every 1h")
	viper.SetDefault("INVOICE_RATE_LIMIT_PER_MINUTE", 20)
	viper.SetDefault("QUIZ_LEAD_RATE_LIMIT_PER_MINUTE", 10)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL", "DATABASE_URL", "SUPABASE_DB_URL")
	_ = viper.BindEnv("DATABASE_MAX_CONNS")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("BILLING_EVENTS_EXCHANGE")
	_ = viper.BindEnv("LAVA_API_BASE_URL")
	_ = viper.BindEnv("LAVA_API_KEY", "LAVA_API_KEY", "LAVA_TOP_API_KEY")
	_ = viper.BindEnv("LAVA_OFFER_ID")
	_ = viper.BindEnv("LAVA_OFFER_SUB_PRO")
	_ = viper.BindEnv("LAVA_OFFER_SUB_BUSINESS", "LAVA_OFFER_SUB_BUSINESS", "LAVA_OFFER_SUB_ELITE")
	_ = viper.BindEnv("LAVA_WEBHOOK_SECRET")
	_ = viper.BindEnv("LAVA_WEBHOOK_API_KEY")
	_ = viper.BindEnv("PAYMENT_SUCCESS_URL")
	_ = viper.BindEnv("SUBSCRIPTION_SUCCESS_URL")
	_ = viper.BindEnv("DEFAULT_BUYER_EMAIL")
	_ = viper.BindEnv("PRODAMUS_PAYFORM_URL")
	_ = viper.BindEnv("PRODAMUS_SECRET_KEY")
	_ = viper.BindEnv("PRODAMUS_NOTIFICATION_URL")
	_ = viper.BindEnv("PRODAMUS_SUCCESS_URL")
	_ = viper.BindEnv("PRODAMUS_RETURN_URL")
	_ = viper.BindEnv("N8N_API_URL")
	_ = viper.BindEnv("N8N_API_KEY")
	_ = viper.BindEnv("N8N_CAROUSEL_WEBHOOK_URL")
	_ = viper.BindEnv("TELEGRAM_BOT_TOKEN")
	_ = viper.BindEnv("TELEGRAM_API_URL")
	_ = viper.BindEnv("ADMIN_CHAT_IDS", "ADMIN_CHAT_IDS", "ADMIN_TELEGRAM_IDS")
	_ = viper.BindEnv("MINI_APP_URL")
	_ = viper.BindEnv("RECEIPT_BANNER_URL")
	_ = viper.BindEnv("SUPPORT_CONTACT")
	_ = viper.BindEnv("REFUND_WEBHOOK_SECRET")
	_ = viper.BindEnv("REFUND_DEFAULT_AMOUNT")
	_ = viper.BindEnv("REFERRAL_BONUS_PERCENT")
	_ = viper.BindEnv("SUPABASE_JWT_SECRET")
	_ = viper.BindEnv("CATALOG_PATH")
	_ = viper.BindEnv("SUBSCRIPTION_EXPIRY_SCHEDULE")
	_ = viper.BindEnv("INVOICE_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("QUIZ_LEAD_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "billing:rate_limit"
	}
	config.LavaAPIBaseURL = strings.TrimRight(strings.TrimSpace(config.LavaAPIBaseURL), "/")
	config.N8NAPIURL = strings.TrimRight(strings.TrimSpace(config.N8NAPIURL), "/")
	config.SupportContact = strings.TrimSpace(config.SupportContact)

	if config.DatabaseMaxConns <= 0 {
		config.DatabaseMaxConns = 10
	}
	if config.RefundDefaultAmount <= 0 {
		log.Printf("level=warn component=config msg=\"non-positive refund default amount; using 30\" value=%d", config.RefundDefaultAmount)
		config.RefundDefaultAmount = 30
	}
	if config.ReferralBonusPercent < 0 {
		log.Printf("level=warn component=config msg=\"negative referral bonus percent; coercing to zero\" value=%d", config.ReferralBonusPercent)
		config.ReferralBonusPercent = 0
	}
	if config.ReferralBonusPercent > 100 {
		log.Printf("level=warn component=config msg=\"referral bonus percent too high; capping at 100\" value=%d", config.ReferralBonusPercent)
		config.ReferralBonusPercent = 100
	}
	if strings.TrimSpace(config.SubscriptionExpirySchedule) == "" {
		config.SubscriptionExpirySchedule = "@every 1h"
	}
	if config.InvoiceRateLimitPerMinute <= 0 {
		config.InvoiceRateLimitPerMinute = 20
	}
	if config.QuizLeadRateLimitPerMinute <= 0 {
		config.QuizLeadRateLimitPerMinute = 10
	}

	config.AdminChatIDs = parseChatIDs(config.AdminChatIDsRaw)
	return
}

// parseChatIDs accepts a comma or whitespace separated list; invalid entries are skipped.
func parseChatIDs(raw string) []int64 {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == ' ' || r == '\n' || r == '\t'
	})
	ids := make([]int64, 0, len(fields))
	seen := make(map[int64]struct{}, len(fields))
	for _, f := range fields {
		id, err := strconv.ParseInt(strings.TrimSpace(f), 10, 64)
		if err != nil || id == 0 {
			log.Printf("level=warn component=config msg=\"invalid admin chat id skipped\" value=%q", f)
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
