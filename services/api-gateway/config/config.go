package config

import "github.com/spf13/viper"

// Config holds typed configuration for the api-gateway service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	MetricsAddr  string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	JWTSecret    string
	OTelEndpoint string

	// Materialization of accepted drafts. Either may be left empty to
	// disable the corresponding handler.
	NotifyWebhookURL string
	SMTPHost         string
	SMTPPort         int
	SMTPFrom         string
	SMTPUsername     string
	SMTPPassword     string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		JWTSecret:    v.GetString("jwt_secret"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		NotifyWebhookURL: v.GetString("notify_webhook_url"),
		SMTPHost:         v.GetString("smtp_host"),
		SMTPPort:         v.GetInt("smtp_port"),
		SMTPFrom:         v.GetString("smtp_from"),
		SMTPUsername:     v.GetString("smtp_username"),
		SMTPPassword:     v.GetString("smtp_password"),
	}
}
