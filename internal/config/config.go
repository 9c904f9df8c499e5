package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`
	Server        struct {
		Address         string        `mapstructure:"address"`
		TLSAddress      string        `mapstructure:"tls_address"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	DB struct {
		Driver   string `mapstructure:"driver"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
		Path     string `mapstructure:"path"`
		MaxConns int32  `mapstructure:"max_conns"`
	} `mapstructure:"db"`
	Auth struct {
		OktaDomain      string        `mapstructure:"okta_domain"`
		ClientID        string        `mapstructure:"client_id"`
		ClientSecret    string        `mapstructure:"client_secret"`
		RedirectURL     string        `mapstructure:"redirect_url"`
		SwaggerClientID string        `mapstructure:"swagger_client_id"`
		RoleClaim       string        `mapstructure:"role_claim"`
		TokenSecret     string        `mapstructure:"token_secret"`
		TokenTTL        time.Duration `mapstructure:"token_ttl"`
	} `mapstructure:"auth"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
	Notifications struct {
		RelaySchedule  string        `mapstructure:"relay_schedule"`
		BatchSize      int           `mapstructure:"batch_size"`
		WebhookURL     string        `mapstructure:"webhook_url"`
		WebhookTimeout time.Duration `mapstructure:"webhook_timeout"`
		MaxRetries     int           `mapstructure:"max_retries"`
	} `mapstructure:"notifications"`
	Policy struct {
		File string `mapstructure:"file"`
	} `mapstructure:"policy"`
	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	// ConfigFile is the config file that was read, if any.
	ConfigFile string `mapstructure:"-"`
}

// LoadConfig loads the configuration from a file and the environment. When
// envFile is set it is loaded into the process environment first.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load() // .env is optional
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("MOLDFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	config.ConfigFile = v.ConfigFileUsed()

	// normalize OKTA issuer url (strip trailing slash if any)
	config.Auth.OktaDomain = normalizeOktaIssuer(config.Auth.OktaDomain)

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "PROD")
	v.SetDefault("dev_mode_bypass", false)
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.tls_address", ":8443")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "moldflow")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "moldflow")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.path", "moldflow.db")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("auth.okta_domain", "")
	v.SetDefault("auth.client_id", "")
	v.SetDefault("auth.client_secret", "")
	v.SetDefault("auth.redirect_url", "")
	v.SetDefault("auth.swagger_client_id", "")
	v.SetDefault("auth.role_claim", "moldflow_role")
	v.SetDefault("auth.token_secret", "")
	v.SetDefault("auth.token_ttl", 12*time.Hour)
	v.SetDefault("tls.enable", false)
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.hostnames", []string{})
	v.SetDefault("notifications.relay_schedule", "@every 5s")
	v.SetDefault("notifications.batch_size", 100)
	v.SetDefault("notifications.webhook_url", "")
	v.SetDefault("notifications.webhook_timeout", 5*time.Second)
	v.SetDefault("notifications.max_retries", 3)
	v.SetDefault("policy.file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// IsDev reports whether the service runs in the DEV environment.
func (c *Config) IsDev() bool {
	return strings.ToUpper(c.Environment) == "DEV"
}

// PostgresDSN builds the keyword/value connection string for pgx.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host, c.DB.Port, c.DB.User, c.DB.Password, c.DB.Name, c.DB.SSLMode,
	)
}

// normalizeOktaIssuer ensures the provided Okta issuer string is in a
// predictable form. It removes any trailing slash and leaves the scheme and
// path intact.
func normalizeOktaIssuer(input string) string {
	return strings.TrimRight(strings.TrimSpace(input), "/")
}
