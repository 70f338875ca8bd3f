package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	MQTT     MQTTConfig
	Provider ProviderConfig
	Dialer   DialerConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit. Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	// Secret signs session credentials (HMAC-SHA256).
	Secret   string
	TokenTTL time.Duration
}

type MQTTConfig struct {
	Broker   string
	ClientID string
}

type ProviderConfig struct {
	WebhookSecret string
}

// DialerConfig tunes the call lifecycle engine and the auto-dial scheduler.
type DialerConfig struct {
	// WrapUpDuration is how long a session stays in wrap_up after a call ends
	// before returning to idle. Zero means immediate return.
	WrapUpDuration time.Duration

	// AutoDialBackoff bounds how long a parked auto-dial runner waits before
	// re-evaluating when no state-change signal arrives.
	AutoDialBackoff time.Duration

	// AutoDialMaxRetries caps consecutive provider failures per session before
	// the runner parks until the next signal.
	AutoDialMaxRetries int

	// DialCap limits simultaneous in-flight outbound dials across the process
	// (provider channel limit). Zero disables the gate.
	DialCap    int
	DialCapTTL time.Duration
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.Secret = os.Getenv("AUTH_SECRET")
	c.Auth.TokenTTL = optDuration("AUTH_TOKEN_TTL")

	c.MQTT.Broker = strings.TrimSpace(os.Getenv("MQTT_BROKER"))
	c.MQTT.ClientID = strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))

	c.Provider.WebhookSecret = os.Getenv("PROVIDER_WEBHOOK_SECRET")

	c.Dialer.WrapUpDuration = optDuration("WRAP_UP_DURATION")
	c.Dialer.AutoDialBackoff = optDuration("AUTODIAL_BACKOFF")
	c.Dialer.AutoDialMaxRetries = optInt("AUTODIAL_MAX_RETRIES")
	c.Dialer.DialCap = optInt("DIAL_CAP")
	c.Dialer.DialCapTTL = optDuration("DIAL_CAP_TTL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("AUTH_SECRET is required"))
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = 12 * time.Hour
	}

	if c.IsProduction() {
		if c.MQTT.Broker == "" {
			errs = append(errs, errors.New("MQTT_BROKER is required in production"))
		}
		if c.Provider.WebhookSecret == "" {
			errs = append(errs, errors.New("PROVIDER_WEBHOOK_SECRET is required in production"))
		}
	}
	if c.MQTT.Broker != "" && c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "dialer-api"
	}

	if c.Dialer.WrapUpDuration < 0 {
		errs = append(errs, errors.New("WRAP_UP_DURATION must not be negative"))
	}
	if c.Dialer.AutoDialBackoff <= 0 {
		c.Dialer.AutoDialBackoff = 500 * time.Millisecond
	}
	if c.Dialer.AutoDialMaxRetries <= 0 {
		c.Dialer.AutoDialMaxRetries = 3
	}
	if c.Dialer.DialCap < 0 {
		errs = append(errs, errors.New("DIAL_CAP must not be negative"))
	}
	if c.Dialer.DialCap > 0 && c.Dialer.DialCapTTL <= 0 {
		// TTL prevents leaked gate slots on process crash.
		c.Dialer.DialCapTTL = 2 * time.Minute
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func optDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
