package config

import (
	"fmt"
	"os"
	"time"
)

// DarajaConfig holds the Safaricom Daraja credentials and endpoints. All of
// these come from the environment; the consumer key/secret and pass key are
// secrets and are never compiled in.
type DarajaConfig struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	ShortCode      string
	PassKey        string
	CallbackURL    string
}

// Config is the full service configuration, loaded from the environment.
type Config struct {
	Port      string
	MongoURI  string
	Database  string
	JWTSecret string

	Daraja DarajaConfig

	// Status poller tuning.
	PollInitialDelay  time.Duration
	PollRetryInterval time.Duration
	PollMaxRetries    int

	// Pending-row reconciliation sweep. Zero interval disables the sweeper.
	SweepInterval time.Duration
	SweepMinAge   time.Duration
}

// Load reads configuration from the environment. Missing provider secrets
// are a startup error, not a runtime surprise.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getenv("PORT", "8080"),
		MongoURI:          os.Getenv("MONGOURI"),
		Database:          getenv("MONGO_DATABASE", "mpesapaydb"),
		JWTSecret:         os.Getenv("JWT_SECRET"),
		PollInitialDelay:  getduration("POLL_INITIAL_DELAY", 10*time.Second),
		PollRetryInterval: getduration("POLL_RETRY_INTERVAL", 5*time.Second),
		PollMaxRetries:    2,
		SweepInterval:     getduration("SWEEP_INTERVAL", 0),
		SweepMinAge:       getduration("SWEEP_MIN_AGE", 2*time.Minute),
		Daraja: DarajaConfig{
			BaseURL:        getenv("DARAJA_BASE_URL", "https://sandbox.safaricom.co.ke"),
			ConsumerKey:    os.Getenv("DARAJA_CONSUMER_KEY"),
			ConsumerSecret: os.Getenv("DARAJA_CONSUMER_SECRET"),
			ShortCode:      os.Getenv("DARAJA_SHORTCODE"),
			PassKey:        os.Getenv("DARAJA_PASSKEY"),
			CallbackURL:    os.Getenv("DARAJA_CALLBACK_URL"),
		},
	}

	if cfg.MongoURI == "" {
		return nil, fmt.Errorf("MONGOURI environment variable not set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable not set")
	}
	for name, v := range map[string]string{
		"DARAJA_CONSUMER_KEY":    cfg.Daraja.ConsumerKey,
		"DARAJA_CONSUMER_SECRET": cfg.Daraja.ConsumerSecret,
		"DARAJA_SHORTCODE":       cfg.Daraja.ShortCode,
		"DARAJA_PASSKEY":         cfg.Daraja.PassKey,
		"DARAJA_CALLBACK_URL":    cfg.Daraja.CallbackURL,
	} {
		if v == "" {
			return nil, fmt.Errorf("%s environment variable not set", name)
		}
	}

	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getduration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
