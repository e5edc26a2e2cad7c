// Package config bootstraps daemon configuration the way the teacher's
// config.Load does: a .env file via github.com/joho/godotenv feeding
// github.com/spf13/viper, with environment variables taking precedence
// over a config file and hard defaults filling in the rest.
package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the daemon's resolved bootstrap configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	DataDir      string
	LogLevel     string
	PollInterval int // ms
	TickInterval int // ms
}

// Load reads .env, environment variables, and an optional config.yaml,
// returning the resolved Config without validating it (see
// RequireCredentials). It never calls os.Exit; callers decide
// how to react to a missing client id/secret.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// absence of .env is normal outside development
	}

	viper.SetDefault("spotify.redirect_url", "http://localhost:8765/callback")
	viper.SetDefault("data.dir", "./data")
	viper.SetDefault("log.level", "INFO")
	viper.SetDefault("monitor.poll_interval_ms", 1000)
	viper.SetDefault("monitor.tick_interval_ms", 250)

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	cfg := &Config{
		ClientID:     viper.GetString("spotify.client_id"),
		ClientSecret: viper.GetString("spotify.client_secret"),
		RedirectURL:  viper.GetString("spotify.redirect_url"),
		DataDir:      viper.GetString("data.dir"),
		LogLevel:     strings.ToUpper(viper.GetString("log.level")),
		PollInterval: viper.GetInt("monitor.poll_interval_ms"),
		TickInterval: viper.GetInt("monitor.tick_interval_ms"),
	}

	return cfg, nil
}

// RequireCredentials reports whether both the client id and secret were
// resolved. The daemon still starts without them, parked in an
// unauthenticated state, per the supplemented startup-recovery behavior.
func (c *Config) RequireCredentials() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "spotify.client_id")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "spotify.client_secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %s", strings.Join(missing, ", "))
	}
	return nil
}
