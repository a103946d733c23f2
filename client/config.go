package client

import (
	"time"

	"github.com/spf13/viper"

	"collabkit.dev/collabkit/pkg/utils"
)

// Config holds the client-side tunables: transport endpoint, offline-queue
// namespace, and the reconnect/ping/call timing constants.
type Config struct {
	URL            string        `mapstructure:"url"`
	Namespace      string        `mapstructure:"namespace"`
	DisplayName    string        `mapstructure:"display_name"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	CallTimeout    time.Duration `mapstructure:"call_timeout"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`

	// TokenProvider supplies the bearer token sent as the first message
	// after connect. The token travels in the `auth` message body, never in
	// the URL.
	TokenProvider func() (string, error) `mapstructure:"-"`
}

// DefaultConfig returns the documented client defaults: a 30s
// ping interval, a 30s call timeout mirroring the broker's function_timeout,
// and a reconnect schedule of min(2^attempt x 1s, 30s) capped at 5 attempts.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		CallTimeout:    30 * time.Second,
		MaxReconnects:  5,
		MaxBackoff:     30 * time.Second,
		InitialBackoff: time.Second,
	}
}

// LoadConfig reads client configuration the same way broker.LoadConfig does:
// a base file, an optional environment overlay, then an AutomaticEnv pass.
func LoadConfig(configDir, env string) (Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("client")
	v.AddConfigPath(configDir)
	v.SetConfigType("yaml")
	v.SetDefault("ping_interval", cfg.PingInterval)
	v.SetDefault("call_timeout", cfg.CallTimeout)
	v.SetDefault("max_reconnects", cfg.MaxReconnects)
	v.SetDefault("max_backoff", cfg.MaxBackoff)
	v.SetDefault("initial_backoff", cfg.InitialBackoff)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, utils.Wrap(err, "load client config")
		}
	}
	if env != "" {
		v.SetConfigName("client." + env)
		if err := v.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return cfg, utils.Wrapf(err, "merge client.%s config", env)
			}
		}
	}
	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, utils.Wrap(err, "unmarshal client config")
	}
	return cfg, nil
}
