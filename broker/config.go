package broker

import (
	"time"

	"github.com/spf13/viper"

	"collabkit.dev/collabkit/pkg/utils"
)

// Config holds the broker's tunables. It is unmarshaled from
// YAML/environment via viper: a base file, an optional environment overlay
// merged on top, then an AutomaticEnv pass.
type Config struct {
	Path                      string        `mapstructure:"path"`
	RequireAuth               bool          `mapstructure:"require_auth"`
	AllowAnonymous            bool          `mapstructure:"allow_anonymous"`
	AutoCreateRooms           bool          `mapstructure:"auto_create_rooms"`
	SaveOnOperation           bool          `mapstructure:"save_on_operation"`
	RateLimit                 float64       `mapstructure:"rate_limit"`
	MaxMessageSize            int           `mapstructure:"max_message_size"`
	MessageTimeout            time.Duration `mapstructure:"message_timeout"`
	FunctionTimeout           time.Duration `mapstructure:"function_timeout"`
	MaxConnectionsPerUser     int           `mapstructure:"max_connections_per_user"`
	UseServerTimestamp        bool          `mapstructure:"use_server_timestamp"`
	MaxViolationsBeforeClose  int           `mapstructure:"max_violations_before_close"`
}

// DefaultConfig returns the broker's documented defaults.
func DefaultConfig() Config {
	return Config{
		Path:                     "/ws",
		RequireAuth:              true,
		AllowAnonymous:           false,
		AutoCreateRooms:          true,
		SaveOnOperation:          false,
		RateLimit:                100,
		MaxMessageSize:           1024 * 1024,
		MessageTimeout:           60 * time.Second,
		FunctionTimeout:          30 * time.Second,
		MaxConnectionsPerUser:    10,
		UseServerTimestamp:       false,
		MaxViolationsBeforeClose: 3,
	}
}

// LoadConfig reads broker configuration: a base file, an optional
// environment overlay merged on top, then an AutomaticEnv pass, unmarshaled
// into Config.
func LoadConfig(configDir, env string) (Config, error) {
	cfg := DefaultConfig()

	viper.SetConfigName("broker")
	viper.AddConfigPath(configDir)
	viper.SetConfigType("yaml")
	viper.SetDefault("path", cfg.Path)
	viper.SetDefault("require_auth", cfg.RequireAuth)
	viper.SetDefault("allow_anonymous", cfg.AllowAnonymous)
	viper.SetDefault("auto_create_rooms", cfg.AutoCreateRooms)
	viper.SetDefault("save_on_operation", cfg.SaveOnOperation)
	viper.SetDefault("rate_limit", cfg.RateLimit)
	viper.SetDefault("max_message_size", cfg.MaxMessageSize)
	viper.SetDefault("message_timeout", cfg.MessageTimeout)
	viper.SetDefault("function_timeout", cfg.FunctionTimeout)
	viper.SetDefault("max_connections_per_user", cfg.MaxConnectionsPerUser)
	viper.SetDefault("use_server_timestamp", cfg.UseServerTimestamp)
	viper.SetDefault("max_violations_before_close", cfg.MaxViolationsBeforeClose)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, utils.Wrap(err, "load broker config")
		}
	}
	if env != "" {
		viper.SetConfigName("broker." + env)
		if err := viper.MergeInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return cfg, utils.Wrapf(err, "merge broker.%s config", env)
			}
		}
	}
	viper.AutomaticEnv()

	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, utils.Wrap(err, "unmarshal broker config")
	}
	return cfg, nil
}
