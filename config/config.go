package config

import (
	"errors"
	"log/slog"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server   Server
	Database Database
	Auth     Auth
	Call     Call
	Status   Status
}

type Server struct {
	Addr          string
	AllowedOrigin string
	LogLevel      string
}

type Database struct {
	DSN string
}

type Auth struct {
	JWTSecret     string
	Issuer        string
	FailureLimit  int
	FailureWindow time.Duration
	SweepInterval time.Duration
}

type Call struct {
	RingTimeout time.Duration
}

type Status struct {
	DecisionTTL   time.Duration
	DecisionCache int
	SnapshotLimit int
}

func LoadConfig(filename string) (*viper.Viper, error) {
	v := viper.New()

	v.SetConfigName(filename)
	v.SetConfigType("yaml")
	v.AddConfigPath("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("veilo")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil, errors.New("config file not found")
		}
		return nil, err
	}
	return v, nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	err := v.Unmarshal(&c)
	if err != nil {
		slog.Error("unable to unmarshal config", "error", err)
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.loglevel", "info")
	v.SetDefault("database.dsn", "file:veilo.db?cache=shared")
	v.SetDefault("auth.failurelimit", 5)
	v.SetDefault("auth.failurewindow", time.Minute)
	v.SetDefault("auth.sweepinterval", 30*time.Second)
	v.SetDefault("call.ringtimeout", 40*time.Second)
	v.SetDefault("status.decisionttl", 5*time.Minute)
	v.SetDefault("status.decisioncache", 4096)
	v.SetDefault("status.snapshotlimit", 200)
}
