// Copyright (C) 2025 efchat.net <tj@efchat.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
	DriverMemory   = "memory"
)

type Config struct {
	Server     Server
	Storage    Storage
	Redis      Redis
	JWT        JWT
	Sweeper    Sweeper
	LoggerMode LoggerMode
}

type Server struct {
	Port        string
	Environment string
}

type Storage struct {
	Driver      string
	DatabaseURL string
	MongoURL    string
	MongoDB     string
	Timeout     time.Duration
}

type Redis struct {
	Addr string
}

type JWT struct {
	Secret string
	Issuer string
}

type Sweeper struct {
	GroupInterval   time.Duration
	MessageInterval time.Duration
	GroupLockTTL    time.Duration
	MessageLockTTL  time.Duration
}

type LoggerMode struct {
	Development bool
	Level       string
}

// environment variable names
var bindings = map[string]string{
	"server.port":             "PORT",
	"server.environment":      "ENVIRONMENT",
	"storage.driver":          "STORAGE_DRIVER",
	"storage.databaseurl":     "DATABASE_URL",
	"storage.mongourl":        "MONGO_URL",
	"storage.mongodb":         "MONGO_DATABASE",
	"storage.timeout":         "STORE_TIMEOUT",
	"redis.addr":              "REDIS_URL",
	"jwt.secret":              "JWT_SECRET",
	"jwt.issuer":              "JWT_ISSUER",
	"sweeper.groupinterval":   "SWEEP_GROUPS_EVERY",
	"sweeper.messageinterval": "SWEEP_MESSAGES_EVERY",
	"sweeper.grouplockttl":    "SWEEP_GROUPS_LOCK_TTL",
	"sweeper.messagelockttl":  "SWEEP_MESSAGES_LOCK_TTL",
	"loggermode.development":  "LOG_DEVELOPMENT",
	"loggermode.level":        "LOG_LEVEL",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.environment", "development")
	v.SetDefault("storage.driver", DriverPostgres)
	v.SetDefault("storage.databaseurl", "postgres://localhost/efgroups?sslmode=disable")
	v.SetDefault("storage.mongourl", "mongodb://localhost:27017")
	v.SetDefault("storage.mongodb", "efgroups")
	v.SetDefault("storage.timeout", 5*time.Second)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("jwt.issuer", "efchat")
	v.SetDefault("sweeper.groupinterval", time.Hour)
	v.SetDefault("sweeper.messageinterval", 30*time.Second)
	// zero lease lengths follow the sweep intervals
	v.SetDefault("sweeper.grouplockttl", time.Duration(0))
	v.SetDefault("sweeper.messagelockttl", time.Duration(0))
	v.SetDefault("loggermode.development", false)
	v.SetDefault("loggermode.level", "info")
}

// LoadConfig reads config/<filename>.yaml when present and overlays the
// environment. A missing file is not an error.
func LoadConfig(filename string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}

	v.SetConfigName(filename)
	v.SetConfigType("yaml")
	v.AddConfigPath("config")
	v.AddConfigPath(".")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	return v, nil
}

func ParseConfig(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		slog.Error("Unable to unmarshal config", "err", err)
		return nil, err
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.JWT.Secret == "" {
		return errors.New("JWT_SECRET is required")
	}
	switch c.Storage.Driver {
	case DriverPostgres, DriverMongo, DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Timeout <= 0 {
		return errors.New("storage timeout must be positive")
	}
	if c.Sweeper.GroupInterval <= 0 || c.Sweeper.MessageInterval <= 0 {
		return errors.New("sweeper intervals must be positive")
	}
	if c.Sweeper.GroupLockTTL < 0 || c.Sweeper.MessageLockTTL < 0 {
		return errors.New("sweeper lock TTLs cannot be negative")
	}
	return nil
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Environment == "development" || c.LoggerMode.Development
}
