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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T) (*Config, error) {
	t.Helper()
	v, err := LoadConfig("efgroups-test-missing")
	require.NoError(t, err)
	return ParseConfig(v)
}

func TestDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")

	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.Server.Port)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, 5*time.Second, cfg.Storage.Timeout)
	assert.Equal(t, "efchat", cfg.JWT.Issuer)
	assert.Equal(t, time.Hour, cfg.Sweeper.GroupInterval)
	assert.Equal(t, 30*time.Second, cfg.Sweeper.MessageInterval)
	assert.Zero(t, cfg.Sweeper.GroupLockTTL)
	assert.Zero(t, cfg.Sweeper.MessageLockTTL)
	assert.Equal(t, "info", cfg.LoggerMode.Level)
	assert.True(t, cfg.IsDevelopment())
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PORT", "9090")
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("STORAGE_DRIVER", " Mongo ")
	t.Setenv("STORE_TIMEOUT", "750ms")
	t.Setenv("SWEEP_MESSAGES_EVERY", "5s")
	t.Setenv("SWEEP_GROUPS_LOCK_TTL", "2h")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, DriverMongo, cfg.Storage.Driver)
	assert.Equal(t, 750*time.Millisecond, cfg.Storage.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Sweeper.MessageInterval)
	assert.Equal(t, 2*time.Hour, cfg.Sweeper.GroupLockTTL)
	assert.Equal(t, "debug", cfg.LoggerMode.Level)
	assert.False(t, cfg.IsDevelopment())
}

func TestSecretIsRequired(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	_, err := load(t)
	assert.Error(t, err)
}

func TestUnknownDriver(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("STORAGE_DRIVER", "cassandra")
	_, err := load(t)
	assert.ErrorContains(t, err, "cassandra")
}

func TestValidateDurations(t *testing.T) {
	cfg := Config{
		Storage: Storage{Driver: DriverMemory, Timeout: time.Second},
		JWT:     JWT{Secret: "s"},
		Sweeper: Sweeper{GroupInterval: time.Minute},
	}
	assert.Error(t, cfg.Validate())

	cfg.Sweeper.MessageInterval = time.Second
	assert.NoError(t, cfg.Validate())

	cfg.Sweeper.GroupLockTTL = -time.Second
	assert.Error(t, cfg.Validate())
}
