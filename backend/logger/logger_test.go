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

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductionLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, Mode{Level: "warn"})

	log.Info("dropped")
	log.Warn("group sweep failed", "group_id", "g1")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "group sweep failed", entry["msg"])
	assert.Equal(t, "g1", entry["group_id"])
}

func TestDevelopmentLoggerWritesText(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, Mode{Development: true, Level: "debug"}).Debug("hello", "k", "v")
	assert.Contains(t, buf.String(), "msg=hello k=v")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel(" DEBUG "))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("nonsense"))
}
