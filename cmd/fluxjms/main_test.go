// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/absmach/fluxjms/config"
	"github.com/absmach/fluxjms/storage"
	"github.com/absmach/fluxjms/storage/badger"
	"github.com/absmach/fluxjms/storage/file"
	"github.com/absmach/fluxjms/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	cases := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
	}
	for _, tc := range cases {
		for _, format := range []string{"text", "json"} {
			l := newLogger(config.LogConfig{Level: tc.level, Format: format})
			ctx := context.Background()
			assert.True(t, l.Enabled(ctx, tc.want), "%s/%s", tc.level, format)
			assert.False(t, l.Enabled(ctx, tc.want-1), "%s/%s", tc.level, format)
		}
	}
}

func TestNewStorage(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	cases := []struct {
		name    string
		cfg     config.StorageConfig
		check   func(t *testing.T, p storage.Provider)
		wantErr bool
	}{
		{
			name: "memory",
			cfg:  config.StorageConfig{Type: "memory"},
			check: func(t *testing.T, p storage.Provider) {
				_, ok := p.(*memory.Provider)
				assert.True(t, ok)
			},
		},
		{
			name: "file batched",
			cfg:  config.StorageConfig{Type: "file", Dir: t.TempDir(), Durability: "batched"},
			check: func(t *testing.T, p storage.Provider) {
				_, ok := p.(*file.Provider)
				assert.True(t, ok)
				assert.Equal(t, storage.Batched, p.Mode())
			},
		},
		{
			name: "badger",
			cfg:  config.StorageConfig{Type: "badger", Dir: t.TempDir(), Durability: "sync"},
			check: func(t *testing.T, p storage.Provider) {
				_, ok := p.(*badger.Provider)
				assert.True(t, ok)
				assert.Equal(t, storage.SyncEveryWrite, p.Mode())
			},
		},
		{
			name:    "unknown type",
			cfg:     config.StorageConfig{Type: "tape"},
			wantErr: true,
		},
		{
			name:    "bad durability",
			cfg:     config.StorageConfig{Type: "memory", Durability: "eventually"},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := newStorage(tc.cfg, logger)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer p.Close()
			tc.check(t, p)
		})
	}
}
