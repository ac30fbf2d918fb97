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

package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/efchatnet/efgroups/backend/config"
	"github.com/efchatnet/efgroups/backend/integration"
	"github.com/efchatnet/efgroups/backend/logger"
	"github.com/efchatnet/efgroups/backend/middleware"
	"github.com/efchatnet/efgroups/backend/storage"
	"github.com/efchatnet/efgroups/backend/storage/memory"
	mongostore "github.com/efchatnet/efgroups/backend/storage/mongo"
	"github.com/efchatnet/efgroups/backend/storage/postgres"
	redisstore "github.com/efchatnet/efgroups/backend/storage/redis"
	"github.com/efchatnet/efgroups/backend/sweeper"
)

func main() {
	v, err := config.LoadConfig("config")
	if err != nil {
		slog.Error("Failed to load config", "err", err)
		os.Exit(1)
	}
	cfg, err := config.ParseConfig(v)
	if err != nil {
		slog.Error("Invalid config", "err", err)
		os.Exit(1)
	}

	log := logger.New(logger.Mode{
		Development: cfg.IsDevelopment(),
		Level:       cfg.LoggerMode.Level,
	})
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Error("Failed to open store", "driver", cfg.Storage.Driver, "err", err)
		os.Exit(1)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Storage.Timeout)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			log.Warn("Failed to close store", "err", err)
		}
	}()

	groupsCfg := &integration.Config{
		Store:        store,
		Logger:       log,
		StoreTimeout: cfg.Storage.Timeout,
		Sweeper: sweeper.Config{
			GroupInterval:   cfg.Sweeper.GroupInterval,
			MessageInterval: cfg.Sweeper.MessageInterval,
			GroupLockTTL:    cfg.Sweeper.GroupLockTTL,
			MessageLockTTL:  cfg.Sweeper.MessageLockTTL,
		},
		JWTSecret: cfg.JWT.Secret,
		JWTIssuer: cfg.JWT.Issuer,
	}

	if cfg.Storage.Driver == config.DriverMemory {
		groupsCfg.Feed = memory.NewFeed()
		groupsCfg.Locker = memory.NewLocker()
	} else {
		rdb := redis.NewClient(&redis.Options{
			Addr: cfg.Redis.Addr,
		})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			// single replica mode: in-process notifications, no sweep lease
			log.Warn("Redis unavailable, using in-process change feed", "addr", cfg.Redis.Addr, "err", err)
			groupsCfg.Feed = memory.NewFeed()
		} else {
			groupsCfg.Feed = redisstore.NewFeed(rdb)
			groupsCfg.Locker = redisstore.NewLocker(rdb)
			groupsCfg.Directory = redisstore.NewDirectory(rdb)
		}
	}

	groups, err := integration.New(groupsCfg)
	if err != nil {
		log.Error("Failed to initialise groups", "err", err)
		os.Exit(1)
	}
	if err := groups.ValidateSetup(ctx); err != nil {
		log.Error("Groups setup is invalid", "err", err)
		os.Exit(1)
	}

	// Setup router
	r := mux.NewRouter()
	r.Use(middleware.CORS)
	groups.RegisterRoutes(r, nil)

	// Health check (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		pingCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := store.Ping(pingCtx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("Store unavailable"))
			return
		}

		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	go groups.Sweeper().Run(ctx)

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("Graceful shutdown failed", "err", err)
		}
	}()

	log.Info("Groups server starting", "port", cfg.Server.Port, "driver", cfg.Storage.Driver, "jwt_issuer", cfg.JWT.Issuer)

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("Server failed", "err", err)
		os.Exit(1)
	}
	log.Info("Groups server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverMongo:
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return mongostore.Connect(connectCtx, cfg.Storage.MongoURL, cfg.Storage.MongoDB)
	case config.DriverMemory:
		return memory.NewStore(), nil
	default:
		db, err := sql.Open("postgres", cfg.Storage.DatabaseURL)
		if err != nil {
			return nil, err
		}
		store := postgres.NewStore(db)
		if err := store.Migrate(); err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	}
}
