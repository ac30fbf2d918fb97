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

package integration

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/efchatnet/efgroups/backend/clock"
	"github.com/efchatnet/efgroups/backend/handlers"
	"github.com/efchatnet/efgroups/backend/logger"
	"github.com/efchatnet/efgroups/backend/middleware"
	"github.com/efchatnet/efgroups/backend/service"
	"github.com/efchatnet/efgroups/backend/storage"
	"github.com/efchatnet/efgroups/backend/sweeper"
)

// GroupsIntegration provides ephemeral group chats as a plugin for efchat
type GroupsIntegration struct {
	store    storage.Store
	groups   *service.GroupService
	messages *service.MessageService
	sweeper  *sweeper.Sweeper

	groupHandler   *handlers.GroupHandler
	messageHandler *handlers.MessageHandler
	liveHandler    *handlers.LiveHandler

	jwtSecret string
	jwtIssuer string
}

// Config holds configuration for the groups integration. Feed, Directory
// and Locker are optional.
type Config struct {
	Store        storage.Store
	Feed         storage.Feed
	Directory    storage.Directory
	Locker       storage.Locker
	Clock        clock.Clock
	Logger       *slog.Logger
	StoreTimeout time.Duration
	Sweeper      sweeper.Config
	JWTSecret    string
	JWTIssuer    string
}

// New wires the services, the sweeper and the HTTP handlers over an
// already migrated store.
func New(config *Config) (*GroupsIntegration, error) {
	if config == nil || config.Store == nil {
		return nil, &ValidationError{Message: "a store is required"}
	}
	log := config.Logger
	if log == nil {
		log = logger.Discard()
	}

	deps := service.Deps{
		Groups:       config.Store,
		Messages:     config.Store,
		Feed:         config.Feed,
		Directory:    config.Directory,
		Clock:        config.Clock,
		Logger:       log,
		StoreTimeout: config.StoreTimeout,
	}
	groups := service.NewGroupService(deps)
	messages := service.NewMessageService(deps, groups)

	return &GroupsIntegration{
		store:          config.Store,
		groups:         groups,
		messages:       messages,
		sweeper:        sweeper.New(groups, messages, config.Locker, config.Sweeper, log),
		groupHandler:   handlers.NewGroupHandler(groups),
		messageHandler: handlers.NewMessageHandler(messages, groups),
		liveHandler:    handlers.NewLiveHandler(groups, messages, log),
		jwtSecret:      config.JWTSecret,
		jwtIssuer:      config.JWTIssuer,
	}, nil
}

// RegisterRoutes adds group routes to an existing router
// If authMiddleware is nil, it will use the built-in JWT validation
func (e *GroupsIntegration) RegisterRoutes(router *mux.Router, authMiddleware func(http.Handler) http.Handler) {
	api := router.PathPrefix("/api").Subrouter()

	if authMiddleware != nil {
		api.Use(authMiddleware)
	} else {
		api.Use(middleware.NewAuthMiddleware(e.jwtSecret, e.jwtIssuer))
	}

	// Static paths first so they are not captured by {groupId}.
	api.HandleFunc("/groups", e.groupHandler.CreateGroup).Methods("POST", "OPTIONS")
	api.HandleFunc("/groups", e.groupHandler.ListGroups).Methods("GET", "OPTIONS")
	api.HandleFunc("/groups/join", e.groupHandler.JoinGroup).Methods("POST", "OPTIONS")
	api.HandleFunc("/groups/latest", e.messageHandler.LatestMessages).Methods("GET", "OPTIONS")
	api.HandleFunc("/groups/ws", e.liveHandler.ObserveUserGroups).Methods("GET")

	// Group lifecycle
	api.HandleFunc("/groups/{groupId}", e.groupHandler.GetGroup).Methods("GET", "OPTIONS")
	api.HandleFunc("/groups/{groupId}", e.groupHandler.UpdateGroup).Methods("PATCH", "OPTIONS")
	api.HandleFunc("/groups/{groupId}", e.groupHandler.DeleteGroup).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/members", e.groupHandler.AddMember).Methods("POST", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/members/{userId}", e.groupHandler.RemoveMember).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/admins/{userId}", e.groupHandler.MakeAdmin).Methods("POST", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/admins/{userId}", e.groupHandler.RevokeAdmin).Methods("DELETE", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/join-code", e.groupHandler.RegenerateJoinCode).Methods("POST", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/remaining", e.groupHandler.RemainingTime).Methods("GET", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/ws", e.liveHandler.ObserveGroup).Methods("GET")

	// Messaging
	api.HandleFunc("/groups/{groupId}/messages", e.messageHandler.ListMessages).Methods("GET", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/messages", e.messageHandler.SendMessage).Methods("POST", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/messages/search", e.messageHandler.SearchMessages).Methods("GET", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/messages/ws", e.liveHandler.ObserveMessages).Methods("GET")
	api.HandleFunc("/groups/{groupId}/unread", e.messageHandler.UnreadCount).Methods("GET", "OPTIONS")
	api.HandleFunc("/groups/{groupId}/read", e.messageHandler.MarkGroupRead).Methods("POST", "OPTIONS")
	api.HandleFunc("/messages/{messageId}/read", e.messageHandler.MarkRead).Methods("POST", "OPTIONS")
	api.HandleFunc("/messages/{messageId}", e.messageHandler.EditMessage).Methods("PATCH", "OPTIONS")
	api.HandleFunc("/messages/{messageId}", e.messageHandler.DeleteMessage).Methods("DELETE", "OPTIONS")
}

// GetStore returns the underlying storage implementation
func (e *GroupsIntegration) GetStore() storage.Store {
	return e.store
}

func (e *GroupsIntegration) Groups() *service.GroupService {
	return e.groups
}

func (e *GroupsIntegration) Messages() *service.MessageService {
	return e.messages
}

// Sweeper returns the background expiry sweeper. The host decides where
// to run it.
func (e *GroupsIntegration) Sweeper() *sweeper.Sweeper {
	return e.sweeper
}

// ValidateSetup checks if the groups module is properly configured
func (e *GroupsIntegration) ValidateSetup(ctx context.Context) error {
	if err := e.store.Ping(ctx); err != nil {
		return errors.Join(&ValidationError{Message: "store is unreachable"}, err)
	}

	if e.jwtSecret == "" {
		return &ValidationError{Message: "JWT secret is not configured"}
	}

	return nil
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}
