// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers implements the copilot service's HTTP surface: the
// session CRUD endpoints and the per-session websocket stream.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
	"github.com/brightquay/helmsman/services/copilot/producer"
	"github.com/brightquay/helmsman/services/copilot/store"
)

// CreateSession creates a new chat session.
func CreateSession(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.SessionCreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if err := req.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		session, err := st.CreateSession(c.Request.Context(), req.Title)
		if err != nil {
			slog.Error("failed to create session", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
			return
		}
		slog.Info("session created", "session_id", session.Id)
		c.JSON(http.StatusCreated, session)
	}
}

// ListSessions lists all sessions, most recently active first.
func ListSessions(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions, err := st.ListSessions(c.Request.Context())
		if err != nil {
			slog.Error("failed to list sessions", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

// GetSession returns one session by id.
func GetSession(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		session, err := st.GetSession(c.Request.Context(), c.Param("sessionId"))
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			slog.Error("failed to load session", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}
		c.JSON(http.StatusOK, session)
	}
}

// ListMessages returns a session's full message history in append order.
func ListMessages(st store.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		messages, err := st.ListMessages(c.Request.Context(), c.Param("sessionId"))
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			slog.Error("failed to list messages", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"messages": messages})
	}
}

// DeleteSession removes a session, its history, and any producer state.
func DeleteSession(st store.Store, runtime *producer.Runtime) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		err := st.DeleteSession(c.Request.Context(), sessionID)
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			slog.Error("failed to delete session", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
			return
		}

		runtime.Drop(sessionID)
		slog.Info("session deleted", "session_id", sessionID)
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": sessionID})
	}
}
