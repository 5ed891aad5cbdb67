// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes wires the copilot service's HTTP routes.
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/brightquay/helmsman/services/copilot/handlers"
	"github.com/brightquay/helmsman/services/copilot/observability"
	"github.com/brightquay/helmsman/services/copilot/producer"
	"github.com/brightquay/helmsman/services/copilot/store"
)

// Deps are the resolved dependencies the routes need.
type Deps struct {
	Store   store.Store
	Runtime *producer.Runtime
	Metrics *observability.Metrics
	Stream  handlers.StreamConfig
}

// SetupRouter builds the gin engine with all copilot routes attached.
func SetupRouter(deps Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("helmsman-copilot"))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1/copilot")
	{
		v1.POST("/sessions", handlers.CreateSession(deps.Store))
		v1.GET("/sessions", handlers.ListSessions(deps.Store))
		v1.GET("/sessions/:sessionId", handlers.GetSession(deps.Store))
		v1.GET("/sessions/:sessionId/messages", handlers.ListMessages(deps.Store))
		v1.DELETE("/sessions/:sessionId", handlers.DeleteSession(deps.Store, deps.Runtime))
		v1.GET("/sessions/:sessionId/stream", handlers.StreamTurn(deps.Store, deps.Runtime, deps.Metrics, deps.Stream))
	}

	return router
}
