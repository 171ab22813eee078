// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pashuai/agrichat/services/advisor/blob"
	"github.com/pashuai/agrichat/services/advisor/handlers"
	"github.com/pashuai/agrichat/services/advisor/services"
	"github.com/pashuai/agrichat/services/advisor/store"
)

// SetupRoutes registers all advisor endpoints on the router.
//
// When uploads is a *blob.LocalStore its directory is served under
// /uploads so locally stored image URLs resolve; with a remote object
// store the URLs point at the bucket and no static route is needed.
func SetupRoutes(router *gin.Engine, db *store.Store, turns *services.TurnService,
	uploads blob.ObjectStore) {

	router.GET("/healthz", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if local, ok := uploads.(*blob.LocalStore); ok {
		router.Static("/uploads", local.Dir())
	}

	api := router.Group("/api")
	{
		api.POST("/chat", handlers.HandleChat(turns))
		api.GET("/chat/stream", handlers.HandleChatStream(turns))
		api.POST("/analyze-image", handlers.HandleAnalyzeImage(turns))
		api.POST("/transcribe", handlers.HandleTranscribe())

		conversations := api.Group("/conversations")
		{
			conversations.POST("", handlers.CreateConversation(db))
			conversations.GET("", handlers.ListConversations(db))
			conversations.GET("/user/:userId", handlers.ListConversations(db))
			conversations.GET("/:id", handlers.GetConversation(db))
			conversations.GET("/:id/messages", handlers.GetConversationMessages(db))
			conversations.POST("/:id/messages", handlers.AppendMessage(db))
		}
	}
}
