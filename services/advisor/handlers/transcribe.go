// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleTranscribe handles POST /api/transcribe.
//
// Server-side transcription is not offered; speech recognition runs in
// the browser via the Web Speech API. The endpoint exists so older
// clients that still upload audio get a deterministic redirect message
// instead of a 404.
func HandleTranscribe() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, err := c.FormFile("audio"); err != nil {
			// The message text is what deployed clients already match on.
			c.JSON(http.StatusBadRequest, gin.H{
				"message":       "Only image files are allowed!",
				"transcription": "",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":       "Using browser speech recognition",
			"transcription": "Please speak again using the microphone button",
		})
	}
}
