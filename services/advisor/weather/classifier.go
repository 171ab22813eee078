// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package weather answers weather questions directly, bypassing the
// generative model for that turn.
package weather

import (
	"regexp"
	"strings"
)

// IntentClassifier decides whether a chat message is asking about
// weather or temperature. Pluggable so the keyword heuristic can later
// be swapped for a trained intent model without touching the turn
// controller.
type IntentClassifier interface {
	IsWeatherQuery(message string) bool
}

// weatherKeywords covers English terms, transliterated Hindi terms and
// the misspellings farmers actually type.
var weatherKeywords = []string{
	// English keywords
	"temperature", "weather", "forecast", "hot", "cold", "rain", "sunny",
	"climate", "degrees", "celsius", "fahrenheit",

	// Hindi keywords
	"tapman", "taapman", "tapmaan", "mausam", "mosam", "garmi",
	"thand", "barish", "dhoop", "jalvayu", "degree",

	// Common misspellings and variations
	"temp", "whether", "forcast", "temprature",
	"tapamaan", "taapmaan", "tapamana",
}

// weatherPhrases are multi-word Hindi constructions checked before the
// single keywords.
var weatherPhrases = []string{
	"aaj ka tapman",
	"aaj ka mausam",
	"tapman kya hai",
	"kitna garam",
	"kitna thanda",
}

// KeywordClassifier is the default IntentClassifier: case-insensitive
// substring matching against the keyword and phrase lists.
type KeywordClassifier struct{}

// NewKeywordClassifier returns the default keyword-based classifier.
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

// IsWeatherQuery reports whether the message asks about weather.
func (c *KeywordClassifier) IsWeatherQuery(message string) bool {
	lower := strings.ToLower(message)
	for _, phrase := range weatherPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	for _, keyword := range weatherKeywords {
		if strings.Contains(lower, keyword) {
			return true
		}
	}
	return false
}

// locationPatterns are tried in order; the first capture longer than two
// characters wins. They cover English prepositional phrases, the
// "X weather" form, and transliterated Hindi possessives.
var locationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)in\s+([a-zA-Z\s]+)(?:\?|$)`),
	regexp.MustCompile(`(?i)at\s+([a-zA-Z\s]+)(?:\?|$)`),
	regexp.MustCompile(`(?i)for\s+([a-zA-Z\s]+)(?:\?|$)`),
	regexp.MustCompile(`(?i)(?:weather|temperature)\s+(?:in|at|of)\s+([a-zA-Z\s]+)(?:\?|$)`),
	regexp.MustCompile(`(?i)(?:weather|temperature)\s+for\s+([a-zA-Z\s]+)(?:\?|$)`),
	regexp.MustCompile(`(?i)([a-zA-Z\s]+)\s+(?:weather|temperature)(?:\?|$)`),
	regexp.MustCompile(`(?i)(?:mein|me)\s+([a-zA-Z\s]+)(?:\?|$)`),
	regexp.MustCompile(`(?i)([a-zA-Z\s]+)\s+(?:ka|ki|ke)\s+(?:tapman|mausam)(?:\?|$)`),
	regexp.MustCompile(`(?i)(?:tapman|mausam)\s+(?:ka|ki|ke)\s+([a-zA-Z\s]+)(?:\?|$)`),
}

// ExtractLocation pulls an explicit location mention out of a weather
// query. Returns "" when no pattern captures more than two characters;
// the caller then falls back to the default location and IP geolocation.
func ExtractLocation(message string) string {
	for _, pattern := range locationPatterns {
		match := pattern.FindStringSubmatch(message)
		if len(match) > 1 {
			location := strings.TrimSpace(match[1])
			if len(location) > 2 {
				return location
			}
		}
	}
	return ""
}
