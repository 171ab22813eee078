// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package weather

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Interceptor answers weather questions before a chat turn reaches the
// generative model.
//
// # Description
//
// Location resolution runs in a fixed chain: an explicit location in the
// message, then the configured default location, then IP geolocation.
// A successful lookup is formatted into a chat-friendly sentence in the
// requested language and the model is bypassed for that turn. Every
// failure along the way is swallowed; the caller falls through to normal
// generation so the user's question is always answered by some path.
type Interceptor struct {
	classifier      IntentClassifier
	client          *Client
	cache           *Cache
	defaultLocation string
	tracer          trace.Tracer
}

// NewInterceptor wires the interception chain. cache may be nil to
// disable caching; defaultLocation may be empty to skip that rung of the
// fallback chain. Panics on a nil classifier or client.
func NewInterceptor(classifier IntentClassifier, client *Client,
	cache *Cache, defaultLocation string) *Interceptor {

	if classifier == nil {
		panic("NewInterceptor: classifier must not be nil")
	}
	if client == nil {
		panic("NewInterceptor: client must not be nil")
	}
	return &Interceptor{
		classifier:      classifier,
		client:          client,
		cache:           cache,
		defaultLocation: defaultLocation,
		tracer:          otel.Tracer("agrichat.advisor.weather"),
	}
}

// Intercept inspects the message and, for weather questions it can
// resolve, returns the formatted answer and true. Any other outcome
// (not a weather question, all lookups failed) returns "" and false.
func (i *Interceptor) Intercept(ctx context.Context, message, language string) (string, bool) {
	if !i.classifier.IsWeatherQuery(message) {
		return "", false
	}

	ctx, span := i.tracer.Start(ctx, "Interceptor.Intercept")
	defer span.End()

	obs := i.resolve(ctx, message)
	if obs == nil {
		span.SetAttributes(attribute.Bool("weather.resolved", false))
		slog.Debug("Weather interception found no observation, falling through to generation")
		return "", false
	}
	span.SetAttributes(
		attribute.Bool("weather.resolved", true),
		attribute.String("weather.location", obs.Name),
	)
	return FormatResponse(obs, language), true
}

// resolve walks the location chain: explicit mention, configured
// default, IP geolocation. Lookup errors are logged and swallowed.
func (i *Interceptor) resolve(ctx context.Context, message string) *Observation {
	if location := ExtractLocation(message); location != "" {
		if obs := i.lookup(ctx, location); obs != nil {
			return obs
		}
	}
	if i.defaultLocation != "" {
		if obs := i.lookup(ctx, i.defaultLocation); obs != nil {
			return obs
		}
	}
	obs, err := i.client.CurrentByIP(ctx)
	if err != nil {
		slog.Warn("IP-geolocated weather lookup failed", "error", err)
		return nil
	}
	return obs
}

// lookup fetches current weather for a named location, cache first.
func (i *Interceptor) lookup(ctx context.Context, location string) *Observation {
	if i.cache != nil {
		if obs := i.cache.Get(location); obs != nil {
			return obs
		}
	}
	obs, err := i.client.CurrentByLocation(ctx, location)
	if err != nil {
		slog.Warn("Weather lookup failed", "location", location, "error", err)
		return nil
	}
	if i.cache != nil {
		i.cache.Put(location, obs)
	}
	return obs
}

// FormatResponse renders an observation as a chat answer. Hindi output
// for "hi" (or any language naming Hindi), English otherwise; other
// languages are not specially handled.
func FormatResponse(obs *Observation, language string) string {
	if language == "hi" || strings.Contains(strings.ToLower(language), "hindi") {
		return fmt.Sprintf(`%s, %s में वर्तमान तापमान %.1f°C है।
मौसम की स्थिति: %s।
आर्द्रता: %d%%।
हवा की गति: %.1f मीटर/सेकंड।`,
			obs.Name, obs.Sys.Country, obs.Main.Temp, obs.Description(),
			obs.Main.Humidity, obs.Wind.Speed)
	}
	return fmt.Sprintf(`Current temperature in %s, %s is %.1f°C.
Weather condition: %s.
Humidity: %d%%.
Wind speed: %.1f m/s.`,
		obs.Name, obs.Sys.Country, obs.Main.Temp, obs.Description(),
		obs.Main.Humidity, obs.Wind.Speed)
}
