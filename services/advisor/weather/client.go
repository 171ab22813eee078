// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultWeatherBaseURL = "https://api.openweathermap.org/data/2.5"
	defaultGeoURL         = "https://ipapi.co/json/"
)

// Observation is a current-weather reading from OpenWeatherMap.
type Observation struct {
	Name string `json:"name"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Humidity  int     `json:"humidity"`
	} `json:"main"`
	Weather []struct {
		Main        string `json:"main"`
		Description string `json:"description"`
		Icon        string `json:"icon"`
	} `json:"weather"`
	Wind struct {
		Speed float64 `json:"speed"`
	} `json:"wind"`
	Sys struct {
		Country string `json:"country"`
	} `json:"sys"`
}

// Description returns the first weather condition description, or ""
// when the provider sent none.
func (o *Observation) Description() string {
	if len(o.Weather) == 0 {
		return ""
	}
	return o.Weather[0].Description
}

// Client looks up current weather from OpenWeatherMap, with ipapi.co IP
// geolocation as the last-resort location source.
type Client struct {
	httpClient *http.Client
	baseURL    string
	geoURL     string
	apiKey     string
}

// NewClient builds a weather client from OPENWEATHER_API_KEY. Base URLs
// are overridable via WEATHER_BASE_URL and WEATHER_GEO_URL for tests.
func NewClient() (*Client, error) {
	apiKey := os.Getenv("OPENWEATHER_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("OPENWEATHER_API_KEY environment variable not set")
	}
	baseURL := os.Getenv("WEATHER_BASE_URL")
	if baseURL == "" {
		baseURL = defaultWeatherBaseURL
	}
	geoURL := os.Getenv("WEATHER_GEO_URL")
	if geoURL == "" {
		geoURL = defaultGeoURL
	}
	return &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		geoURL:     geoURL,
		apiKey:     apiKey,
	}, nil
}

// CurrentByLocation fetches current weather for a location name
// ("Pune" or "Pune,IN"), metric units.
func (c *Client) CurrentByLocation(ctx context.Context, location string) (*Observation, error) {
	u := fmt.Sprintf("%s/weather?q=%s&units=metric&appid=%s",
		c.baseURL, url.QueryEscape(location), c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating weather request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("weather lookup returned status %d: %s", resp.StatusCode, string(body))
	}

	var obs Observation
	if err := json.NewDecoder(resp.Body).Decode(&obs); err != nil {
		return nil, fmt.Errorf("decoding weather response: %w", err)
	}
	return &obs, nil
}

// ipLocation is the subset of the ipapi.co payload we use.
type ipLocation struct {
	City    string `json:"city"`
	Country string `json:"country"`
}

// CurrentByIP geolocates the server's public IP and fetches weather for
// that city. Last resort in the location resolution chain.
func (c *Client) CurrentByIP(ctx context.Context) (*Observation, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.geoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating geolocation request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geolocation lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geolocation lookup returned status %d", resp.StatusCode)
	}

	var loc ipLocation
	if err := json.NewDecoder(resp.Body).Decode(&loc); err != nil {
		return nil, fmt.Errorf("decoding geolocation response: %w", err)
	}
	if loc.City == "" {
		return nil, fmt.Errorf("geolocation returned no city")
	}

	slog.Debug("Resolved location from IP", "city", loc.City, "country", loc.Country)
	return c.CurrentByLocation(ctx, fmt.Sprintf("%s,%s", loc.City, loc.Country))
}
