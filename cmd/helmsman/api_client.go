// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
)

// apiClient talks to the copilot service's REST endpoints. Streaming
// goes over the websocket opener, not through here.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) CreateSession(ctx context.Context, title string) (datatypes.Session, error) {
	var session datatypes.Session
	err := c.do(ctx, http.MethodPost, "/v1/copilot/sessions",
		datatypes.SessionCreateRequest{Title: title}, &session)
	return session, err
}

func (c *apiClient) GetSession(ctx context.Context, id string) (datatypes.Session, error) {
	var session datatypes.Session
	err := c.do(ctx, http.MethodGet, "/v1/copilot/sessions/"+id, nil, &session)
	return session, err
}

func (c *apiClient) ListSessions(ctx context.Context) ([]datatypes.Session, error) {
	var out struct {
		Sessions []datatypes.Session `json:"sessions"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/copilot/sessions", nil, &out)
	return out.Sessions, err
}

func (c *apiClient) ListMessages(ctx context.Context, sessionID string) ([]datatypes.Message, error) {
	var out struct {
		Messages []datatypes.Message `json:"messages"`
	}
	err := c.do(ctx, http.MethodGet, "/v1/copilot/sessions/"+sessionID+"/messages", nil, &out)
	return out.Messages, err
}

func (c *apiClient) DeleteSession(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/v1/copilot/sessions/"+id, nil, nil)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("calling %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&apiErr); decodeErr == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (status %d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response from %s: %w", path, err)
		}
	}
	return nil
}
