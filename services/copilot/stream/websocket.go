// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
)

// WebsocketOpener dials the copilot service's per-session stream
// endpoint and submits the user message as the first frame.
type WebsocketOpener struct {
	// BaseURL is the service root, e.g. "http://localhost:12300".
	// http/https are rewritten to ws/wss.
	BaseURL string

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer

	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// Open implements Opener.
func (o *WebsocketOpener) Open(ctx context.Context, sessionID string, req datatypes.ChatSendRequest) (Transport, error) {
	endpoint, err := o.streamURL(sessionID)
	if err != nil {
		return nil, err
	}

	dialer := o.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dialing %s (status %d): %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", endpoint, err)
	}

	if err := conn.WriteJSON(req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("submitting message on %s: %w", endpoint, err)
	}

	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &wsTransport{conn: conn, logger: logger}, nil
}

func (o *WebsocketOpener) streamURL(sessionID string) (string, error) {
	u, err := url.Parse(o.BaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", o.BaseURL, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in base URL", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/copilot/sessions/" + url.PathEscape(sessionID) + "/stream"
	return u.String(), nil
}

// wsTransport adapts a gorilla connection to the Transport interface.
//
// Envelopes with an unknown status phase are a protocol error scoped to
// the single frame: logged and skipped here so the turn survives them.
// Any other malformed frame is fatal for the turn.
type wsTransport struct {
	conn   *websocket.Conn
	logger *slog.Logger
}

func (t *wsTransport) ReadEnvelope() (datatypes.Envelope, error) {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return datatypes.Envelope{}, err
		}
		env, err := datatypes.DecodeEnvelope(data)
		if err != nil {
			if errors.Is(err, datatypes.ErrUnknownPhase) {
				t.logger.Warn("dropping status envelope with unknown phase", "error", err)
				continue
			}
			return datatypes.Envelope{}, err
		}
		return env, nil
	}
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
