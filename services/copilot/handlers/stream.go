// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
	"github.com/brightquay/helmsman/services/copilot/observability"
	"github.com/brightquay/helmsman/services/copilot/producer"
	"github.com/brightquay/helmsman/services/copilot/store"
	"github.com/brightquay/helmsman/services/copilot/transcript"
)

const (
	// heartbeatInterval spaces the server pings that keep idle
	// intermediaries from dropping a quiet stream mid-turn.
	heartbeatInterval = 15 * time.Second

	// timeoutReplyText replaces the assistant content when a turn produced
	// nothing before the deadline.
	timeoutReplyText = "Response timed out."

	// emptyPromptReplyText answers a blank submission without invoking the
	// producer; the turn is still a complete ack/done exchange.
	emptyPromptReplyText = "No message provided."

	writeWait = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// StreamConfig tunes the stream handler.
type StreamConfig struct {
	// TurnTimeout bounds one turn's production time. Zero disables it.
	TurnTimeout time.Duration
}

// envelopeWriter serializes concurrent envelope and ping writes onto one
// websocket connection.
type envelopeWriter struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	metrics *observability.Metrics
}

func (w *envelopeWriter) write(env datatypes.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return err
	}
	w.metrics.EnvelopesSent.WithLabelValues(string(env.Type)).Inc()
	return nil
}

func (w *envelopeWriter) ping() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.PingMessage, nil)
}

// StreamTurn handles one turn on a session's stream channel.
//
// # Description
//
// The client dials ws://.../v1/copilot/sessions/{id}/stream and sends a
// ChatSendRequest as the first frame. The handler persists the user
// message, answers with an ack, streams status and delta envelopes while
// the producer runs, and terminates the turn with done (carrying the
// persisted assistant message) or error. The connection serves exactly
// one turn.
//
// A client that disconnects mid-turn cancels production silently: the
// partial assistant reply is discarded, not persisted.
func StreamTurn(st store.Store, runtime *producer.Runtime, metrics *observability.Metrics, cfg StreamConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		session, err := st.GetSession(c.Request.Context(), sessionID)
		if errors.Is(err, store.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		if err != nil {
			slog.Error("failed to load session for streaming", "session_id", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load session"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			slog.Error("failed to upgrade the websocket", "session_id", sessionID, "error", err)
			return
		}
		defer conn.Close()

		metrics.ActiveStreams.Inc()
		defer metrics.ActiveStreams.Dec()

		writer := &envelopeWriter{conn: conn, metrics: metrics}
		runTurn(c.Request.Context(), conn, writer, st, runtime, metrics, cfg, session)
	}
}

func runTurn(ctx context.Context, conn *websocket.Conn, writer *envelopeWriter,
	st store.Store, runtime *producer.Runtime, metrics *observability.Metrics,
	cfg StreamConfig, session datatypes.Session) {

	var req datatypes.ChatSendRequest
	if err := conn.ReadJSON(&req); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
			metrics.ProtocolErrors.WithLabelValues("malformed_frame").Inc()
			_ = writer.write(datatypes.NewError("malformed submission frame"))
			return
		}
		slog.Info("stream client disconnected before submitting", "session_id", session.Id, "error", err.Error())
		return
	}
	blank := strings.TrimSpace(req.Content) == ""
	if !blank {
		if err := req.Validate(); err != nil {
			metrics.ProtocolErrors.WithLabelValues("oversized_message").Inc()
			_ = writer.write(datatypes.NewError("invalid submission: " + err.Error()))
			return
		}
	}

	userMsg, err := st.AppendMessage(ctx, session.Id, datatypes.Message{
		Role:    datatypes.RoleUser,
		Content: req.Content,
	})
	if err != nil {
		slog.Error("failed to persist user message", "session_id", session.Id, "error", err)
		_ = writer.write(datatypes.NewError("failed to record message"))
		return
	}
	if err := writer.write(datatypes.NewAck(session, userMsg)); err != nil {
		slog.Info("stream client gone before ack", "session_id", session.Id, "error", err.Error())
		return
	}

	metrics.TurnsStarted.Inc()
	start := time.Now()

	if blank {
		// A blank submission still completes as a full turn, it just never
		// reaches the producer.
		assistantMsg, err := st.AppendMessage(ctx, session.Id, datatypes.Message{
			Role:    datatypes.RoleAssistant,
			Content: emptyPromptReplyText,
		})
		if err != nil {
			slog.Error("failed to persist assistant message", "session_id", session.Id, "error", err)
			_ = writer.write(datatypes.NewError("failed to record assistant reply"))
			metrics.TurnsCompleted.WithLabelValues("error").Inc()
			return
		}
		_ = writer.write(datatypes.NewDone(session, assistantMsg, nil))
		metrics.TurnsCompleted.WithLabelValues("done").Inc()
		metrics.TurnDuration.Observe(time.Since(start).Seconds())
		return
	}

	turnCtx := ctx
	var cancel context.CancelFunc
	if cfg.TurnTimeout > 0 {
		turnCtx, cancel = context.WithTimeout(ctx, cfg.TurnTimeout)
	} else {
		turnCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	// Reader goroutine: consumes control frames (pong) and detects a
	// client disconnect, which cancels production. clientGone closes
	// before the cancel so finishTurn always sees the disconnect first.
	clientGone := make(chan struct{})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(clientGone)
				cancel()
				return
			}
		}
	}()

	// Heartbeat pinger.
	pingDone := make(chan struct{})
	go func() {
		defer close(pingDone)
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := writer.ping(); err != nil {
					cancel()
					return
				}
			case <-turnCtx.Done():
				return
			}
		}
	}()
	defer func() { cancel(); <-pingDone }()

	// The server folds its own transcript so the persisted assistant
	// message carries the finalized tool-call records.
	agg := transcript.NewAggregator(slog.Default())
	result, prodErr := runtime.StreamReply(turnCtx, session.Id, req.Content,
		func(text string) {
			agg.ApplyDelta(text)
			_ = writer.write(datatypes.NewDelta(text))
		},
		func(phase datatypes.Phase, message string, toolInput map[string]any) {
			agg.ApplyStatus(phase, message, toolInput)
			_ = writer.write(datatypes.NewStatus(phase, message, toolInput))
		},
	)

	outcome := finishTurn(ctx, writer, st, session, result, prodErr, agg, clientGone)
	metrics.TurnsCompleted.WithLabelValues(outcome).Inc()
	metrics.TurnDuration.Observe(time.Since(start).Seconds())
	slog.Info("turn finished", "session_id", session.Id, "outcome", outcome,
		"duration_ms", time.Since(start).Milliseconds())
}

// finishTurn resolves the terminal envelope and persistence for one turn
// and names the outcome for metrics.
func finishTurn(ctx context.Context, writer *envelopeWriter, st store.Store,
	session datatypes.Session, result producer.ReplyResult, prodErr error,
	agg *transcript.Aggregator, clientGone <-chan struct{}) string {

	select {
	case <-clientGone:
		// The client hung up; nothing to persist, nobody to notify.
		return "cancelled"
	default:
	}

	content := result.Content
	switch {
	case prodErr == nil:
		// A finalized assistant message is never empty.
		if strings.TrimSpace(content) == "" {
			content = "No response generated."
		}
	case errors.Is(prodErr, context.Canceled):
		// Cancellation never reaches the producer except through a
		// disconnect or server shutdown; either way the turn is aborted,
		// not failed.
		return "cancelled"
	case errors.Is(prodErr, context.DeadlineExceeded):
		// A timed-out turn still completes: the partial reply (or a
		// placeholder) is persisted so the conversation stays coherent.
		if strings.TrimSpace(content) == "" {
			content = timeoutReplyText
		}
	default:
		slog.Error("turn production failed", "session_id", session.Id, "error", prodErr)
		_ = writer.write(datatypes.NewError("assistant failed to respond: " + prodErr.Error()))
		return "error"
	}

	assistantMsg, err := st.AppendMessage(ctx, session.Id, datatypes.Message{
		Role:      datatypes.RoleAssistant,
		Content:   content,
		ToolCalls: transcript.FoldSegments(agg.Segments()),
	})
	if err != nil {
		slog.Error("failed to persist assistant message", "session_id", session.Id, "error", err)
		_ = writer.write(datatypes.NewError("failed to record assistant reply"))
		return "error"
	}

	if err := writer.write(datatypes.NewDone(session, assistantMsg, result.StopReason)); err != nil {
		slog.Info("stream client gone before done", "session_id", session.Id, "error", err.Error())
		return "cancelled"
	}
	if prodErr != nil {
		return "timeout"
	}
	return "done"
}
