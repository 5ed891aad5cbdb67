// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store persists sessions and their message history. Two
// implementations share one behavioral contract: an in-memory store for
// tests and ephemeral runs, and a Badger-backed store for durable local
// persistence.
package store

import (
	"context"
	"errors"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
)

// ErrSessionNotFound is returned for operations on a session id that
// does not exist (or was deleted).
var ErrSessionNotFound = errors.New("session not found")

// Store is the persistence contract for sessions and messages.
//
// AppendMessage assigns the server message id: ids are positive and
// strictly increasing across the whole store, so a client can always
// distinguish a persisted message from an optimistic placeholder by
// sign. Messages within one session list in append order.
type Store interface {
	CreateSession(ctx context.Context, title string) (datatypes.Session, error)
	GetSession(ctx context.Context, id string) (datatypes.Session, error)
	ListSessions(ctx context.Context) ([]datatypes.Session, error)
	DeleteSession(ctx context.Context, id string) error

	AppendMessage(ctx context.Context, sessionID string, msg datatypes.Message) (datatypes.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]datatypes.Message, error)

	Close() error
}
