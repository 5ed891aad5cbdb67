// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
)

// Both implementations must satisfy the same behavioral contract.
func TestStoreImplementations(t *testing.T) {
	impls := map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"badger": func(t *testing.T) Store {
			s, err := NewBadgerStore("")
			require.NoError(t, err)
			return s
		},
	}

	for name, open := range impls {
		t.Run(name, func(t *testing.T) {
			t.Run("SessionLifecycle", func(t *testing.T) {
				s := open(t)
				defer func() { _ = s.Close() }()
				testSessionLifecycle(t, s)
			})
			t.Run("MessageAppendOrder", func(t *testing.T) {
				s := open(t)
				defer func() { _ = s.Close() }()
				testMessageAppendOrder(t, s)
			})
			t.Run("DeleteRemovesMessages", func(t *testing.T) {
				s := open(t)
				defer func() { _ = s.Close() }()
				testDeleteRemovesMessages(t, s)
			})
			t.Run("NotFoundErrors", func(t *testing.T) {
				s := open(t)
				defer func() { _ = s.Close() }()
				testNotFoundErrors(t, s)
			})
			t.Run("ToolCallsRoundTrip", func(t *testing.T) {
				s := open(t)
				defer func() { _ = s.Close() }()
				testToolCallsRoundTrip(t, s)
			})
		})
	}
}

func testSessionLifecycle(t *testing.T, s Store) {
	ctx := context.Background()

	created, err := s.CreateSession(ctx, "Portfolio review")
	require.NoError(t, err)
	require.NotEmpty(t, created.Id)
	assert.Equal(t, "Portfolio review", created.Title)

	got, err := s.GetSession(ctx, created.Id)
	require.NoError(t, err)
	assert.Equal(t, created.Id, got.Id)

	second, err := s.CreateSession(ctx, "Dividend check")
	require.NoError(t, err)

	sessions, err := s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	require.NoError(t, s.DeleteSession(ctx, created.Id))
	sessions, err = s.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, second.Id, sessions[0].Id)
}

func testMessageAppendOrder(t *testing.T, s Store) {
	ctx := context.Background()
	session, err := s.CreateSession(ctx, "t")
	require.NoError(t, err)

	first, err := s.AppendMessage(ctx, session.Id, datatypes.Message{Role: datatypes.RoleUser, Content: "Hi"})
	require.NoError(t, err)
	second, err := s.AppendMessage(ctx, session.Id, datatypes.Message{Role: datatypes.RoleAssistant, Content: "Hello there"})
	require.NoError(t, err)

	assert.Positive(t, first.Id)
	assert.Greater(t, second.Id, first.Id, "server ids are strictly increasing")
	assert.Equal(t, session.Id, first.SessionId)
	assert.False(t, first.CreatedAt.IsZero())

	messages, err := s.ListMessages(ctx, session.Id)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "Hi", messages[0].Content)
	assert.Equal(t, "Hello there", messages[1].Content)
}

func testDeleteRemovesMessages(t *testing.T, s Store) {
	ctx := context.Background()
	session, err := s.CreateSession(ctx, "t")
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, session.Id, datatypes.Message{Role: datatypes.RoleUser, Content: "Hi"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteSession(ctx, session.Id))
	_, err = s.ListMessages(ctx, session.Id)
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func testNotFoundErrors(t *testing.T, s Store) {
	ctx := context.Background()

	_, err := s.GetSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	err = s.DeleteSession(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = s.AppendMessage(ctx, "missing", datatypes.Message{Role: datatypes.RoleUser, Content: "x"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = s.ListMessages(ctx, "missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func testToolCallsRoundTrip(t *testing.T, s Store) {
	ctx := context.Background()
	session, err := s.CreateSession(ctx, "t")
	require.NoError(t, err)

	msg := datatypes.Message{
		Role:    datatypes.RoleAssistant,
		Content: "done",
		ToolCalls: []datatypes.ToolCallEntry{
			{Phase: "tool_start", Message: "Running holdings_summary", ToolInput: map[string]any{"account": "all"}},
			{Phase: "subagent", Message: "RiskAnalyst finished", Nested: []datatypes.ToolCallEntry{
				{Phase: "tool_start", Message: "Fetching rates"},
			}},
		},
	}
	_, err = s.AppendMessage(ctx, session.Id, msg)
	require.NoError(t, err)

	messages, err := s.ListMessages(ctx, session.Id)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	require.Len(t, messages[0].ToolCalls, 2)
	assert.Equal(t, "Running holdings_summary", messages[0].ToolCalls[0].Message)
	require.Len(t, messages[0].ToolCalls[1].Nested, 1)
}
