// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
)

// MemoryStore is the in-process Store, used by tests and ephemeral runs.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	nextId   int64
}

type memorySession struct {
	session  datatypes.Session
	messages []datatypes.Message
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memorySession)}
}

func (s *MemoryStore) CreateSession(ctx context.Context, title string) (datatypes.Session, error) {
	now := time.Now().UTC()
	session := datatypes.Session{
		Id:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	s.sessions[session.Id] = &memorySession{session: session}
	s.mu.Unlock()
	return session, nil
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (datatypes.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return datatypes.Session{}, ErrSessionNotFound
	}
	return rec.session, nil
}

// ListSessions returns all sessions, most recently updated first.
func (s *MemoryStore) ListSessions(ctx context.Context) ([]datatypes.Session, error) {
	s.mu.RLock()
	sessions := make([]datatypes.Session, 0, len(s.sessions))
	for _, rec := range s.sessions {
		sessions = append(sessions, rec.session)
	}
	s.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return ErrSessionNotFound
	}
	delete(s.sessions, id)
	return nil
}

func (s *MemoryStore) AppendMessage(ctx context.Context, sessionID string, msg datatypes.Message) (datatypes.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return datatypes.Message{}, ErrSessionNotFound
	}

	s.nextId++
	msg.Id = s.nextId
	msg.SessionId = sessionID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	rec.messages = append(rec.messages, msg)
	rec.session.UpdatedAt = time.Now().UTC()
	return msg, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, sessionID string) ([]datatypes.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return append([]datatypes.Message(nil), rec.messages...), nil
}

func (s *MemoryStore) Close() error { return nil }
