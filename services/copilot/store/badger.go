// Copyright (C) 2025 Brightquay Labs (dev@brightquay.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/brightquay/helmsman/services/copilot/datatypes"
)

// Key layout:
//
//	session/<uuid>               -> JSON Session
//	msg/<session uuid>/<seq 20d> -> JSON Message
//
// The message sequence is global and zero-padded so lexicographic key
// order within a session equals append order.
const (
	sessionPrefix = "session/"
	messagePrefix = "msg/"
	messageSeqKey = "seq/message-id"
	seqBandwidth  = 128
)

// BadgerStore is the durable Store backed by an embedded Badger database.
type BadgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewBadgerStore opens (or creates) the database at path. An empty path
// opens a purely in-memory database, useful in tests.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger at %q: %w", path, err)
	}
	seq, err := db.GetSequence([]byte(messageSeqKey), seqBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("opening message id sequence: %w", err)
	}
	return &BadgerStore{db: db, seq: seq}, nil
}

func (s *BadgerStore) CreateSession(ctx context.Context, title string) (datatypes.Session, error) {
	now := time.Now().UTC()
	session := datatypes.Session{
		Id:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.putSession(session); err != nil {
		return datatypes.Session{}, err
	}
	return session, nil
}

func (s *BadgerStore) GetSession(ctx context.Context, id string) (datatypes.Session, error) {
	var session datatypes.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &session)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.Session{}, ErrSessionNotFound
	}
	if err != nil {
		return datatypes.Session{}, fmt.Errorf("loading session %s: %w", id, err)
	}
	return session, nil
}

func (s *BadgerStore) ListSessions(ctx context.Context) ([]datatypes.Session, error) {
	var sessions []datatypes.Session
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var session datatypes.Session
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &session)
			}); err != nil {
				return err
			}
			sessions = append(sessions, session)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}

	// Most recently updated first.
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})
	return sessions, nil
}

func (s *BadgerStore) DeleteSession(ctx context.Context, id string) error {
	// Collect message keys first; deleting while iterating the same
	// transaction's iterator is not supported.
	var keys [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(sessionKey(id)); err != nil {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messageSessionPrefix(id)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("collecting session %s for delete: %w", id, err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	if err := wb.Delete(sessionKey(id)); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("deleting messages of session %s: %w", id, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("deleting session %s: %w", id, err)
	}
	return nil
}

func (s *BadgerStore) AppendMessage(ctx context.Context, sessionID string, msg datatypes.Message) (datatypes.Message, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return datatypes.Message{}, err
	}

	next, err := s.seq.Next()
	if err != nil {
		return datatypes.Message{}, fmt.Errorf("allocating message id: %w", err)
	}
	msg.Id = int64(next) + 1 // sequence starts at 0; ids stay positive
	msg.SessionId = sessionID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return datatypes.Message{}, fmt.Errorf("encoding message: %w", err)
	}
	session.UpdatedAt = time.Now().UTC()
	sessionPayload, err := json.Marshal(session)
	if err != nil {
		return datatypes.Message{}, fmt.Errorf("encoding session: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(sessionID, msg.Id), payload); err != nil {
			return err
		}
		return txn.Set(sessionKey(sessionID), sessionPayload)
	})
	if err != nil {
		return datatypes.Message{}, fmt.Errorf("appending message to session %s: %w", sessionID, err)
	}
	return msg, nil
}

func (s *BadgerStore) ListMessages(ctx context.Context, sessionID string) ([]datatypes.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	var messages []datatypes.Message
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messageSessionPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var msg datatypes.Message
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &msg)
			}); err != nil {
				return err
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing messages of session %s: %w", sessionID, err)
	}
	return messages, nil
}

func (s *BadgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return fmt.Errorf("releasing message id sequence: %w", err)
	}
	return s.db.Close()
}

func (s *BadgerStore) putSession(session datatypes.Session) error {
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(session.Id), payload)
	})
	if err != nil {
		return fmt.Errorf("storing session %s: %w", session.Id, err)
	}
	return nil
}

func sessionKey(id string) []byte {
	return []byte(sessionPrefix + id)
}

func messageSessionPrefix(sessionID string) []byte {
	return []byte(messagePrefix + sessionID + "/")
}

func messageKey(sessionID string, id int64) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d", messagePrefix, sessionID, id))
}
