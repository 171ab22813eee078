// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package store implements SQLite persistence for conversations and
// messages.
package store

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	_ "modernc.org/sqlite"

	"github.com/pashuai/agrichat/services/advisor/datatypes"
)

// ErrConversationNotFound is returned when a conversation id does not
// exist. Message writes against a missing conversation return this too,
// so callers can map it to a 404.
var ErrConversationNotFound = errors.New("conversation not found")

// ErrMessageNotFound is returned when a message id does not exist.
var ErrMessageNotFound = errors.New("message not found")

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	user_id    TEXT,
	title      TEXT NOT NULL,
	language   TEXT NOT NULL DEFAULT 'en',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS messages (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	conversation_id TEXT NOT NULL REFERENCES conversations(id),
	role            TEXT NOT NULL,
	content         TEXT NOT NULL,
	image_url       TEXT,
	audio_url       TEXT,
	metadata        TEXT,
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_messages_conversation
	ON messages(conversation_id, created_at, seq);
CREATE INDEX IF NOT EXISTS idx_conversations_user
	ON conversations(user_id, updated_at);
`

// Store implements a SQLite store for conversations and messages.
//
// # Description
//
// Conversations own their messages through a foreign key. Message order
// within a conversation is ascending creation time, with an
// autoincrement sequence as the tiebreaker so same-millisecond writes
// keep insertion order. All timestamps are Unix milliseconds UTC.
//
// # Assumptions
//
//   - The *sql.DB pool is safe for concurrent use; the store keeps no
//     other mutable state.
type Store struct {
	db     *sql.DB
	tracer trace.Tracer
}

// New opens (creating if necessary) the SQLite database at dbPath and
// ensures the schema exists. Foreign key enforcement is switched on for
// every connection through the DSN.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=foreign_keys(1)")
	if err != nil {
		return nil, errors.Wrap(err, "opening database")
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "creating schema")
	}
	slog.Info("Conversation store ready", "path", dbPath)
	return &Store{
		db:     db,
		tracer: otel.Tracer("agrichat.advisor.store"),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateConversation persists a new conversation and returns it.
func (s *Store) CreateConversation(ctx context.Context, userID *string,
	title, language string) (*datatypes.Conversation, error) {

	ctx, span := s.tracer.Start(ctx, "Store.CreateConversation")
	defer span.End()

	conv := datatypes.NewConversation(userID, title, language)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, language, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, conv.ID, conv.UserID, conv.Title, conv.Language, conv.CreatedAt, conv.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "inserting conversation")
	}
	return conv, nil
}

// GetConversation fetches one conversation by id. Returns
// ErrConversationNotFound for an unknown id.
func (s *Store) GetConversation(ctx context.Context, id string) (*datatypes.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "Store.GetConversation")
	defer span.End()

	conv := &datatypes.Conversation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, language, created_at, updated_at
		FROM conversations
		WHERE id = ?
	`, id).Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Language,
		&conv.CreatedAt, &conv.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying conversation")
	}
	return conv, nil
}

// ConversationUpdate carries the mutable conversation fields for
// UpdateConversation. Nil fields are left unchanged.
type ConversationUpdate struct {
	Title    *string
	Language *string
}

// UpdateConversation applies a partial update and refreshes updated_at.
// Returns ErrConversationNotFound for an unknown id.
func (s *Store) UpdateConversation(ctx context.Context, id string, update ConversationUpdate) error {
	ctx, span := s.tracer.Start(ctx, "Store.UpdateConversation")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET title      = COALESCE(?, title),
		    language   = COALESCE(?, language),
		    updated_at = ?
		WHERE id = ?
	`, update.Title, update.Language, nowMillis(), id)
	if err != nil {
		return errors.Wrap(err, "updating conversation")
	}
	return checkFound(res, ErrConversationNotFound)
}

// TouchConversation refreshes updated_at to now. Called after every
// completed message exchange.
func (s *Store) TouchConversation(ctx context.Context, id string) error {
	return s.UpdateConversation(ctx, id, ConversationUpdate{})
}

// CreateMessage persists a new message in the conversation. Returns
// ErrConversationNotFound when the conversation does not exist, keeping
// the referential failure distinguishable from storage failures.
func (s *Store) CreateMessage(ctx context.Context, msg *datatypes.Message) (*datatypes.Message, error) {
	ctx, span := s.tracer.Start(ctx, "Store.CreateMessage")
	defer span.End()

	// Explicit existence check: the driver's FK violation error is not
	// typed, and callers need a 404-able error.
	if _, err := s.GetConversation(ctx, msg.ConversationID); err != nil {
		return nil, err
	}

	var metadata *string
	if len(msg.Metadata) > 0 {
		m := string(msg.Metadata)
		metadata = &m
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, image_url, audio_url, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID, msg.Role, msg.Content,
		msg.ImageURL, msg.AudioURL, metadata, msg.CreatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "inserting message")
	}
	return msg, nil
}

// GetMessage fetches one message by id. Returns ErrMessageNotFound for
// an unknown id.
func (s *Store) GetMessage(ctx context.Context, id string) (*datatypes.Message, error) {
	ctx, span := s.tracer.Start(ctx, "Store.GetMessage")
	defer span.End()

	msg := &datatypes.Message{}
	var metadata *string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, image_url, audio_url, metadata, created_at
		FROM messages
		WHERE id = ?
	`, id).Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
		&msg.ImageURL, &msg.AudioURL, &metadata, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "querying message")
	}
	if metadata != nil {
		msg.Metadata = []byte(*metadata)
	}
	return msg, nil
}

// GetConversationMessages returns all messages of a conversation in
// ascending creation order. A conversation with no messages yields an
// empty slice, not an error.
func (s *Store) GetConversationMessages(ctx context.Context, conversationID string) ([]*datatypes.Message, error) {
	ctx, span := s.tracer.Start(ctx, "Store.GetConversationMessages")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, image_url, audio_url, metadata, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, seq ASC
	`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "querying messages")
	}
	defer rows.Close()

	messages := make([]*datatypes.Message, 0)
	for rows.Next() {
		msg := &datatypes.Message{}
		var metadata *string
		if err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &msg.Content,
			&msg.ImageURL, &msg.AudioURL, &metadata, &msg.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning message row")
		}
		if metadata != nil {
			msg.Metadata = []byte(*metadata)
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating message rows")
	}
	return messages, nil
}

// GetUserConversations returns a user's conversations, most recently
// updated first. An unknown user yields an empty slice.
func (s *Store) GetUserConversations(ctx context.Context, userID *string) ([]*datatypes.Conversation, error) {
	ctx, span := s.tracer.Start(ctx, "Store.GetUserConversations")
	defer span.End()

	query := `
		SELECT id, user_id, title, language, created_at, updated_at
		FROM conversations
		WHERE user_id IS NULL
		ORDER BY updated_at DESC
	`
	args := []any{}
	if userID != nil {
		query = `
			SELECT id, user_id, title, language, created_at, updated_at
			FROM conversations
			WHERE user_id = ?
			ORDER BY updated_at DESC
		`
		args = append(args, *userID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying conversations")
	}
	defer rows.Close()

	conversations := make([]*datatypes.Conversation, 0)
	for rows.Next() {
		conv := &datatypes.Conversation{}
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &conv.Language,
			&conv.CreatedAt, &conv.UpdatedAt); err != nil {
			return nil, errors.Wrap(err, "scanning conversation row")
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterating conversation rows")
	}
	return conversations, nil
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// checkFound maps a zero-row update onto the given not-found error.
func checkFound(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "reading rows affected")
	}
	if n == 0 {
		return notFound
	}
	return nil
}
