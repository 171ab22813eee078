// Copyright (C) 2025 PashuAI (dev@pashuai.in)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pashuai/agrichat/services/advisor/datatypes"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "advisor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCreateAndGetConversation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	userID := "farmer-1"
	created, err := s.CreateConversation(ctx, &userID, "Wheat rust", "hi")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Equal(t, created.CreatedAt, created.UpdatedAt)

	got, err := s.GetConversation(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)
}

func TestGetConversation_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetConversation(context.Background(), "no-such-id")
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestCreateConversation_AnonymousUser(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateConversation(ctx, nil, "Anonymous session", "")
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, created.ID)
	require.NoError(t, err)
	assert.Nil(t, got.UserID)
	assert.Equal(t, "en", got.Language)
}

func TestMessages_EmptyHistoryAfterCreation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, nil, "Fresh", "en")
	require.NoError(t, err)

	messages, err := s.GetConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
	assert.NotNil(t, messages, "empty history must be a slice, not nil")
}

func TestMessages_OrderedByCreation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, nil, "Order test", "en")
	require.NoError(t, err)

	// Several writes land within the same millisecond; the sequence
	// column must keep insertion order anyway.
	var ids []string
	for i := 0; i < 10; i++ {
		msg := datatypes.NewMessage(conv.ID, datatypes.RoleUser, fmt.Sprintf("message %d", i))
		_, err := s.CreateMessage(ctx, msg)
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	messages, err := s.GetConversationMessages(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, messages, 10)
	for i, msg := range messages {
		assert.Equal(t, ids[i], msg.ID, "message %d out of order", i)
		if i > 0 {
			assert.GreaterOrEqual(t, msg.CreatedAt, messages[i-1].CreatedAt)
		}
	}
}

func TestCreateMessage_UnknownConversation(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	msg := datatypes.NewMessage("no-such-conversation", datatypes.RoleUser, "hello")
	_, err := s.CreateMessage(context.Background(), msg)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestCreateMessage_MetadataRoundTrip(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, nil, "Metadata", "en")
	require.NoError(t, err)

	analysis := map[string]interface{}{
		"diagnosis":  "Leaf rust",
		"confidence": 87.5,
		"treatment":  []string{"Apply fungicide", "Remove infected leaves"},
	}
	raw, err := json.Marshal(analysis)
	require.NoError(t, err)

	msg := datatypes.NewMessage(conv.ID, datatypes.RoleAssistant, "analysis result")
	msg.Metadata = raw
	imageURL := "https://example.com/leaf.jpg"
	msg.ImageURL = &imageURL
	_, err = s.CreateMessage(ctx, msg)
	require.NoError(t, err)

	got, err := s.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	require.NotNil(t, got.ImageURL)
	assert.Equal(t, imageURL, *got.ImageURL)

	var roundTripped map[string]interface{}
	require.NoError(t, json.Unmarshal(got.Metadata, &roundTripped))
	var original map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &original))
	assert.Equal(t, original, roundTripped)
}

func TestGetMessage_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	_, err := s.GetMessage(context.Background(), "no-such-message")
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestUpdateConversation_PartialFields(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, nil, "Old title", "en")
	require.NoError(t, err)

	newTitle := "New title"
	err = s.UpdateConversation(ctx, conv.ID, ConversationUpdate{Title: &newTitle})
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "New title", got.Title)
	assert.Equal(t, "en", got.Language, "unset fields must be preserved")
	assert.GreaterOrEqual(t, got.UpdatedAt, got.CreatedAt)
}

func TestUpdateConversation_NotFound(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	err := s.UpdateConversation(context.Background(), "missing", ConversationUpdate{})
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestTouchConversation_RefreshesUpdatedAt(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	conv, err := s.CreateConversation(ctx, nil, "Touch", "en")
	require.NoError(t, err)

	require.NoError(t, s.TouchConversation(ctx, conv.ID))

	got, err := s.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, got.UpdatedAt, conv.UpdatedAt)
}

func TestGetUserConversations(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	ctx := context.Background()

	alice := "alice"
	bob := "bob"
	first, err := s.CreateConversation(ctx, &alice, "First", "en")
	require.NoError(t, err)
	second, err := s.CreateConversation(ctx, &alice, "Second", "en")
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, &bob, "Other user", "en")
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, nil, "Anonymous", "en")
	require.NoError(t, err)

	// Touch the first so it sorts to the front.
	require.NoError(t, s.TouchConversation(ctx, first.ID))

	convs, err := s.GetUserConversations(ctx, &alice)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	ids := []string{convs[0].ID, convs[1].ID}
	assert.Contains(t, ids, first.ID)
	assert.Contains(t, ids, second.ID)

	// Nil scopes to the anonymous conversations.
	convs, err = s.GetUserConversations(ctx, nil)
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "Anonymous", convs[0].Title)

	nobody := "nobody"
	convs, err = s.GetUserConversations(ctx, &nobody)
	require.NoError(t, err)
	assert.Empty(t, convs)
}
