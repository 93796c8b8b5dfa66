package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeoCryptoFlow/aixin/internal/models"
)

func steppingClock() func() time.Time {
	t := time.UnixMilli(1_700_000_000_000)
	return func() time.Time {
		t = t.Add(time.Second)
		return t
	}
}

func TestConversations(t *testing.T) {
	s := newTestStore(nil)
	s.now = steppingClock()
	ctx := context.Background()

	_, err := s.Send(ctx, alice, bob, "hi bob", "")
	require.NoError(t, err)
	_, err = s.Send(ctx, carol, alice, "hi alice", "")
	require.NoError(t, err)
	_, err = s.Send(ctx, alice, bob, "still there?", "")
	require.NoError(t, err)

	quietGroup, err := s.CreateGroup(ctx, "quiet", carol, []string{alice})
	require.NoError(t, err)
	busyGroup, err := s.CreateGroup(ctx, "busy", bob, []string{alice})
	require.NoError(t, err)
	_, err = s.SendGroup(ctx, busyGroup.GroupID, bob, "standup", "")
	require.NoError(t, err)

	convs, err := s.Conversations(alice)
	require.NoError(t, err)

	require.Len(t, convs.Chats, 2)
	assert.Equal(t, bob, convs.Chats[0].Peer)
	assert.Equal(t, "still there?", convs.Chats[0].LastMessage)
	assert.Equal(t, alice, convs.Chats[0].LastFrom)
	assert.Zero(t, convs.Chats[0].Unread)
	assert.Equal(t, carol, convs.Chats[1].Peer)
	assert.Equal(t, 1, convs.Chats[1].Unread)
	assert.Greater(t, convs.Chats[0].LastTime, convs.Chats[1].LastTime)

	require.Len(t, convs.Groups, 2)
	assert.Equal(t, busyGroup.GroupID, convs.Groups[0].GroupID)
	assert.Equal(t, "standup", convs.Groups[0].LastMessage)
	assert.Equal(t, 1, convs.Groups[0].Unread)
	assert.Equal(t, quietGroup.GroupID, convs.Groups[1].GroupID)
	assert.Equal(t, "quiet", convs.Groups[1].GroupName)
	assert.Empty(t, convs.Groups[1].LastMessage)

	_, err = s.MarkRead(ctx, alice, ReadFilter{From: carol})
	require.NoError(t, err)
	convs, err = s.Conversations(alice)
	require.NoError(t, err)
	assert.Zero(t, convs.Chats[1].Unread)

	_, err = s.Conversations("AX-U-CN-9999")
	assert.ErrorIs(t, err, models.ErrUnknownAgent)
}

func TestConversationsEmptyAndRestored(t *testing.T) {
	s := newTestStore(nil)
	convs, err := s.Conversations(bob)
	require.NoError(t, err)
	assert.Empty(t, convs.Chats)
	assert.NotNil(t, convs.Chats)
	assert.NotNil(t, convs.Groups)

	restored := newTestStore(nil)
	restored.Restore(nil, []models.Message{
		{ID: "01A", From: bob, To: carol, Content: "restored", Type: "text", Timestamp: 10, Seq: 1},
	}, nil)
	convs, err = restored.Conversations(carol)
	require.NoError(t, err)
	require.Len(t, convs.Chats, 1)
	assert.Equal(t, bob, convs.Chats[0].Peer)
	assert.Equal(t, "restored", convs.Chats[0].LastMessage)
}
