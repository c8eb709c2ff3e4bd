package store

import (
	"context"
	"testing"
	"time"

	"github.com/StephTapera/amenchat/internal/entity"
	"github.com/StephTapera/amenchat/pkg/constant"
	"github.com/StephTapera/amenchat/pkg/errcode"
	"github.com/stretchr/testify/require"
)

func directConv(a, b string) *entity.Conversation {
	return &entity.Conversation{
		ConversationId: entity.GenDirectConversationId(a, b),
		Type:           constant.ConvTypeDirect,
		ParticipantIds: []string{a, b},
		Status:         constant.ConvStatusAccepted,
		RequesterId:    a,
	}
}

func newMsg(convId, sender, text string) *entity.Message {
	return &entity.Message{
		ConversationId: convId,
		ClientMsgId:    "cm-" + sender + "-" + text,
		SenderId:       sender,
		Text:           text,
	}
}

func TestCreateConversationIdempotent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	first, _, err := s.CreateConversation(ctx, "alice", directConv("alice", "bob"), nil)
	require.NoError(t, err)

	again, _, err := s.CreateConversation(ctx, "bob", directConv("alice", "bob"), nil)
	require.NoError(t, err)
	require.Equal(t, first.ConversationId, again.ConversationId)
	require.Equal(t, first.CreatedAt, again.CreatedAt)

	convs, err := s.ListConversations(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, convs, 1)
}

func TestAccessControl(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	conv, _, err := s.CreateConversation(ctx, "alice", directConv("alice", "bob"), nil)
	require.NoError(t, err)

	_, err = s.GetConversation(ctx, "mallory", conv.ConversationId)
	require.True(t, errcode.Is(err, errcode.ErrNotParticipant))

	_, err = s.CreateMessage(ctx, newMsg(conv.ConversationId, "mallory", "hi"))
	require.True(t, errcode.Is(err, errcode.ErrNotParticipant))

	_, err = s.ListMessages(ctx, "mallory", conv.ConversationId, 0, 0, 10)
	require.True(t, errcode.Is(err, errcode.ErrNotParticipant))

	err = s.MarkRead(ctx, "mallory", conv.ConversationId, 10)
	require.True(t, errcode.Is(err, errcode.ErrNotParticipant))

	_, err = s.Subscribe(ctx, "mallory", conv.ConversationId, 0)
	require.True(t, errcode.Is(err, errcode.ErrNotParticipant))

	// Hidden conversations read as absent, not as forbidden.
	conv2, err := s.GetConversation(ctx, "alice", "di_x:y")
	require.NoError(t, err)
	require.Nil(t, conv2)
}

func TestCreateMessageRejectsBlockedConversation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	conv, _, err := s.CreateConversation(ctx, "alice", directConv("alice", "bob"), nil)
	require.NoError(t, err)

	err = s.UpdateConversationStatus(ctx, "bob", conv.ConversationId, constant.ConvStatusBlocked, "bob")
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, newMsg(conv.ConversationId, "alice", "too late"))
	require.True(t, errcode.Is(err, errcode.ErrBlocked))
}

func TestMessageOrderingAndTimestamps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	// A frozen clock forces the created_at tiebreak.
	s.SetClock(func() int64 { return 5000 })

	conv, _, err := s.CreateConversation(ctx, "alice", directConv("alice", "bob"), nil)
	require.NoError(t, err)

	m1, err := s.CreateMessage(ctx, newMsg(conv.ConversationId, "alice", "one"))
	require.NoError(t, err)
	m2, err := s.CreateMessage(ctx, newMsg(conv.ConversationId, "bob", "two"))
	require.NoError(t, err)
	m3, err := s.CreateMessage(ctx, newMsg(conv.ConversationId, "alice", "three"))
	require.NoError(t, err)

	require.Equal(t, int64(1), m1.Seq)
	require.Equal(t, int64(2), m2.Seq)
	require.Equal(t, int64(3), m3.Seq)
	require.Less(t, m1.CreatedAt, m2.CreatedAt)
	require.Less(t, m2.CreatedAt, m3.CreatedAt)
	require.Equal(t, entity.StatusSent, m1.Status)
}

func TestCreateMessageDedupesByClientId(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	conv, _, err := s.CreateConversation(ctx, "alice", directConv("alice", "bob"), nil)
	require.NoError(t, err)

	msg := newMsg(conv.ConversationId, "alice", "hello")
	first, err := s.CreateMessage(ctx, msg)
	require.NoError(t, err)

	dup, err := s.CreateMessage(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, first.Id, dup.Id)
	require.Equal(t, first.Seq, dup.Seq)

	msgs, err := s.ListMessages(ctx, "alice", conv.ConversationId, 0, 0, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestCreateConversationWithFirstMessageIsAtomic(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	conv := directConv("alice", "bob")
	created, first, err := s.CreateConversation(ctx, "alice", conv, newMsg(conv.ConversationId, "alice", "opener"))
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, int64(1), first.Seq)
	require.Equal(t, created.ConversationId, first.ConversationId)
}

func TestUnreadCountsAndMarkRead(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	conv, _, err := s.CreateConversation(ctx, "alice", directConv("alice", "bob"), nil)
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, newMsg(conv.ConversationId, "alice", "a"))
	require.NoError(t, err)
	m2, err := s.CreateMessage(ctx, newMsg(conv.ConversationId, "alice", "b"))
	require.NoError(t, err)

	got, err := s.GetConversation(ctx, "bob", conv.ConversationId)
	require.NoError(t, err)
	require.Equal(t, int64(2), got.UnreadCounts["bob"])
	require.Equal(t, int64(0), got.UnreadCounts["alice"])

	require.NoError(t, s.MarkRead(ctx, "bob", conv.ConversationId, m2.Seq))

	got, err = s.GetConversation(ctx, "bob", conv.ConversationId)
	require.NoError(t, err)
	require.Equal(t, int64(0), got.UnreadCounts["bob"])

	msgs, err := s.ListMessages(ctx, "alice", conv.ConversationId, 0, 0, 10)
	require.NoError(t, err)
	for _, m := range msgs {
		require.True(t, m.ReadByUser("bob"))
		require.False(t, m.ReadByUser("alice"))
	}
}

func TestDeleteMessageSenderOnly(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	conv, _, err := s.CreateConversation(ctx, "alice", directConv("alice", "bob"), nil)
	require.NoError(t, err)

	msg, err := s.CreateMessage(ctx, newMsg(conv.ConversationId, "alice", "mine"))
	require.NoError(t, err)

	err = s.DeleteMessage(ctx, "bob", conv.ConversationId, msg.Id)
	require.True(t, errcode.Is(err, errcode.ErrNoPermission))

	require.NoError(t, s.DeleteMessage(ctx, "alice", conv.ConversationId, msg.Id))

	msgs, err := s.ListMessages(ctx, "alice", conv.ConversationId, 0, 0, 10)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestSubscribeBacklogThenLive(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv, _, err := s.CreateConversation(ctx, "alice", directConv("alice", "bob"), nil)
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, newMsg(conv.ConversationId, "alice", "old1"))
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, newMsg(conv.ConversationId, "alice", "old2"))
	require.NoError(t, err)

	events, err := s.Subscribe(ctx, "bob", conv.ConversationId, 0)
	require.NoError(t, err)

	ev := <-events
	require.Equal(t, ChangeMessageAdded, ev.Kind)
	require.Equal(t, int64(1), ev.Seq)
	ev = <-events
	require.Equal(t, int64(2), ev.Seq)

	_, err = s.CreateMessage(ctx, newMsg(conv.ConversationId, "alice", "live"))
	require.NoError(t, err)

	ev = <-events
	require.Equal(t, ChangeMessageAdded, ev.Kind)
	require.Equal(t, int64(3), ev.Seq)
	require.Equal(t, "live", ev.Message.Text)

	cancel()
	for range events {
		// drain until the store closes the channel
	}
}

func TestAcknowledgeDeliveryEmitsReceipt(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conv, _, err := s.CreateConversation(ctx, "alice", directConv("alice", "bob"), nil)
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, newMsg(conv.ConversationId, "alice", "hi"))
	require.NoError(t, err)

	events, err := s.Subscribe(ctx, "alice", conv.ConversationId, 1)
	require.NoError(t, err)

	require.NoError(t, s.AcknowledgeDelivery(ctx, "bob", conv.ConversationId, 1))

	ev := <-events
	require.Equal(t, ChangeDeliveryReceipt, ev.Kind)
	require.Equal(t, "bob", ev.UserId)
	require.Equal(t, int64(1), ev.Seq)

	// Acks never move backwards; a stale ack is swallowed.
	require.NoError(t, s.AcknowledgeDelivery(ctx, "bob", conv.ConversationId, 0))
	select {
	case ev := <-events:
		t.Fatalf("unexpected event after stale ack: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSaveAttachmentRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	conv, _, err := s.CreateConversation(ctx, "alice", directConv("alice", "bob"), nil)
	require.NoError(t, err)

	ref, err := s.SaveAttachment(ctx, "alice", conv.ConversationId, []byte{1, 2, 3})
	require.NoError(t, err)

	data, ok := s.Attachment(ref)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3}, data)
}
