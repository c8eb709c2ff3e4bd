package repository

import (
	"context"
	"testing"

	"github.com/StephTapera/amenchat/internal/entity"
	"github.com/StephTapera/amenchat/pkg/constant"
	"github.com/stretchr/testify/require"
)

func cachedConv(id string, updatedAt int64) *entity.Conversation {
	return &entity.Conversation{
		ConversationId: id,
		Type:           constant.ConvTypeDirect,
		ParticipantIds: []string{"alice", "bob"},
		Status:         constant.ConvStatusAccepted,
		RequesterId:    "alice",
		UnreadCounts:   map[string]int64{"bob": 2},
		UpdatedAt:      updatedAt,
	}
}

func TestConvCacheUpsertAndList(t *testing.T) {
	repos := testRepos(t)
	ctx := context.Background()

	require.NoError(t, repos.ConvCache.UpsertAll(ctx, []*entity.Conversation{
		cachedConv("di_alice:bob", 100),
		cachedConv("di_alice:carol", 300),
	}))

	convs, err := repos.ConvCache.List(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, "di_alice:carol", convs[0].ConversationId)
	require.Equal(t, []string{"alice", "bob"}, convs[0].ParticipantIds)
	require.Equal(t, int64(2), convs[0].UnreadCounts["bob"])

	// Upserting again replaces, not duplicates.
	updated := cachedConv("di_alice:bob", 500)
	updated.Status = constant.ConvStatusBlocked
	require.NoError(t, repos.ConvCache.UpsertAll(ctx, []*entity.Conversation{updated}))

	convs, err = repos.ConvCache.List(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	require.Equal(t, "di_alice:bob", convs[0].ConversationId)
	require.Equal(t, constant.ConvStatusBlocked, convs[0].Status)
}

func TestConvCacheDelete(t *testing.T) {
	repos := testRepos(t)
	ctx := context.Background()

	require.NoError(t, repos.ConvCache.UpsertAll(ctx, []*entity.Conversation{
		cachedConv("di_alice:bob", 100),
	}))
	require.NoError(t, repos.ConvCache.Delete(ctx, "di_alice:bob"))

	convs, err := repos.ConvCache.List(ctx)
	require.NoError(t, err)
	require.Empty(t, convs)
}
