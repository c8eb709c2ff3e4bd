package repository

import (
	"context"

	"github.com/StephTapera/amenchat/internal/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ConvCacheRepo persists the last-known conversation list locally so the UI
// can render instantly on cold start.
type ConvCacheRepo struct {
	db *gorm.DB
}

// NewConvCacheRepo creates a new ConvCacheRepo
func NewConvCacheRepo(db *gorm.DB) *ConvCacheRepo {
	return &ConvCacheRepo{db: db}
}

// UpsertAll replaces cached snapshots for the given conversations
func (r *ConvCacheRepo) UpsertAll(ctx context.Context, convs []*entity.Conversation) error {
	if len(convs) == 0 {
		return nil
	}

	rows := make([]*entity.CachedConversation, 0, len(convs))
	for _, conv := range convs {
		var row entity.CachedConversation
		if err := row.FromConversation(conv); err != nil {
			return err
		}
		rows = append(rows, &row)
	}

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "conversation_id"}},
		UpdateAll: true,
	}).Create(rows).Error
}

// List returns cached conversations, most recently updated first
func (r *ConvCacheRepo) List(ctx context.Context) ([]*entity.Conversation, error) {
	var rows []*entity.CachedConversation
	err := r.db.WithContext(ctx).
		Order("updated_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	convs := make([]*entity.Conversation, 0, len(rows))
	for _, row := range rows {
		conv, err := row.ToConversation()
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// Delete drops one cached conversation
func (r *ConvCacheRepo) Delete(ctx context.Context, conversationId string) error {
	return r.db.WithContext(ctx).
		Delete(&entity.CachedConversation{}, "conversation_id = ?", conversationId).Error
}
