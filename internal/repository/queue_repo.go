package repository

import (
	"context"
	"errors"

	"github.com/StephTapera/amenchat/internal/entity"
	"github.com/StephTapera/amenchat/pkg/constant"
	"gorm.io/gorm"
)

// QueueRepo is the repository for the durable offline message queue
type QueueRepo struct {
	db *gorm.DB
}

// NewQueueRepo creates a new QueueRepo
func NewQueueRepo(db *gorm.DB) *QueueRepo {
	return &QueueRepo{db: db}
}

// Enqueue appends a message to its conversation's queue with the next local
// sequence number. Local sequence numbers are strictly increasing per
// conversation.
func (r *QueueRepo) Enqueue(ctx context.Context, msg *entity.QueuedMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var maxSeq int64
		err := tx.Model(&entity.QueuedMessage{}).
			Where("conversation_id = ?", msg.ConversationId).
			Select("COALESCE(MAX(local_seq), 0)").
			Scan(&maxSeq).Error
		if err != nil {
			return err
		}

		now := entity.NowUnixMilli()
		msg.LocalSeq = maxSeq + 1
		msg.Status = constant.QueueStatusQueued
		msg.CreatedAt = now
		msg.UpdatedAt = now
		return tx.Create(msg).Error
	})
}

// GetById fetches one queue entry
func (r *QueueRepo) GetById(ctx context.Context, id int64) (*entity.QueuedMessage, error) {
	var msg entity.QueuedMessage
	err := r.db.WithContext(ctx).First(&msg, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// NextPending returns the lowest-seq entry of a conversation that still needs
// sending: not yet persisted and not marked failed.
func (r *QueueRepo) NextPending(ctx context.Context, conversationId string) (*entity.QueuedMessage, error) {
	var msg entity.QueuedMessage
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND server_msg_id = '' AND status <> ?", conversationId, constant.QueueStatusFailed).
		Order("local_seq ASC").
		First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &msg, nil
}

// PendingConversations lists conversations that have entries awaiting replay
func (r *QueueRepo) PendingConversations(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&entity.QueuedMessage{}).
		Where("server_msg_id = '' AND status <> ?", constant.QueueStatusFailed).
		Distinct("conversation_id").
		Order("conversation_id").
		Pluck("conversation_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListByConversation lists all entries of a conversation in local order
func (r *QueueRepo) ListByConversation(ctx context.Context, conversationId string) ([]*entity.QueuedMessage, error) {
	var msgs []*entity.QueuedMessage
	err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationId).
		Order("local_seq ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// MarkSending flags an entry as in flight
func (r *QueueRepo) MarkSending(ctx context.Context, id int64) error {
	return r.update(ctx, id, map[string]interface{}{
		"status": constant.QueueStatusSending,
	})
}

// MarkPersisted records the store-assigned message id. Entries carrying a
// server message id are skipped by replays, which keeps reconnect handling
// idempotent.
func (r *QueueRepo) MarkPersisted(ctx context.Context, id int64, serverMsgId string) error {
	return r.update(ctx, id, map[string]interface{}{
		"status":        constant.QueueStatusQueued,
		"server_msg_id": serverMsgId,
	})
}

// MarkFailed flags an entry as permanently failed; it stays visible for
// manual retry or deletion, never silently dropped.
func (r *QueueRepo) MarkFailed(ctx context.Context, id int64) error {
	return r.update(ctx, id, map[string]interface{}{
		"status": constant.QueueStatusFailed,
	})
}

// IncrRetry bumps the retry counter
func (r *QueueRepo) IncrRetry(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&entity.QueuedMessage{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"retry_count": gorm.Expr("retry_count + 1"),
			"updated_at":  entity.NowUnixMilli(),
		}).Error
}

// ResetFailed returns a failed entry to the queue for a manual retry
func (r *QueueRepo) ResetFailed(ctx context.Context, id int64) error {
	return r.update(ctx, id, map[string]interface{}{
		"status":      constant.QueueStatusQueued,
		"retry_count": 0,
	})
}

// Delete removes an entry. Used after persistence is confirmed or when the
// user discards a failed message.
func (r *QueueRepo) Delete(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).Delete(&entity.QueuedMessage{}, id).Error
}

func (r *QueueRepo) update(ctx context.Context, id int64, updates map[string]interface{}) error {
	updates["updated_at"] = entity.NowUnixMilli()
	return r.db.WithContext(ctx).
		Model(&entity.QueuedMessage{}).
		Where("id = ?", id).
		Updates(updates).Error
}
