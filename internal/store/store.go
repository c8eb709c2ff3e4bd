// Package store defines the document-store boundary of the messaging core.
//
// The store is the arbiter of final message order and delivery truth: client
// state is always reconciled toward it, never the reverse. Implementations
// must enforce the access-control contract: reads and writes to a
// conversation and its messages are permitted only for participants; message
// updates are restricted to the sender except for the whitelisted reaction
// and read-receipt fields.
package store

import (
	"context"
	"time"

	"github.com/StephTapera/amenchat/internal/entity"
)

// ChangeKind identifies the kind of incremental change in a subscription
type ChangeKind int32

// Change kinds
const (
	ChangeMessageAdded ChangeKind = iota + 1
	ChangeMessageModified
	ChangeMessageRemoved
	ChangeConversationUpdated
	ChangeConversationRemoved
	ChangeTyping
	ChangeDeliveryReceipt
)

// ChangeEvent is one ordered, incremental change notification for a
// conversation. Events for a given conversation are delivered in
// store-assigned order.
type ChangeEvent struct {
	Kind           ChangeKind           `json:"kind"`
	ConversationId string               `json:"conversation_id"`
	Seq            int64                `json:"seq,omitempty"`
	Message        *entity.Message      `json:"message,omitempty"`
	Conversation   *entity.Conversation `json:"conversation,omitempty"`
	Typing         *entity.TypingSignal `json:"typing,omitempty"`
	// UserId is the acting participant for receipt and typing events
	UserId string `json:"user_id,omitempty"`
}

// DocumentStore is the boundary to the backing document store. Methods taking
// an actorId enforce the access-control contract against that id.
//
// Lookup methods return (nil, nil) when the document does not exist.
type DocumentStore interface {
	// GetConversation fetches a conversation by id
	GetConversation(ctx context.Context, actorId, conversationId string) (*entity.Conversation, error)

	// FindDirectConversation finds the one-to-one conversation between two
	// users regardless of status
	FindDirectConversation(ctx context.Context, actorId, peerId string) (*entity.Conversation, error)

	// CreateConversation atomically creates a conversation and, when first is
	// not nil, its first message in one batched write. Creating is idempotent
	// for direct conversations: an existing conversation is returned as-is.
	CreateConversation(ctx context.Context, actorId string, conv *entity.Conversation, first *entity.Message) (*entity.Conversation, *entity.Message, error)

	// UpdateConversationStatus transitions conversation status
	UpdateConversationStatus(ctx context.Context, actorId, conversationId, status, blockedBy string) error

	// DeleteConversation removes a conversation and its messages without trace
	DeleteConversation(ctx context.Context, actorId, conversationId string) error

	// ListConversations lists all conversations actorId participates in,
	// most recently updated first
	ListConversations(ctx context.Context, actorId string) ([]*entity.Conversation, error)

	// CreateMessage persists a message. Sends are idempotent: a message with
	// an already-seen client message id returns the existing document.
	CreateMessage(ctx context.Context, msg *entity.Message) (*entity.Message, error)

	// GetMessageByClientId looks a message up by its client message id
	GetMessageByClientId(ctx context.Context, actorId, conversationId, clientMsgId string) (*entity.Message, error)

	// ListMessages pulls messages within a seq range, ascending
	ListMessages(ctx context.Context, actorId, conversationId string, fromSeq, toSeq int64, limit int) ([]*entity.Message, error)

	// DeleteMessage removes a message; only its sender may do so
	DeleteMessage(ctx context.Context, actorId, conversationId, messageId string) error

	// AddReaction sets actorId's reaction on a message (whitelisted field:
	// any participant may write it)
	AddReaction(ctx context.Context, actorId, conversationId, messageId, reaction string) error

	// MarkRead records actorId as having read all messages up to upToSeq
	// (whitelisted field: any participant may write it)
	MarkRead(ctx context.Context, actorId, conversationId string, upToSeq int64) error

	// AcknowledgeDelivery records that actorId's client received realtime
	// updates up to upToSeq
	AcknowledgeDelivery(ctx context.Context, actorId, conversationId string, upToSeq int64) error

	// SetTyping publishes an ephemeral typing signal with the given TTL
	SetTyping(ctx context.Context, actorId, conversationId string, ttl time.Duration) error

	// SaveAttachment uploads one compressed attachment and returns its ref
	SaveAttachment(ctx context.Context, actorId, conversationId string, data []byte) (string, error)

	// Subscribe streams change events for a conversation starting after
	// fromSeq. The stream closes when ctx is cancelled.
	Subscribe(ctx context.Context, actorId, conversationId string, fromSeq int64) (<-chan ChangeEvent, error)
}
