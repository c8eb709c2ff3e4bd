package entity

import (
	"encoding/json"

	"github.com/StephTapera/amenchat/pkg/constant"
)

// Conversation represents a channel between two or more participants as held
// by the document store.
type Conversation struct {
	ConversationId     string           `json:"conversation_id"`
	Type               int32            `json:"type"`
	Name               string           `json:"name,omitempty"`
	ParticipantIds     []string         `json:"participant_ids"`
	Status             string           `json:"status"`
	RequesterId        string           `json:"requester_id"`
	BlockedBy          string           `json:"blocked_by,omitempty"`
	LastMessagePreview string           `json:"last_message_preview,omitempty"`
	LastMessageAt      int64            `json:"last_message_at,omitempty"`
	UnreadCounts       map[string]int64 `json:"unread_counts,omitempty"`
	CreatedAt          int64            `json:"created_at"`
	UpdatedAt          int64            `json:"updated_at"`
}

// HasParticipant checks membership
func (c *Conversation) HasParticipant(userId string) bool {
	for _, id := range c.ParticipantIds {
		if id == userId {
			return true
		}
	}
	return false
}

// StatusFor returns the conversation status as seen by viewerId. A pending
// conversation reads as accepted to its requester: the request is only a
// request from the recipient's side.
func (c *Conversation) StatusFor(viewerId string) string {
	if c.Status == constant.ConvStatusPending && viewerId == c.RequesterId {
		return constant.ConvStatusAccepted
	}
	return c.Status
}

// IsBlocked checks blocked status
func (c *Conversation) IsBlocked() bool {
	return c.Status == constant.ConvStatusBlocked
}

// Clone returns a deep copy, so store implementations can hand out snapshots
func (c *Conversation) Clone() *Conversation {
	cp := *c
	cp.ParticipantIds = append([]string(nil), c.ParticipantIds...)
	if c.UnreadCounts != nil {
		cp.UnreadCounts = make(map[string]int64, len(c.UnreadCounts))
		for k, v := range c.UnreadCounts {
			cp.UnreadCounts[k] = v
		}
	}
	return &cp
}

// CachedConversation is the locally persisted snapshot of a conversation used
// for instant render on cold start.
type CachedConversation struct {
	ConversationId     string  `json:"conversation_id" gorm:"column:conversation_id;primaryKey"`
	Type               int32   `json:"type" gorm:"column:type"`
	Name               string  `json:"name" gorm:"column:name"`
	ParticipantsJSON   string  `json:"-" gorm:"column:participants;type:json"`
	Status             string  `json:"status" gorm:"column:status"`
	RequesterId        string  `json:"requester_id" gorm:"column:requester_id"`
	BlockedBy          string  `json:"blocked_by" gorm:"column:blocked_by"`
	LastMessagePreview string  `json:"last_message_preview" gorm:"column:last_message_preview"`
	LastMessageAt      int64   `json:"last_message_at" gorm:"column:last_message_at"`
	UnreadCountsJSON   *string `json:"-" gorm:"column:unread_counts;type:json"`
	UpdatedAt          int64   `json:"updated_at" gorm:"column:updated_at"`
	CreatedAt          int64   `json:"created_at" gorm:"column:created_at"`
}

// TableName returns the table name for CachedConversation
func (CachedConversation) TableName() string {
	return "cached_conversations"
}

// FromConversation fills the cache row from a store conversation
func (c *CachedConversation) FromConversation(conv *Conversation) error {
	participants, err := json.Marshal(conv.ParticipantIds)
	if err != nil {
		return err
	}

	c.ConversationId = conv.ConversationId
	c.Type = conv.Type
	c.Name = conv.Name
	c.ParticipantsJSON = string(participants)
	c.Status = conv.Status
	c.RequesterId = conv.RequesterId
	c.BlockedBy = conv.BlockedBy
	c.LastMessagePreview = conv.LastMessagePreview
	c.LastMessageAt = conv.LastMessageAt
	c.UpdatedAt = conv.UpdatedAt
	c.CreatedAt = conv.CreatedAt

	if conv.UnreadCounts != nil {
		unread, err := json.Marshal(conv.UnreadCounts)
		if err != nil {
			return err
		}
		s := string(unread)
		c.UnreadCountsJSON = &s
	} else {
		c.UnreadCountsJSON = nil
	}
	return nil
}

// ToConversation converts the cache row back to a store conversation
func (c *CachedConversation) ToConversation() (*Conversation, error) {
	conv := &Conversation{
		ConversationId:     c.ConversationId,
		Type:               c.Type,
		Name:               c.Name,
		Status:             c.Status,
		RequesterId:        c.RequesterId,
		BlockedBy:          c.BlockedBy,
		LastMessagePreview: c.LastMessagePreview,
		LastMessageAt:      c.LastMessageAt,
		UpdatedAt:          c.UpdatedAt,
		CreatedAt:          c.CreatedAt,
	}

	if c.ParticipantsJSON != "" {
		if err := json.Unmarshal([]byte(c.ParticipantsJSON), &conv.ParticipantIds); err != nil {
			return nil, err
		}
	}
	if c.UnreadCountsJSON != nil {
		if err := json.Unmarshal([]byte(*c.UnreadCountsJSON), &conv.UnreadCounts); err != nil {
			return nil, err
		}
	}
	return conv, nil
}
