package service

import "context"

// FollowChecker answers whether two users mutually follow each other. The
// follow graph itself is managed outside this core.
type FollowChecker interface {
	IsMutualFollow(ctx context.Context, userId, otherId string) (bool, error)
}

// PushPayload is what the push-notification dispatcher receives when a new
// message is persisted. Platform delivery is the dispatcher's concern.
type PushPayload struct {
	RecipientId    string `json:"recipient_id"`
	SenderId       string `json:"sender_id"`
	SenderName     string `json:"sender_name"`
	MessagePreview string `json:"message_preview"`
	ConversationId string `json:"conversation_id"`
	BadgeCount     int64  `json:"badge_count"`
}

// NotificationSink receives push payloads for newly persisted messages
type NotificationSink interface {
	Notify(ctx context.Context, payload PushPayload)
}
