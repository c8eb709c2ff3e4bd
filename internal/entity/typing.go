package entity

// TypingSignal is an ephemeral presence indicator. It is never persisted
// beyond its TTL.
type TypingSignal struct {
	ConversationId string `json:"conversation_id"`
	UserId         string `json:"user_id"`
	ExpiresAt      int64  `json:"expires_at"`
}

// Expired checks whether the signal has passed its TTL at the given unix
// millisecond timestamp.
func (t *TypingSignal) Expired(nowMilli int64) bool {
	return nowMilli >= t.ExpiresAt
}
