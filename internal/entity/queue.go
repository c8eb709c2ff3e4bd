package entity

import "encoding/json"

// QueuedMessage is a message not yet confirmed persisted. It lives in the
// local database until persistence succeeds or the user discards it.
type QueuedMessage struct {
	Id             int64   `json:"id" gorm:"column:id;primaryKey;autoIncrement"`
	ConversationId string  `json:"conversation_id" gorm:"column:conversation_id;index:idx_conv_seq,unique"`
	LocalSeq       int64   `json:"local_seq" gorm:"column:local_seq;index:idx_conv_seq,unique"`
	ClientMsgId    string  `json:"client_msg_id" gorm:"column:client_msg_id"`
	SenderId       string  `json:"sender_id" gorm:"column:sender_id"`
	Text           string  `json:"text" gorm:"column:text"`
	AttachmentData *string `json:"-" gorm:"column:attachment_data;type:json"`
	ReplyToId      string  `json:"reply_to_id" gorm:"column:reply_to_id"`
	RetryCount     int     `json:"retry_count" gorm:"column:retry_count"`
	Status         string  `json:"status" gorm:"column:status"`
	// ServerMsgId is set once the store acknowledges the message. Replays
	// skip entries that already carry one, which makes reconnect handling
	// idempotent.
	ServerMsgId string `json:"server_msg_id" gorm:"column:server_msg_id"`
	CreatedAt   int64  `json:"created_at" gorm:"column:created_at"`
	UpdatedAt   int64  `json:"updated_at" gorm:"column:updated_at"`
}

// TableName returns the table name for QueuedMessage
func (QueuedMessage) TableName() string {
	return "queued_messages"
}

// SetAttachments stores compressed attachment payloads on the entry
func (m *QueuedMessage) SetAttachments(attachments [][]byte) error {
	if len(attachments) == 0 {
		m.AttachmentData = nil
		return nil
	}
	data, err := json.Marshal(attachments)
	if err != nil {
		return err
	}
	s := string(data)
	m.AttachmentData = &s
	return nil
}

// Attachments returns the stored attachment payloads
func (m *QueuedMessage) Attachments() ([][]byte, error) {
	if m.AttachmentData == nil {
		return nil, nil
	}
	var attachments [][]byte
	if err := json.Unmarshal([]byte(*m.AttachmentData), &attachments); err != nil {
		return nil, err
	}
	return attachments, nil
}
