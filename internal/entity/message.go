package entity

// DeliveryStatus is the lifecycle marker of a message's journey from local
// creation to being read.
type DeliveryStatus string

// Delivery statuses
const (
	StatusSending   DeliveryStatus = "sending"
	StatusSent      DeliveryStatus = "sent"
	StatusDelivered DeliveryStatus = "delivered"
	StatusRead      DeliveryStatus = "read"
	StatusFailed    DeliveryStatus = "failed"
)

// Rank orders statuses for forward-only comparison. Failed sits outside the
// forward ladder and is handled explicitly.
func (s DeliveryStatus) Rank() int {
	switch s {
	case StatusSending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// CanTransitionTo reports whether moving from s to next is a legal delivery
// status transition: forward only, failed reachable from sending, and a
// failed message may only go back to sending (explicit retry).
func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	if s == next {
		return false
	}
	if s == StatusFailed {
		return next == StatusSending
	}
	if next == StatusFailed {
		return s == StatusSending
	}
	return next.Rank() > s.Rank()
}

// Message represents one unit of content in a conversation
type Message struct {
	Id             string            `json:"id"`
	ConversationId string            `json:"conversation_id"`
	Seq            int64             `json:"seq"`
	ClientMsgId    string            `json:"client_msg_id"`
	SenderId       string            `json:"sender_id"`
	Text           string            `json:"text,omitempty"`
	AttachmentRefs []string          `json:"attachment_refs,omitempty"`
	ReplyToId      string            `json:"reply_to_id,omitempty"`
	Reactions      map[string]string `json:"reactions,omitempty"`
	ReadBy         []string          `json:"read_by,omitempty"`
	// ParticipantIds is duplicated onto the message so access rules can be
	// evaluated during the batched write that creates a conversation and its
	// first message atomically.
	ParticipantIds []string       `json:"participant_ids"`
	Status         DeliveryStatus `json:"status"`
	CreatedAt      int64          `json:"created_at"`
	SendAt         int64          `json:"send_at"`
}

// ReadByUser checks whether userId has read this message
func (m *Message) ReadByUser(userId string) bool {
	for _, id := range m.ReadBy {
		if id == userId {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, so store implementations can hand out snapshots
func (m *Message) Clone() *Message {
	cp := *m
	cp.AttachmentRefs = append([]string(nil), m.AttachmentRefs...)
	cp.ReadBy = append([]string(nil), m.ReadBy...)
	cp.ParticipantIds = append([]string(nil), m.ParticipantIds...)
	if m.Reactions != nil {
		cp.Reactions = make(map[string]string, len(m.Reactions))
		for k, v := range m.Reactions {
			cp.Reactions[k] = v
		}
	}
	return &cp
}
