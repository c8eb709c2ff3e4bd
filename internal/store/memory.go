package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/StephTapera/amenchat/internal/entity"
	"github.com/StephTapera/amenchat/pkg/constant"
	"github.com/StephTapera/amenchat/pkg/errcode"
	"github.com/StephTapera/amenchat/pkg/idgen"
	"github.com/sirupsen/logrus"
)

const subBufferSize = 1024

type memSub struct {
	userId string
	ch     chan ChangeEvent
}

// MemoryStore is an in-memory DocumentStore. It is the reference semantics
// for the access-control contract and the default store in tests.
type MemoryStore struct {
	mu            sync.RWMutex
	convs         map[string]*entity.Conversation
	msgs          map[string][]*entity.Message
	byClientId    map[string]map[string]*entity.Message
	seqs          map[string]int64
	lastCreatedAt map[string]int64
	delivered     map[string]map[string]int64
	typing        map[string]map[string]*entity.TypingSignal
	attachments   map[string][]byte
	attachSeq     int64
	subs          map[string][]*memSub
	now           func() int64
	log           *logrus.Entry
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:         make(map[string]*entity.Conversation),
		msgs:          make(map[string][]*entity.Message),
		byClientId:    make(map[string]map[string]*entity.Message),
		seqs:          make(map[string]int64),
		lastCreatedAt: make(map[string]int64),
		delivered:     make(map[string]map[string]int64),
		typing:        make(map[string]map[string]*entity.TypingSignal),
		attachments:   make(map[string][]byte),
		subs:          make(map[string][]*memSub),
		now:           entity.NowUnixMilli,
		log:           logrus.WithField("component", "memory_store"),
	}
}

// SetClock overrides the time source, used in tests
func (s *MemoryStore) SetClock(now func() int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// GetConversation fetches a conversation by id
func (s *MemoryStore) GetConversation(ctx context.Context, actorId, conversationId string) (*entity.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[conversationId]
	if !ok {
		return nil, nil
	}
	if !conv.HasParticipant(actorId) {
		return nil, errcode.ErrNotParticipant
	}
	return conv.Clone(), nil
}

// FindDirectConversation finds the one-to-one conversation between actorId
// and peerId
func (s *MemoryStore) FindDirectConversation(ctx context.Context, actorId, peerId string) (*entity.Conversation, error) {
	return s.GetConversation(ctx, actorId, entity.GenDirectConversationId(actorId, peerId))
}

// CreateConversation atomically creates a conversation and optionally its
// first message. Idempotent: an existing conversation is reused.
func (s *MemoryStore) CreateConversation(ctx context.Context, actorId string, conv *entity.Conversation, first *entity.Message) (*entity.Conversation, *entity.Message, error) {
	if len(conv.ParticipantIds) < 2 {
		return nil, nil, errcode.ErrInvalidParam.Wrap(fmt.Errorf("participant set must have at least 2 members"))
	}
	if !conv.HasParticipant(actorId) {
		// Creating a conversation requires the creator's id to be among the
		// participant ids being written.
		return nil, nil, errcode.ErrNotParticipant
	}
	if !conv.HasParticipant(conv.RequesterId) {
		return nil, nil, errcode.ErrInvalidParam.Wrap(fmt.Errorf("requester must be a participant"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.convs[conv.ConversationId]
	if !ok {
		now := s.now()
		stored := conv.Clone()
		stored.CreatedAt = now
		stored.UpdatedAt = now
		if stored.UnreadCounts == nil {
			stored.UnreadCounts = make(map[string]int64)
		}
		s.convs[stored.ConversationId] = stored
		existing = stored
	}

	var created *entity.Message
	if first != nil {
		msg, err := s.createMessageLocked(first)
		if err != nil {
			return nil, nil, err
		}
		created = msg
	}
	return existing.Clone(), created, nil
}

// UpdateConversationStatus transitions conversation status
func (s *MemoryStore) UpdateConversationStatus(ctx context.Context, actorId, conversationId, status, blockedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationId]
	if !ok {
		return errcode.ErrConvNotFound
	}
	if !conv.HasParticipant(actorId) {
		return errcode.ErrNotParticipant
	}

	conv.Status = status
	conv.BlockedBy = blockedBy
	conv.UpdatedAt = s.now()
	s.broadcastLocked(conversationId, ChangeEvent{
		Kind:           ChangeConversationUpdated,
		ConversationId: conversationId,
		Conversation:   conv.Clone(),
	})
	return nil
}

// DeleteConversation removes a conversation and its messages without trace
func (s *MemoryStore) DeleteConversation(ctx context.Context, actorId, conversationId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationId]
	if !ok {
		return errcode.ErrConvNotFound
	}
	if !conv.HasParticipant(actorId) {
		return errcode.ErrNotParticipant
	}

	delete(s.convs, conversationId)
	delete(s.msgs, conversationId)
	delete(s.byClientId, conversationId)
	delete(s.seqs, conversationId)
	delete(s.lastCreatedAt, conversationId)
	delete(s.delivered, conversationId)
	delete(s.typing, conversationId)
	s.broadcastLocked(conversationId, ChangeEvent{
		Kind:           ChangeConversationRemoved,
		ConversationId: conversationId,
	})
	return nil
}

// ListConversations lists conversations actorId participates in, most
// recently updated first
func (s *MemoryStore) ListConversations(ctx context.Context, actorId string) ([]*entity.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*entity.Conversation
	for _, conv := range s.convs {
		if conv.HasParticipant(actorId) {
			result = append(result, conv.Clone())
		}
	}
	for i := 0; i < len(result); i++ {
		for j := i + 1; j < len(result); j++ {
			if result[j].UpdatedAt > result[i].UpdatedAt {
				result[i], result[j] = result[j], result[i]
			}
		}
	}
	return result, nil
}

// CreateMessage persists a message, deduped by client message id
func (s *MemoryStore) CreateMessage(ctx context.Context, msg *entity.Message) (*entity.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createMessageLocked(msg)
}

func (s *MemoryStore) createMessageLocked(msg *entity.Message) (*entity.Message, error) {
	conv, ok := s.convs[msg.ConversationId]
	if !ok {
		return nil, errcode.ErrConvNotFound
	}
	if !conv.HasParticipant(msg.SenderId) {
		return nil, errcode.ErrNotParticipant
	}
	if conv.IsBlocked() {
		return nil, errcode.ErrBlocked
	}
	if msg.ClientMsgId == "" {
		return nil, errcode.ErrInvalidParam.Wrap(fmt.Errorf("client_msg_id required"))
	}

	if existing, ok := s.byClientId[msg.ConversationId][msg.ClientMsgId]; ok {
		// Idempotent response for duplicate sends
		s.log.WithField("client_msg_id", msg.ClientMsgId).Debug("duplicate message")
		return existing.Clone(), nil
	}

	id, err := idgen.NextID()
	if err != nil {
		return nil, errcode.ErrPersistence.Wrap(err)
	}

	now := s.now()
	// created_at is monotonically non-decreasing per conversation
	if last := s.lastCreatedAt[msg.ConversationId]; now <= last {
		now = last + 1
	}
	s.lastCreatedAt[msg.ConversationId] = now
	s.seqs[msg.ConversationId]++

	stored := msg.Clone()
	stored.Id = id
	stored.Seq = s.seqs[msg.ConversationId]
	stored.CreatedAt = now
	stored.Status = entity.StatusSent
	stored.ParticipantIds = append([]string(nil), conv.ParticipantIds...)

	s.msgs[msg.ConversationId] = append(s.msgs[msg.ConversationId], stored)
	if s.byClientId[msg.ConversationId] == nil {
		s.byClientId[msg.ConversationId] = make(map[string]*entity.Message)
	}
	s.byClientId[msg.ConversationId][msg.ClientMsgId] = stored

	conv.LastMessagePreview = entity.Preview(stored.Text)
	conv.LastMessageAt = now
	conv.UpdatedAt = now
	if conv.UnreadCounts == nil {
		conv.UnreadCounts = make(map[string]int64)
	}
	for _, pid := range conv.ParticipantIds {
		if pid != stored.SenderId {
			conv.UnreadCounts[pid]++
		}
	}

	s.broadcastLocked(msg.ConversationId, ChangeEvent{
		Kind:           ChangeMessageAdded,
		ConversationId: msg.ConversationId,
		Seq:            stored.Seq,
		Message:        stored.Clone(),
	})
	s.broadcastLocked(msg.ConversationId, ChangeEvent{
		Kind:           ChangeConversationUpdated,
		ConversationId: msg.ConversationId,
		Conversation:   conv.Clone(),
	})
	return stored.Clone(), nil
}

// GetMessageByClientId looks a message up by client message id
func (s *MemoryStore) GetMessageByClientId(ctx context.Context, actorId, conversationId, clientMsgId string) (*entity.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[conversationId]
	if !ok {
		return nil, nil
	}
	if !conv.HasParticipant(actorId) {
		return nil, errcode.ErrNotParticipant
	}
	msg, ok := s.byClientId[conversationId][clientMsgId]
	if !ok {
		return nil, nil
	}
	return msg.Clone(), nil
}

// ListMessages pulls messages within a seq range, ascending
func (s *MemoryStore) ListMessages(ctx context.Context, actorId, conversationId string, fromSeq, toSeq int64, limit int) ([]*entity.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[conversationId]
	if !ok {
		return nil, errcode.ErrConvNotFound
	}
	if !conv.HasParticipant(actorId) {
		return nil, errcode.ErrNotParticipant
	}

	if limit <= 0 || limit > 100 {
		limit = 100
	}

	var result []*entity.Message
	for _, msg := range s.msgs[conversationId] {
		if msg.Seq <= fromSeq {
			continue
		}
		if toSeq > 0 && msg.Seq > toSeq {
			break
		}
		result = append(result, msg.Clone())
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

// DeleteMessage removes a message; sender only
func (s *MemoryStore) DeleteMessage(ctx context.Context, actorId, conversationId, messageId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationId]
	if !ok {
		return errcode.ErrConvNotFound
	}
	if !conv.HasParticipant(actorId) {
		return errcode.ErrNotParticipant
	}

	msgs := s.msgs[conversationId]
	for i, msg := range msgs {
		if msg.Id != messageId {
			continue
		}
		if msg.SenderId != actorId {
			return errcode.ErrNoPermission
		}
		s.msgs[conversationId] = append(msgs[:i], msgs[i+1:]...)
		delete(s.byClientId[conversationId], msg.ClientMsgId)
		s.broadcastLocked(conversationId, ChangeEvent{
			Kind:           ChangeMessageRemoved,
			ConversationId: conversationId,
			Seq:            msg.Seq,
			Message:        msg.Clone(),
		})
		return nil
	}
	return errcode.ErrMessageNotFound
}

// AddReaction sets actorId's reaction on a message. Reactions are a
// whitelisted field any participant may write.
func (s *MemoryStore) AddReaction(ctx context.Context, actorId, conversationId, messageId, reaction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationId]
	if !ok {
		return errcode.ErrConvNotFound
	}
	if !conv.HasParticipant(actorId) {
		return errcode.ErrNotParticipant
	}

	for _, msg := range s.msgs[conversationId] {
		if msg.Id != messageId {
			continue
		}
		if msg.Reactions == nil {
			msg.Reactions = make(map[string]string)
		}
		if reaction == "" {
			delete(msg.Reactions, actorId)
		} else {
			msg.Reactions[actorId] = reaction
		}
		s.broadcastLocked(conversationId, ChangeEvent{
			Kind:           ChangeMessageModified,
			ConversationId: conversationId,
			Seq:            msg.Seq,
			Message:        msg.Clone(),
		})
		return nil
	}
	return errcode.ErrMessageNotFound
}

// MarkRead records actorId as having read messages up to upToSeq
func (s *MemoryStore) MarkRead(ctx context.Context, actorId, conversationId string, upToSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationId]
	if !ok {
		return errcode.ErrConvNotFound
	}
	if !conv.HasParticipant(actorId) {
		return errcode.ErrNotParticipant
	}

	for _, msg := range s.msgs[conversationId] {
		if msg.Seq > upToSeq || msg.SenderId == actorId || msg.ReadByUser(actorId) {
			continue
		}
		msg.ReadBy = append(msg.ReadBy, actorId)
		s.broadcastLocked(conversationId, ChangeEvent{
			Kind:           ChangeMessageModified,
			ConversationId: conversationId,
			Seq:            msg.Seq,
			Message:        msg.Clone(),
		})
	}

	if conv.UnreadCounts != nil && conv.UnreadCounts[actorId] != 0 {
		conv.UnreadCounts[actorId] = 0
		conv.UpdatedAt = s.now()
		s.broadcastLocked(conversationId, ChangeEvent{
			Kind:           ChangeConversationUpdated,
			ConversationId: conversationId,
			Conversation:   conv.Clone(),
		})
	}
	return nil
}

// AcknowledgeDelivery records that actorId's client received updates up to
// upToSeq
func (s *MemoryStore) AcknowledgeDelivery(ctx context.Context, actorId, conversationId string, upToSeq int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationId]
	if !ok {
		return errcode.ErrConvNotFound
	}
	if !conv.HasParticipant(actorId) {
		return errcode.ErrNotParticipant
	}

	if s.delivered[conversationId] == nil {
		s.delivered[conversationId] = make(map[string]int64)
	}
	if upToSeq <= s.delivered[conversationId][actorId] {
		return nil
	}
	s.delivered[conversationId][actorId] = upToSeq

	s.broadcastLocked(conversationId, ChangeEvent{
		Kind:           ChangeDeliveryReceipt,
		ConversationId: conversationId,
		Seq:            upToSeq,
		UserId:         actorId,
	})
	return nil
}

// SetTyping publishes an ephemeral typing signal
func (s *MemoryStore) SetTyping(ctx context.Context, actorId, conversationId string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationId]
	if !ok {
		return errcode.ErrConvNotFound
	}
	if !conv.HasParticipant(actorId) {
		return errcode.ErrNotParticipant
	}

	if ttl <= 0 {
		ttl = constant.TypingTTLSeconds * time.Second
	}
	signal := &entity.TypingSignal{
		ConversationId: conversationId,
		UserId:         actorId,
		ExpiresAt:      s.now() + ttl.Milliseconds(),
	}
	if s.typing[conversationId] == nil {
		s.typing[conversationId] = make(map[string]*entity.TypingSignal)
	}
	s.typing[conversationId][actorId] = signal

	s.broadcastLocked(conversationId, ChangeEvent{
		Kind:           ChangeTyping,
		ConversationId: conversationId,
		UserId:         actorId,
		Typing:         signal,
	})
	return nil
}

// SaveAttachment stores one compressed attachment and returns its ref
func (s *MemoryStore) SaveAttachment(ctx context.Context, actorId, conversationId string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationId]
	if ok && !conv.HasParticipant(actorId) {
		return "", errcode.ErrNotParticipant
	}

	s.attachSeq++
	ref := fmt.Sprintf("mem://%s/%d", conversationId, s.attachSeq)
	s.attachments[ref] = append([]byte(nil), data...)
	return ref, nil
}

// Attachment returns a previously saved attachment, used in tests
func (s *MemoryStore) Attachment(ref string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.attachments[ref]
	return data, ok
}

// Subscribe streams change events for a conversation starting after fromSeq
func (s *MemoryStore) Subscribe(ctx context.Context, actorId, conversationId string, fromSeq int64) (<-chan ChangeEvent, error) {
	s.mu.Lock()

	conv, ok := s.convs[conversationId]
	if !ok {
		s.mu.Unlock()
		return nil, errcode.ErrConvNotFound
	}
	if !conv.HasParticipant(actorId) {
		s.mu.Unlock()
		return nil, errcode.ErrNotParticipant
	}

	sub := &memSub{userId: actorId, ch: make(chan ChangeEvent, subBufferSize)}

	// Backlog first, then live events, all under the same lock so ordering
	// holds and nothing is missed between snapshot and registration.
	for _, msg := range s.msgs[conversationId] {
		if msg.Seq <= fromSeq {
			continue
		}
		if len(sub.ch) == cap(sub.ch) {
			s.log.WithField("conversation_id", conversationId).Warn("backlog truncated to buffer size")
			break
		}
		sub.ch <- ChangeEvent{
			Kind:           ChangeMessageAdded,
			ConversationId: conversationId,
			Seq:            msg.Seq,
			Message:        msg.Clone(),
		}
	}
	s.subs[conversationId] = append(s.subs[conversationId], sub)
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		subs := s.subs[conversationId]
		for i, candidate := range subs {
			if candidate == sub {
				s.subs[conversationId] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		close(sub.ch)
	}()

	return sub.ch, nil
}

// broadcastLocked fans an event out to subscribers. Caller holds mu.
func (s *MemoryStore) broadcastLocked(conversationId string, ev ChangeEvent) {
	for _, sub := range s.subs[conversationId] {
		select {
		case sub.ch <- ev:
		default:
			s.log.WithFields(logrus.Fields{
				"conversation_id": conversationId,
				"user_id":         sub.userId,
			}).Warn("subscriber buffer full, dropping event")
		}
	}
}
