package service

import (
	"context"

	"github.com/StephTapera/amenchat/internal/entity"
	"github.com/StephTapera/amenchat/internal/repository"
	"github.com/StephTapera/amenchat/internal/store"
	"github.com/StephTapera/amenchat/pkg/constant"
	"github.com/StephTapera/amenchat/pkg/errcode"
	"github.com/StephTapera/amenchat/pkg/idgen"
	"github.com/sirupsen/logrus"
)

// ConversationService owns the conversation lifecycle state machine:
// none -> pending -> accepted | blocked. Blocked is terminal until an
// explicit unblock, which returns the pair to none.
type ConversationService struct {
	userId  string
	store   store.DocumentStore
	follows FollowChecker
	cache   *repository.ConvCacheRepo
	log     *logrus.Entry
}

// NewConversationService creates a new ConversationService for the current
// user
func NewConversationService(userId string, docStore store.DocumentStore, follows FollowChecker, cache *repository.ConvCacheRepo) *ConversationService {
	return &ConversationService{
		userId:  userId,
		store:   docStore,
		follows: follows,
		cache:   cache,
		log:     logrus.WithField("component", "conversation"),
	}
}

// DetermineInitialStatus derives the status a new conversation starts in.
// Mutual follow skips the message-request step.
func (s *ConversationService) DetermineInitialStatus(requesterId, recipientId string, isMutualFollow bool) string {
	if isMutualFollow {
		return constant.ConvStatusAccepted
	}
	return constant.ConvStatusPending
}

// Get fetches a conversation the current user participates in
func (s *ConversationService) Get(ctx context.Context, conversationId string) (*entity.Conversation, error) {
	conv, err := s.store.GetConversation(ctx, s.userId, conversationId)
	if err != nil {
		return nil, err
	}
	if conv == nil {
		return nil, errcode.ErrConvNotFound
	}
	return conv, nil
}

// BuildDirect constructs (without persisting) the direct conversation
// between the current user and peerId, with its initial status derived from
// the follow relationship at this moment.
func (s *ConversationService) BuildDirect(ctx context.Context, peerId string) (*entity.Conversation, error) {
	if peerId == "" || peerId == s.userId {
		return nil, errcode.ErrInvalidParam
	}

	mutual, err := s.follows.IsMutualFollow(ctx, s.userId, peerId)
	if err != nil {
		return nil, errcode.ErrNetwork.Wrap(err)
	}

	return &entity.Conversation{
		ConversationId: entity.GenDirectConversationId(s.userId, peerId),
		Type:           constant.ConvTypeDirect,
		ParticipantIds: []string{s.userId, peerId},
		Status:         s.DetermineInitialStatus(s.userId, peerId, mutual),
		RequesterId:    s.userId,
	}, nil
}

// GetOrCreateDirect fetches the direct conversation with peerId, creating it
// when none exists. Creation is idempotent.
func (s *ConversationService) GetOrCreateDirect(ctx context.Context, peerId string) (*entity.Conversation, error) {
	conv, err := s.store.FindDirectConversation(ctx, s.userId, peerId)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		return conv, nil
	}

	conv, err = s.BuildDirect(ctx, peerId)
	if err != nil {
		return nil, err
	}
	created, _, err := s.store.CreateConversation(ctx, s.userId, conv, nil)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"conversation_id": created.ConversationId,
		"status":          created.Status,
	}).Info("conversation created")
	return created, nil
}

// CreateGroup creates a group conversation. The creator is always a
// participant; group conversations skip the request step.
func (s *ConversationService) CreateGroup(ctx context.Context, name string, participantIds []string) (*entity.Conversation, error) {
	members := make([]string, 0, len(participantIds)+1)
	seen := map[string]bool{}
	for _, id := range append([]string{s.userId}, participantIds...) {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		members = append(members, id)
	}
	if len(members) < 2 {
		return nil, errcode.ErrInvalidParam
	}

	groupId, err := idgen.NextID()
	if err != nil {
		return nil, errcode.ErrPersistence.Wrap(err)
	}

	conv := &entity.Conversation{
		ConversationId: entity.GenGroupConversationId(groupId),
		Type:           constant.ConvTypeGroup,
		Name:           name,
		ParticipantIds: members,
		Status:         constant.ConvStatusAccepted,
		RequesterId:    s.userId,
	}
	created, _, err := s.store.CreateConversation(ctx, s.userId, conv, nil)
	if err != nil {
		return nil, err
	}
	return created, nil
}

// AcceptRequest accepts a pending message request. Only the recipient side
// may accept.
func (s *ConversationService) AcceptRequest(ctx context.Context, conversationId string) error {
	conv, err := s.Get(ctx, conversationId)
	if err != nil {
		return err
	}
	if conv.Status != constant.ConvStatusPending {
		return errcode.ErrInvalidParam
	}
	if conv.RequesterId == s.userId {
		return errcode.ErrNoPermission
	}
	return s.store.UpdateConversationStatus(ctx, s.userId, conversationId, constant.ConvStatusAccepted, "")
}

// DeclineRequest declines a pending message request. The conversation is
// deleted without trace.
func (s *ConversationService) DeclineRequest(ctx context.Context, conversationId string) error {
	conv, err := s.Get(ctx, conversationId)
	if err != nil {
		return err
	}
	if conv.Status != constant.ConvStatusPending {
		return errcode.ErrInvalidParam
	}
	if conv.RequesterId == s.userId {
		return errcode.ErrNoPermission
	}
	if err := s.store.DeleteConversation(ctx, s.userId, conversationId); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, conversationId); err != nil {
		s.log.WithField("error", err).Warn("drop cached conversation failed")
	}
	return nil
}

// Block blocks the conversation. Any participant may block at any time.
func (s *ConversationService) Block(ctx context.Context, conversationId string) error {
	if _, err := s.Get(ctx, conversationId); err != nil {
		return err
	}
	return s.store.UpdateConversationStatus(ctx, s.userId, conversationId, constant.ConvStatusBlocked, s.userId)
}

// Unblock lifts a block. Only the blocker may unblock. The conversation is
// removed so the pair returns to having no conversation; the next send
// re-creates one from scratch.
func (s *ConversationService) Unblock(ctx context.Context, conversationId string) error {
	conv, err := s.Get(ctx, conversationId)
	if err != nil {
		return err
	}
	if !conv.IsBlocked() {
		return errcode.ErrInvalidParam
	}
	if conv.BlockedBy != s.userId {
		return errcode.ErrNoPermission
	}
	if err := s.store.DeleteConversation(ctx, s.userId, conversationId); err != nil {
		return err
	}
	if err := s.cache.Delete(ctx, conversationId); err != nil {
		s.log.WithField("error", err).Warn("drop cached conversation failed")
	}
	return nil
}

// CanSendConv checks whether the current user may send into a fetched
// conversation. Blocked fails before anything else runs; a recipient of a
// pending request must accept before replying.
func (s *ConversationService) CanSendConv(conv *entity.Conversation) error {
	if conv.IsBlocked() {
		return errcode.ErrBlocked
	}
	if !conv.HasParticipant(s.userId) {
		return errcode.ErrNotParticipant
	}
	if conv.StatusFor(s.userId) == constant.ConvStatusPending {
		return errcode.ErrPendingNotAccepted
	}
	return nil
}

// CanSend reports whether the current user may send into a conversation
func (s *ConversationService) CanSend(ctx context.Context, conversationId string) error {
	conv, err := s.Get(ctx, conversationId)
	if err != nil {
		return err
	}
	return s.CanSendConv(conv)
}

// List fetches the user's conversations from the store and refreshes the
// local cache. Store failures surface as errors, never as substituted
// content.
func (s *ConversationService) List(ctx context.Context) ([]*entity.Conversation, error) {
	convs, err := s.store.ListConversations(ctx, s.userId)
	if err != nil {
		return nil, err
	}
	if err := s.cache.UpsertAll(ctx, convs); err != nil {
		s.log.WithField("error", err).Warn("refresh conversation cache failed")
	}
	return convs, nil
}

// ListCached returns the locally cached conversation list for instant render
// on cold start
func (s *ConversationService) ListCached(ctx context.Context) ([]*entity.Conversation, error) {
	return s.cache.List(ctx)
}

// MarkRead records the user as having read messages up to upToSeq
func (s *ConversationService) MarkRead(ctx context.Context, conversationId string, upToSeq int64) error {
	return s.store.MarkRead(ctx, s.userId, conversationId, upToSeq)
}
