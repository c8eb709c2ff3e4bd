package service

import (
	"context"
	"sync"
	"time"

	"github.com/StephTapera/amenchat/internal/entity"
	"github.com/StephTapera/amenchat/internal/repository"
	"github.com/StephTapera/amenchat/internal/store"
	"github.com/StephTapera/amenchat/pkg/constant"
	"github.com/StephTapera/amenchat/pkg/errcode"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// QueueService drains the durable offline queue. Each conversation replays
// serially in local-seq order so messages arrive in the order they were
// written; distinct conversations replay concurrently.
type QueueService struct {
	userId         string
	repo           *repository.QueueRepo
	store          store.DocumentStore
	delivery       *DeliveryService
	follows        FollowChecker
	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration

	mu        sync.Mutex
	replaying map[string]bool
	wg        sync.WaitGroup
	log       *logrus.Entry
}

// NewQueueService creates a new QueueService
func NewQueueService(
	userId string,
	repo *repository.QueueRepo,
	docStore store.DocumentStore,
	delivery *DeliveryService,
	follows FollowChecker,
	maxAttempts int,
	initialBackoff, maxBackoff time.Duration,
) *QueueService {
	return &QueueService{
		userId:         userId,
		repo:           repo,
		store:          docStore,
		delivery:       delivery,
		follows:        follows,
		maxAttempts:    maxAttempts,
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		replaying:      make(map[string]bool),
		log:            logrus.WithField("component", "queue"),
	}
}

// Enqueue appends a message to the durable queue
func (s *QueueService) Enqueue(ctx context.Context, entry *entity.QueuedMessage) error {
	if err := s.repo.Enqueue(ctx, entry); err != nil {
		return errcode.ErrPersistence.Wrap(err)
	}
	s.log.WithFields(logrus.Fields{
		"conversation_id": entry.ConversationId,
		"local_seq":       entry.LocalSeq,
	}).Info("message queued")
	return nil
}

// HandleNetworkConnected kicks off replay for every conversation with pending
// entries. Safe to call repeatedly: conversations already replaying are
// skipped, so a flapping connection cannot double-send.
func (s *QueueService) HandleNetworkConnected(ctx context.Context) error {
	convIds, err := s.repo.PendingConversations(ctx)
	if err != nil {
		return errcode.ErrPersistence.Wrap(err)
	}
	for _, convId := range convIds {
		s.startReplay(ctx, convId)
	}
	return nil
}

// ProcessQueue drains the queue and waits for all replays to finish
func (s *QueueService) ProcessQueue(ctx context.Context) error {
	if err := s.HandleNetworkConnected(ctx); err != nil {
		return err
	}
	s.wg.Wait()
	return nil
}

// Pending lists queued entries of a conversation in local order
func (s *QueueService) Pending(ctx context.Context, conversationId string) ([]*entity.QueuedMessage, error) {
	return s.repo.ListByConversation(ctx, conversationId)
}

// RetryMessage returns a permanently failed entry to the queue and replays
// its conversation
func (s *QueueService) RetryMessage(ctx context.Context, id int64) error {
	entry, err := s.repo.GetById(ctx, id)
	if err != nil {
		return errcode.ErrPersistence.Wrap(err)
	}
	if entry == nil {
		return errcode.ErrQueueEntryGone
	}
	if err := s.repo.ResetFailed(ctx, id); err != nil {
		return errcode.ErrPersistence.Wrap(err)
	}
	s.delivery.Track(entry.ClientMsgId, entity.StatusFailed)
	if err := s.delivery.Retry(entry.ClientMsgId); err != nil {
		return err
	}
	s.startReplay(ctx, entry.ConversationId)
	return nil
}

// DiscardMessage drops a queue entry for good
func (s *QueueService) DiscardMessage(ctx context.Context, id int64) error {
	entry, err := s.repo.GetById(ctx, id)
	if err != nil {
		return errcode.ErrPersistence.Wrap(err)
	}
	if entry == nil {
		return errcode.ErrQueueEntryGone
	}
	if err := s.repo.Delete(ctx, id); err != nil {
		return errcode.ErrPersistence.Wrap(err)
	}
	s.delivery.Forget(entry.ClientMsgId)
	s.log.WithField("client_msg_id", entry.ClientMsgId).Info("queued message discarded")
	return nil
}

// startReplay spawns a replay goroutine for one conversation unless one is
// already running
func (s *QueueService) startReplay(ctx context.Context, conversationId string) {
	s.mu.Lock()
	if s.replaying[conversationId] {
		s.mu.Unlock()
		return
	}
	s.replaying[conversationId] = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.replaying, conversationId)
			s.mu.Unlock()
		}()
		s.replayConversation(ctx, conversationId)
	}()
}

// replayConversation sends a conversation's pending entries one at a time in
// local-seq order. An entry that exhausts its retry budget is marked failed
// and replay moves on; its neighbours are independent messages, not a batch.
func (s *QueueService) replayConversation(ctx context.Context, conversationId string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entry, err := s.repo.NextPending(ctx, conversationId)
		if err != nil {
			s.log.WithField("error", err).Error("read queue failed, aborting replay")
			return
		}
		if entry == nil {
			return
		}

		if err := s.sendWithRetry(ctx, entry); err != nil {
			if ctx.Err() != nil {
				return
			}
			if markErr := s.repo.MarkFailed(ctx, entry.Id); markErr != nil {
				s.log.WithField("error", markErr).Error("mark queue entry failed")
				return
			}
			s.delivery.Track(entry.ClientMsgId, entity.StatusSending)
			s.delivery.UpdateStatus(entry.ClientMsgId, entity.StatusFailed)
			s.log.WithFields(logrus.Fields{
				"client_msg_id": entry.ClientMsgId,
				"error":         err,
			}).Warn("queued message failed permanently")
		}
	}
}

// sendWithRetry persists one entry, retrying transient failures with
// exponential backoff up to the attempt budget.
func (s *QueueService) sendWithRetry(ctx context.Context, entry *entity.QueuedMessage) error {
	if err := s.repo.MarkSending(ctx, entry.Id); err != nil {
		return errcode.ErrPersistence.Wrap(err)
	}

	var persisted *entity.Message
	op := func() error {
		msg, err := s.persistOne(ctx, entry)
		if err != nil {
			if !isRecoverable(err) {
				return backoff.Permanent(err)
			}
			if incErr := s.repo.IncrRetry(ctx, entry.Id); incErr != nil {
				s.log.WithField("error", incErr).Warn("bump retry counter failed")
			}
			return err
		}
		persisted = msg
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialBackoff
	bo.MaxInterval = s.maxBackoff
	bo.MaxElapsedTime = 0
	bo.RandomizationFactor = 0

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(s.maxAttempts-1)), ctx))
	if err != nil {
		if ctx.Err() != nil || !isRecoverable(err) {
			return err
		}
		return errcode.ErrRetryExhausted.Wrap(err)
	}

	if err := s.repo.MarkPersisted(ctx, entry.Id, persisted.Id); err != nil {
		return errcode.ErrPersistence.Wrap(err)
	}
	s.delivery.Bind(persisted.ConversationId, persisted.Seq, persisted.ClientMsgId)
	s.delivery.Track(persisted.ClientMsgId, entity.StatusSending)
	s.delivery.UpdateStatus(persisted.ClientMsgId, entity.StatusSent)

	if err := s.repo.Delete(ctx, entry.Id); err != nil {
		// Harmless: the entry carries a server message id, so replays skip it.
		s.log.WithField("error", err).Warn("drop persisted queue entry failed")
	}
	s.log.WithFields(logrus.Fields{
		"client_msg_id": entry.ClientMsgId,
		"message_id":    persisted.Id,
	}).Info("queued message persisted")
	return nil
}

// persistOne replays one queue entry against the store. Sends are idempotent
// through the client message id, so retrying after an ambiguous failure
// cannot duplicate the message.
func (s *QueueService) persistOne(ctx context.Context, entry *entity.QueuedMessage) (*entity.Message, error) {
	conv, err := s.store.GetConversation(ctx, s.userId, entry.ConversationId)
	if err != nil {
		return nil, err
	}

	attachments, err := entry.Attachments()
	if err != nil {
		return nil, errcode.ErrPersistence.Wrap(err)
	}

	msg := &entity.Message{
		ConversationId: entry.ConversationId,
		ClientMsgId:    entry.ClientMsgId,
		SenderId:       entry.SenderId,
		Text:           entry.Text,
		ReplyToId:      entry.ReplyToId,
		Status:         entity.StatusSending,
		SendAt:         entry.CreatedAt,
	}

	if conv == nil {
		// The conversation was queued before it ever existed remotely (an
		// offline first message), or was removed meanwhile. Rebuild a direct
		// conversation and commit it with the message in one batch.
		a, b, ok := entity.DirectParticipants(entry.ConversationId)
		if !ok {
			return nil, errcode.ErrConvNotFound
		}
		peerId := a
		if peerId == s.userId {
			peerId = b
		}
		mutual, err := s.follows.IsMutualFollow(ctx, s.userId, peerId)
		if err != nil {
			return nil, errcode.ErrNetwork.Wrap(err)
		}
		status := constant.ConvStatusPending
		if mutual {
			status = constant.ConvStatusAccepted
		}
		conv = &entity.Conversation{
			ConversationId: entry.ConversationId,
			Type:           constant.ConvTypeDirect,
			ParticipantIds: []string{s.userId, peerId},
			Status:         status,
			RequesterId:    s.userId,
		}
	}

	// The conversation may have changed while the sender was offline; the
	// send gate applies at replay time too.
	if conv.IsBlocked() {
		return nil, errcode.ErrBlocked
	}
	if !conv.HasParticipant(s.userId) {
		return nil, errcode.ErrNotParticipant
	}
	if conv.StatusFor(s.userId) == constant.ConvStatusPending {
		return nil, errcode.ErrPendingNotAccepted
	}

	msg.ParticipantIds = append([]string(nil), conv.ParticipantIds...)

	refs := make([]string, 0, len(attachments))
	for _, data := range attachments {
		ref, err := s.store.SaveAttachment(ctx, s.userId, entry.ConversationId, data)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	msg.AttachmentRefs = refs

	if conv.CreatedAt == 0 {
		created, first, err := s.store.CreateConversation(ctx, s.userId, conv, msg)
		if err != nil {
			return nil, err
		}
		if first != nil {
			return first, nil
		}
		conv = created
	}
	return s.store.CreateMessage(ctx, msg)
}
