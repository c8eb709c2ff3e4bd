package service

import (
	"context"
	"errors"
	"time"

	"github.com/StephTapera/amenchat/internal/entity"
	"github.com/StephTapera/amenchat/internal/netmon"
	"github.com/StephTapera/amenchat/internal/store"
	"github.com/StephTapera/amenchat/pkg/constant"
	"github.com/StephTapera/amenchat/pkg/errcode"
	"github.com/StephTapera/amenchat/pkg/idgen"
	"github.com/StephTapera/amenchat/pkg/imaging"
	"github.com/StephTapera/amenchat/pkg/ratelimit"
	"github.com/StephTapera/amenchat/pkg/validator"
	"github.com/sirupsen/logrus"
)

// SendRequest is one outgoing message as handed to the pipeline
type SendRequest struct {
	ConversationId string
	Text           string
	Attachments    [][]byte
	ReplyToId      string
}

// MessageService runs the send pipeline: permission gate, validation, rate
// limit, compression, then dispatch. Checks run in that fixed order so a
// blocked sender never burns rate-limit quota and oversized input never gets
// compressed.
type MessageService struct {
	userId     string
	senderName string
	convs      *ConversationService
	store      store.DocumentStore
	validator  *validator.Validator
	limiter    *ratelimit.Limiter
	compressor *imaging.Compressor
	delivery   *DeliveryService
	queue      *QueueService
	network    netmon.Watcher
	notify     NotificationSink
	log        *logrus.Entry
}

// NewMessageService creates a new MessageService
func NewMessageService(
	userId, senderName string,
	convs *ConversationService,
	docStore store.DocumentStore,
	v *validator.Validator,
	limiter *ratelimit.Limiter,
	compressor *imaging.Compressor,
	delivery *DeliveryService,
	queue *QueueService,
	network netmon.Watcher,
	notify NotificationSink,
) *MessageService {
	return &MessageService{
		userId:     userId,
		senderName: senderName,
		convs:      convs,
		store:      docStore,
		validator:  v,
		limiter:    limiter,
		compressor: compressor,
		delivery:   delivery,
		queue:      queue,
		network:    network,
		notify:     notify,
		log:        logrus.WithField("component", "message"),
	}
}

// Send sends a message into an existing conversation. On success or on a
// recoverable failure it returns the optimistic local message; the delivery
// tracker reports its progress from there. Validation, permission and
// throttle failures surface immediately and nothing is queued.
func (s *MessageService) Send(ctx context.Context, req SendRequest) (*entity.Message, error) {
	conv, err := s.convs.Get(ctx, req.ConversationId)
	if err != nil {
		return nil, err
	}
	return s.sendTo(ctx, conv, req, false)
}

// SendDirect sends a message to a peer, creating the direct conversation if
// none exists yet. Conversation and first message are committed in one atomic
// batch so a crash cannot leave an empty conversation behind.
func (s *MessageService) SendDirect(ctx context.Context, peerId string, req SendRequest) (*entity.Message, error) {
	conv, err := s.convs.store.FindDirectConversation(ctx, s.userId, peerId)
	if err != nil {
		return nil, err
	}
	if conv != nil {
		req.ConversationId = conv.ConversationId
		return s.sendTo(ctx, conv, req, false)
	}

	conv, err = s.convs.BuildDirect(ctx, peerId)
	if err != nil {
		return nil, err
	}
	req.ConversationId = conv.ConversationId
	return s.sendTo(ctx, conv, req, true)
}

// sendTo runs the pipeline stages against a resolved conversation. When
// createConv is set the conversation does not exist yet and must be created
// atomically with the first message.
func (s *MessageService) sendTo(ctx context.Context, conv *entity.Conversation, req SendRequest, createConv bool) (*entity.Message, error) {
	if err := s.convs.CanSendConv(conv); err != nil {
		return nil, err
	}
	if err := s.validator.Validate(req.Text, len(req.Attachments)); err != nil {
		return nil, err
	}
	if err := s.validator.ValidateAttachments(req.Attachments); err != nil {
		return nil, err
	}
	if !s.limiter.CanSend(s.userId) {
		return nil, errcode.ErrRateLimited.WithRetryAfter(s.limiter.RetryAfter(s.userId))
	}
	s.limiter.RecordSend(s.userId)

	compressed, err := s.compressor.CompressBatch(ctx, req.Attachments)
	if err != nil {
		return nil, err
	}

	msg := &entity.Message{
		ConversationId: req.ConversationId,
		ClientMsgId:    idgen.NewClientMsgId(),
		SenderId:       s.userId,
		Text:           req.Text,
		ReplyToId:      req.ReplyToId,
		ParticipantIds: append([]string(nil), conv.ParticipantIds...),
		Status:         entity.StatusSending,
		SendAt:         entity.NowUnixMilli(),
	}
	s.delivery.Track(msg.ClientMsgId, entity.StatusSending)

	if !s.network.IsConnected() {
		if err := s.enqueue(ctx, msg, compressed); err != nil {
			return nil, err
		}
		return msg, nil
	}

	persisted, err := s.persist(ctx, conv, msg, compressed, createConv)
	if err != nil {
		if isRecoverable(err) {
			s.log.WithFields(logrus.Fields{
				"client_msg_id": msg.ClientMsgId,
				"error":         err,
			}).Warn("send failed, queueing for replay")
			if qerr := s.enqueue(ctx, msg, compressed); qerr != nil {
				return nil, qerr
			}
			return msg, nil
		}
		s.delivery.UpdateStatus(msg.ClientMsgId, entity.StatusFailed)
		return nil, err
	}

	s.delivery.Bind(persisted.ConversationId, persisted.Seq, persisted.ClientMsgId)
	s.delivery.UpdateStatus(persisted.ClientMsgId, entity.StatusSent)
	s.pushToRecipients(ctx, conv, persisted)
	return persisted, nil
}

// persist uploads attachments and commits the message to the store
func (s *MessageService) persist(ctx context.Context, conv *entity.Conversation, msg *entity.Message, attachments [][]byte, createConv bool) (*entity.Message, error) {
	refs := make([]string, 0, len(attachments))
	for _, data := range attachments {
		ref, err := s.store.SaveAttachment(ctx, s.userId, msg.ConversationId, data)
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	msg.AttachmentRefs = refs

	if createConv {
		_, created, err := s.store.CreateConversation(ctx, s.userId, conv, msg)
		if err != nil {
			return nil, err
		}
		if created != nil {
			return created, nil
		}
		// Conversation already existed and the batch was resolved without the
		// message; fall through to a plain create, which dedupes by client
		// message id.
	}
	return s.store.CreateMessage(ctx, msg)
}

// enqueue stores the message in the durable offline queue and keeps the
// optimistic status at sending
func (s *MessageService) enqueue(ctx context.Context, msg *entity.Message, attachments [][]byte) error {
	entry := &entity.QueuedMessage{
		ConversationId: msg.ConversationId,
		ClientMsgId:    msg.ClientMsgId,
		SenderId:       msg.SenderId,
		Text:           msg.Text,
		ReplyToId:      msg.ReplyToId,
	}
	if err := entry.SetAttachments(attachments); err != nil {
		return errcode.ErrPersistence.Wrap(err)
	}
	if err := s.queue.Enqueue(ctx, entry); err != nil {
		s.delivery.UpdateStatus(msg.ClientMsgId, entity.StatusFailed)
		return err
	}
	return nil
}

// pushToRecipients hands push payloads to the notification sink for every
// other participant. Push is best effort and never fails the send.
func (s *MessageService) pushToRecipients(ctx context.Context, conv *entity.Conversation, msg *entity.Message) {
	if s.notify == nil {
		return
	}
	preview := entity.Preview(msg.Text)
	for _, participantId := range conv.ParticipantIds {
		if participantId == s.userId {
			continue
		}
		s.notify.Notify(ctx, PushPayload{
			RecipientId:    participantId,
			SenderId:       s.userId,
			SenderName:     s.senderName,
			MessagePreview: preview,
			ConversationId: conv.ConversationId,
			BadgeCount:     conv.UnreadCounts[participantId] + 1,
		})
	}
}

// History pulls messages within a seq range, ascending
func (s *MessageService) History(ctx context.Context, conversationId string, fromSeq, toSeq int64, limit int) ([]*entity.Message, error) {
	return s.store.ListMessages(ctx, s.userId, conversationId, fromSeq, toSeq, limit)
}

// React sets the current user's reaction on a message
func (s *MessageService) React(ctx context.Context, conversationId, messageId, reaction string) error {
	return s.store.AddReaction(ctx, s.userId, conversationId, messageId, reaction)
}

// Delete removes one of the current user's own messages
func (s *MessageService) Delete(ctx context.Context, conversationId, messageId string) error {
	return s.store.DeleteMessage(ctx, s.userId, conversationId, messageId)
}

// SetTyping publishes an ephemeral typing signal
func (s *MessageService) SetTyping(ctx context.Context, conversationId string) error {
	return s.store.SetTyping(ctx, s.userId, conversationId, constant.TypingTTLSeconds*time.Second)
}

// isRecoverable classifies a persist failure. Transport and unknown failures
// queue for replay; everything classified (validation, permission, throttle,
// data) is a definitive answer from the store and surfaces immediately.
func isRecoverable(err error) bool {
	var e *errcode.Error
	if !errors.As(err, &e) {
		return true // unclassified, assume transient
	}
	return e.Code >= 4001 && e.Code <= 4999
}
