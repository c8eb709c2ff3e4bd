package service

import (
	"sync"

	"github.com/StephTapera/amenchat/internal/entity"
	"github.com/StephTapera/amenchat/internal/store"
	"github.com/StephTapera/amenchat/pkg/errcode"
	"github.com/sirupsen/logrus"
)

// DeliveryService tracks the delivery status of outgoing messages, keyed by
// client message id (the only id that exists before the store acknowledges).
// Status only moves forward; failed is reachable from sending and an explicit
// retry is the only way back.
type DeliveryService struct {
	mu       sync.Mutex
	statuses map[string]entity.DeliveryStatus
	bySeq    map[string]map[int64]string
	watchers map[string][]chan entity.DeliveryStatus
	log      *logrus.Entry
}

// NewDeliveryService creates a new DeliveryService
func NewDeliveryService() *DeliveryService {
	return &DeliveryService{
		statuses: make(map[string]entity.DeliveryStatus),
		bySeq:    make(map[string]map[int64]string),
		watchers: make(map[string][]chan entity.DeliveryStatus),
		log:      logrus.WithField("component", "delivery"),
	}
}

// Track starts tracking a message at the given status. Re-tracking an
// already-known message is a no-op.
func (s *DeliveryService) Track(clientMsgId string, status entity.DeliveryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.statuses[clientMsgId]; ok {
		return
	}
	s.statuses[clientMsgId] = status
	s.notifyLocked(clientMsgId, status)
}

// UpdateStatus moves a message's status forward. Backward moves are a
// contract violation and rejected.
func (s *DeliveryService) UpdateStatus(clientMsgId string, status entity.DeliveryStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.statuses[clientMsgId]
	if !ok {
		return errcode.ErrMessageNotFound
	}
	if current == status {
		return nil
	}
	if !current.CanTransitionTo(status) {
		return errcode.ErrStatusRegression
	}
	s.statuses[clientMsgId] = status
	s.notifyLocked(clientMsgId, status)
	return nil
}

// Retry resets a failed message back to sending. Only failed messages may be
// retried.
func (s *DeliveryService) Retry(clientMsgId string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.statuses[clientMsgId]
	if !ok {
		return errcode.ErrMessageNotFound
	}
	if current != entity.StatusFailed {
		return errcode.ErrInvalidParam
	}
	s.statuses[clientMsgId] = entity.StatusSending
	s.notifyLocked(clientMsgId, entity.StatusSending)
	return nil
}

// Status returns the current status of a tracked message
func (s *DeliveryService) Status(clientMsgId string) (entity.DeliveryStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[clientMsgId]
	return status, ok
}

// Observe streams status changes for a message. The current status, when
// known, is delivered first. The channel closes once the message reaches
// read, the end of the delivery lifecycle.
func (s *DeliveryService) Observe(clientMsgId string) <-chan entity.DeliveryStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan entity.DeliveryStatus, 8)
	if status, ok := s.statuses[clientMsgId]; ok {
		ch <- status
		if status == entity.StatusRead {
			close(ch)
			return ch
		}
	}
	s.watchers[clientMsgId] = append(s.watchers[clientMsgId], ch)
	return ch
}

// Forget drops a message from tracking and closes its watchers, used when a
// queued message is discarded for good.
func (s *DeliveryService) Forget(clientMsgId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.statuses, clientMsgId)
	s.closeWatchersLocked(clientMsgId)
}

// Bind associates a store-assigned (conversation, seq) with a tracked
// message so receipts can be mapped back.
func (s *DeliveryService) Bind(conversationId string, seq int64, clientMsgId string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bySeq[conversationId] == nil {
		s.bySeq[conversationId] = make(map[int64]string)
	}
	s.bySeq[conversationId][seq] = clientMsgId
}

// ApplyEvent reconciles delivery status from a store change event. The store
// is the arbiter of delivery truth, so reconciliation is tolerant: moves the
// store has already superseded are ignored rather than rejected.
func (s *DeliveryService) ApplyEvent(ev store.ChangeEvent, selfId string) {
	switch ev.Kind {
	case store.ChangeMessageAdded, store.ChangeMessageModified:
		msg := ev.Message
		if msg == nil || msg.SenderId != selfId {
			return
		}
		s.Bind(ev.ConversationId, msg.Seq, msg.ClientMsgId)
		s.advance(msg.ClientMsgId, entity.StatusSent)
		for _, reader := range msg.ReadBy {
			if reader != selfId {
				s.advance(msg.ClientMsgId, entity.StatusRead)
				break
			}
		}
	case store.ChangeDeliveryReceipt:
		if ev.UserId == selfId {
			return
		}
		s.mu.Lock()
		var keys []string
		for seq, key := range s.bySeq[ev.ConversationId] {
			if seq <= ev.Seq {
				keys = append(keys, key)
			}
		}
		s.mu.Unlock()
		for _, key := range keys {
			s.advance(key, entity.StatusDelivered)
		}
	}
}

// advance applies a forward move if it is legal and quietly drops it
// otherwise
func (s *DeliveryService) advance(clientMsgId string, status entity.DeliveryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.statuses[clientMsgId]
	if !ok {
		s.statuses[clientMsgId] = status
		s.notifyLocked(clientMsgId, status)
		return
	}
	if current == status || !current.CanTransitionTo(status) {
		return
	}
	s.statuses[clientMsgId] = status
	s.notifyLocked(clientMsgId, status)
}

// notifyLocked fans a status change out to watchers. Caller holds mu.
// Watchers are released after the terminal read status.
func (s *DeliveryService) notifyLocked(clientMsgId string, status entity.DeliveryStatus) {
	for _, ch := range s.watchers[clientMsgId] {
		select {
		case ch <- status:
		default:
			s.log.WithField("client_msg_id", clientMsgId).Warn("status watcher slow, dropping update")
		}
	}
	if status == entity.StatusRead {
		s.closeWatchersLocked(clientMsgId)
	}
}

// closeWatchersLocked closes and drops every watcher of a message. Caller
// holds mu.
func (s *DeliveryService) closeWatchersLocked(clientMsgId string) {
	for _, ch := range s.watchers[clientMsgId] {
		close(ch)
	}
	delete(s.watchers, clientMsgId)
}
