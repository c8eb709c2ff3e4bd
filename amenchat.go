// Package amenchat is an embeddable messaging core: conversation lifecycle,
// validated and rate-limited sends, attachment compression, a durable offline
// queue with ordered replay, delivery status tracking, and realtime sync
// against a backing document store.
package amenchat

import (
	"context"
	"fmt"
	"sync"

	"github.com/StephTapera/amenchat/internal/config"
	"github.com/StephTapera/amenchat/internal/entity"
	"github.com/StephTapera/amenchat/internal/netmon"
	"github.com/StephTapera/amenchat/internal/repository"
	"github.com/StephTapera/amenchat/internal/service"
	"github.com/StephTapera/amenchat/internal/store"
	"github.com/StephTapera/amenchat/internal/syncer"
	"github.com/StephTapera/amenchat/pkg/errcode"
	"github.com/StephTapera/amenchat/pkg/imaging"
	"github.com/StephTapera/amenchat/pkg/ratelimit"
	"github.com/StephTapera/amenchat/pkg/validator"
	"github.com/sirupsen/logrus"
)

// Re-exported domain types
type (
	Config           = config.Config
	Conversation     = entity.Conversation
	Message          = entity.Message
	QueuedMessage    = entity.QueuedMessage
	TypingSignal     = entity.TypingSignal
	DeliveryStatus   = entity.DeliveryStatus
	ChangeEvent      = store.ChangeEvent
	ChangeKind       = store.ChangeKind
	DocumentStore    = store.DocumentStore
	SendRequest      = service.SendRequest
	FollowChecker    = service.FollowChecker
	NotificationSink = service.NotificationSink
	PushPayload      = service.PushPayload
	Prober           = netmon.Prober
	Error            = errcode.Error
)

// Delivery statuses
const (
	StatusSending   = entity.StatusSending
	StatusSent      = entity.StatusSent
	StatusDelivered = entity.StatusDelivered
	StatusRead      = entity.StatusRead
	StatusFailed    = entity.StatusFailed
)

// Change kinds
const (
	ChangeMessageAdded        = store.ChangeMessageAdded
	ChangeMessageModified     = store.ChangeMessageModified
	ChangeMessageRemoved      = store.ChangeMessageRemoved
	ChangeConversationUpdated = store.ChangeConversationUpdated
	ChangeConversationRemoved = store.ChangeConversationRemoved
	ChangeTyping              = store.ChangeTyping
	ChangeDeliveryReceipt     = store.ChangeDeliveryReceipt
)

// Options configures an Engine
type Options struct {
	// Config takes precedence over ConfigPath; with neither set, defaults
	// apply.
	Config     *config.Config
	ConfigPath string

	// UserId identifies the local user. Required.
	UserId string
	// SenderName is attached to push payloads shown to recipients
	SenderName string

	// Store overrides the backing document store. Defaults to the remote
	// store when store.base_url is configured, otherwise an in-memory store.
	Store store.DocumentStore
	// Follows answers mutual-follow queries for the message-request flow.
	// Required.
	Follows service.FollowChecker
	// Notifier receives push payloads for persisted messages. Optional.
	Notifier service.NotificationSink
	// Probe supplies connectivity observations. Optional; connectivity can
	// also be fed through SetConnected.
	Probe netmon.Prober
}

// Engine is the assembled messaging core for one local user
type Engine struct {
	userId   string
	cfg      *config.Config
	store    store.DocumentStore
	repos    *repository.Repositories
	monitor  *netmon.Monitor
	listener *syncer.Listener
	delivery *service.DeliveryService
	convs    *service.ConversationService
	queue    *service.QueueService
	msgs     *service.MessageService

	cancel  context.CancelFunc
	stopped sync.Once
	log     *logrus.Entry
}

// New assembles an Engine from options
func New(opts Options) (*Engine, error) {
	if opts.UserId == "" {
		return nil, errcode.ErrInvalidParam.Wrap(fmt.Errorf("user id is required"))
	}
	if opts.Follows == nil {
		return nil, errcode.ErrInvalidParam.Wrap(fmt.Errorf("follow checker is required"))
	}

	cfg := opts.Config
	if cfg == nil {
		if opts.ConfigPath != "" {
			loaded, err := config.Load(opts.ConfigPath)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		} else {
			cfg = config.Default()
		}
	}

	docStore := opts.Store
	if docStore == nil {
		if cfg.Store.BaseURL != "" {
			remote, err := store.NewRemoteStore(cfg.Store, opts.UserId)
			if err != nil {
				return nil, err
			}
			docStore = remote
		} else {
			docStore = store.NewMemoryStore()
		}
	}

	repos, err := repository.NewRepositories(cfg)
	if err != nil {
		return nil, errcode.ErrPersistence.Wrap(err)
	}

	delivery := service.NewDeliveryService()
	convs := service.NewConversationService(opts.UserId, docStore, opts.Follows, repos.ConvCache)
	queue := service.NewQueueService(
		opts.UserId, repos.Queue, docStore, delivery, opts.Follows,
		cfg.Queue.MaxAttempts, cfg.Queue.InitialBackoff, cfg.Queue.MaxBackoff,
	)
	monitor := netmon.New(opts.Probe, cfg.Network.ProbeInterval, cfg.Network.Hysteresis)
	msgs := service.NewMessageService(
		opts.UserId, opts.SenderName, convs, docStore,
		validator.New(
			validator.WithMaxTextLen(cfg.Limits.MaxTextLength),
			validator.WithMaxAttachments(cfg.Limits.MaxAttachments),
			validator.WithMaxAttachmentBytes(cfg.Limits.MaxAttachmentBytes),
			validator.WithMaxNameLen(cfg.Limits.MaxNameLength),
		),
		ratelimit.New(cfg.RateLimit.MaxSends, cfg.RateLimit.Window),
		imaging.New(imaging.Options{
			MaxBytes:     cfg.Compression.MaxBytes,
			MaxDimension: cfg.Compression.MaxDimension,
			QualityStart: cfg.Compression.QualityStart,
			QualityFloor: cfg.Compression.QualityFloor,
			QualityStep:  cfg.Compression.QualityStep,
		}),
		delivery, queue, monitor, opts.Notifier,
	)
	listener := syncer.New(docStore, opts.UserId, cfg.Sync)

	return &Engine{
		userId:   opts.UserId,
		cfg:      cfg,
		store:    docStore,
		repos:    repos,
		monitor:  monitor,
		listener: listener,
		delivery: delivery,
		convs:    convs,
		queue:    queue,
		msgs:     msgs,
	}, nil
}

// Start begins background work: connectivity monitoring and queue replay on
// reconnect. Start returns immediately; the engine runs until Close.
//
// The queue drains only on observed connectivity (a probe result or a
// SetConnected call), never on the monitor's cold-start assumption, so a
// start while actually offline cannot burn retry budgets against a dead
// network. The monitor emits the first observation even when it confirms
// the assumed state, which covers draining entries left from a previous run.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)

	transitions := e.monitor.Subscribe()
	e.monitor.Start(ctx)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case connected := <-transitions:
				if !connected {
					continue
				}
				if err := e.queue.HandleNetworkConnected(ctx); err != nil {
					logrus.WithField("error", err).Warn("queue drain failed")
				}
			}
		}
	}()
}

// Close stops background work and releases local resources
func (e *Engine) Close() error {
	var err error
	e.stopped.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
		e.listener.Close()
		err = e.repos.Close()
	})
	return err
}

// SetConnected feeds a connectivity observation from the host platform
func (e *Engine) SetConnected(state bool) {
	e.monitor.SetConnected(state)
}

// IsConnected reports the settled connectivity state
func (e *Engine) IsConnected() bool {
	return e.monitor.IsConnected()
}

// Send sends a message into an existing conversation
func (e *Engine) Send(ctx context.Context, req SendRequest) (*Message, error) {
	return e.msgs.Send(ctx, req)
}

// SendTo sends a message to a peer, creating the direct conversation when
// none exists
func (e *Engine) SendTo(ctx context.Context, peerId string, req SendRequest) (*Message, error) {
	return e.msgs.SendDirect(ctx, peerId, req)
}

// Conversation fetches one conversation
func (e *Engine) Conversation(ctx context.Context, conversationId string) (*Conversation, error) {
	return e.convs.Get(ctx, conversationId)
}

// Conversations lists the user's conversations from the store, refreshing the
// local cache
func (e *Engine) Conversations(ctx context.Context) ([]*Conversation, error) {
	return e.convs.List(ctx)
}

// CachedConversations returns the locally cached conversation list without
// touching the network
func (e *Engine) CachedConversations(ctx context.Context) ([]*Conversation, error) {
	return e.convs.ListCached(ctx)
}

// CreateGroup creates a group conversation
func (e *Engine) CreateGroup(ctx context.Context, name string, participantIds []string) (*Conversation, error) {
	return e.convs.CreateGroup(ctx, name, participantIds)
}

// AcceptRequest accepts a pending message request
func (e *Engine) AcceptRequest(ctx context.Context, conversationId string) error {
	return e.convs.AcceptRequest(ctx, conversationId)
}

// DeclineRequest declines a pending message request
func (e *Engine) DeclineRequest(ctx context.Context, conversationId string) error {
	return e.convs.DeclineRequest(ctx, conversationId)
}

// Block blocks a conversation
func (e *Engine) Block(ctx context.Context, conversationId string) error {
	return e.convs.Block(ctx, conversationId)
}

// Unblock lifts a block placed by the current user
func (e *Engine) Unblock(ctx context.Context, conversationId string) error {
	return e.convs.Unblock(ctx, conversationId)
}

// History pulls messages within a seq range, ascending
func (e *Engine) History(ctx context.Context, conversationId string, fromSeq, toSeq int64, limit int) ([]*Message, error) {
	return e.msgs.History(ctx, conversationId, fromSeq, toSeq, limit)
}

// React sets the current user's reaction on a message
func (e *Engine) React(ctx context.Context, conversationId, messageId, reaction string) error {
	return e.msgs.React(ctx, conversationId, messageId, reaction)
}

// DeleteMessage removes one of the current user's own messages
func (e *Engine) DeleteMessage(ctx context.Context, conversationId, messageId string) error {
	return e.msgs.Delete(ctx, conversationId, messageId)
}

// SetTyping publishes an ephemeral typing signal
func (e *Engine) SetTyping(ctx context.Context, conversationId string) error {
	return e.msgs.SetTyping(ctx, conversationId)
}

// MarkRead records the user as having read messages up to upToSeq
func (e *Engine) MarkRead(ctx context.Context, conversationId string, upToSeq int64) error {
	return e.convs.MarkRead(ctx, conversationId, upToSeq)
}

// AcknowledgeDelivery records that this client received realtime updates up
// to upToSeq, which moves the sender's view to delivered
func (e *Engine) AcknowledgeDelivery(ctx context.Context, conversationId string, upToSeq int64) error {
	return e.store.AcknowledgeDelivery(ctx, e.userId, conversationId, upToSeq)
}

// Subscribe opens a realtime change stream for a conversation. Events also
// feed the delivery tracker, so sender-side status advances as recipients
// receive and read.
func (e *Engine) Subscribe(ctx context.Context, conversationId string, fromSeq int64) (<-chan ChangeEvent, error) {
	in, err := e.listener.Subscribe(ctx, conversationId, fromSeq)
	if err != nil {
		return nil, err
	}

	out := make(chan ChangeEvent, cap(in))
	go func() {
		defer close(out)
		for ev := range in {
			e.delivery.ApplyEvent(ev, e.userId)
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Unsubscribe tears down a conversation's realtime stream
func (e *Engine) Unsubscribe(conversationId string) {
	e.listener.Unsubscribe(conversationId)
}

// MessageStatus returns the tracked delivery status of an outgoing message
func (e *Engine) MessageStatus(clientMsgId string) (DeliveryStatus, bool) {
	return e.delivery.Status(clientMsgId)
}

// ObserveStatus streams delivery status changes for an outgoing message
func (e *Engine) ObserveStatus(clientMsgId string) <-chan DeliveryStatus {
	return e.delivery.Observe(clientMsgId)
}

// PendingMessages lists queued entries of a conversation awaiting replay
func (e *Engine) PendingMessages(ctx context.Context, conversationId string) ([]*QueuedMessage, error) {
	return e.queue.Pending(ctx, conversationId)
}

// RetryMessage returns a permanently failed queued message to the queue and
// replays it
func (e *Engine) RetryMessage(ctx context.Context, id int64) error {
	return e.queue.RetryMessage(ctx, id)
}

// DiscardMessage drops a queued message for good
func (e *Engine) DiscardMessage(ctx context.Context, id int64) error {
	return e.queue.DiscardMessage(ctx, id)
}

// ProcessQueue drains the offline queue and waits for replays to finish
func (e *Engine) ProcessQueue(ctx context.Context) error {
	return e.queue.ProcessQueue(ctx)
}
