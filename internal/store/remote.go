package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/StephTapera/amenchat/internal/config"
	"github.com/StephTapera/amenchat/internal/entity"
	"github.com/StephTapera/amenchat/pkg/errcode"
	"github.com/StephTapera/amenchat/pkg/jwt"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// response is the envelope every store endpoint answers with
type response struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data,omitempty"`
}

// RemoteStore is the DocumentStore adapter for the hosted document store.
// It speaks JSON over HTTP for reads/writes and a websocket for the change
// stream, authenticated with a bearer token minted from the current user id.
type RemoteStore struct {
	baseURL    string
	wsURL      string
	token      string
	httpClient *http.Client
	log        *logrus.Entry
}

// NewRemoteStore creates a RemoteStore for the given user
func NewRemoteStore(cfg config.StoreConfig, userId string) (*RemoteStore, error) {
	token, err := jwt.GenerateToken(userId, cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to mint store token: %w", err)
	}
	return &RemoteStore{
		baseURL:    cfg.BaseURL,
		wsURL:      cfg.WSURL,
		token:      token,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logrus.WithField("component", "remote_store"),
	}, nil
}

// request makes an HTTP request and decodes the enveloped response
func (s *RemoteStore) request(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var reqBody *bytes.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return errcode.ErrInvalidParam.Wrap(err)
		}
		reqBody = bytes.NewReader(jsonBody)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return errcode.ErrInvalidParam.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errcode.ErrNetwork.Wrap(err)
	}
	defer resp.Body.Close()

	var apiResp response
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return errcode.ErrNetwork.Wrap(err)
	}
	if apiResp.Code != 0 {
		return errcode.New(apiResp.Code, apiResp.Msg)
	}
	if result != nil && apiResp.Data != nil {
		if err := json.Unmarshal(apiResp.Data, result); err != nil {
			return errcode.ErrPersistence.Wrap(err)
		}
	}
	return nil
}

func (s *RemoteStore) get(ctx context.Context, path string, params map[string]string, result interface{}) error {
	if len(params) > 0 {
		query := url.Values{}
		for k, v := range params {
			query.Set(k, v)
		}
		path += "?" + query.Encode()
	}
	return s.request(ctx, http.MethodGet, path, nil, result)
}

func (s *RemoteStore) post(ctx context.Context, path string, body interface{}, result interface{}) error {
	return s.request(ctx, http.MethodPost, path, body, result)
}

// notFoundToNil maps the store's not-found code onto the (nil, nil) lookup
// contract
func notFoundToNil(err error) error {
	if errcode.Is(err, errcode.ErrConvNotFound) || errcode.Is(err, errcode.ErrMessageNotFound) {
		return nil
	}
	return err
}

// GetConversation fetches a conversation by id
func (s *RemoteStore) GetConversation(ctx context.Context, actorId, conversationId string) (*entity.Conversation, error) {
	var conv entity.Conversation
	if err := s.get(ctx, "/conversations/"+conversationId, nil, &conv); err != nil {
		return nil, notFoundToNil(err)
	}
	return &conv, nil
}

// FindDirectConversation finds the one-to-one conversation with peerId
func (s *RemoteStore) FindDirectConversation(ctx context.Context, actorId, peerId string) (*entity.Conversation, error) {
	return s.GetConversation(ctx, actorId, entity.GenDirectConversationId(actorId, peerId))
}

type createConversationReq struct {
	Conversation *entity.Conversation `json:"conversation"`
	FirstMessage *entity.Message      `json:"first_message,omitempty"`
}

type createConversationResp struct {
	Conversation *entity.Conversation `json:"conversation"`
	FirstMessage *entity.Message      `json:"first_message,omitempty"`
}

// CreateConversation atomically creates a conversation and optionally its
// first message in one batched write
func (s *RemoteStore) CreateConversation(ctx context.Context, actorId string, conv *entity.Conversation, first *entity.Message) (*entity.Conversation, *entity.Message, error) {
	var result createConversationResp
	err := s.post(ctx, "/conversations", &createConversationReq{Conversation: conv, FirstMessage: first}, &result)
	if err != nil {
		return nil, nil, err
	}
	return result.Conversation, result.FirstMessage, nil
}

// UpdateConversationStatus transitions conversation status
func (s *RemoteStore) UpdateConversationStatus(ctx context.Context, actorId, conversationId, status, blockedBy string) error {
	body := map[string]string{"status": status, "blocked_by": blockedBy}
	return s.post(ctx, "/conversations/"+conversationId+"/status", body, nil)
}

// DeleteConversation removes a conversation without trace
func (s *RemoteStore) DeleteConversation(ctx context.Context, actorId, conversationId string) error {
	return s.request(ctx, http.MethodDelete, "/conversations/"+conversationId, nil, nil)
}

// ListConversations lists the caller's conversations
func (s *RemoteStore) ListConversations(ctx context.Context, actorId string) ([]*entity.Conversation, error) {
	var convs []*entity.Conversation
	if err := s.get(ctx, "/conversations", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// CreateMessage persists a message, deduped server-side by client message id
func (s *RemoteStore) CreateMessage(ctx context.Context, msg *entity.Message) (*entity.Message, error) {
	var result entity.Message
	if err := s.post(ctx, "/conversations/"+msg.ConversationId+"/messages", msg, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetMessageByClientId looks a message up by client message id
func (s *RemoteStore) GetMessageByClientId(ctx context.Context, actorId, conversationId, clientMsgId string) (*entity.Message, error) {
	var msg entity.Message
	params := map[string]string{"client_msg_id": clientMsgId}
	if err := s.get(ctx, "/conversations/"+conversationId+"/messages/by-client-id", params, &msg); err != nil {
		return nil, notFoundToNil(err)
	}
	return &msg, nil
}

// ListMessages pulls messages within a seq range, ascending
func (s *RemoteStore) ListMessages(ctx context.Context, actorId, conversationId string, fromSeq, toSeq int64, limit int) ([]*entity.Message, error) {
	params := map[string]string{
		"from_seq": strconv.FormatInt(fromSeq, 10),
		"to_seq":   strconv.FormatInt(toSeq, 10),
		"limit":    strconv.Itoa(limit),
	}
	var msgs []*entity.Message
	if err := s.get(ctx, "/conversations/"+conversationId+"/messages", params, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// DeleteMessage removes a message; sender only
func (s *RemoteStore) DeleteMessage(ctx context.Context, actorId, conversationId, messageId string) error {
	return s.request(ctx, http.MethodDelete, "/conversations/"+conversationId+"/messages/"+messageId, nil, nil)
}

// AddReaction sets the caller's reaction on a message
func (s *RemoteStore) AddReaction(ctx context.Context, actorId, conversationId, messageId, reaction string) error {
	body := map[string]string{"reaction": reaction}
	return s.post(ctx, "/conversations/"+conversationId+"/messages/"+messageId+"/reactions", body, nil)
}

// MarkRead records the caller as having read messages up to upToSeq
func (s *RemoteStore) MarkRead(ctx context.Context, actorId, conversationId string, upToSeq int64) error {
	body := map[string]int64{"up_to_seq": upToSeq}
	return s.post(ctx, "/conversations/"+conversationId+"/read", body, nil)
}

// AcknowledgeDelivery records realtime receipt up to upToSeq
func (s *RemoteStore) AcknowledgeDelivery(ctx context.Context, actorId, conversationId string, upToSeq int64) error {
	body := map[string]int64{"up_to_seq": upToSeq}
	return s.post(ctx, "/conversations/"+conversationId+"/delivered", body, nil)
}

// SetTyping publishes an ephemeral typing signal
func (s *RemoteStore) SetTyping(ctx context.Context, actorId, conversationId string, ttl time.Duration) error {
	body := map[string]int64{"ttl_ms": ttl.Milliseconds()}
	return s.post(ctx, "/conversations/"+conversationId+"/typing", body, nil)
}

// SaveAttachment uploads one compressed attachment
func (s *RemoteStore) SaveAttachment(ctx context.Context, actorId, conversationId string, data []byte) (string, error) {
	var result struct {
		Ref string `json:"ref"`
	}
	body := map[string][]byte{"data": data}
	if err := s.post(ctx, "/conversations/"+conversationId+"/attachments", body, &result); err != nil {
		return "", err
	}
	return result.Ref, nil
}

// Subscribe opens the websocket change stream for a conversation. The stream
// closes when ctx is cancelled or the connection drops; callers resubscribe.
func (s *RemoteStore) Subscribe(ctx context.Context, actorId, conversationId string, fromSeq int64) (<-chan ChangeEvent, error) {
	wsURL := fmt.Sprintf("%s/sync?conversation_id=%s&from_seq=%d",
		s.wsURL, url.QueryEscape(conversationId), fromSeq)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, errcode.ErrSubscribeFailed.Wrap(err)
	}

	out := make(chan ChangeEvent, subBufferSize)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var ev ChangeEvent
			if err := conn.ReadJSON(&ev); err != nil {
				if ctx.Err() == nil {
					s.log.WithFields(logrus.Fields{
						"conversation_id": conversationId,
						"error":           err,
					}).Debug("change stream closed")
				}
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}
