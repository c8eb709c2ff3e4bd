// Package syncer maintains realtime change subscriptions against the
// document store, reconnecting with backoff and shielding consumers from
// duplicate events around resubscribes.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/StephTapera/amenchat/internal/config"
	"github.com/StephTapera/amenchat/internal/store"
	"github.com/StephTapera/amenchat/pkg/errcode"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Listener manages one subscription per conversation. Each subscription
// survives stream failures: it resubscribes from the last seen seq with
// exponential backoff, and consumers keep reading the same channel
// throughout.
type Listener struct {
	store  store.DocumentStore
	userId string
	cfg    config.SyncConfig

	mu   sync.Mutex
	subs map[string]*subscription
	log  *logrus.Entry
}

type subscription struct {
	cancel context.CancelFunc
	out    chan store.ChangeEvent
}

// New creates a Listener for the given user
func New(docStore store.DocumentStore, userId string, cfg config.SyncConfig) *Listener {
	return &Listener{
		store:  docStore,
		userId: userId,
		cfg:    cfg,
		subs:   make(map[string]*subscription),
		log:    logrus.WithField("component", "syncer"),
	}
}

// Subscribe opens a change stream for a conversation starting after fromSeq.
// The store stream is attached before Subscribe returns, so every event
// emitted after the call is delivered. The returned channel stays valid
// across reconnects and closes only when the subscription is cancelled. A
// conversation may be subscribed once at a time.
func (l *Listener) Subscribe(ctx context.Context, conversationId string, fromSeq int64) (<-chan store.ChangeEvent, error) {
	l.mu.Lock()
	if _, ok := l.subs[conversationId]; ok {
		l.mu.Unlock()
		return nil, errcode.ErrAlreadySubscribed
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscription{
		cancel: cancel,
		out:    make(chan store.ChangeEvent, l.cfg.BufferSize),
	}
	l.subs[conversationId] = sub
	l.mu.Unlock()

	in, err := l.store.Subscribe(subCtx, l.userId, conversationId, fromSeq)
	if err != nil {
		cancel()
		l.forget(conversationId, sub)
		return nil, err
	}

	go l.run(subCtx, conversationId, fromSeq, sub, in)
	return sub.out, nil
}

// Unsubscribe tears down the subscription for a conversation. The consumer's
// channel closes once the stream goroutine exits.
func (l *Listener) Unsubscribe(conversationId string) {
	l.mu.Lock()
	sub, ok := l.subs[conversationId]
	if ok {
		delete(l.subs, conversationId)
	}
	l.mu.Unlock()
	if ok {
		sub.cancel()
	}
}

// Close tears down every subscription
func (l *Listener) Close() {
	l.mu.Lock()
	subs := l.subs
	l.subs = make(map[string]*subscription)
	l.mu.Unlock()
	for _, sub := range subs {
		sub.cancel()
	}
}

// run forwards an already-attached stream and resubscribes on failure from
// the last seq actually seen.
func (l *Listener) run(ctx context.Context, conversationId string, fromSeq int64, sub *subscription, in <-chan store.ChangeEvent) {
	defer close(sub.out)
	defer l.forget(conversationId, sub)

	lastSeq := fromSeq
	// Resubscribing from lastSeq redelivers the boundary event; seen message
	// ids filter those duplicates out.
	seen := make(map[string]bool)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.ResubscribeInitial
	bo.MaxInterval = l.cfg.ResubscribeMax
	bo.MaxElapsedTime = 0

	for {
		for ev := range in {
			if ev.Kind == store.ChangeMessageAdded && ev.Message != nil {
				if seen[ev.Message.Id] {
					continue
				}
				seen[ev.Message.Id] = true
			}
			if ev.Seq > lastSeq {
				lastSeq = ev.Seq
			}
			select {
			case sub.out <- ev:
			case <-ctx.Done():
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		l.log.WithField("conversation_id", conversationId).Info("stream ended, resubscribing")

		next, err := l.store.Subscribe(ctx, l.userId, conversationId, lastSeq)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			l.log.WithFields(logrus.Fields{
				"conversation_id": conversationId,
				"retry_in":        wait,
				"error":           err,
			}).Warn("resubscribe failed, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			// in stays on the drained stream, so the loop falls straight
			// back through to another resubscribe attempt.
			continue
		}
		bo.Reset()
		in = next
	}
}

// forget drops the bookkeeping entry if it still points at this subscription
func (l *Listener) forget(conversationId string, sub *subscription) {
	l.mu.Lock()
	if cur, ok := l.subs[conversationId]; ok && cur == sub {
		delete(l.subs, conversationId)
	}
	l.mu.Unlock()
}
