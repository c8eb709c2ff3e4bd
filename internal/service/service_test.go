package service

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/StephTapera/amenchat/internal/config"
	"github.com/StephTapera/amenchat/internal/entity"
	"github.com/StephTapera/amenchat/internal/repository"
	"github.com/StephTapera/amenchat/internal/store"
	"github.com/StephTapera/amenchat/pkg/imaging"
	"github.com/StephTapera/amenchat/pkg/ratelimit"
	"github.com/StephTapera/amenchat/pkg/validator"
	"github.com/stretchr/testify/require"
)

// stubFollows answers mutual-follow queries from a fixed set of pairs
type stubFollows struct {
	mu     sync.Mutex
	mutual map[string]bool
}

func newStubFollows(pairs ...[2]string) *stubFollows {
	f := &stubFollows{mutual: make(map[string]bool)}
	for _, p := range pairs {
		f.mutual[pairKey(p[0], p[1])] = true
	}
	return f
}

func pairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return strings.Join(ids, "|")
}

func (f *stubFollows) IsMutualFollow(ctx context.Context, userId, otherId string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mutual[pairKey(userId, otherId)], nil
}

// stubNetwork is a settable connectivity view
type stubNetwork struct {
	connected atomic.Bool
}

func newStubNetwork(connected bool) *stubNetwork {
	n := &stubNetwork{}
	n.connected.Store(connected)
	return n
}

func (n *stubNetwork) IsConnected() bool { return n.connected.Load() }

// recordSink captures push payloads
type recordSink struct {
	mu       sync.Mutex
	payloads []PushPayload
}

func (s *recordSink) Notify(ctx context.Context, payload PushPayload) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, payload)
}

func (s *recordSink) all() []PushPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]PushPayload(nil), s.payloads...)
}

// flakyStore fails CreateMessage a fixed number of times before delegating
type flakyStore struct {
	store.DocumentStore
	mu       sync.Mutex
	failures int
	err      error
}

func (s *flakyStore) CreateMessage(ctx context.Context, msg *entity.Message) (*entity.Message, error) {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return nil, s.err
	}
	return s.DocumentStore.CreateMessage(ctx, msg)
}

// fixture wires one user's services over a shared document store
type fixture struct {
	userId   string
	store    store.DocumentStore
	repos    *repository.Repositories
	delivery *DeliveryService
	convs    *ConversationService
	queue    *QueueService
	msgs     *MessageService
	network  *stubNetwork
	sink     *recordSink
	follows  *stubFollows
}

func newFixture(t *testing.T, userId string, docStore store.DocumentStore, follows *stubFollows) *fixture {
	t.Helper()

	cfg := config.Default()
	cfg.Local.DBPath = filepath.Join(t.TempDir(), userId+".db")
	repos, err := repository.NewRepositories(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repos.Close() })

	delivery := NewDeliveryService()
	convs := NewConversationService(userId, docStore, follows, repos.ConvCache)
	queue := NewQueueService(userId, repos.Queue, docStore, delivery, follows, 3, time.Millisecond, 5*time.Millisecond)
	network := newStubNetwork(true)
	sink := &recordSink{}
	msgs := NewMessageService(
		userId, userId, convs, docStore,
		validator.New(),
		ratelimit.New(0, 0),
		imaging.New(imaging.Options{}),
		delivery, queue, network, sink,
	)

	return &fixture{
		userId:   userId,
		store:    docStore,
		repos:    repos,
		delivery: delivery,
		convs:    convs,
		queue:    queue,
		msgs:     msgs,
		network:  network,
		sink:     sink,
		follows:  follows,
	}
}
