package service

import (
	"testing"

	"github.com/StephTapera/amenchat/internal/entity"
	"github.com/StephTapera/amenchat/internal/store"
	"github.com/StephTapera/amenchat/pkg/errcode"
	"github.com/stretchr/testify/require"
)

func TestStatusMovesForwardOnly(t *testing.T) {
	d := NewDeliveryService()

	d.Track("m1", entity.StatusSending)
	require.NoError(t, d.UpdateStatus("m1", entity.StatusSent))
	require.NoError(t, d.UpdateStatus("m1", entity.StatusDelivered))
	require.NoError(t, d.UpdateStatus("m1", entity.StatusRead))

	err := d.UpdateStatus("m1", entity.StatusDelivered)
	require.True(t, errcode.Is(err, errcode.ErrStatusRegression))
	err = d.UpdateStatus("m1", entity.StatusSending)
	require.True(t, errcode.Is(err, errcode.ErrStatusRegression))

	status, ok := d.Status("m1")
	require.True(t, ok)
	require.Equal(t, entity.StatusRead, status)
}

func TestStatusSkipsIntermediateSteps(t *testing.T) {
	d := NewDeliveryService()

	// A read receipt can arrive before the delivery receipt.
	d.Track("m1", entity.StatusSent)
	require.NoError(t, d.UpdateStatus("m1", entity.StatusRead))
}

func TestFailedOnlyFromSendingAndRetry(t *testing.T) {
	d := NewDeliveryService()

	d.Track("m1", entity.StatusSending)
	require.NoError(t, d.UpdateStatus("m1", entity.StatusFailed))

	// Only an explicit retry leaves failed.
	err := d.UpdateStatus("m1", entity.StatusSent)
	require.True(t, errcode.Is(err, errcode.ErrStatusRegression))
	require.NoError(t, d.Retry("m1"))

	status, _ := d.Status("m1")
	require.Equal(t, entity.StatusSending, status)

	// Retry of a non-failed message is rejected.
	err = d.Retry("m1")
	require.True(t, errcode.Is(err, errcode.ErrInvalidParam))

	// A persisted message cannot fail anymore.
	require.NoError(t, d.UpdateStatus("m1", entity.StatusSent))
	err = d.UpdateStatus("m1", entity.StatusFailed)
	require.True(t, errcode.Is(err, errcode.ErrStatusRegression))
}

func TestUnknownMessage(t *testing.T) {
	d := NewDeliveryService()

	err := d.UpdateStatus("ghost", entity.StatusSent)
	require.True(t, errcode.Is(err, errcode.ErrMessageNotFound))
	err = d.Retry("ghost")
	require.True(t, errcode.Is(err, errcode.ErrMessageNotFound))
	_, ok := d.Status("ghost")
	require.False(t, ok)
}

func TestObserveDeliversCurrentThenUpdates(t *testing.T) {
	d := NewDeliveryService()
	d.Track("m1", entity.StatusSending)

	ch := d.Observe("m1")
	require.Equal(t, entity.StatusSending, <-ch)

	require.NoError(t, d.UpdateStatus("m1", entity.StatusSent))
	require.Equal(t, entity.StatusSent, <-ch)
}

func TestObserveReleasesWatchersOnRead(t *testing.T) {
	d := NewDeliveryService()
	d.Track("m1", entity.StatusSent)

	ch := d.Observe("m1")
	require.Equal(t, entity.StatusSent, <-ch)

	require.NoError(t, d.UpdateStatus("m1", entity.StatusRead))
	require.Equal(t, entity.StatusRead, <-ch)

	_, open := <-ch
	require.False(t, open)

	// Observing an already-read message yields the status and closes right
	// away instead of registering a watcher that can never fire again.
	ch = d.Observe("m1")
	require.Equal(t, entity.StatusRead, <-ch)
	_, open = <-ch
	require.False(t, open)
}

func TestForgetDropsTrackingAndClosesWatchers(t *testing.T) {
	d := NewDeliveryService()
	d.Track("m1", entity.StatusSending)

	ch := d.Observe("m1")
	require.Equal(t, entity.StatusSending, <-ch)

	d.Forget("m1")
	_, open := <-ch
	require.False(t, open)
	_, ok := d.Status("m1")
	require.False(t, ok)
}

func TestApplyEventAdvancesOwnMessages(t *testing.T) {
	d := NewDeliveryService()
	d.Track("m1", entity.StatusSending)

	d.ApplyEvent(store.ChangeEvent{
		Kind:           store.ChangeMessageAdded,
		ConversationId: "di_alice:bob",
		Seq:            1,
		Message: &entity.Message{
			ConversationId: "di_alice:bob",
			Seq:            1,
			ClientMsgId:    "m1",
			SenderId:       "alice",
		},
	}, "alice")

	status, _ := d.Status("m1")
	require.Equal(t, entity.StatusSent, status)

	// Someone else's message changes nothing.
	d.ApplyEvent(store.ChangeEvent{
		Kind: store.ChangeMessageAdded,
		Message: &entity.Message{
			ClientMsgId: "theirs",
			SenderId:    "bob",
		},
	}, "alice")
	_, ok := d.Status("theirs")
	require.False(t, ok)
}

func TestApplyEventDeliveryReceipt(t *testing.T) {
	d := NewDeliveryService()
	d.Track("m1", entity.StatusSent)
	d.Track("m2", entity.StatusSent)
	d.Track("m3", entity.StatusSent)
	d.Bind("di_alice:bob", 1, "m1")
	d.Bind("di_alice:bob", 2, "m2")
	d.Bind("di_alice:bob", 3, "m3")

	// Bob's client acknowledged everything up to seq 2.
	d.ApplyEvent(store.ChangeEvent{
		Kind:           store.ChangeDeliveryReceipt,
		ConversationId: "di_alice:bob",
		Seq:            2,
		UserId:         "bob",
	}, "alice")

	s1, _ := d.Status("m1")
	s2, _ := d.Status("m2")
	s3, _ := d.Status("m3")
	require.Equal(t, entity.StatusDelivered, s1)
	require.Equal(t, entity.StatusDelivered, s2)
	require.Equal(t, entity.StatusSent, s3)

	// The local user's own receipt means nothing for outgoing status.
	d.ApplyEvent(store.ChangeEvent{
		Kind:           store.ChangeDeliveryReceipt,
		ConversationId: "di_alice:bob",
		Seq:            3,
		UserId:         "alice",
	}, "alice")
	s3, _ = d.Status("m3")
	require.Equal(t, entity.StatusSent, s3)
}

func TestApplyEventReadReceipt(t *testing.T) {
	d := NewDeliveryService()
	d.Track("m1", entity.StatusDelivered)

	d.ApplyEvent(store.ChangeEvent{
		Kind:           store.ChangeMessageModified,
		ConversationId: "di_alice:bob",
		Seq:            1,
		Message: &entity.Message{
			ConversationId: "di_alice:bob",
			Seq:            1,
			ClientMsgId:    "m1",
			SenderId:       "alice",
			ReadBy:         []string{"bob"},
		},
	}, "alice")

	status, _ := d.Status("m1")
	require.Equal(t, entity.StatusRead, status)

	// A later delivery receipt for the same range cannot move it back.
	d.ApplyEvent(store.ChangeEvent{
		Kind:           store.ChangeDeliveryReceipt,
		ConversationId: "di_alice:bob",
		Seq:            1,
		UserId:         "bob",
	}, "alice")
	status, _ = d.Status("m1")
	require.Equal(t, entity.StatusRead, status)
}
