package messaging

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/erichowens/port-daddy/internal/storage"
)

func newTestMessenger(t *testing.T) (*Messenger, *storage.Store) {
	t.Helper()
	store, err := storage.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	subs := NewSubscribers(zerolog.Nop())
	return New(store, zerolog.Nop(), subs, nil, nil), store
}

func TestPublishAndRead(t *testing.T) {
	m, _ := newTestMessenger(t)

	first, err := m.Publish("builds", map[string]any{"status": "ok"}, PublishOptions{Sender: "ci"})
	require.NoError(t, err)

	msgs, err := m.GetMessages("builds", GetOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, map[string]any{"status": "ok"}, msgs[0].Payload)
	assert.Equal(t, "ci", msgs[0].Sender)

	// Nothing newer than the only message.
	poll, err := m.Poll("builds", first.ID)
	require.NoError(t, err)
	assert.Nil(t, poll.Message)
	assert.Equal(t, first.ID, poll.LastID)

	second, err := m.Publish("builds", "plain text", PublishOptions{})
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID)

	poll, err = m.Poll("builds", first.ID)
	require.NoError(t, err)
	require.NotNil(t, poll.Message)
	assert.Equal(t, "plain text", poll.Message.Payload)
	assert.Equal(t, second.ID, poll.LastID)
}

func TestMessageOrdering(t *testing.T) {
	m, _ := newTestMessenger(t)

	var last int64
	for i := 0; i < 5; i++ {
		res, err := m.Publish("ordered", fmt.Sprintf("msg-%d", i), PublishOptions{})
		require.NoError(t, err)
		assert.Greater(t, res.ID, last)
		last = res.ID
	}

	msgs, err := m.GetMessages("ordered", GetOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	for i := 1; i < len(msgs); i++ {
		assert.Greater(t, msgs[i].ID, msgs[i-1].ID)
	}
}

func TestGetMessagesAfterAndLimit(t *testing.T) {
	m, _ := newTestMessenger(t)
	var ids []int64
	for i := 0; i < 4; i++ {
		res, err := m.Publish("c", i, PublishOptions{})
		require.NoError(t, err)
		ids = append(ids, res.ID)
	}

	msgs, err := m.GetMessages("c", GetOptions{After: ids[1]})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)

	msgs, err = m.GetMessages("c", GetOptions{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
}

func TestPublishValidation(t *testing.T) {
	m, _ := newTestMessenger(t)
	_, err := m.Publish("", "x", PublishOptions{})
	require.Error(t, err)
}

func TestPublishUnparseableExpiry(t *testing.T) {
	m, store := newTestMessenger(t)
	now := int64(50_000)
	store.SetNow(func() int64 { return now })

	// An unparseable duration pins expires_at to now, so the message is
	// immediately sweepable.
	_, err := m.Publish("quirk", "x", PublishOptions{Expires: "invalid"})
	require.NoError(t, err)

	now++
	n, err := m.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestExpiryCleanup(t *testing.T) {
	m, store := newTestMessenger(t)
	now := int64(50_000)
	store.SetNow(func() int64 { return now })

	_, err := m.Publish("c", "short", PublishOptions{Expires: "1s"})
	require.NoError(t, err)
	_, err = m.Publish("c", "forever", PublishOptions{})
	require.NoError(t, err)

	now += 2000
	n, err := m.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	msgs, err := m.GetMessages("c", GetOptions{})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "forever", msgs[0].Payload)
}

func TestClear(t *testing.T) {
	m, _ := newTestMessenger(t)
	_, err := m.Publish("a", "1", PublishOptions{})
	require.NoError(t, err)
	_, err = m.Publish("a", "2", PublishOptions{})
	require.NoError(t, err)
	_, err = m.Publish("b", "3", PublishOptions{})
	require.NoError(t, err)

	n, err := m.Clear("a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs, err := m.GetMessages("b", GetOptions{})
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestListChannels(t *testing.T) {
	m, store := newTestMessenger(t)
	now := int64(0)
	store.SetNow(func() int64 { now += 100; return now })

	_, err := m.Publish("first", "1", PublishOptions{})
	require.NoError(t, err)
	_, err = m.Publish("second", "2", PublishOptions{})
	require.NoError(t, err)
	_, err = m.Publish("second", "3", PublishOptions{})
	require.NoError(t, err)

	channels, err := m.ListChannels()
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "second", channels[0].Channel)
	assert.Equal(t, int64(2), channels[0].Count)
}

func TestSubscriberFanOut(t *testing.T) {
	m, _ := newTestMessenger(t)

	var direct []Delivery
	unsub, err := m.Subscribers().Subscribe("builds", func(d Delivery) {
		direct = append(direct, d)
	})
	require.NoError(t, err)
	defer unsub()

	var wild []Delivery
	unsubWild, err := m.Subscribers().Subscribe(WildcardChannel, func(d Delivery) {
		wild = append(wild, d)
	})
	require.NoError(t, err)
	defer unsubWild()

	_, err = m.Publish("builds", map[string]any{"n": float64(1)}, PublishOptions{})
	require.NoError(t, err)
	_, err = m.Publish("other", "hello", PublishOptions{})
	require.NoError(t, err)

	require.Len(t, direct, 1)
	assert.Equal(t, map[string]any{"n": float64(1)}, direct[0].Payload)

	// Wildcard subscribers see every channel, with the raw payload.
	require.Len(t, wild, 2)
	assert.Equal(t, "builds", wild[0].Channel)
	assert.Equal(t, `{"n":1}`, wild[0].Payload)
	assert.Equal(t, "other", wild[1].Channel)
}

func TestSubscriberPanicIsolation(t *testing.T) {
	m, _ := newTestMessenger(t)

	unsub1, err := m.Subscribers().Subscribe("c", func(Delivery) { panic("boom") })
	require.NoError(t, err)
	defer unsub1()

	called := false
	unsub2, err := m.Subscribers().Subscribe("c", func(Delivery) { called = true })
	require.NoError(t, err)
	defer unsub2()

	_, err = m.Publish("c", "x", PublishOptions{})
	require.NoError(t, err)
	assert.True(t, called, "second subscriber must run despite the first panicking")
}

func TestUnsubscribePrunesChannel(t *testing.T) {
	subs := NewSubscribers(zerolog.Nop())
	unsub, err := subs.Subscribe("c", func(Delivery) {})
	require.NoError(t, err)
	assert.Equal(t, 1, subs.ChannelCount())
	unsub()
	assert.Equal(t, 0, subs.ChannelCount())
	// Double-unsubscribe is harmless.
	unsub()
}

func TestSubscriberLimits(t *testing.T) {
	subs := NewSubscribers(zerolog.Nop())
	for i := 0; i < MaxSubscribersPerChannel; i++ {
		_, err := subs.Subscribe("full", func(Delivery) {})
		require.NoError(t, err)
	}
	_, err := subs.Subscribe("full", func(Delivery) {})
	require.Error(t, err)
}
