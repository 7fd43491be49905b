package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-network/chain-monitor/pkg/pgnotify"
)

type fakeBus struct {
	published map[string]interface{}
	handler   pgnotify.Handler
}

func (f *fakeBus) PublishTx(_ context.Context, _ *sql.Tx, channel string, payload interface{}) error {
	if f.published == nil {
		f.published = map[string]interface{}{}
	}
	f.published[channel] = payload
	return nil
}

func (f *fakeBus) Subscribe(_ string, handler pgnotify.Handler) error {
	f.handler = handler
	return nil
}

func TestPublishNotificationIDsSkipsEmpty(t *testing.T) {
	bus := &fakeBus{}
	r := New(bus)

	err := r.PublishNotificationIDs(context.Background(), nil, nil)
	require.NoError(t, err)
	require.Empty(t, bus.published)
}

func TestPublishNotificationIDsPublishesOnChannel(t *testing.T) {
	bus := &fakeBus{}
	r := New(bus)

	err := r.PublishNotificationIDs(context.Background(), nil, []int64{1, 2, 3})
	require.NoError(t, err)
	require.Equal(t, []int64{1, 2, 3}, bus.published[Channel])
}

func TestSubscribeDecodesNotificationIDs(t *testing.T) {
	bus := &fakeBus{}
	r := New(bus)

	var received []int64
	err := r.Subscribe(func(_ context.Context, ids []int64) error {
		received = ids
		return nil
	})
	require.NoError(t, err)
	require.NotNil(t, bus.handler)

	payload, err := json.Marshal([]int64{7, 8})
	require.NoError(t, err)

	err = bus.handler(context.Background(), pgnotify.Event{Channel: Channel, Payload: payload})
	require.NoError(t, err)
	require.Equal(t, []int64{7, 8}, received)
}
