// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package ttlstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewFromClient(client), mr
}

func TestSetEXGetDel(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	require.NoError(t, store.SetEX(ctx, "router:heartbeat:r1", 60, "1"))

	v, ok, err := store.Get(ctx, "router:heartbeat:r1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", v)

	mr.FastForward(61 * time.Second)
	_, ok, err = store.Get(ctx, "router:heartbeat:r1")
	require.NoError(t, err)
	require.False(t, ok, "key should have expired")

	require.NoError(t, store.SetEX(ctx, "k", 60, "v"))
	require.NoError(t, store.Del(ctx, "k"))
	exists, err := store.Exists(ctx, "k")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestIncrDecr(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	n, err := store.Incr(ctx, "user:sessions:alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	n, err = store.Incr(ctx, "user:sessions:alice")
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	n, err = store.Decr(ctx, "user:sessions:alice")
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	store, _ := newTestStore(t)

	sub := store.SubscribeExact(ctx, "router:rpc:r1")
	defer sub.Close()

	_, err := sub.Receive(ctx) // subscribe confirmation
	require.NoError(t, err)

	require.NoError(t, store.Publish(ctx, "router:rpc:r1", []byte(`{"id":"x"}`)))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, `{"id":"x"}`, msg.Payload)
}

func TestKeysPattern(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)

	require.NoError(t, store.SetEX(ctx, "router:heartbeat:r1", 60, "1"))
	require.NoError(t, store.SetEX(ctx, "router:heartbeat:r2", 60, "1"))
	require.NoError(t, store.SetEX(ctx, "router:connection:r1", 60, "{}"))

	keys, err := store.Keys(ctx, "router:heartbeat:*")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"router:heartbeat:r1", "router:heartbeat:r2"}, keys)
}
