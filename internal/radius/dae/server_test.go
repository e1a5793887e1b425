// Copyright 2026 The FleetControl Authors
// SPDX-License-Identifier: Apache-2.0

package dae

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skylinknet/fleetcontrol/internal/durablestore"
	"github.com/skylinknet/fleetcontrol/internal/model"
	"github.com/skylinknet/fleetcontrol/internal/radius"
)

type fakeSessionStore struct {
	sessions map[string]model.AccountingSession
	closed   map[string]string
	attrs    map[string]map[model.ReplyAttributeName]string
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: map[string]model.AccountingSession{},
		closed:   map[string]string{},
		attrs:    map[string]map[model.ReplyAttributeName]string{},
	}
}

func (f *fakeSessionStore) FindActiveSession(ctx context.Context, username, sessionID string) (model.AccountingSession, bool, error) {
	sess, ok := f.sessions[username]
	if !ok {
		return model.AccountingSession{}, false, nil
	}
	if sessionID != "" && sess.SessionID != sessionID {
		return model.AccountingSession{}, false, nil
	}
	return sess, true, nil
}

func (f *fakeSessionStore) CloseSession(ctx context.Context, sessionID, cause string) error {
	f.closed[sessionID] = cause
	return nil
}

func (f *fakeSessionStore) UpsertReplyAttribute(ctx context.Context, attr model.ReplyAttribute) error {
	if f.attrs[attr.Username] == nil {
		f.attrs[attr.Username] = map[model.ReplyAttributeName]string{}
	}
	f.attrs[attr.Username][attr.Attribute] = attr.Value
	return nil
}

type fakeSecrets struct {
	secret string
	ok     bool
	err    error
}

func (f *fakeSecrets) SecretForAddress(ctx context.Context, addr string) (string, bool, error) {
	return f.secret, f.ok, f.err
}

func newTestServer(store *fakeSessionStore, secrets *fakeSecrets) *Server {
	return New(store, secrets, slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
}

func TestHandleDisconnectClosesMatchingSessionAndAcks(t *testing.T) {
	store := newFakeSessionStore()
	store.sessions["alice"] = model.AccountingSession{SessionID: "s1", Username: "alice"}
	s := newTestServer(store, &fakeSecrets{secret: "s3cr3t", ok: true})

	req, err := radius.EncodeWithComputedAuthenticator(radius.CodeDisconnectRequest, 5,
		[]radius.Attribute{{Type: radius.AttrUserName, Value: []byte("alice")}}, "s3cr3t")
	require.NoError(t, err)
	pkt, err := radius.Decode(req)
	require.NoError(t, err)

	reply, err := s.handleDisconnect(context.Background(), pkt, "s3cr3t")
	require.NoError(t, err)

	replyPkt, err := radius.Decode(reply)
	require.NoError(t, err)
	require.Equal(t, byte(radius.CodeDisconnectACK), replyPkt.Code)
	require.Equal(t, "admin-reset", store.closed["s1"])
}

func TestHandleDisconnectNAKsWhenNoActiveSession(t *testing.T) {
	store := newFakeSessionStore()
	s := newTestServer(store, &fakeSecrets{secret: "s3cr3t", ok: true})

	req, err := radius.EncodeWithComputedAuthenticator(radius.CodeDisconnectRequest, 5,
		[]radius.Attribute{{Type: radius.AttrUserName, Value: []byte("ghost")}}, "s3cr3t")
	require.NoError(t, err)
	pkt, err := radius.Decode(req)
	require.NoError(t, err)

	reply, err := s.handleDisconnect(context.Background(), pkt, "s3cr3t")
	require.NoError(t, err)

	replyPkt, err := radius.Decode(reply)
	require.NoError(t, err)
	require.Equal(t, byte(radius.CodeDisconnectNAK), replyPkt.Code)
}

func TestHandleCoAUpsertsRecognizedAttributesAndAcks(t *testing.T) {
	store := newFakeSessionStore()
	s := newTestServer(store, &fakeSecrets{secret: "s3cr3t", ok: true})

	req, err := radius.EncodeWithComputedAuthenticator(radius.CodeCoARequest, 9, []radius.Attribute{
		{Type: radius.AttrUserName, Value: []byte("bob")},
		{Type: coaDataRemainingAttr, Value: []byte("1073741824")},
	}, "s3cr3t")
	require.NoError(t, err)
	pkt, err := radius.Decode(req)
	require.NoError(t, err)

	reply, err := s.handleCoA(context.Background(), pkt, "s3cr3t")
	require.NoError(t, err)

	replyPkt, err := radius.Decode(reply)
	require.NoError(t, err)
	require.Equal(t, byte(radius.CodeCoAACK), replyPkt.Code)
	require.Equal(t, "1073741824", store.attrs["bob"][model.AttrDataRemaining])
}

func TestHandleCoANAKsWhenNoRecognizedAttribute(t *testing.T) {
	store := newFakeSessionStore()
	s := newTestServer(store, &fakeSecrets{secret: "s3cr3t", ok: true})

	req, err := radius.EncodeWithComputedAuthenticator(radius.CodeCoARequest, 9,
		[]radius.Attribute{{Type: radius.AttrUserName, Value: []byte("bob")}}, "s3cr3t")
	require.NoError(t, err)
	pkt, err := radius.Decode(req)
	require.NoError(t, err)

	reply, err := s.handleCoA(context.Background(), pkt, "s3cr3t")
	require.NoError(t, err)

	replyPkt, err := radius.Decode(reply)
	require.NoError(t, err)
	require.Equal(t, byte(radius.CodeCoANAK), replyPkt.Code)
}

type fakeRouterByAddressStore struct {
	router model.Router
	err    error
}

func (f *fakeRouterByAddressStore) GetRouterByAddress(ctx context.Context, address string) (model.Router, error) {
	return f.router, f.err
}

func TestStoreSecretResolverReturnsSecretWhenPresent(t *testing.T) {
	store := &fakeRouterByAddressStore{router: model.Router{ID: "router-1", RadiusSecret: "xyz"}}
	r := NewStoreSecretResolver(store, "")

	secret, ok, err := r.SecretForAddress(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "xyz", secret)
}

func TestStoreSecretResolverRejectsUnknownAddress(t *testing.T) {
	store := &fakeRouterByAddressStore{err: durablestore.ErrNotFound}
	r := NewStoreSecretResolver(store, "")

	_, ok, err := r.SecretForAddress(context.Background(), "10.0.0.2")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStoreSecretResolverFallsBackToMasterSecret(t *testing.T) {
	store := &fakeRouterByAddressStore{router: model.Router{ID: "router-1"}}
	r := NewStoreSecretResolver(store, "master-secret")

	secret, ok, err := r.SecretForAddress(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "master-secret", secret)
}
