package remote_test

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ierr "github.com/tallybook/tally/internal/errors"
	"github.com/tallybook/tally/internal/offline/schema"
	"github.com/tallybook/tally/internal/remote"
	"github.com/tallybook/tally/internal/testutil"
)

func newClient(t *testing.T, fake *testutil.FakeServer, token string, retries int) *remote.Client {
	t.Helper()
	srv := httptest.NewServer(fake.Handler("secret"))
	t.Cleanup(srv.Close)
	c, err := remote.NewClient(remote.Options{
		BaseURL:      srv.URL,
		Token:        token,
		Timeout:      5 * time.Second,
		RetryMax:     retries,
		RetryWaitMin: time.Millisecond,
		RetryWaitMax: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func mutation(key string, op schema.Operation, id, payload string) remote.Mutation {
	m := remote.Mutation{IdempotencyKey: key, Operation: op, EntityType: schema.Customers, EntityID: id}
	if payload != "" {
		m.Payload = schema.Payload(payload)
	}
	return m
}

func TestClientRoundTrip(t *testing.T) {
	fake := testutil.NewFakeServer("acme")
	c := newClient(t, fake, "secret", 0)
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	res, err := c.PushMutations(ctx, "acme", []remote.Mutation{
		mutation("k1", schema.OpCreate, "c-1", `{"name":"Ada"}`),
		mutation("k2", schema.OpUpdate, "c-1", `{"phone":"123"}`),
		mutation("k3", schema.OpUpdate, "c-404", `{"phone":"123"}`),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.BatchID)
	require.Len(t, res.Results, 3)

	byKey := res.ByKey()
	assert.Equal(t, remote.StatusApplied, byKey["k1"].Status)
	assert.Equal(t, remote.StatusApplied, byKey["k2"].Status)
	require.NotNil(t, byKey["k2"].Record)
	assert.JSONEq(t, `{"name":"Ada","phone":"123"}`, string(byKey["k2"].Record.Payload))
	assert.Equal(t, remote.StatusRejected, byKey["k3"].Status)
	assert.Equal(t, "not found", byKey["k3"].Reason)

	d, err := c.Delta(ctx, "acme", "", 1)
	require.NoError(t, err)
	require.Len(t, d.Changes, 1)
	assert.True(t, d.HasMore)
	assert.Equal(t, "c-1", d.Changes[0].EntityID)

	d, err = c.Delta(ctx, "acme", d.Cursor, 10)
	require.NoError(t, err)
	require.Len(t, d.Changes, 1)
	assert.False(t, d.HasMore)
	assert.EqualValues(t, 2, d.Changes[0].Record.Version)

	snap, err := c.Snapshot(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, snap.Entities[schema.Customers], 1)
	assert.Equal(t, d.Cursor, snap.Cursor)
	assert.Contains(t, snap.AppliedSet(), "k1")
	assert.NotContains(t, snap.AppliedSet(), "k3")
}

func TestClientTimestampsSurviveTransport(t *testing.T) {
	fake := testutil.NewFakeServer("acme")
	c := newClient(t, fake, "secret", 0)
	rec := fake.Put(schema.Customers, "c-1", schema.Payload(`{"name":"Ada"}`))

	d, err := c.Delta(context.Background(), "acme", "", 10)
	require.NoError(t, err)
	require.Len(t, d.Changes, 1)
	assert.True(t, rec.UpdatedAt.Equal(d.Changes[0].Record.UpdatedAt))
}

func TestClientErrorClassification(t *testing.T) {
	ctx := context.Background()

	t.Run("expired cursor", func(t *testing.T) {
		fake := testutil.NewFakeServer("acme")
		c := newClient(t, fake, "secret", 0)
		fake.Put(schema.Customers, "c-1", schema.Payload(`{"name":"Ada"}`))
		fake.Compact()
		_, err := c.Delta(ctx, "acme", "c0", 10)
		assert.True(t, ierr.IsWatermarkUnrecognized(err), "got %v", err)
	})

	t.Run("bad token", func(t *testing.T) {
		c := newClient(t, testutil.NewFakeServer("acme"), "wrong", 0)
		_, err := c.Snapshot(ctx, "acme")
		assert.True(t, ierr.IsPermissionDenied(err), "got %v", err)
		assert.False(t, ierr.IsTransient(err))
	})

	t.Run("other tenant", func(t *testing.T) {
		c := newClient(t, testutil.NewFakeServer("acme"), "secret", 0)
		_, err := c.Snapshot(ctx, "globex")
		assert.True(t, ierr.IsPermissionDenied(err), "got %v", err)
	})

	t.Run("server down", func(t *testing.T) {
		fake := testutil.NewFakeServer("acme")
		fake.SetOffline(true)
		c := newClient(t, fake, "secret", 1)
		_, err := c.Delta(ctx, "acme", "", 10)
		assert.True(t, ierr.IsTransient(err), "got %v", err)
		assert.Equal(t, 2, fake.Calls().Delta, "one retry")
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(testutil.NewFakeServer("acme"))
		url := srv.URL
		srv.Close()
		c, err := remote.NewClient(remote.Options{BaseURL: url, RetryMax: 0})
		require.NoError(t, err)
		err = c.Ping(ctx)
		assert.True(t, ierr.Is(err, ierr.ErrNetworkUnavailable), "got %v", err)
	})

	t.Run("bad base url", func(t *testing.T) {
		_, err := remote.NewClient(remote.Options{BaseURL: "not a url"})
		assert.True(t, ierr.IsValidation(err))
	})
}

func TestLostAckIsRetriedAndDeduplicated(t *testing.T) {
	fake := testutil.NewFakeServer("acme")
	fake.LoseAcks(1)
	c := newClient(t, fake, "secret", 2)

	res, err := c.PushMutations(context.Background(), "acme", []remote.Mutation{
		mutation("k1", schema.OpCreate, "c-1", `{"name":"Ada"}`),
	})
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, remote.StatusApplied, res.Results[0].Status)
	assert.Equal(t, 2, fake.Calls().Push)
	assert.Equal(t, 1, fake.AppliedCount("k1"))
}
